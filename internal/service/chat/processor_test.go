package chat

import (
	"context"
	"errors"
	"testing"

	"im_core_server/internal/protocol"
	"im_core_server/internal/service/session"
	"im_core_server/pkg/errorx"
)

func TestHeartbeat(t *testing.T) {
	h := newHarness(t, nil)
	a1 := h.connect(t, "A", "a1")

	h.send(t, a1, protocol.TypeHeartbeat, nil)

	var ack protocol.HeartbeatAck
	a1.last(t, protocol.TypeHeartbeatAck, &ack)
	if ack.ServerTime == 0 {
		t.Fatalf("heartbeat ack without server time")
	}
}

func TestMalformedFrameKeepsConnectionUntilLimit(t *testing.T) {
	h := newHarness(t, nil)
	a1 := h.connect(t, "A", "a1")

	if err := h.p.HandleFrame(a1, []byte("not json")); err != nil {
		t.Fatalf("single malformed frame must not close: %v", err)
	}
	serr := expectError(t, a1, errorx.CodeInvalidParam)
	if serr.RequestType != "" {
		t.Fatalf("requestType = %q", serr.RequestType)
	}
	if a1.closed.Load() || !h.registry.IsOnline("A") {
		t.Fatalf("connection closed after a malformed frame")
	}

	// 合法帧清零计数
	h.send(t, a1, protocol.TypeHeartbeat, nil)
	for i := 1; i < h.p.opts.MaxDecodeFailures; i++ {
		if err := h.p.HandleFrame(a1, []byte("{")); err != nil {
			t.Fatalf("failure %d closed early: %v", i, err)
		}
	}
	if err := h.p.HandleFrame(a1, []byte("{")); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected protocol violation, got %v", err)
	}
}

func TestUnknownPacketTypeIsDropped(t *testing.T) {
	h := newHarness(t, nil)
	a1 := h.connect(t, "A", "a1")

	if err := h.p.HandleFrame(a1, []byte(`{"type":"VIDEO_CALL","data":{}}`)); err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}
	if n := a1.count(t, ""); n != 0 {
		t.Fatalf("unknown type produced %d frames", n)
	}
}

func TestHandlerPanicAnsweredWithServerError(t *testing.T) {
	h := newHarness(t, nil)
	a1 := h.connect(t, "A", "a1")
	h.p.handlers["EXPLODE"] = func(context.Context, *session.Session, *protocol.Packet) error {
		panic("boom")
	}

	if err := h.p.HandleFrame(a1, []byte(`{"type":"EXPLODE"}`)); err != nil {
		t.Fatalf("panic must not close the connection: %v", err)
	}
	serr := expectError(t, a1, errorx.CodeServerBusy)
	if serr.RequestType != "EXPLODE" {
		t.Fatalf("requestType = %q", serr.RequestType)
	}
	if !h.registry.IsOnline("A") || a1.closed.Load() {
		t.Fatalf("registry state changed after panic")
	}
}

func TestInternalErrorsAreNotLeaked(t *testing.T) {
	serr := toServerError(errorx.Wrap(errors.New("dial tcp 10.0.0.1:3306"), errorx.CodeDBError, "创建消息"), protocol.TypeChatMessage)
	if serr.Code != errorx.CodeServerBusy || serr.Msg != errorx.ErrServerBusy.Msg {
		t.Fatalf("internal error leaked: %+v", serr)
	}
	serr = toServerError(errorx.New(errorx.CodeForbidden, "不是会话成员"), protocol.TypeChatMessage)
	if serr.Code != errorx.CodeForbidden || serr.Msg != "不是会话成员" {
		t.Fatalf("validation error rewritten: %+v", serr)
	}
	serr = toServerError(errorx.ErrTooManyDevices, "")
	if serr.Code != errorx.CodeTooManyDevices {
		t.Fatalf("device cap error rewritten: %+v", serr)
	}
}

func TestFramesFromUnregisteredConnectionStopReading(t *testing.T) {
	h := newHarness(t, nil)
	a1 := h.connect(t, "A", "a1")
	h.p.Disconnect(a1)
	h.p.Disconnect(a1)

	if err := h.p.HandleFrame(a1, []byte(`{"type":"HEARTBEAT"}`)); !errors.Is(err, errSessionGone) {
		t.Fatalf("expected errSessionGone, got %v", err)
	}
}

func TestReconnectKicksOldConnection(t *testing.T) {
	h := newHarness(t, nil)
	old := h.connect(t, "A", "a1")
	fresh := h.connect(t, "A", "a1")

	var kicked protocol.Kicked
	old.last(t, protocol.TypeKicked, &kicked)
	if kicked.DeviceID != "a1" || !old.closed.Load() {
		t.Fatalf("old connection: kicked=%+v closed=%v", kicked, old.closed.Load())
	}
	if s := h.registry.LookupByDevice("A", "a1"); s == nil || s.ConnID() != fresh.ID() {
		t.Fatalf("registry does not point at the new connection")
	}
	// 旧连接的读协程随后调用 Disconnect，不影响新会话
	h.p.Disconnect(old)
	if !h.registry.IsOnline("A") {
		t.Fatalf("stale disconnect took the user offline")
	}
}

func TestDeviceCapRefusesConnection(t *testing.T) {
	h := newHarness(t, nil, withRegistry(session.NewRegistry(session.WithMaxDevices(1))))
	h.connect(t, "A", "a1")

	conn := newTestConn("A/a2")
	err := h.p.Connect(conn, session.Identity{UserID: "A", DeviceID: "a2"})
	if errorx.GetCode(err) != errorx.CodeTooManyDevices {
		t.Fatalf("expected device cap error, got %v", err)
	}
	expectError(t, conn, errorx.CodeTooManyDevices)
	if len(h.registry.SessionsOf("A")) != 1 {
		t.Fatalf("refused device was registered")
	}
}
