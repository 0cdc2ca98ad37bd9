package chat

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"im_core_server/internal/model"
	"im_core_server/internal/protocol"
	"im_core_server/pkg/errorx"
)

// A(a1) 与 B(b1 在线, b2 离线) 私聊：b1 立即收到，b2 经离线同步收到并确认
func TestChatDeliversOnlineAndQueuesOffline(t *testing.T) {
	h := newHarness(t, nil)
	privateChat(h.store)
	ctx := context.Background()
	// b2 曾经连接过，在设备名册中
	if err := h.store.DeviceSync().Touch(ctx, "B", "b2", "android", time.Now()); err != nil {
		t.Fatal(err)
	}

	a1 := h.connect(t, "A", "a1")
	b1 := h.connect(t, "B", "b1")

	id := h.sendChat(t, a1, "c1", "hello")

	var got protocol.MessageView
	b1.last(t, protocol.TypeChatMessage, &got)
	if int64(got.MessageID) != id || got.Content != "hello" || got.SenderID != "A" {
		t.Fatalf("b1 received %+v", got)
	}
	if n := a1.count(t, protocol.TypeChatMessage); n != 0 {
		t.Fatalf("sender device received its own message %d times", n)
	}

	recs := h.store.OfflineRecords()
	if len(recs) != 1 || recs[0].UserID != "B" || recs[0].TargetDeviceID == nil || *recs[0].TargetDeviceID != "b2" || recs[0].MessageID != id {
		t.Fatalf("offline records = %+v", recs)
	}

	// b2 上线后领取
	b2 := h.connect(t, "B", "b2")
	h.send(t, b2, protocol.TypeOfflineSyncRequest, protocol.OfflineSyncRequest{})
	var pending protocol.OfflineSyncResponse
	b2.last(t, protocol.TypeOfflineSyncResponse, &pending)
	if len(pending.Messages) != 1 || int64(pending.Messages[0].MessageID) != id || pending.HasMore {
		t.Fatalf("offline sync response = %+v", pending)
	}

	ack := protocol.OfflineSyncAckRequest{MessageIDs: []protocol.ID{protocol.ID(id)}}
	h.send(t, b2, protocol.TypeOfflineSyncAck, ack)
	var ackResp protocol.OfflineSyncAckResponse
	b2.last(t, protocol.TypeOfflineSyncAckResponse, &ackResp)
	if ackResp.Acked != 1 || int64(ackResp.LastSyncedMsgID) != id {
		t.Fatalf("ack response = %+v", ackResp)
	}

	// 重复确认结果不变
	h.send(t, b2, protocol.TypeOfflineSyncAck, ack)
	b2.last(t, protocol.TypeOfflineSyncAckResponse, &ackResp)
	if ackResp.Acked != 0 || int64(ackResp.LastSyncedMsgID) != id {
		t.Fatalf("second ack response = %+v", ackResp)
	}

	h.send(t, b2, protocol.TypeOfflineSyncRequest, protocol.OfflineSyncRequest{})
	b2.last(t, protocol.TypeOfflineSyncResponse, &pending)
	if len(pending.Messages) != 0 {
		t.Fatalf("acked message resurfaced: %+v", pending)
	}

	st, err := h.store.DeviceSync().Find(ctx, "B", "b2")
	if err != nil || st.LastSyncedMsgID != id {
		t.Fatalf("device_sync_status(B, b2) = %+v, %v", st, err)
	}
}

func TestChatFanoutCountsMatchOnlineAndOfflineDevices(t *testing.T) {
	h := newHarness(t, nil)
	h.store.PutConversation(model.Conversation{ID: "g1", Type: model.ConversationGroup}, []string{"A", "B", "C", "D"}, nil)
	ctx := context.Background()
	for _, dev := range [][2]string{{"A", "a2"}, {"B", "b2"}, {"C", "c1"}} {
		_ = h.store.DeviceSync().Touch(ctx, dev[0], dev[1], "ios", time.Now())
	}

	a1 := h.connect(t, "A", "a1")
	online := []*testConn{h.connect(t, "B", "b1"), h.connect(t, "C", "c2")}

	id := h.sendChat(t, a1, "g1", "hi all")

	for _, c := range online {
		if n := c.count(t, protocol.TypeChatMessage); n != 1 {
			t.Fatalf("%s received %d copies", c.ID(), n)
		}
	}
	// a2、b2、c1 有名册记录；D 没有任何设备，写一条不定向记录
	recs := h.store.OfflineRecords()
	if len(recs) != 4 {
		t.Fatalf("offline records = %d, want 4: %+v", len(recs), recs)
	}
	want := map[string]bool{"A/a2": true, "B/b2": true, "C/c1": true, "D/*": true}
	for _, r := range recs {
		key := r.UserID + "/*"
		if r.TargetDeviceID != nil {
			key = r.UserID + "/" + *r.TargetDeviceID
		}
		if !want[key] || r.MessageID != id {
			t.Fatalf("unexpected record %s for message %d", key, r.MessageID)
		}
		delete(want, key)
	}
}

func TestChatDuplicateClientMsgID(t *testing.T) {
	h := newHarness(t, nil)
	privateChat(h.store)
	a1 := h.connect(t, "A", "a1")
	b1 := h.connect(t, "B", "b1")

	req := protocol.ChatMessageRequest{ConversationID: "c1", ClientMsgID: "local-1", Kind: model.MessageKindText, Content: "once"}
	h.send(t, a1, protocol.TypeChatMessage, req)
	h.send(t, a1, protocol.TypeChatMessage, req)

	acks := a1.packets(t, protocol.TypeChatMessageAck)
	if len(acks) != 2 {
		t.Fatalf("acks = %d", len(acks))
	}
	var first, second protocol.ChatMessageAck
	a1.last(t, protocol.TypeChatMessageAck, &second)
	if err := json.Unmarshal(acks[0].Data, &first); err != nil {
		t.Fatal(err)
	}
	if first.MessageID != second.MessageID || first.Duplicate || !second.Duplicate {
		t.Fatalf("first=%+v second=%+v", first, second)
	}
	if n := b1.count(t, protocol.TypeChatMessage); n != 1 {
		t.Fatalf("duplicate was fanned out again: %d copies", n)
	}
}

func TestChatRejectsNonMemberAndUnknownConversation(t *testing.T) {
	h := newHarness(t, nil)
	privateChat(h.store)
	c1 := h.connect(t, "C", "c1")

	h.send(t, c1, protocol.TypeChatMessage, protocol.ChatMessageRequest{ConversationID: "c1", Kind: model.MessageKindText, Content: "x"})
	expectError(t, c1, errorx.CodeForbidden)

	h.send(t, c1, protocol.TypeChatMessage, protocol.ChatMessageRequest{ConversationID: "nope", Kind: model.MessageKindText, Content: "x"})
	expectError(t, c1, errorx.CodeNotFound)

	h.send(t, c1, protocol.TypeChatMessage, protocol.ChatMessageRequest{ConversationID: "c1", Kind: "SHOUT"})
	serr := expectError(t, c1, errorx.CodeInvalidParam)
	if serr.RequestType != protocol.TypeChatMessage {
		t.Fatalf("requestType = %q", serr.RequestType)
	}
	if c1.closed.Load() {
		t.Fatalf("validation errors must not close the connection")
	}
}

func TestChatPersistenceFailureSkipsFanout(t *testing.T) {
	h := newHarness(t, nil)
	privateChat(h.store)
	a1 := h.connect(t, "A", "a1")
	b1 := h.connect(t, "B", "b1")
	h.store.FailWrites = errors.New("mysql down")

	h.send(t, a1, protocol.TypeChatMessage, protocol.ChatMessageRequest{ConversationID: "c1", Kind: model.MessageKindText, Content: "lost"})

	expectError(t, a1, errorx.CodeServerBusy)
	if n := b1.count(t, protocol.TypeChatMessage); n != 0 {
		t.Fatalf("unpersisted message delivered")
	}
}

func TestChatUpdatesConversationState(t *testing.T) {
	h := newHarness(t, nil)
	privateChat(h.store)
	a1 := h.connect(t, "A", "a1")
	id := h.sendChat(t, a1, "c1", "hi")

	ctx := context.Background()
	eventually(t, func() bool {
		conv, err := h.store.Conversations().FindByID(ctx, "c1")
		uc, err2 := h.store.UserConversations().FindMember(ctx, "c1", "B")
		return err == nil && err2 == nil && conv.LastMessageID == id && uc.UnreadCount == 1
	}, "last message and unread count updated")

	uc, _ := h.store.UserConversations().FindMember(ctx, "c1", "A")
	if uc.UnreadCount != 0 {
		t.Fatalf("sender unread = %d", uc.UnreadCount)
	}
}

func TestTypingIsNeverQueued(t *testing.T) {
	h := newHarness(t, nil)
	privateChat(h.store)
	_ = h.store.DeviceSync().Touch(context.Background(), "B", "b2", "web", time.Now())
	a1 := h.connect(t, "A", "a1")
	a2 := h.connect(t, "A", "a2")
	b1 := h.connect(t, "B", "b1")

	h.send(t, a1, protocol.TypeTyping, protocol.TypingRequest{ConversationID: "c1", Typing: true})

	var ev protocol.TypingEvent
	b1.last(t, protocol.TypeTyping, &ev)
	if ev.UserID != "A" || ev.DeviceID != "a1" || !ev.Typing {
		t.Fatalf("typing event = %+v", ev)
	}
	if a1.count(t, protocol.TypeTyping)+a2.count(t, protocol.TypeTyping) != 0 {
		t.Fatalf("typing echoed to the typist")
	}
	if recs := h.store.OfflineRecords(); len(recs) != 0 {
		t.Fatalf("typing created offline records: %+v", recs)
	}
}

func TestReadAckReceiptGoesToSenderOnly(t *testing.T) {
	h := newHarness(t, nil)
	h.store.PutConversation(model.Conversation{ID: "g1", Type: model.ConversationGroup}, []string{"A", "B", "C"}, nil)
	a1 := h.connect(t, "A", "a1")
	a2 := h.connect(t, "A", "a2")
	b1 := h.connect(t, "B", "b1")
	c1 := h.connect(t, "C", "c1")

	id := h.sendChat(t, a1, "g1", "read me")
	h.send(t, b1, protocol.TypeReadAck, protocol.ReadAckRequest{ConversationID: "g1", MessageID: protocol.ID(id)})

	for _, c := range []*testConn{a1, a2} {
		var rr protocol.ReadReceipt
		c.last(t, protocol.TypeReadReceipt, &rr)
		if rr.ReaderID != "B" || int64(rr.MessageID) != id {
			t.Fatalf("%s receipt = %+v", c.ID(), rr)
		}
	}
	if b1.count(t, protocol.TypeReadReceipt)+c1.count(t, protocol.TypeReadReceipt) != 0 {
		t.Fatalf("receipt leaked to non-senders")
	}

	uc, err := h.store.UserConversations().FindMember(context.Background(), "g1", "B")
	if err != nil || uc.LastReadMsgID != id {
		t.Fatalf("read cursor = %+v, %v", uc, err)
	}

	// 发送者读自己的消息不产生回执
	h.send(t, a2, protocol.TypeReadAck, protocol.ReadAckRequest{ConversationID: "g1", MessageID: protocol.ID(id)})
	if n := a1.count(t, protocol.TypeReadReceipt); n != 1 {
		t.Fatalf("self read produced receipt")
	}
}

func TestRecallOnlyOnce(t *testing.T) {
	h := newHarness(t, nil)
	privateChat(h.store)
	a1 := h.connect(t, "A", "a1")
	b1 := h.connect(t, "B", "b1")
	id := h.sendChat(t, a1, "c1", "oops")

	req := protocol.RecallRequest{ConversationID: "c1", MessageID: protocol.ID(id)}
	h.send(t, b1, protocol.TypeRecallMessage, req)
	expectError(t, b1, errorx.CodeForbidden)

	h.send(t, a1, protocol.TypeRecallMessage, req)
	var ack protocol.RecallEvent
	a1.last(t, protocol.TypeRecallAck, &ack)
	if int64(ack.MessageID) != id || ack.RecalledBy != "A" {
		t.Fatalf("recall ack = %+v", ack)
	}
	var pushed protocol.RecallEvent
	b1.last(t, protocol.TypeMessageRecalled, &pushed)
	if int64(pushed.MessageID) != id {
		t.Fatalf("recall push = %+v", pushed)
	}

	stored, _ := h.store.Messages().FindByID(context.Background(), id)
	recalledAt := *stored.RecalledAt

	h.send(t, a1, protocol.TypeRecallMessage, req)
	expectError(t, a1, errorx.CodeConflict)
	stored, _ = h.store.Messages().FindByID(context.Background(), id)
	if !stored.RecalledAt.Equal(recalledAt) || stored.RecalledBy != "A" {
		t.Fatalf("second recall mutated the message: %+v", stored)
	}
	if n := a1.count(t, protocol.TypeRecallAck); n != 1 {
		t.Fatalf("recall acked %d times", n)
	}
}

func TestRecallWindowAndModerators(t *testing.T) {
	h := newHarness(t, nil)
	h.store.PutConversation(model.Conversation{ID: "g1", Type: model.ConversationGroup}, []string{"A", "B", "O"},
		map[string]int8{"O": model.MemberRoleOwner})
	h.p.opts.RecallWindow = 2 * time.Minute
	a1 := h.connect(t, "A", "a1")
	o1 := h.connect(t, "O", "o1")

	id := h.sendChat(t, a1, "g1", "old news")
	later := time.Now().Add(5 * time.Minute)
	h.p.now = func() time.Time { return later }

	req := protocol.RecallRequest{ConversationID: "g1", MessageID: protocol.ID(id)}
	h.send(t, a1, protocol.TypeRecallMessage, req)
	expectError(t, a1, errorx.CodeForbidden)

	h.send(t, o1, protocol.TypeRecallMessage, req)
	var ack protocol.RecallEvent
	o1.last(t, protocol.TypeRecallAck, &ack)
	if ack.RecalledBy != "O" {
		t.Fatalf("moderator recall ack = %+v", ack)
	}
	var pushed protocol.RecallEvent
	a1.last(t, protocol.TypeMessageRecalled, &pushed)
}

func TestRecalledMessageHidesContentInOfflineSync(t *testing.T) {
	h := newHarness(t, nil)
	privateChat(h.store)
	_ = h.store.DeviceSync().Touch(context.Background(), "B", "b2", "web", time.Now())
	a1 := h.connect(t, "A", "a1")
	id := h.sendChat(t, a1, "c1", "secret")
	h.send(t, a1, protocol.TypeRecallMessage, protocol.RecallRequest{ConversationID: "c1", MessageID: protocol.ID(id)})
	// 撤回刷新原有的待投递记录，不新增一行
	if recs := pendingFor(h.store, "B", "b2", id); len(recs) != 1 {
		t.Fatalf("pending rows for B/b2 = %+v", h.store.OfflineRecords())
	}

	b2 := h.connect(t, "B", "b2")
	h.send(t, b2, protocol.TypeOfflineSyncRequest, nil)
	var resp protocol.OfflineSyncResponse
	b2.last(t, protocol.TypeOfflineSyncResponse, &resp)
	if len(resp.Messages) != 1 || resp.Messages[0].Content != "" || resp.Messages[0].RecalledAt == 0 {
		t.Fatalf("offline view of recalled message = %+v", resp.Messages)
	}
}
