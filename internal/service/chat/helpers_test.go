package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"im_core_server/internal/dao/memory"
	"im_core_server/internal/infrastructure/mq"
	"im_core_server/internal/infrastructure/workerpool"
	"im_core_server/internal/model"
	"im_core_server/internal/protocol"
	"im_core_server/internal/service/offline"
	"im_core_server/internal/service/session"
)

type testConn struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
	closed atomic.Bool
}

var connSeq atomic.Int64

func newTestConn(name string) *testConn {
	return &testConn{id: fmt.Sprintf("%s#%d", name, connSeq.Add(1))}
}

func (c *testConn) ID() string { return c.id }

func (c *testConn) Send(frame []byte) bool {
	if c.closed.Load() {
		return false
	}
	c.mu.Lock()
	c.frames = append(c.frames, frame)
	c.mu.Unlock()
	return true
}

func (c *testConn) Close() error {
	c.closed.Store(true)
	return nil
}

// packets 已收到的帧，按类型过滤；typ 为空时返回全部
func (c *testConn) packets(t *testing.T, typ protocol.PacketType) []*protocol.Packet {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*protocol.Packet
	for _, f := range c.frames {
		p, err := protocol.Decode(f)
		if err != nil {
			t.Fatalf("server sent undecodable frame %q: %v", f, err)
		}
		if typ == "" || p.Type == typ {
			out = append(out, p)
		}
	}
	return out
}

// last 最后一个指定类型的帧，解码 data 到 dst
func (c *testConn) last(t *testing.T, typ protocol.PacketType, dst any) {
	t.Helper()
	pkts := c.packets(t, typ)
	if len(pkts) == 0 {
		t.Fatalf("%s: no %s frame received", c.id, typ)
	}
	if dst != nil {
		if err := json.Unmarshal(pkts[len(pkts)-1].Data, dst); err != nil {
			t.Fatalf("decode %s: %v", typ, err)
		}
	}
}

func (c *testConn) count(t *testing.T, typ protocol.PacketType) int {
	t.Helper()
	return len(c.packets(t, typ))
}

// fakeDirectory 多个节点共享的在线目录
// down 中的节点视为心跳过期，查询时过滤其设备；err 非空时查询失败
type fakeDirectory struct {
	mu      sync.Mutex
	devices map[string]map[string]string
	down    map[string]bool
	err     error
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{devices: make(map[string]map[string]string), down: make(map[string]bool)}
}

func (d *fakeDirectory) nodeDown(nodeID string) {
	d.mu.Lock()
	d.down[nodeID] = true
	d.mu.Unlock()
}

func (d *fakeDirectory) fail(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *fakeDirectory) SetOnline(_ context.Context, userID, deviceID, nodeID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.devices[userID] == nil {
		d.devices[userID] = make(map[string]string)
	}
	d.devices[userID][deviceID] = nodeID
	return nil
}

func (d *fakeDirectory) SetOffline(_ context.Context, userID, deviceID, nodeID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.devices[userID][deviceID] == nodeID {
		delete(d.devices[userID], deviceID)
	}
	return nil
}

func (d *fakeDirectory) DevicesOf(_ context.Context, userIDs []string) (map[string]map[string]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	out := make(map[string]map[string]string, len(userIDs))
	for _, uid := range userIDs {
		for did, node := range d.devices[uid] {
			if d.down[node] {
				continue
			}
			if out[uid] == nil {
				out[uid] = make(map[string]string)
			}
			out[uid][did] = node
		}
	}
	return out, nil
}

type harness struct {
	p        *Processor
	store    *memory.Store
	registry *session.Registry
}

type harnessOption func(*Deps, *Options)

func withBridge(b mq.Bridge) harnessOption {
	return func(d *Deps, _ *Options) { d.Bridge = b }
}

func withDirectory(dir Directory) harnessOption {
	return func(d *Deps, _ *Options) { d.Directory = dir }
}

func withNode(id string) harnessOption {
	return func(_ *Deps, o *Options) { o.NodeID = id }
}

func withPool(pool *workerpool.Pool) harnessOption {
	return func(d *Deps, _ *Options) { d.Pool = pool }
}

func withRegistry(r *session.Registry) harnessOption {
	return func(d *Deps, _ *Options) { d.Registry = r }
}

var idSeq atomic.Int64

func newHarness(t *testing.T, store *memory.Store, opts ...harnessOption) *harness {
	t.Helper()
	if store == nil {
		store = memory.NewStore()
	}
	deps := Deps{
		Registry:          session.NewRegistry(),
		Messages:          store.Messages(),
		Conversations:     store.Conversations(),
		UserConversations: store.UserConversations(),
		Offline:           offline.NewQueue(store.OfflineMessages(), store.DeviceSync(), offline.Options{}),
		Pool:              workerpool.New("chat-test", 2, 64),
	}
	o := Options{NodeID: "n1"}
	for _, opt := range opts {
		opt(&deps, &o)
	}
	p, err := NewProcessor(deps, o)
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	p.nextID = func() int64 { return idSeq.Add(1) }
	t.Cleanup(p.Close)
	return &harness{p: p, store: store, registry: deps.Registry}
}

// privateChat 会话 c1：A 与 B
func privateChat(store *memory.Store) {
	store.PutConversation(model.Conversation{ID: "c1", Type: model.ConversationSingle}, []string{"A", "B"}, nil)
}

func (h *harness) connect(t *testing.T, userID, deviceID string) *testConn {
	t.Helper()
	conn := newTestConn(userID + "/" + deviceID)
	if err := h.p.Connect(conn, session.Identity{UserID: userID, DeviceID: deviceID, DeviceType: "test"}); err != nil {
		t.Fatalf("connect %s/%s: %v", userID, deviceID, err)
	}
	return conn
}

func (h *harness) send(t *testing.T, conn *testConn, typ protocol.PacketType, data any) {
	t.Helper()
	frame, err := protocol.Encode(typ, data)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := h.p.HandleFrame(conn, frame); err != nil {
		t.Fatalf("HandleFrame(%s): %v", typ, err)
	}
}

// sendChat 发送文本消息并返回服务端分配的消息 ID
func (h *harness) sendChat(t *testing.T, conn *testConn, conversationID, content string) int64 {
	t.Helper()
	before := conn.count(t, protocol.TypeChatMessageAck)
	h.send(t, conn, protocol.TypeChatMessage, protocol.ChatMessageRequest{
		ConversationID: conversationID,
		Kind:           model.MessageKindText,
		Content:        content,
	})
	if conn.count(t, protocol.TypeChatMessageAck) != before+1 {
		var serr protocol.ServerError
		conn.last(t, protocol.TypeServerError, &serr)
		t.Fatalf("chat message rejected: %+v", serr)
	}
	var ack protocol.ChatMessageAck
	conn.last(t, protocol.TypeChatMessageAck, &ack)
	return int64(ack.MessageID)
}

func expectError(t *testing.T, conn *testConn, code int) protocol.ServerError {
	t.Helper()
	var serr protocol.ServerError
	conn.last(t, protocol.TypeServerError, &serr)
	if serr.Code != code {
		t.Fatalf("SERVER_ERROR code = %d (%s), want %d", serr.Code, serr.Msg, code)
	}
	return serr
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}
