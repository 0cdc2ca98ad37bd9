package chat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"im_core_server/internal/dao/memory"
	"im_core_server/internal/infrastructure/mq"
	"im_core_server/internal/infrastructure/workerpool"
	"im_core_server/internal/model"
	"im_core_server/internal/protocol"
)

// brokenBridge 消息中间件不可达
type brokenBridge struct {
	published atomic.Int64
}

var errBrokerDown = errors.New("broker unavailable")

func (b *brokenBridge) Publish(context.Context, *mq.Event) error {
	b.published.Add(1)
	return errBrokerDown
}

func (b *brokenBridge) Run(ctx context.Context, _ mq.Handler) error {
	<-ctx.Done()
	return nil
}

func (b *brokenBridge) Ping(context.Context) error { return errBrokerDown }

func (b *brokenBridge) Close() error { return nil }

// pendingFor 指定设备的待投递记录
func pendingFor(store *memory.Store, userID, deviceID string, messageID int64) []model.OfflineMessage {
	var out []model.OfflineMessage
	for _, rec := range store.OfflineRecords() {
		if rec.UserID != userID || rec.MessageID != messageID || rec.Status != model.OfflinePending {
			continue
		}
		if rec.TargetDeviceID != nil && *rec.TargetDeviceID == deviceID {
			out = append(out, rec)
		}
	}
	return out
}

// twoNodes n1 用给定的 Bridge，n2 只登记在线目录，不消费事件
func twoNodes(t *testing.T, bridge mq.Bridge) (n1, n2 *harness, dir *fakeDirectory) {
	t.Helper()
	store := memory.NewStore()
	privateChat(store)
	dir = newFakeDirectory()
	opts := []harnessOption{withNode("n1"), withDirectory(dir)}
	if bridge != nil {
		opts = append(opts, withBridge(bridge))
	}
	n1 = newHarness(t, store, opts...)
	n2 = newHarness(t, store, withNode("n2"), withDirectory(dir))
	return n1, n2, dir
}

// 发布失败时，其他节点上的设备改走离线队列
func TestRemoteDevicesQueuedWhenPublishFails(t *testing.T) {
	bridge := &brokenBridge{}
	n1, n2, _ := twoNodes(t, bridge)
	a1 := n1.connect(t, "A", "a1")
	b2 := n2.connect(t, "B", "b2")

	id := n1.sendChat(t, a1, "c1", "through a dead broker")

	eventually(t, func() bool { return len(pendingFor(n1.store, "B", "b2", id)) == 1 }, "b2 gets an offline record after publish fails")
	if bridge.published.Load() == 0 {
		t.Fatalf("bridge was never asked to publish")
	}
	if b2.count(t, protocol.TypeChatMessage) != 0 {
		t.Fatalf("b2 received the frame without a bridge")
	}
}

// 熔断打开后直接失败，同样兜底
func TestRemoteDevicesQueuedWhileBreakerOpen(t *testing.T) {
	inner := &brokenBridge{}
	n1, n2, _ := twoNodes(t, mq.WithBreaker(inner, "test", 1, time.Minute))
	a1 := n1.connect(t, "A", "a1")
	n2.connect(t, "B", "b2")

	first := n1.sendChat(t, a1, "c1", "trips the breaker")
	eventually(t, func() bool { return len(pendingFor(n1.store, "B", "b2", first)) == 1 }, "first message queued")

	second := n1.sendChat(t, a1, "c1", "breaker open")
	eventually(t, func() bool { return len(pendingFor(n1.store, "B", "b2", second)) == 1 }, "second message queued")
	if n := inner.published.Load(); n != 1 {
		t.Fatalf("open breaker still reached the broker: %d publishes", n)
	}
}

// stuckBridge 第一次发布进入后一直阻塞到 release 关闭
type stuckBridge struct {
	brokenBridge
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *stuckBridge) Publish(ctx context.Context, _ *mq.Event) error {
	b.once.Do(func() { close(b.entered) })
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// 发布队列已满时提交被拒，远端设备立即入队
func TestRemoteDevicesQueuedWhenPublishQueueFull(t *testing.T) {
	bridge := &stuckBridge{entered: make(chan struct{}), release: make(chan struct{})}
	store := memory.NewStore()
	privateChat(store)
	dir := newFakeDirectory()
	n1 := newHarness(t, store, withNode("n1"), withDirectory(dir), withBridge(bridge),
		withPool(workerpool.New("tiny", 1, 1)))
	n2 := newHarness(t, store, withNode("n2"), withDirectory(dir))
	t.Cleanup(func() { close(bridge.release) })

	a1 := n1.connect(t, "A", "a1")
	n2.connect(t, "B", "b2")

	n1.sendChat(t, a1, "c1", "occupies the worker")
	<-bridge.entered
	// worker 阻塞，队列只有一个槽位，之后的发布至少有一条被拒
	n1.sendChat(t, a1, "c1", "fills the queue")
	last := n1.sendChat(t, a1, "c1", "rejected")

	if recs := pendingFor(store, "B", "b2", last); len(recs) != 1 {
		t.Fatalf("offline records for B/b2 = %+v", store.OfflineRecords())
	}
}

// 没有 Bridge 的节点无法送达远端设备
func TestRemoteDevicesQueuedWithoutBridge(t *testing.T) {
	n1, n2, _ := twoNodes(t, nil)
	a1 := n1.connect(t, "A", "a1")
	n2.connect(t, "B", "b2")

	id := n1.sendChat(t, a1, "c1", "no bridge")

	if recs := pendingFor(n1.store, "B", "b2", id); len(recs) != 1 {
		t.Fatalf("offline records for B/b2 = %+v", n1.store.OfflineRecords())
	}
}

// 在线目录不可达：无法排除远端设备，照常发布，同时为名册设备写离线记录
func TestDirectoryUnavailableQueuesAndPublishes(t *testing.T) {
	n1, n2 := newCluster(t)
	dir := n1.p.directory.(*fakeDirectory)
	a1 := n1.connect(t, "A", "a1")
	b2 := n2.connect(t, "B", "b2")
	dir.fail(errors.New("redis: connection refused"))

	id := n1.sendChat(t, a1, "c1", "directory down")

	if recs := pendingFor(n1.store, "B", "b2", id); len(recs) != 1 {
		t.Fatalf("offline records for B/b2 = %+v", n1.store.OfflineRecords())
	}
	eventually(t, func() bool { return b2.count(t, protocol.TypeChatMessage) == 1 }, "b2 still receives through the bridge")
}

// 节点宕机后目录条目尚未过期：心跳过期的节点不算在线，设备写离线记录
func TestCrashedNodeDevicesAreQueued(t *testing.T) {
	n1, n2 := newCluster(t)
	dir := n1.p.directory.(*fakeDirectory)
	a1 := n1.connect(t, "A", "a1")
	n2.connect(t, "B", "b2")
	dir.nodeDown("n2")

	id := n1.sendChat(t, a1, "c1", "n2 crashed")

	if recs := pendingFor(n1.store, "B", "b2", id); len(recs) != 1 {
		t.Fatalf("offline records for B/b2 = %+v", n1.store.OfflineRecords())
	}
}

// 撤回事件发布失败时同样为远端设备入队
func TestRecallQueuedWhenPublishFails(t *testing.T) {
	bridge := &brokenBridge{}
	n1, n2, _ := twoNodes(t, bridge)
	a1 := n1.connect(t, "A", "a1")
	n2.connect(t, "B", "b2")

	id := n1.sendChat(t, a1, "c1", "oops")
	eventually(t, func() bool { return len(pendingFor(n1.store, "B", "b2", id)) == 1 }, "message queued")

	n1.send(t, a1, protocol.TypeRecallMessage, protocol.RecallRequest{ConversationID: "c1", MessageID: protocol.ID(id)})
	a1.last(t, protocol.TypeRecallAck, nil)

	// 同一 (用户, 设备, 消息) 只保留一条待投递记录
	// 同一会话的任务按提交顺序执行，哨兵任务完成时撤回的兜底已经写完
	done := make(chan struct{})
	n1.p.pool.SubmitKeyed("c1", func() { close(done) })
	<-done
	if bridge.published.Load() != 2 {
		t.Fatalf("publishes = %d, want message and recall", bridge.published.Load())
	}
	if recs := pendingFor(n1.store, "B", "b2", id); len(recs) != 1 {
		t.Fatalf("pending rows for B/b2 = %+v", recs)
	}
}
