package session

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"im_core_server/pkg/errorx"
)

type fakeConn struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
	closed atomic.Bool
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(frame []byte) bool {
	if c.closed.Load() {
		return false
	}
	c.mu.Lock()
	c.frames = append(c.frames, frame)
	c.mu.Unlock()
	return true
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func assertOnlineConsistent(t *testing.T, r *Registry, userID string) {
	t.Helper()
	if r.IsOnline(userID) != (len(r.SessionsOf(userID)) > 0) {
		t.Fatalf("isOnline(%s) disagrees with sessionsOf", userID)
	}
}

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	c1, c2 := newFakeConn("c1"), newFakeConn("c2")

	reg, err := r.Register(c1, Identity{UserID: "A", DeviceID: "a1", DeviceType: "ios"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !reg.FirstDevice || reg.Replaced != nil {
		t.Fatalf("registration = %+v", reg)
	}
	reg, err = r.Register(c2, Identity{UserID: "A", DeviceID: "a2"})
	if err != nil || reg.FirstDevice {
		t.Fatalf("second device: %+v %v", reg, err)
	}

	if r.Lookup("c1").DeviceID != "a1" || r.LookupByDevice("A", "a2").ConnID() != "c2" {
		t.Fatalf("lookup mismatch")
	}
	if len(r.SessionsOf("A")) != 2 || r.OnlineUserCount() != 1 || r.ConnectionCount() != 2 {
		t.Fatalf("counts: sessions=%d users=%d conns=%d", len(r.SessionsOf("A")), r.OnlineUserCount(), r.ConnectionCount())
	}
	assertOnlineConsistent(t, r, "A")
}

func TestRegisterSameDeviceReplacesAndClosesOld(t *testing.T) {
	r := NewRegistry()
	old, fresh := newFakeConn("old"), newFakeConn("new")

	if _, err := r.Register(old, Identity{UserID: "A", DeviceID: "a1"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	reg, err := r.Register(fresh, Identity{UserID: "A", DeviceID: "a1"})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if reg.Replaced == nil || reg.Replaced.ConnID() != "old" {
		t.Fatalf("expected old session replaced")
	}
	if !old.closed.Load() {
		t.Fatalf("old connection must be closed once the new one is admitted")
	}
	if r.Lookup("old") != nil || r.LookupByDevice("A", "a1").ConnID() != "new" {
		t.Fatalf("registry still points at old connection")
	}
	if r.ConnectionCount() != 1 || r.OnlineUserCount() != 1 {
		t.Fatalf("counts: conns=%d users=%d", r.ConnectionCount(), r.OnlineUserCount())
	}

	// 旧连接的读协程退出时会再调一次 Unregister，不能影响新会话
	if removal := r.Unregister(old); removal != nil {
		t.Fatalf("unregistering a replaced connection must be a no-op")
	}
	if !r.IsOnline("A") {
		t.Fatalf("user went offline after stale unregister")
	}
}

func TestReplaceHookRunsBeforeClose(t *testing.T) {
	r := NewRegistry()
	old := newFakeConn("old")
	var sentBeforeClose bool
	r.OnReplace(func(s *Session) {
		sentBeforeClose = s.Conn.Send([]byte("kicked"))
	})

	_, _ = r.Register(old, Identity{UserID: "A", DeviceID: "a1"})
	_, _ = r.Register(newFakeConn("new"), Identity{UserID: "A", DeviceID: "a1"})

	if !sentBeforeClose {
		t.Fatalf("replace hook must run while the old connection is still open")
	}
	if len(old.frames) != 1 || !old.closed.Load() {
		t.Fatalf("old conn frames=%d closed=%v", len(old.frames), old.closed.Load())
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	r := NewRegistry()
	c := newFakeConn("c1")
	_, _ = r.Register(c, Identity{UserID: "A", DeviceID: "a1"})

	removal := r.Unregister(c)
	if removal == nil || !removal.LastDevice {
		t.Fatalf("removal = %+v", removal)
	}
	if r.Unregister(c) != nil {
		t.Fatalf("second unregister should be a no-op")
	}
	if r.IsOnline("A") || r.OnlineUserCount() != 0 || r.ConnectionCount() != 0 {
		t.Fatalf("registry not empty")
	}
	assertOnlineConsistent(t, r, "A")
}

func TestDeviceCap(t *testing.T) {
	r := NewRegistry(WithMaxDevices(2))
	_, _ = r.Register(newFakeConn("c1"), Identity{UserID: "A", DeviceID: "a1"})
	_, _ = r.Register(newFakeConn("c2"), Identity{UserID: "A", DeviceID: "a2"})

	_, err := r.Register(newFakeConn("c3"), Identity{UserID: "A", DeviceID: "a3"})
	if errorx.GetCode(err) != errorx.CodeTooManyDevices {
		t.Fatalf("expected CodeTooManyDevices, got %v", err)
	}
	// 已在线设备重新登录不受上限影响
	if _, err := r.Register(newFakeConn("c4"), Identity{UserID: "A", DeviceID: "a2"}); err != nil {
		t.Fatalf("re-login refused: %v", err)
	}
}

func TestHeartbeatKeepsSessionAliveUntilItStops(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	r := NewRegistry(WithClock(clock.Now))
	c := newFakeConn("c1")
	_, _ = r.Register(c, Identity{UserID: "A", DeviceID: "a1"})

	const (
		heartbeat     = 20 * time.Second
		timeout       = 60 * time.Second
		sweepInterval = 15 * time.Second
	)

	// 心跳持续 10 分钟，期间每个扫描周期都扫一次
	elapsed := time.Duration(0)
	nextBeat := heartbeat
	for elapsed < 10*time.Minute {
		clock.Advance(sweepInterval)
		elapsed += sweepInterval
		for nextBeat <= elapsed {
			r.Touch("c1")
			nextBeat += heartbeat
		}
		if removed := r.SweepInactive(timeout); len(removed) != 0 {
			t.Fatalf("session swept at %v while heartbeats continue", elapsed)
		}
	}

	// 心跳停止后，超时之后的第一个扫描周期内必须被清理
	stoppedAt := elapsed
	for {
		clock.Advance(sweepInterval)
		elapsed += sweepInterval
		if removed := r.SweepInactive(timeout); len(removed) == 1 {
			break
		}
		if elapsed-stoppedAt > timeout+sweepInterval {
			t.Fatalf("session not swept %v after heartbeats stopped", elapsed-stoppedAt)
		}
	}
	if !c.closed.Load() || r.Lookup("c1") != nil || r.IsOnline("A") {
		t.Fatalf("swept session not closed and removed")
	}
}

// 收集超时会话之后、注销之前收到帧的会话不会被清理
func TestSweepRechecksActivityBeforeUnregister(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	r := NewRegistry(WithClock(clock.Now))
	busy, idle := newFakeConn("busy"), newFakeConn("idle")
	_, _ = r.Register(busy, Identity{UserID: "A", DeviceID: "a1"})
	_, _ = r.Register(idle, Identity{UserID: "B", DeviceID: "b1"})

	clock.Advance(2 * time.Minute)
	deadline := clock.Now().Add(-time.Minute).UnixNano()
	stale := r.staleConns(deadline)
	if len(stale) != 2 {
		t.Fatalf("stale = %v", stale)
	}

	r.Touch("busy")
	removals := r.sweep(stale, deadline)
	if len(removals) != 1 || removals[0].Session.ConnID() != "idle" {
		t.Fatalf("removals = %+v", removals)
	}
	if busy.closed.Load() || r.Lookup("busy") == nil || !r.IsOnline("A") {
		t.Fatalf("session touched after collection was swept")
	}
	if !idle.closed.Load() || r.IsOnline("B") {
		t.Fatalf("idle session not swept")
	}
}

func subscribedUsers(r *Registry) int {
	n := 0
	r.subs.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// 最后一个订阅者离开后释放该用户的订阅集合
func TestEmptySubscriberSetsAreReleased(t *testing.T) {
	r := NewRegistry()
	w1, w2 := newFakeConn("w1"), newFakeConn("w2")
	_, _ = r.Register(w1, Identity{UserID: "W", DeviceID: "d1"})
	_, _ = r.Register(w2, Identity{UserID: "W", DeviceID: "d2"})
	r.Subscribe("w1", []string{"A", "B"})
	r.Subscribe("w2", []string{"A"})

	r.Unregister(w1)
	if n := subscribedUsers(r); n != 1 {
		t.Fatalf("subscribed users = %d, want only A", n)
	}
	r.Unregister(w2)
	if n := subscribedUsers(r); n != 0 {
		t.Fatalf("subscribed users = %d after everyone left", n)
	}

	w3 := newFakeConn("w3")
	_, _ = r.Register(w3, Identity{UserID: "W", DeviceID: "d3"})
	r.Subscribe("w3", []string{"A"})
	if got := r.SubscribersOf("A"); len(got) != 1 || got[0].ConnID() != "w3" {
		t.Fatalf("subscribers of A = %v", got)
	}
}

// 并发订阅与注销：集合被释放的同时有新订阅，新订阅不能落到已释放的集合上
func TestConcurrentSubscribeAndRelease(t *testing.T) {
	r := NewRegistry(WithMaxDevices(1000))
	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 200 {
				id := fmt.Sprintf("g%d-%d", g, i)
				c := newFakeConn(id)
				if _, err := r.Register(c, Identity{UserID: "W", DeviceID: id}); err != nil {
					t.Errorf("register: %v", err)
					return
				}
				r.Subscribe(id, []string{"A"})
				if i%2 == 0 {
					r.Unregister(c)
				}
			}
		}()
	}
	wg.Wait()

	if got := len(r.SubscribersOf("A")); got != 8*100 {
		t.Fatalf("subscribers of A = %d, want %d", got, 8*100)
	}
	r.Range(func(s *Session) bool {
		r.Unregister(s.Conn)
		return true
	})
	if n := subscribedUsers(r); n != 0 {
		t.Fatalf("subscribed users = %d after everyone left", n)
	}
}

func TestSubscriptions(t *testing.T) {
	r := NewRegistry()
	watcher := newFakeConn("w")
	_, _ = r.Register(watcher, Identity{UserID: "W", DeviceID: "w1"})

	r.Subscribe("w", []string{"A", "B", "A"})
	if got := r.SubscribersOf("A"); len(got) != 1 || got[0].ConnID() != "w" {
		t.Fatalf("subscribers of A = %v", got)
	}
	if len(r.Lookup("w").SubscribedUserIDs()) != 2 {
		t.Fatalf("duplicate subscription stored")
	}

	r.Unregister(watcher)
	if len(r.SubscribersOf("A")) != 0 || len(r.SubscribersOf("B")) != 0 {
		t.Fatalf("subscriptions survived unregister")
	}
}

func TestConcurrentRegisterUnregisterKeepsInvariants(t *testing.T) {
	r := NewRegistry(WithMaxDevices(100))
	var wg sync.WaitGroup
	for u := range 8 {
		for d := range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				uid := fmt.Sprintf("u%d", u)
				did := fmt.Sprintf("d%d", d%3)
				for i := range 50 {
					c := newFakeConn(fmt.Sprintf("%s-%d-%d", uid, d, i))
					if _, err := r.Register(c, Identity{UserID: uid, DeviceID: did}); err != nil {
						t.Errorf("register: %v", err)
						return
					}
					if i%2 == 0 {
						r.Unregister(c)
					}
				}
			}()
		}
	}
	wg.Wait()

	total := 0
	for u := range 8 {
		uid := fmt.Sprintf("u%d", u)
		assertOnlineConsistent(t, r, uid)
		sessions := r.SessionsOf(uid)
		seen := map[string]bool{}
		for _, s := range sessions {
			if seen[s.DeviceID] {
				t.Fatalf("two sessions for %s/%s", uid, s.DeviceID)
			}
			seen[s.DeviceID] = true
			if r.Lookup(s.ConnID()) != s {
				t.Fatalf("conn map and device map disagree for %s", s.ConnID())
			}
		}
		total += len(sessions)
	}
	if r.ConnectionCount() != total {
		t.Fatalf("connection count %d, sessions %d", r.ConnectionCount(), total)
	}
	online := 0
	for u := range 8 {
		if r.IsOnline(fmt.Sprintf("u%d", u)) {
			online++
		}
	}
	if r.OnlineUserCount() != online {
		t.Fatalf("online user count %d, observed %d", r.OnlineUserCount(), online)
	}
}
