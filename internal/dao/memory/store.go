// Package memory 提供 Repository 接口的内存实现
// 用于单机调试（mainConfig.storage = "memory"）和各层的单元测试，语义与 MySQL 实现保持一致
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"im_core_server/internal/dao/mysql/repository"
	"im_core_server/internal/model"
	"im_core_server/pkg/errorx"
)

// Store 所有表共用一把锁
type Store struct {
	mu sync.RWMutex

	messages      map[int64]*model.Message
	clientMsgIdx  map[string]int64 // senderId + "\x00" + clientMsgId -> messageId
	conversations map[string]*model.Conversation
	members       map[string]map[string]*model.UserConversation // conversationId -> userId -> state
	offline       map[int64]*model.OfflineMessage
	offlineIdx    map[string]int64 // userId + "\x00" + targetKey + "\x00" + messageId -> recordId
	offlineSeq    int64
	devices       map[string]map[string]*model.DeviceSyncStatus // userId -> deviceId -> status

	// FailWrites 非 nil 时所有写操作返回该错误，用于模拟存储故障
	FailWrites error
}

// NewStore 创建空的内存存储
func NewStore() *Store {
	return &Store{
		messages:      make(map[int64]*model.Message),
		clientMsgIdx:  make(map[string]int64),
		conversations: make(map[string]*model.Conversation),
		members:       make(map[string]map[string]*model.UserConversation),
		offline:       make(map[int64]*model.OfflineMessage),
		offlineIdx:    make(map[string]int64),
		devices:       make(map[string]map[string]*model.DeviceSyncStatus),
	}
}

// 各 Repository 视图
func (s *Store) Messages() repository.MessageRepository           { return messageRepo{s} }
func (s *Store) Conversations() repository.ConversationRepository { return conversationRepo{s} }
func (s *Store) UserConversations() repository.UserConversationRepository {
	return userConversationRepo{s}
}
func (s *Store) OfflineMessages() repository.OfflineMessageRepository { return offlineRepo{s} }
func (s *Store) DeviceSync() repository.DeviceSyncRepository          { return deviceSyncRepo{s} }

// Ping 内存存储始终可用
func (s *Store) Ping(ctx context.Context) error { return nil }

// PutConversation 写入会话及成员，成员角色通过 roles 指定，缺省为普通成员
func (s *Store) PutConversation(conv model.Conversation, memberIDs []string, roles map[string]int8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := conv
	s.conversations[conv.ID] = &c
	set := s.members[conv.ID]
	if set == nil {
		set = make(map[string]*model.UserConversation)
		s.members[conv.ID] = set
	}
	for _, uid := range memberIDs {
		role := model.MemberRoleMember
		if r, ok := roles[uid]; ok {
			role = r
		}
		set[uid] = &model.UserConversation{UserID: uid, ConversationID: conv.ID, Role: role, JoinedAt: time.Now()}
	}
}

// OfflineRecords 返回全部离线记录的快照，测试断言用
func (s *Store) OfflineRecords() []model.OfflineMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.OfflineMessage, 0, len(s.offline))
	for _, r := range s.offline {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) writeErr(msg string) error {
	if s.FailWrites != nil {
		return errorx.Wrap(s.FailWrites, errorx.CodeDBError, msg)
	}
	return nil
}

type messageRepo struct{ s *Store }

func (r messageRepo) Create(ctx context.Context, msg *model.Message) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.writeErr("创建消息"); err != nil {
		return err
	}
	if msg.ClientMsgID != nil && *msg.ClientMsgID != "" {
		key := msg.SenderID + "\x00" + *msg.ClientMsgID
		if _, ok := r.s.clientMsgIdx[key]; ok {
			return errorx.New(errorx.CodeConflict, "消息重复")
		}
		r.s.clientMsgIdx[key] = msg.ID
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	m := *msg
	r.s.messages[msg.ID] = &m
	return nil
}

func (r messageRepo) FindByID(ctx context.Context, id int64) (*model.Message, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	m, ok := r.s.messages[id]
	if !ok {
		return nil, errorx.Newf(errorx.CodeNotFound, "查询消息 id=%d", id)
	}
	cp := *m
	return &cp, nil
}

func (r messageRepo) FindByClientMsgID(ctx context.Context, senderID, clientMsgID string) (*model.Message, error) {
	r.s.mu.RLock()
	id, ok := r.s.clientMsgIdx[senderID+"\x00"+clientMsgID]
	r.s.mu.RUnlock()
	if !ok {
		return nil, errorx.Newf(errorx.CodeNotFound, "查询消息 sender=%s clientMsgId=%s", senderID, clientMsgID)
	}
	return r.FindByID(ctx, id)
}

func (r messageRepo) FindByIDs(ctx context.Context, ids []int64) ([]model.Message, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]model.Message, 0, len(ids))
	for _, id := range ids {
		if m, ok := r.s.messages[id]; ok {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r messageRepo) FindAfter(ctx context.Context, conversationIDs []string, afterID int64, limit int) ([]model.Message, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	want := make(map[string]struct{}, len(conversationIDs))
	for _, id := range conversationIDs {
		want[id] = struct{}{}
	}
	out := make([]model.Message, 0)
	for _, m := range r.s.messages {
		if _, ok := want[m.ConversationID]; ok && m.ID > afterID {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r messageRepo) MarkRecalled(ctx context.Context, id int64, by string, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.writeErr("撤回消息"); err != nil {
		return false, err
	}
	m, ok := r.s.messages[id]
	if !ok || m.RecalledAt != nil {
		return false, nil
	}
	m.RecalledAt = &at
	m.RecalledBy = by
	return true, nil
}

type conversationRepo struct{ s *Store }

func (r conversationRepo) FindByID(ctx context.Context, id string) (*model.Conversation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	c, ok := r.s.conversations[id]
	if !ok {
		return nil, errorx.Newf(errorx.CodeNotFound, "查询会话 id=%s", id)
	}
	cp := *c
	return &cp, nil
}

func (r conversationRepo) FindByIDs(ctx context.Context, ids []string) ([]model.Conversation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]model.Conversation, 0, len(ids))
	for _, id := range ids {
		if c, ok := r.s.conversations[id]; ok {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (r conversationRepo) UpdateLastMessage(ctx context.Context, id string, msgID int64, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.writeErr("更新会话最后消息"); err != nil {
		return err
	}
	if c, ok := r.s.conversations[id]; ok && c.LastMessageID < msgID {
		c.LastMessageID = msgID
		c.LastMessageAt = &at
	}
	return nil
}

type userConversationRepo struct{ s *Store }

func (r userConversationRepo) FindMembers(ctx context.Context, conversationID string) ([]model.UserConversation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	set := r.s.members[conversationID]
	out := make([]model.UserConversation, 0, len(set))
	for _, uc := range set {
		out = append(out, *uc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (r userConversationRepo) FindMember(ctx context.Context, conversationID, userID string) (*model.UserConversation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	uc, ok := r.s.members[conversationID][userID]
	if !ok {
		return nil, errorx.Newf(errorx.CodeNotFound, "查询会话成员 conversation_id=%s user_id=%s", conversationID, userID)
	}
	cp := *uc
	return &cp, nil
}

func (r userConversationRepo) FindByUser(ctx context.Context, userID string) ([]model.UserConversation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]model.UserConversation, 0)
	for _, set := range r.s.members {
		if uc, ok := set[userID]; ok {
			out = append(out, *uc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	return out, nil
}

func (r userConversationRepo) IncrementUnread(ctx context.Context, conversationID, exceptUserID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.writeErr("更新未读数"); err != nil {
		return err
	}
	for uid, uc := range r.s.members[conversationID] {
		if uid != exceptUserID {
			uc.UnreadCount++
		}
	}
	return nil
}

func (r userConversationRepo) MarkRead(ctx context.Context, conversationID, userID string, msgID int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.writeErr("更新已读游标"); err != nil {
		return err
	}
	if uc, ok := r.s.members[conversationID][userID]; ok && uc.LastReadMsgID < msgID {
		uc.LastReadMsgID = msgID
		uc.UnreadCount = 0
	}
	return nil
}

type offlineRepo struct{ s *Store }

func (r offlineRepo) CreateBatch(ctx context.Context, records []model.OfflineMessage) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.writeErr("写入离线记录"); err != nil {
		return err
	}
	now := time.Now()
	for i := range records {
		key := offlineKey(&records[i])
		if id, ok := r.s.offlineIdx[key]; ok {
			rec := r.s.offline[id]
			rec.Status = records[i].Status
			rec.RetryCount = records[i].RetryCount
			rec.ExpiresAt = records[i].ExpiresAt
			rec.DeliveredAt = records[i].DeliveredAt
			rec.UpdatedAt = now
			records[i].ID = id
			continue
		}
		r.s.offlineSeq++
		rec := records[i]
		rec.ID = r.s.offlineSeq
		rec.CreatedAt, rec.UpdatedAt = now, now
		r.s.offline[rec.ID] = &rec
		r.s.offlineIdx[key] = rec.ID
		records[i].ID = rec.ID
	}
	return nil
}

func offlineKey(rec *model.OfflineMessage) string {
	return rec.UserID + "\x00" + rec.TargetKey + "\x00" + strconv.FormatInt(rec.MessageID, 10)
}

func (r offlineRepo) matches(rec *model.OfflineMessage, userID, deviceID string) bool {
	return rec.UserID == userID && (rec.TargetDeviceID == nil || *rec.TargetDeviceID == deviceID)
}

func (r offlineRepo) FindPending(ctx context.Context, userID, deviceID string, now time.Time, limit int) ([]model.OfflineMessage, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]model.OfflineMessage, 0)
	for _, rec := range r.s.offline {
		if r.matches(rec, userID, deviceID) && rec.Status == model.OfflinePending && rec.ExpiresAt.After(now) {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MessageID < out[j].MessageID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r offlineRepo) IncrementRetry(ctx context.Context, ids []int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.writeErr("更新离线记录重试次数"); err != nil {
		return err
	}
	for _, id := range ids {
		if rec, ok := r.s.offline[id]; ok {
			rec.RetryCount++
			rec.UpdatedAt = time.Now()
		}
	}
	return nil
}

func (r offlineRepo) ExpireStale(ctx context.Context, userID string, maxRetry int, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.writeErr("过期离线记录"); err != nil {
		return 0, err
	}
	var n int64
	for _, rec := range r.s.offline {
		if rec.UserID != userID || rec.Status != model.OfflinePending {
			continue
		}
		if rec.RetryCount >= maxRetry || !rec.ExpiresAt.After(now) {
			rec.Status = model.OfflineExpired
			rec.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (r offlineRepo) MarkDelivered(ctx context.Context, userID, deviceID string, messageIDs []int64, at time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.writeErr("确认离线记录"); err != nil {
		return 0, err
	}
	want := make(map[int64]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		want[id] = struct{}{}
	}
	var n int64
	for _, rec := range r.s.offline {
		if _, ok := want[rec.MessageID]; !ok || !r.matches(rec, userID, deviceID) || rec.Status != model.OfflinePending {
			continue
		}
		rec.Status = model.OfflineDelivered
		t := at
		rec.DeliveredAt = &t
		rec.UpdatedAt = at
		n++
	}
	return n, nil
}

func (r offlineRepo) FindDelivered(ctx context.Context, userID, deviceID string, messageIDs []int64) ([]int64, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	want := make(map[int64]bool, len(messageIDs))
	for _, id := range messageIDs {
		want[id] = true
	}
	var out []int64
	for _, rec := range r.s.offline {
		if want[rec.MessageID] && rec.Status == model.OfflineDelivered && r.matches(rec, userID, deviceID) {
			want[rec.MessageID] = false
			out = append(out, rec.MessageID)
		}
	}
	return out, nil
}

func (r offlineRepo) PurgeFinished(ctx context.Context, before time.Time, limit int) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, rec := range r.s.offline {
		if limit > 0 && n >= int64(limit) {
			break
		}
		if rec.Status != model.OfflinePending && rec.UpdatedAt.Before(before) {
			delete(r.s.offline, id)
			delete(r.s.offlineIdx, offlineKey(rec))
			n++
		}
	}
	return n, nil
}

type deviceSyncRepo struct{ s *Store }

func (r deviceSyncRepo) Find(ctx context.Context, userID, deviceID string) (*model.DeviceSyncStatus, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	st, ok := r.s.devices[userID][deviceID]
	if !ok {
		return nil, errorx.Newf(errorx.CodeNotFound, "查询设备游标 user_id=%s device_id=%s", userID, deviceID)
	}
	cp := *st
	return &cp, nil
}

func (r deviceSyncRepo) FindByUsers(ctx context.Context, userIDs []string) ([]model.DeviceSyncStatus, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]model.DeviceSyncStatus, 0)
	for _, uid := range userIDs {
		for _, st := range r.s.devices[uid] {
			out = append(out, *st)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].DeviceID < out[j].DeviceID
	})
	return out, nil
}

func (r deviceSyncRepo) upsert(userID, deviceID string) *model.DeviceSyncStatus {
	set := r.s.devices[userID]
	if set == nil {
		set = make(map[string]*model.DeviceSyncStatus)
		r.s.devices[userID] = set
	}
	st, ok := set[deviceID]
	if !ok {
		st = &model.DeviceSyncStatus{UserID: userID, DeviceID: deviceID, CreatedAt: time.Now()}
		set[deviceID] = st
	}
	return st
}

func (r deviceSyncRepo) Touch(ctx context.Context, userID, deviceID, deviceType string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.writeErr("登记设备"); err != nil {
		return err
	}
	st := r.upsert(userID, deviceID)
	st.DeviceType = deviceType
	st.LastSeenAt = at
	st.UpdatedAt = at
	return nil
}

func (r deviceSyncRepo) Advance(ctx context.Context, userID, deviceID string, msgID int64, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.writeErr("推进设备游标"); err != nil {
		return err
	}
	st := r.upsert(userID, deviceID)
	if msgID > st.LastSyncedMsgID {
		st.LastSyncedMsgID = msgID
	}
	t := at
	st.LastSyncedAt = &t
	st.UpdatedAt = at
	return nil
}
