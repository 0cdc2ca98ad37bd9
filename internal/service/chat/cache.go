package chat

import (
	"context"
	"hash/fnv"
	"sync"

	"im_core_server/internal/model"
	"im_core_server/pkg/errorx"
)

// stripedLock 按会话 ID 分片的互斥锁
// 同一会话的持久化与本地投递在锁内完成，投递顺序即提交顺序
type stripedLock struct {
	stripes []sync.Mutex
}

func newStripedLock(n int) *stripedLock {
	return &stripedLock{stripes: make([]sync.Mutex, n)}
}

// Lock 加锁并返回解锁函数
func (l *stripedLock) Lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	mu := &l.stripes[h.Sum32()%uint32(len(l.stripes))]
	mu.Lock()
	return mu.Unlock
}

func dedupeKey(senderID, clientMsgID string) string {
	return senderID + "\x00" + clientMsgID
}

// conversationMembers 读取会话成员，优先走缓存
func (p *Processor) conversationMembers(ctx context.Context, conversationID string) ([]model.UserConversation, error) {
	if members, ok := p.members.Get(conversationID); ok {
		return members, nil
	}
	members, err := p.userConvs.FindMembers(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if len(members) > 0 {
		p.members.Add(conversationID, members)
	}
	return members, nil
}

// requireMember 校验用户是会话成员，返回成员列表与该用户的成员状态
// 缓存未命中该用户时回源一次，新加入的成员不会被旧缓存拒绝
func (p *Processor) requireMember(ctx context.Context, conversationID, userID string) ([]model.UserConversation, *model.UserConversation, error) {
	members, err := p.conversationMembers(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	if m := findMember(members, userID); m != nil {
		return members, m, nil
	}

	p.members.Remove(conversationID)
	members, err = p.conversationMembers(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	if len(members) == 0 {
		return nil, nil, errorx.Newf(errorx.CodeNotFound, "会话 %s 不存在", conversationID)
	}
	m := findMember(members, userID)
	if m == nil {
		return nil, nil, errorx.Newf(errorx.CodeForbidden, "不是会话 %s 的成员", conversationID)
	}
	return members, m, nil
}

func findMember(members []model.UserConversation, userID string) *model.UserConversation {
	for i := range members {
		if members[i].UserID == userID {
			return &members[i]
		}
	}
	return nil
}

func memberIDs(members []model.UserConversation) []string {
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.UserID)
	}
	return ids
}
