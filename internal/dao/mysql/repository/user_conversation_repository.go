package repository

import (
	"context"

	"gorm.io/gorm"

	"im_core_server/internal/model"
)

type userConversationRepository struct {
	db *gorm.DB
}

// NewUserConversationRepository 创建用户会话状态 Repository
func NewUserConversationRepository(db *gorm.DB) UserConversationRepository {
	return &userConversationRepository{db: db}
}

// FindMembers 查找会话成员
func (r *userConversationRepository) FindMembers(ctx context.Context, conversationID string) ([]model.UserConversation, error) {
	var members []model.UserConversation
	if err := r.db.WithContext(ctx).Where("conversation_id = ?", conversationID).Find(&members).Error; err != nil {
		return nil, wrapDBErrorf(err, "查询会话成员 conversation_id=%s", conversationID)
	}
	return members, nil
}

// FindMember 查找单个成员
func (r *userConversationRepository) FindMember(ctx context.Context, conversationID, userID string) (*model.UserConversation, error) {
	var uc model.UserConversation
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		First(&uc).Error
	if err != nil {
		return nil, wrapDBErrorf(err, "查询会话成员 conversation_id=%s user_id=%s", conversationID, userID)
	}
	return &uc, nil
}

// FindByUser 查找用户参与的会话
func (r *userConversationRepository) FindByUser(ctx context.Context, userID string) ([]model.UserConversation, error) {
	var list []model.UserConversation
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Find(&list).Error; err != nil {
		return nil, wrapDBErrorf(err, "查询用户会话 user_id=%s", userID)
	}
	return list, nil
}

// IncrementUnread 未读数 +1
func (r *userConversationRepository) IncrementUnread(ctx context.Context, conversationID, exceptUserID string) error {
	err := r.db.WithContext(ctx).Model(&model.UserConversation{}).
		Where("conversation_id = ? AND user_id <> ?", conversationID, exceptUserID).
		UpdateColumn("unread_count", gorm.Expr("unread_count + 1")).Error
	return wrapDBErrorf(err, "更新未读数 conversation_id=%s", conversationID)
}

// MarkRead 推进已读游标
func (r *userConversationRepository) MarkRead(ctx context.Context, conversationID, userID string, msgID int64) error {
	err := r.db.WithContext(ctx).Model(&model.UserConversation{}).
		Where("conversation_id = ? AND user_id = ? AND last_read_msg_id < ?", conversationID, userID, msgID).
		Updates(map[string]any{"last_read_msg_id": msgID, "unread_count": 0}).Error
	return wrapDBErrorf(err, "更新已读游标 conversation_id=%s user_id=%s", conversationID, userID)
}
