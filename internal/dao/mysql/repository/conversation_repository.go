package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"im_core_server/internal/model"
)

type conversationRepository struct {
	db *gorm.DB
}

// NewConversationRepository 创建会话 Repository
func NewConversationRepository(db *gorm.DB) ConversationRepository {
	return &conversationRepository{db: db}
}

// FindByID 查找会话
func (r *conversationRepository) FindByID(ctx context.Context, id string) (*model.Conversation, error) {
	var conv model.Conversation
	if err := r.db.WithContext(ctx).First(&conv, "id = ?", id).Error; err != nil {
		return nil, wrapDBErrorf(err, "查询会话 id=%s", id)
	}
	return &conv, nil
}

// FindByIDs 批量查找会话
func (r *conversationRepository) FindByIDs(ctx context.Context, ids []string) ([]model.Conversation, error) {
	var convs []model.Conversation
	if len(ids) == 0 {
		return convs, nil
	}
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&convs).Error; err != nil {
		return nil, wrapDBError(err, "批量查询会话")
	}
	return convs, nil
}

// UpdateLastMessage 更新最后一条消息
func (r *conversationRepository) UpdateLastMessage(ctx context.Context, id string, msgID int64, at time.Time) error {
	err := r.db.WithContext(ctx).Model(&model.Conversation{}).
		Where("id = ? AND last_message_id < ?", id, msgID).
		Updates(map[string]any{"last_message_id": msgID, "last_message_at": at}).Error
	return wrapDBErrorf(err, "更新会话最后消息 id=%s", id)
}
