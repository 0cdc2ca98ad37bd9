package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"im_core_server/internal/model"
	"im_core_server/pkg/errorx"
)

type messageRepository struct {
	db *gorm.DB
}

// NewMessageRepository 创建消息 Repository
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db}
}

// Create 创建消息
func (r *messageRepository) Create(ctx context.Context, msg *model.Message) error {
	if err := r.db.WithContext(ctx).Create(msg).Error; err != nil {
		// 连接时开启了 TranslateError，唯一索引冲突会被翻译为 ErrDuplicatedKey
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return errorx.Wrap(err, errorx.CodeConflict, "消息重复")
		}
		return wrapDBErrorf(err, "创建消息 id=%d", msg.ID)
	}
	return nil
}

// FindByID 按 ID 查找消息
func (r *messageRepository) FindByID(ctx context.Context, id int64) (*model.Message, error) {
	var msg model.Message
	if err := r.db.WithContext(ctx).First(&msg, "id = ?", id).Error; err != nil {
		return nil, wrapDBErrorf(err, "查询消息 id=%d", id)
	}
	return &msg, nil
}

// FindByClientMsgID 按发送者与客户端消息 ID 查找
func (r *messageRepository) FindByClientMsgID(ctx context.Context, senderID, clientMsgID string) (*model.Message, error) {
	var msg model.Message
	err := r.db.WithContext(ctx).
		Where("sender_id = ? AND client_msg_id = ?", senderID, clientMsgID).
		First(&msg).Error
	if err != nil {
		return nil, wrapDBErrorf(err, "查询消息 sender=%s clientMsgId=%s", senderID, clientMsgID)
	}
	return &msg, nil
}

// FindByIDs 批量查找消息
func (r *messageRepository) FindByIDs(ctx context.Context, ids []int64) ([]model.Message, error) {
	var messages []model.Message
	if len(ids) == 0 {
		return messages, nil
	}
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Order("id ASC").Find(&messages).Error; err != nil {
		return nil, wrapDBError(err, "批量查询消息")
	}
	return messages, nil
}

// FindAfter 增量拉取消息
func (r *messageRepository) FindAfter(ctx context.Context, conversationIDs []string, afterID int64, limit int) ([]model.Message, error) {
	var messages []model.Message
	if len(conversationIDs) == 0 {
		return messages, nil
	}
	err := r.db.WithContext(ctx).
		Where("conversation_id IN ? AND id > ?", conversationIDs, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, wrapDBErrorf(err, "增量查询消息 after=%d", afterID)
	}
	return messages, nil
}

// MarkRecalled 标记撤回，条件更新保证只有第一次撤回生效
func (r *messageRepository) MarkRecalled(ctx context.Context, id int64, by string, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&model.Message{}).
		Where("id = ? AND recalled_at IS NULL", id).
		Updates(map[string]any{"recalled_at": at, "recalled_by": by})
	if result.Error != nil {
		return false, wrapDBErrorf(result.Error, "撤回消息 id=%d", id)
	}
	return result.RowsAffected == 1, nil
}
