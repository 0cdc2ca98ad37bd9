package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"im_core_server/internal/model"
)

type offlineMessageRepository struct {
	db *gorm.DB
}

// NewOfflineMessageRepository 创建离线记录 Repository
func NewOfflineMessageRepository(db *gorm.DB) OfflineMessageRepository {
	return &offlineMessageRepository{db: db}
}

// CreateBatch 批量写入离线记录，命中 uk_offline_target_msg 时重置为待投递
func (r *offlineMessageRepository) CreateBatch(ctx context.Context, records []model.OfflineMessage) error {
	if len(records) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "target_key"}, {Name: "message_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "retry_count", "expires_at", "delivered_at", "updated_at"}),
		}).
		CreateInBatches(records, 200).Error
	return wrapDBErrorf(err, "写入离线记录 count=%d", len(records))
}

// FindPending 查找设备可领取的记录
func (r *offlineMessageRepository) FindPending(ctx context.Context, userID, deviceID string, now time.Time, limit int) ([]model.OfflineMessage, error) {
	var records []model.OfflineMessage
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND (target_device_id = ? OR target_device_id IS NULL)", userID, deviceID).
		Where("status = ? AND expires_at > ?", model.OfflinePending, now).
		Order("message_id ASC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, wrapDBErrorf(err, "查询离线记录 user_id=%s device_id=%s", userID, deviceID)
	}
	return records, nil
}

// IncrementRetry 返回次数 +1
func (r *offlineMessageRepository) IncrementRetry(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).Model(&model.OfflineMessage{}).
		Where("id IN ?", ids).
		UpdateColumn("retry_count", gorm.Expr("retry_count + 1")).Error
	return wrapDBError(err, "更新离线记录重试次数")
}

// ExpireStale 过期超限记录
func (r *offlineMessageRepository) ExpireStale(ctx context.Context, userID string, maxRetry int, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Model(&model.OfflineMessage{}).
		Where("user_id = ? AND status = ?", userID, model.OfflinePending).
		Where("retry_count >= ? OR expires_at <= ?", maxRetry, now).
		Update("status", model.OfflineExpired)
	if result.Error != nil {
		return 0, wrapDBErrorf(result.Error, "过期离线记录 user_id=%s", userID)
	}
	return result.RowsAffected, nil
}

// MarkDelivered 确认投递
func (r *offlineMessageRepository) MarkDelivered(ctx context.Context, userID, deviceID string, messageIDs []int64, at time.Time) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	result := r.db.WithContext(ctx).Model(&model.OfflineMessage{}).
		Where("user_id = ? AND (target_device_id = ? OR target_device_id IS NULL)", userID, deviceID).
		Where("message_id IN ? AND status = ?", messageIDs, model.OfflinePending).
		Updates(map[string]any{"status": model.OfflineDelivered, "delivered_at": at})
	if result.Error != nil {
		return 0, wrapDBErrorf(result.Error, "确认离线记录 user_id=%s device_id=%s", userID, deviceID)
	}
	return result.RowsAffected, nil
}

// FindDelivered 已确认的消息 ID
func (r *offlineMessageRepository) FindDelivered(ctx context.Context, userID, deviceID string, messageIDs []int64) ([]int64, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	var ids []int64
	err := r.db.WithContext(ctx).Model(&model.OfflineMessage{}).
		Where("user_id = ? AND (target_device_id = ? OR target_device_id IS NULL)", userID, deviceID).
		Where("message_id IN ? AND status = ?", messageIDs, model.OfflineDelivered).
		Distinct().
		Pluck("message_id", &ids).Error
	if err != nil {
		return nil, wrapDBErrorf(err, "查询已确认离线记录 user_id=%s device_id=%s", userID, deviceID)
	}
	return ids, nil
}

// PurgeFinished 清理已结束的记录
func (r *offlineMessageRepository) PurgeFinished(ctx context.Context, before time.Time, limit int) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status <> ? AND updated_at < ?", model.OfflinePending, before).
		Limit(limit).
		Delete(&model.OfflineMessage{})
	if result.Error != nil {
		return 0, wrapDBError(result.Error, "清理离线记录")
	}
	return result.RowsAffected, nil
}
