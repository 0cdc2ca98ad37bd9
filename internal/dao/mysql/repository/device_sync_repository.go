package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"im_core_server/internal/model"
)

type deviceSyncRepository struct {
	db *gorm.DB
}

// NewDeviceSyncRepository 创建设备同步游标 Repository
func NewDeviceSyncRepository(db *gorm.DB) DeviceSyncRepository {
	return &deviceSyncRepository{db: db}
}

// Find 查找设备游标
func (r *deviceSyncRepository) Find(ctx context.Context, userID, deviceID string) (*model.DeviceSyncStatus, error) {
	var status model.DeviceSyncStatus
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND device_id = ?", userID, deviceID).
		First(&status).Error
	if err != nil {
		return nil, wrapDBErrorf(err, "查询设备游标 user_id=%s device_id=%s", userID, deviceID)
	}
	return &status, nil
}

// FindByUsers 批量查找设备名册
func (r *deviceSyncRepository) FindByUsers(ctx context.Context, userIDs []string) ([]model.DeviceSyncStatus, error) {
	var list []model.DeviceSyncStatus
	if len(userIDs) == 0 {
		return list, nil
	}
	if err := r.db.WithContext(ctx).Where("user_id IN ?", userIDs).Find(&list).Error; err != nil {
		return nil, wrapDBError(err, "查询设备名册")
	}
	return list, nil
}

// Touch 登记设备
func (r *deviceSyncRepository) Touch(ctx context.Context, userID, deviceID, deviceType string, at time.Time) error {
	status := model.DeviceSyncStatus{
		UserID:     userID,
		DeviceID:   deviceID,
		DeviceType: deviceType,
		LastSeenAt: at,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "device_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"device_type", "last_seen_at", "updated_at"}),
	}).Create(&status).Error
	return wrapDBErrorf(err, "登记设备 user_id=%s device_id=%s", userID, deviceID)
}

// Advance 单调推进游标
func (r *deviceSyncRepository) Advance(ctx context.Context, userID, deviceID string, msgID int64, at time.Time) error {
	status := model.DeviceSyncStatus{
		UserID:          userID,
		DeviceID:        deviceID,
		LastSyncedMsgID: msgID,
		LastSyncedAt:    &at,
		LastSeenAt:      at,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "device_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"last_synced_msg_id": gorm.Expr("GREATEST(last_synced_msg_id, ?)", msgID),
			"last_synced_at":     at,
			"updated_at":         at,
		}),
	}).Create(&status).Error
	return wrapDBErrorf(err, "推进设备游标 user_id=%s device_id=%s", userID, deviceID)
}
