// Package offline 维护离线消息队列和设备同步游标
// 离线记录只引用消息 ID；设备确认之前记录不会被删除
package offline

import (
	"context"
	"time"

	"im_core_server/internal/dao/mysql/repository"
	"im_core_server/internal/model"
	"im_core_server/pkg/constants"
	"im_core_server/pkg/errorx"

	"go.uber.org/zap"
)

// Target 离线投递目标，DeviceID 为空表示该用户任意设备均可领取
type Target struct {
	UserID   string
	DeviceID string
}

// Options 队列参数
type Options struct {
	TTL      time.Duration // 记录保留时长
	MaxRetry int           // 最多返回次数
}

// Queue 离线队列与同步游标
type Queue struct {
	records repository.OfflineMessageRepository
	cursors repository.DeviceSyncRepository
	opts    Options
	now     func() time.Time
}

// NewQueue 创建离线队列
func NewQueue(records repository.OfflineMessageRepository, cursors repository.DeviceSyncRepository, opts Options) *Queue {
	if opts.TTL <= 0 {
		opts.TTL = constants.DEFAULT_OFFLINE_TTL
	}
	if opts.MaxRetry <= 0 {
		opts.MaxRetry = constants.DEFAULT_OFFLINE_MAX_RETRY
	}
	return &Queue{records: records, cursors: cursors, opts: opts, now: time.Now}
}

// Enqueue 为未在线的目标设备写入离线记录
// 记录已存在时重置为待投递并刷新过期时间，撤回等再次入队不会产生重复行
func (q *Queue) Enqueue(ctx context.Context, msg *model.Message, targets []Target) error {
	if len(targets) == 0 {
		return nil
	}
	expiresAt := q.now().Add(q.opts.TTL)
	records := make([]model.OfflineMessage, 0, len(targets))
	for _, t := range targets {
		rec := model.OfflineMessage{
			UserID:         t.UserID,
			Status:         model.OfflinePending,
			MessageID:      msg.ID,
			ConversationID: msg.ConversationID,
			ExpiresAt:      expiresAt,
		}
		if t.DeviceID != "" {
			did := t.DeviceID
			rec.TargetDeviceID = &did
			rec.TargetKey = did
		}
		records = append(records, rec)
	}
	return q.records.CreateBatch(ctx, records)
}

// Pending 返回设备待领取的记录
// 1. 先把超过重试上限或保留期的记录置为过期
// 2. 多取一条判断是否还有剩余
// 3. 返回的记录重试次数 +1
func (q *Queue) Pending(ctx context.Context, userID, deviceID string, limit int) ([]model.OfflineMessage, bool, error) {
	if limit <= 0 {
		limit = constants.DEFAULT_SYNC_PAGE_SIZE
	}
	now := q.now()
	if n, err := q.records.ExpireStale(ctx, userID, q.opts.MaxRetry, now); err != nil {
		return nil, false, err
	} else if n > 0 {
		zap.L().Info("offline records expired", zap.String("user_id", userID), zap.Int64("count", n))
	}

	records, err := q.records.FindPending(ctx, userID, deviceID, now, limit+1)
	if err != nil {
		return nil, false, err
	}
	hasMore := len(records) > limit
	if hasMore {
		records = records[:limit]
	}
	if len(records) == 0 {
		return records, false, nil
	}

	ids := make([]int64, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	if err := q.records.IncrementRetry(ctx, ids); err != nil {
		return nil, false, err
	}
	return records, hasMore, nil
}

// Ack 确认投递并推进设备游标，重复确认结果不变
// 游标只推进到确实有记录被确认的消息，未入队或不存在的 ID 不影响游标
// 返回本次实际标记的记录数和推进后的游标
func (q *Queue) Ack(ctx context.Context, userID, deviceID string, messageIDs []int64) (int64, int64, error) {
	if len(messageIDs) == 0 {
		cursor, err := q.Cursor(ctx, userID, deviceID)
		return 0, cursor, err
	}
	now := q.now()
	acked, err := q.records.MarkDelivered(ctx, userID, deviceID, messageIDs, now)
	if err != nil {
		return 0, 0, err
	}
	confirmed, err := q.records.FindDelivered(ctx, userID, deviceID, messageIDs)
	if err != nil {
		return acked, 0, err
	}
	var maxID int64
	for _, id := range confirmed {
		maxID = max(maxID, id)
	}
	if maxID > 0 {
		if err := q.cursors.Advance(ctx, userID, deviceID, maxID, now); err != nil {
			return acked, 0, err
		}
	}
	cursor, err := q.Cursor(ctx, userID, deviceID)
	return acked, cursor, err
}

// Cursor 读取设备游标，未登记的设备为 0
func (q *Queue) Cursor(ctx context.Context, userID, deviceID string) (int64, error) {
	st, err := q.cursors.Find(ctx, userID, deviceID)
	if err != nil {
		if errorx.GetCode(err) == errorx.CodeNotFound {
			return 0, nil
		}
		return 0, err
	}
	return st.LastSyncedMsgID, nil
}

// Advance 推进设备游标，只前进不后退
func (q *Queue) Advance(ctx context.Context, userID, deviceID string, msgID int64) error {
	return q.cursors.Advance(ctx, userID, deviceID, msgID, q.now())
}

// TouchDevice 设备连接时登记到设备名册
func (q *Queue) TouchDevice(ctx context.Context, userID, deviceID, deviceType string) error {
	return q.cursors.Touch(ctx, userID, deviceID, deviceType, q.now())
}

// Roster 返回用户的已知设备 userId -> []deviceId
func (q *Queue) Roster(ctx context.Context, userIDs []string) (map[string][]string, error) {
	rows, err := q.cursors.FindByUsers(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string, len(userIDs))
	for _, r := range rows {
		out[r.UserID] = append(out[r.UserID], r.DeviceID)
	}
	return out, nil
}

// Purge 删除 retain 之前已投递或已过期的记录
func (q *Queue) Purge(ctx context.Context, retain time.Duration, batch int) (int64, error) {
	return q.records.PurgeFinished(ctx, q.now().Add(-retain), batch)
}

// RunPurger 周期性清理，阻塞直到 ctx 取消
func (q *Queue) RunPurger(ctx context.Context, interval time.Duration, batch int) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := q.Purge(ctx, interval, batch)
			if err != nil {
				zap.L().Warn("purge offline records failed", zap.Error(err))
				continue
			}
			if n > 0 {
				zap.L().Info("offline records purged", zap.Int64("count", n))
			}
		}
	}
}
