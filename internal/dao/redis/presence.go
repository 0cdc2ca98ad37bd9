package redis

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/redis/go-redis/v9"

	"im_core_server/pkg/constants"
)

// removeIfOwner 仅当设备仍登记在本节点时才删除，避免覆盖设备在其他节点的新登记
var removeIfOwner = redis.NewScript(`
if redis.call("HGET", KEYS[1], ARGV[1]) == ARGV[2] then
	return redis.call("HDEL", KEYS[1], ARGV[1])
end
return 0
`)

// Presence 集群在线目录
// 结构：im:presence:{userId} -> hash{deviceId: nodeId}，整个 key 带 TTL，由心跳续期
// 节点存活：im:node:{nodeId}，节点按 nodeTTL/3 周期续期；宕机节点的 key 过期后其设备不再出现在查询结果里
type Presence struct {
	client  *redis.Client
	ttl     time.Duration
	nodeTTL time.Duration
}

// NewPresence 创建在线目录
func NewPresence(client *redis.Client, ttl, nodeTTL time.Duration) *Presence {
	return &Presence{client: client, ttl: ttl, nodeTTL: nodeTTL}
}

func presenceKey(userID string) string {
	return constants.REDIS_PRESENCE_KEY_PREFIX + userID
}

func nodeKey(nodeID string) string {
	return constants.REDIS_NODE_KEY_PREFIX + nodeID
}

// MarkNodeAlive 续期本节点存活标记
func (p *Presence) MarkNodeAlive(ctx context.Context, nodeID string) error {
	err := p.client.Set(ctx, nodeKey(nodeID), time.Now().UnixMilli(), p.nodeTTL).Err()
	return wrapCacheError(err, "presence mark node alive node=%s", nodeID)
}

// RunNodeHeartbeat 启动时立即续期一次，之后每 nodeTTL/3 续期，ctx 取消后删除标记
func (p *Presence) RunNodeHeartbeat(ctx context.Context, nodeID string) {
	interval := p.nodeTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	beat := func() {
		beatCtx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		if err := p.MarkNodeAlive(beatCtx, nodeID); err != nil {
			zap.L().Warn("node heartbeat failed", zap.String("node_id", nodeID), zap.Error(err))
		}
	}
	beat()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			delCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			_ = p.client.Del(delCtx, nodeKey(nodeID)).Err()
			cancel()
			return
		case <-ticker.C:
			beat()
		}
	}
}

// SetOnline 登记设备所在节点
func (p *Presence) SetOnline(ctx context.Context, userID, deviceID, nodeID string) error {
	key := presenceKey(userID)
	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, deviceID, nodeID)
		pipe.Expire(ctx, key, p.ttl)
		return nil
	})
	return wrapCacheError(err, "presence set online user=%s device=%s", userID, deviceID)
}

// SetOffline 注销设备登记
func (p *Presence) SetOffline(ctx context.Context, userID, deviceID, nodeID string) error {
	err := removeIfOwner.Run(ctx, p.client, []string{presenceKey(userID)}, deviceID, nodeID).Err()
	return wrapCacheError(err, "presence set offline user=%s device=%s", userID, deviceID)
}

// Devices 查询用户在线设备，返回 deviceId -> nodeId
func (p *Presence) Devices(ctx context.Context, userID string) (map[string]string, error) {
	all, err := p.DevicesOf(ctx, []string{userID})
	if err != nil {
		return nil, err
	}
	if devices, ok := all[userID]; ok {
		return devices, nil
	}
	return map[string]string{}, nil
}

// DevicesOf 批量查询，过滤掉登记在已失联节点上的设备
func (p *Presence) DevicesOf(ctx context.Context, userIDs []string) (map[string]map[string]string, error) {
	out, err := p.registered(ctx, userIDs)
	if err != nil || len(out) == 0 {
		return out, err
	}
	alive, err := p.aliveNodes(ctx, out)
	if err != nil {
		return nil, err
	}
	for uid, devices := range out {
		for did, node := range devices {
			if !alive[node] {
				delete(devices, did)
			}
		}
		if len(devices) == 0 {
			delete(out, uid)
		}
	}
	return out, nil
}

// aliveNodes 一次 MGET 查询涉及节点的存活标记
func (p *Presence) aliveNodes(ctx context.Context, devices map[string]map[string]string) (map[string]bool, error) {
	var nodes []string
	seen := make(map[string]bool)
	for _, byDevice := range devices {
		for _, node := range byDevice {
			if !seen[node] {
				seen[node] = true
				nodes = append(nodes, node)
			}
		}
	}
	keys := make([]string, len(nodes))
	for i, node := range nodes {
		keys[i] = nodeKey(node)
	}
	vals, err := p.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, wrapCacheError(err, "presence node liveness nodes=%d", len(nodes))
	}
	alive := make(map[string]bool, len(nodes))
	for i, v := range vals {
		alive[nodes[i]] = v != nil
	}
	return alive, nil
}

// registered 读取原始登记，一次往返
func (p *Presence) registered(ctx context.Context, userIDs []string) (map[string]map[string]string, error) {
	cmds := make([]*redis.MapStringStringCmd, len(userIDs))
	_, err := p.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, uid := range userIDs {
			cmds[i] = pipe.HGetAll(ctx, presenceKey(uid))
		}
		return nil
	})
	if err != nil {
		return nil, wrapCacheError(err, "presence devices batch size=%d", len(userIDs))
	}
	out := make(map[string]map[string]string, len(userIDs))
	for i, uid := range userIDs {
		if devices := cmds[i].Val(); len(devices) > 0 {
			out[uid] = devices
		}
	}
	return out, nil
}

// Ping 就绪检查
func (p *Presence) Ping(ctx context.Context) error {
	return wrapCacheError(p.client.Ping(ctx).Err(), "redis ping")
}
