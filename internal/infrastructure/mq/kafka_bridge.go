package mq

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	myconfig "im_core_server/internal/config"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaBridge 基于 Kafka 的桥实现
// 每个节点使用独立的消费组，因此每个节点都能收到全量事件
type KafkaBridge struct {
	brokers []string
	writer  *kafka.Writer
	reader  *kafka.Reader
}

// NewKafkaBridge 根据配置创建 Writer / Reader
func NewKafkaBridge(conf *myconfig.KafkaConfig, nodeID string) *KafkaBridge {
	brokers := splitBrokers(conf.HostPort)
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  conf.BridgeTopic,
		Balancer:               &kafka.Hash{}, // 按 Key 分区，同一会话的事件保序
		WriteTimeout:           conf.Timeout,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          conf.BridgeTopic,
		GroupID:        conf.GroupPrefix + nodeID,
		CommitInterval: time.Second,
		StartOffset:    kafka.LastOffset,
	})
	return &KafkaBridge{brokers: brokers, writer: writer, reader: reader}
}

func splitBrokers(hostPort string) []string {
	var brokers []string
	for _, b := range strings.Split(hostPort, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// Publish 写入事件，Key 为分区键
func (b *KafkaBridge) Publish(ctx context.Context, ev *Event) error {
	data, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	return b.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.Key),
		Value: data,
	})
}

// Run 消费事件直到 ctx 取消或 Reader 关闭
func (b *KafkaBridge) Run(ctx context.Context, handler Handler) error {
	zap.L().Info("kafka bridge consuming",
		zap.String("topic", b.reader.Config().Topic),
		zap.String("group", b.reader.Config().GroupID))
	for {
		m, err := b.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			zap.L().Error("kafka read failed", zap.Error(err))
			// 避免 broker 不可用时空转
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		ev, err := decodeEvent(m.Value)
		if err != nil {
			zap.L().Warn("drop undecodable bridge event", zap.Error(err), zap.Int64("offset", m.Offset))
			continue
		}
		handler(ctx, ev)
	}
}

// Ping 拨号任意一个 broker
func (b *KafkaBridge) Ping(ctx context.Context) error {
	if len(b.brokers) == 0 {
		return errors.New("mq: no kafka brokers configured")
	}
	conn, err := kafka.DialContext(ctx, "tcp", b.brokers[0])
	if err != nil {
		return err
	}
	return conn.Close()
}

// Close 关闭 Writer 和 Reader
func (b *KafkaBridge) Close() error {
	return errors.Join(b.writer.Close(), b.reader.Close())
}
