// Package websocket 实现长连接网关
// 本文件定义连接句柄：一个读协程、一个写协程，所有写入经发送队列串行化
package websocket

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// errProtocolViolation 非文本帧等协议违例，连接将被关闭
var errProtocolViolation = errors.New("protocol violation")

// ConnOptions 连接参数
type ConnOptions struct {
	WriteWait      time.Duration
	PingPeriod     time.Duration
	SendBufferSize int
	MaxFrameBytes  int64
}

// Conn 连接句柄，实现 session.Conn
type Conn struct {
	id   string
	ws   *websocket.Conn
	opts ConnOptions

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// closeFrame 关闭前写出的 close 帧，由 CloseWithReason 设置
	closeMu    sync.Mutex
	closeFrame []byte
}

func newConn(ws *websocket.Conn, opts ConnOptions) *Conn {
	return &Conn{
		id:   uuid.NewString(),
		ws:   ws,
		opts: opts,
		send: make(chan []byte, opts.SendBufferSize),
		done: make(chan struct{}),
	}
}

// ID 连接标识
func (c *Conn) ID() string {
	return c.id
}

// Send 非阻塞入队；发送队列满说明客户端消费过慢，直接关闭连接
func (c *Conn) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		zap.L().Warn("send queue full, closing slow connection", zap.String("connId", c.id))
		c.CloseWithReason(websocket.ClosePolicyViolation, "slow consumer")
		return false
	}
}

// Close 幂等关闭；写协程会先把已入队的帧写完
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// CloseWithReason 带关闭码关闭
func (c *Conn) CloseWithReason(code int, reason string) {
	c.closeMu.Lock()
	if c.closeFrame == nil {
		c.closeFrame = websocket.FormatCloseMessage(code, reason)
	}
	c.closeMu.Unlock()
	_ = c.Close()
}

// Closed 连接是否已关闭
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// writePump 唯一的写协程
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				zap.L().Debug("websocket write failed", zap.String("connId", c.id), zap.Error(err))
				_ = c.Close()
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		case <-c.done:
			c.drain()
			return
		}
	}
}

// drain 关闭前尽力写出剩余帧（如 KICKED、LOGOUT_ACK），然后发送 close 帧
func (c *Conn) drain() {
	for {
		select {
		case frame := <-c.send:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			c.closeMu.Lock()
			msg := c.closeFrame
			c.closeMu.Unlock()
			if msg == nil {
				msg = websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			}
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.WriteWait))
			return
		}
	}
}

func (c *Conn) write(messageType int, data []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, data)
}

// readPump 读循环，在调用方协程中运行；返回即表示连接结束
// 读超时依赖传输层 pong 续期，应用层的失活判断由注册表扫描负责
func (c *Conn) readPump(onFrame func([]byte) error) error {
	pongWait := c.opts.PingPeriod * 2
	c.ws.SetReadLimit(c.opts.MaxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if messageType != websocket.TextMessage {
			c.CloseWithReason(websocket.CloseUnsupportedData, "text frames only")
			return errProtocolViolation
		}
		if err := onFrame(data); err != nil {
			return err
		}
	}
}
