package websocket

import (
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"im_core_server/internal/infrastructure/logger"
	"im_core_server/internal/service/session"
)

// FrameHandler 网关把连接生命周期交给业务层
type FrameHandler interface {
	// Connect 登记已认证的连接；返回错误时网关关闭连接
	Connect(conn session.Conn, id session.Identity) error
	// HandleFrame 处理一帧；返回错误表示传输层违例，网关关闭连接
	HandleFrame(conn session.Conn, frame []byte) error
	// Disconnect 连接结束时调用，可能与其他注销路径重复，需幂等
	Disconnect(conn session.Conn)
}

// Gateway 负责协议升级与连接的读写循环
// 认证在升级之前由 middleware.JWTAuth 完成，失败时不会走到这里
type Gateway struct {
	upgrader websocket.Upgrader
	handler  FrameHandler
	opts     ConnOptions
}

// NewGateway 创建网关
func NewGateway(handler FrameHandler, opts ConnOptions) *Gateway {
	return &Gateway{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		handler: handler,
		opts:    opts,
	}
}

// Serve 升级连接并阻塞直到连接结束
func (g *Gateway) Serve(w http.ResponseWriter, r *http.Request, id session.Identity) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已经写好了错误响应
		zap.L().Warn("websocket upgrade failed", zap.String("user_id", id.UserID), zap.Error(err))
		return
	}

	conn := newConn(ws, g.opts)
	go conn.writePump()
	fields := logger.ConnFields(conn.ID(), id.UserID, id.DeviceID)

	if err := g.handler.Connect(conn, id); err != nil {
		zap.L().Info("websocket register refused", append(fields, zap.Error(err))...)
		conn.CloseWithReason(websocket.ClosePolicyViolation, "register refused")
		return
	}
	zap.L().Info("websocket connected", append(fields, zap.String("device_type", id.DeviceType))...)

	var handlerErr error
	err = conn.readPump(func(frame []byte) error {
		handlerErr = g.handler.HandleFrame(conn, frame)
		return handlerErr
	})
	if handlerErr != nil {
		conn.CloseWithReason(websocket.CloseProtocolError, handlerErr.Error())
	} else {
		_ = conn.Close()
	}
	g.handler.Disconnect(conn)

	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
		!errors.Is(err, websocket.ErrCloseSent) {
		zap.L().Info("websocket closed", append(fields, zap.Error(err))...)
		return
	}
	zap.L().Info("websocket closed", fields...)
}
