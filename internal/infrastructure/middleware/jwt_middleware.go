package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"im_core_server/pkg/errorx"
	"im_core_server/pkg/util/jwt"
)

// 认证通过后写入 gin.Context 的键
const (
	CtxUserID     = "user_id"
	CtxDeviceID   = "device_id"
	CtxDeviceType = "device_type"
)

// JWTAuth 长连接握手前的认证中间件
// Token 优先从 Authorization: Bearer 读取，浏览器无法设置 Header 时退回到 ?token= 查询参数
// 只有 access 类型且带有用户与设备身份的 Token 才能通过，失败时直接 401，不会进入升级流程
func JWTAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		// 1. 提取 Token
		token, err := extractToken(c)
		if err != nil {
			abortUnauthorized(c, err.Error())
			return
		}

		// 2. 验证签名、有效期与类型
		claims, err := jwt.ParseAccessToken(token)
		if err != nil {
			zap.L().Info("reject websocket credential",
				zap.String("ClientIP", c.ClientIP()), zap.Error(err))
			switch {
			case errors.Is(err, jwt.ErrTokenType):
				abortUnauthorized(c, "请使用 Access Token 建立连接")
			case errors.Is(err, jwt.ErrTokenIdentity):
				abortUnauthorized(c, "Token 缺少用户或设备信息")
			default:
				abortUnauthorized(c, "Token 已过期或无效，请重新登录")
			}
			return
		}

		// 3. 将身份存入上下文，供后续 Handler 使用
		c.Set(CtxUserID, claims.UserID())
		c.Set(CtxDeviceID, claims.DeviceID)
		c.Set(CtxDeviceType, claims.DeviceType)
		c.Next()
	}
}

func extractToken(c *gin.Context) (string, error) {
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
			return "", errors.New("Token 格式错误，请使用 Bearer Token")
		}
		return parts[1], nil
	}
	if token := c.Query("token"); token != "" {
		return token, nil
	}
	return "", errors.New("请先登录")
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"code": errorx.CodeUnauthorized,
		"msg":  msg,
	})
}
