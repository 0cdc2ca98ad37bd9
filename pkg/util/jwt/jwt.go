package jwt

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// 令牌类型，写入 claims 的 type 字段
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// 令牌被拒绝的原因
var (
	ErrTokenType     = errors.New("token type is not access")
	ErrTokenIdentity = errors.New("token missing user or device identity")
)

// JWTConfig JWT 配置
type JWTConfig struct {
	Secret             string
	Issuer             string
	AccessTokenExpiry  time.Duration // Access Token 有效期
	RefreshTokenExpiry time.Duration // Refresh Token 有效期
}

// 全局配置，由 Init 函数初始化
var jwtConfig *JWTConfig

// Init 初始化 JWT 配置
func Init(secret string, accessExpiryMinutes, refreshExpiryHours int) {
	jwtConfig = &JWTConfig{
		Secret:             secret,
		Issuer:             "im_core",
		AccessTokenExpiry:  time.Duration(accessExpiryMinutes) * time.Minute,
		RefreshTokenExpiry: time.Duration(refreshExpiryHours) * time.Hour,
	}
}

// Claims 自定义 JWT 声明
// Subject 承载用户 ID；DeviceID 标识登录设备
type Claims struct {
	DeviceID   string `json:"deviceId"`
	DeviceType string `json:"deviceType,omitempty"`
	Type       string `json:"type"`
	jwt.RegisteredClaims
}

// UserID 返回令牌所属用户
func (c *Claims) UserID() string {
	return c.Subject
}

// GenerateAccessToken 生成 Access Token (短期，用于建立长连接)
func GenerateAccessToken(userID, deviceID, deviceType string) (string, error) {
	return sign(userID, deviceID, deviceType, TokenTypeAccess, jwtConfig.AccessTokenExpiry)
}

// GenerateRefreshToken 生成 Refresh Token
// 签发流程不在本服务内，此函数主要用于联调和测试
func GenerateRefreshToken(userID, deviceID, deviceType string) (string, error) {
	return sign(userID, deviceID, deviceType, TokenTypeRefresh, jwtConfig.RefreshTokenExpiry)
}

func sign(userID, deviceID, deviceType, tokenType string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		DeviceID:   deviceID,
		DeviceType: deviceType,
		Type:       tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    jwtConfig.Issuer,
			Subject:   userID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(jwtConfig.Secret))
}

// ParseToken 解析并验证 Token 的签名与有效期
func ParseToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(jwtConfig.Secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, jwt.ErrSignatureInvalid
}

// ParseAccessToken 解析 Token 并要求其为携带用户与设备身份的 access 类型
func ParseAccessToken(tokenString string) (*Claims, error) {
	claims, err := ParseToken(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Type != TokenTypeAccess {
		return nil, ErrTokenType
	}
	if claims.Subject == "" || claims.DeviceID == "" {
		return nil, ErrTokenIdentity
	}
	return claims, nil
}
