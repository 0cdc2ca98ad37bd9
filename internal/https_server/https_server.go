// Package https_server 提供 HTTP/HTTPS 服务器的初始化和配置
// 负责创建 Gin 引擎实例并配置中间件和路由
package https_server

import (
	"github.com/gin-contrib/cors" // CORS 跨域中间件
	"github.com/gin-gonic/gin"    // Gin Web 框架

	"im_core_server/internal/config"                    // 配置管理
	"im_core_server/internal/handler"                   // Handler 聚合对象
	"im_core_server/internal/infrastructure/logger"     // 自定义日志中间件
	"im_core_server/internal/infrastructure/middleware" // TLS 重定向
	"im_core_server/internal/router"                    // 路由注册
)

// Init 创建并返回配置好的 Gin 引擎
// 配置顺序：
//  1. 创建 Gin 引擎（空白，不含默认中间件）
//  2. 注册日志和恢复中间件
//  3. 配置 CORS 跨域规则
//  4. 按配置挂载 TLS 重定向
//  5. 注册业务路由
func Init(handlers *handler.Handlers, conf *config.MainConfig) *gin.Engine {
	if conf.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()

	engine.Use(logger.GinLogger())
	// 参数 true 表示在日志中包含堆栈信息
	engine.Use(logger.GinRecovery(true))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = []string{"*"} // 生产环境应指定具体域名
	corsConfig.AllowMethods = []string{"GET", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization"}
	engine.Use(cors.New(corsConfig))

	// 由 Nginx 终止 TLS 时保持关闭
	if conf.TLSRedirect {
		engine.Use(middleware.TlsHandler(conf.Host, conf.Port, conf.Mode == "dev"))
	}

	rt := router.NewRouter(handlers)
	rt.RegisterRoutes(engine)

	return engine
}
