package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"im_core_server/internal/app"
	"im_core_server/internal/config"
	"im_core_server/internal/infrastructure/logger"
	"im_core_server/pkg/util/jwt"
	"im_core_server/pkg/util/snowflake"
)

const serviceName = "im_core_server"

var version = "0.0.0"

func main() {
	cliApp := &cli.App{
		Name:    serviceName,
		Usage:   "IM 长连接会话与协议路由服务",
		Version: version,
		Commands: []*cli.Command{
			serverCmd(),
		},
	}
	if err := cliApp.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func serverCmd() *cli.Command {
	return &cli.Command{
		Name:    "server",
		Aliases: []string{"s"},
		Usage:   "启动长连接服务",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "配置文件路径，缺省时按候选路径查找",
				EnvVars: []string{"IM_CORE_CONFIG"},
			},
		},
		Action: func(c *cli.Context) error {
			// 1. 加载配置
			conf, err := config.LoadConfig(c.String("config"))
			if err != nil {
				return err
			}

			// 2. 初始化日志
			if err := logger.Init(&conf.LogConfig, conf.MainConfig.Mode); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer func() { _ = zap.L().Sync() }()

			// 3. 初始化 ID 生成器与凭证校验
			snowflake.Init(conf.SnowflakeConfig.MachineID)
			jwt.Init(conf.JWTConfig.Secret, conf.JWTConfig.AccessTokenExpiry, conf.JWTConfig.RefreshTokenExpiry)

			// 4. 组装节点
			node, err := app.New(conf)
			if err != nil {
				zap.L().Error("init node failed", zap.Error(err))
				return err
			}
			defer node.Close()

			// 5. 运行直到收到退出信号
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := node.Run(ctx); err != nil && ctx.Err() == nil {
				zap.L().Error("node exited with error", zap.Error(err))
				return err
			}
			zap.L().Info("shutting down...")
			return nil
		},
	}
}
