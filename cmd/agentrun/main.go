// =============================================================================
// AgentRun 主入口
// =============================================================================
// 完整服务入口点，包含任务调度、健康检查、Prometheus 指标
//
// 使用方法:
//
//	agentrun serve                       # 启动服务
//	agentrun serve --config config.yaml  # 指定配置文件
//	agentrun version                     # 显示版本信息
//	agentrun health                      # 健康检查
//	agentrun migrate up                  # 运行数据库迁移
//	agentrun migrate down                # 回滚最后一次迁移
//	agentrun migrate status              # 查看迁移状态
// =============================================================================

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/BaSui01/agentrun/config"
	"github.com/BaSui01/agentrun/internal/telemetry"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "migrate":
		runMigrate(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string) {
	// 解析命令行参数
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	// 加载配置
	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 验证配置
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志（返回 AtomicLevel 供热更新动态调级）
	logger, logLevel := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("Starting AgentRun",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	ctx := context.Background()

	// Initialize OpenTelemetry
	otelProviders, err := telemetry.Init(ctx, cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	// 初始化数据库连接。memory 后端不需要数据库；database 后端拿不到
	// 数据库就无法恢复任务，直接退出而不是降级
	var db *gorm.DB
	if needsDatabase(cfg) {
		db, err = openDatabase(cfg.Database, logger)
		if err != nil {
			logger.Fatal("Database required by store backend but unavailable", zap.Error(err))
		}
	}

	// 创建服务器（传入配置文件路径以支持热更新）
	server := NewServer(cfg, *configPath, logger, logLevel, otelProviders, db)

	// 启动服务器
	if err := server.Start(ctx); err != nil {
		logger.Fatal("Failed to start server", zap.Error(err))
	}

	// 等待关闭信号
	server.WaitForShutdown()

	logger.Info("AgentRun stopped")
}

// needsDatabase 判断当前仓储配置是否需要 SQL 数据库
func needsDatabase(cfg *config.Config) bool {
	return cfg.Store.Backend == "database" || cfg.Store.StateBackend == "database"
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/healthz")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("OK")
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("AgentRun %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`AgentRun - Agent Script Runtime

Usage:
  agentrun <command> [options]

Commands:
  serve     Start the AgentRun server
  migrate   Database migration commands
  version   Show version information
  health    Check server health
  help      Show this help message

Options for 'serve':
  --config <path>   Path to configuration file (YAML)

Migration subcommands:
  migrate up        Apply all pending migrations
  migrate down      Rollback the last migration
  migrate status    Show migration status
  migrate version   Show current migration version
  migrate goto <v>  Migrate to a specific version
  migrate force <v> Force set migration version
  migrate reset     Rollback all migrations

Examples:
  agentrun serve
  agentrun serve --config /etc/agentrun/config.yaml
  agentrun migrate up
  agentrun migrate status
  agentrun health --addr http://localhost:8080
  agentrun version`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

// zapLevelFor 解析日志级别，未知值回落到 info。
// 热更新回调复用它来动态调级
func zapLevelFor(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func initLogger(cfg config.LogConfig) (*zap.Logger, zap.AtomicLevel) {
	atomicLevel := zap.NewAtomicLevelAt(zapLevelFor(cfg.Level))

	// 配置编码器
	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	// 构建配置
	zapConfig := zap.Config{
		Level:            atomicLevel,
		Development:      cfg.Format == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      cfg.OutputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}

	var opts []zap.Option
	if cfg.EnableCaller {
		opts = append(opts, zap.AddCaller())
	}
	if cfg.EnableStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	// 构建 logger
	logger, err := zapConfig.Build(opts...)
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}

	return logger, atomicLevel
}

// openDatabase 根据配置打开数据库连接
func openDatabase(dbCfg config.DatabaseConfig, logger *zap.Logger) (*gorm.DB, error) {
	if dbCfg.Driver == "" {
		return nil, fmt.Errorf("database driver not configured")
	}

	var dialector gorm.Dialector
	switch dbCfg.Driver {
	case "postgres":
		dialector = postgres.Open(dbCfg.DSN())
	case "mysql":
		dialector = mysql.Open(dbCfg.DSN())
	case "sqlite":
		dialector = sqlite.Open(dbCfg.DSN())
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: postgres, mysql, sqlite)", dbCfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	logger.Info("Database connected", zap.String("driver", dbCfg.Driver))
	return db, nil
}
