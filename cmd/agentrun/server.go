package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/agentrun/config"
	"github.com/BaSui01/agentrun/internal/database"
	"github.com/BaSui01/agentrun/internal/metrics"
	"github.com/BaSui01/agentrun/internal/pool"
	"github.com/BaSui01/agentrun/internal/server"
	"github.com/BaSui01/agentrun/internal/telemetry"
	"github.com/BaSui01/agentrun/mailbox"
	"github.com/BaSui01/agentrun/market"
	"github.com/BaSui01/agentrun/notify"
	"github.com/BaSui01/agentrun/sandbox"
	"github.com/BaSui01/agentrun/scanner"
	"github.com/BaSui01/agentrun/scheduler"
	"github.com/BaSui01/agentrun/state"
	"github.com/BaSui01/agentrun/store"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 AgentRun 的主服务器：组装运行时组件，承载健康检查
// 与 metrics 两个 HTTP 端口，并负责按依赖顺序优雅关闭
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	logLevel   zap.AtomicLevel

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 运行时组件
	collector  *metrics.Collector
	pools      *database.PoolManager
	stores     *store.Stores
	writerPool *pool.WriterPool
	registry   *scheduler.Registry

	// 遥测与数据库（所有权在这里，main 只负责创建）
	otel *telemetry.Providers
	db   *gorm.DB

	// 热更新管理器
	hotReloadManager *config.HotReloadManager

	startedAt time.Time
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, logLevel zap.AtomicLevel, otelProviders *telemetry.Providers, db *gorm.DB) *Server {
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		logLevel:   logLevel,
		otel:       otelProviders,
		db:         db,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start(ctx context.Context) error {
	s.startedAt = time.Now()

	// 1. 初始化指标收集器
	s.collector = metrics.NewCollector("agentrun", s.logger)

	// 2. 初始化运行时（仓储、写入池、执行器、调度注册表）
	if err := s.initRuntime(ctx); err != nil {
		return fmt.Errorf("failed to init runtime: %w", err)
	}

	// 3. 初始化热更新管理器
	if err := s.initHotReloadManager(ctx); err != nil {
		return fmt.Errorf("failed to init hot reload manager: %w", err)
	}

	// 4. 启动 HTTP 服务器（健康检查与运维端点）
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 5. 启动 Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.String("store_backend", s.storeBackend()),
		zap.Bool("hot_reload_enabled", s.configPath != ""),
	)

	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initRuntime 组装脚本运行时：仓储、异步写入池、沙箱执行器与调度注册表。
// 最后从仓储恢复上次进程退出时仍活跃的任务。
func (s *Server) initRuntime(ctx context.Context) error {
	// 数据库连接池管理（仅在配置了数据库后端时存在）
	if s.db != nil {
		poolCfg := database.PoolConfig{
			MaxOpenConns:        s.cfg.Database.MaxOpenConns,
			MaxIdleConns:        s.cfg.Database.MaxIdleConns,
			ConnMaxLifetime:     s.cfg.Database.ConnMaxLifetime,
			ConnMaxIdleTime:     s.cfg.Database.ConnMaxIdleTime,
			HealthCheckInterval: s.cfg.Database.HealthCheckInterval,
		}
		pm, err := database.NewPoolManager(s.db, s.cfg.Database.Name, poolCfg, s.logger, s.collector)
		if err != nil {
			return fmt.Errorf("database pool: %w", err)
		}
		s.pools = pm
	}

	// 仓储
	stores, err := store.Open(store.Config{
		Backend:      store.Backend(s.cfg.Store.Backend),
		StateBackend: store.Backend(s.cfg.Store.StateBackend),
		Redis: store.RedisConfig{
			Addr:         s.cfg.Redis.Addr,
			Password:     s.cfg.Redis.Password,
			DB:           s.cfg.Redis.DB,
			PoolSize:     s.cfg.Redis.PoolSize,
			MinIdleConns: s.cfg.Redis.MinIdleConns,
			KeyPrefix:    s.cfg.Redis.KeyPrefix,
		},
	}, s.db)
	if err != nil {
		return fmt.Errorf("open stores: %w", err)
	}
	s.stores = stores

	// 异步写入池
	s.writerPool = pool.New(pool.Config{
		Workers:      s.cfg.Pool.Workers,
		QueueSize:    s.cfg.Pool.QueueSize,
		WriteTimeout: s.cfg.Pool.WriteTimeout,
	}, s.logger, s.collector)

	// 沙箱执行器及其能力面
	executor := sandbox.New(sandbox.Config{
		NotifyMaxLen:  s.cfg.Runtime.NotifyMaxLen,
		LogBufferSize: s.cfg.Runtime.LogBufferSize,
		FetchRPS:      s.cfg.Runtime.FetchRPS,
		FetchBurst:    s.cfg.Runtime.FetchBurst,
		MaxFetchBody:  s.cfg.Runtime.MaxFetchBody,
		HTTPTimeout:   s.cfg.Runtime.HTTPTimeout,
	}, sandbox.Deps{
		Scanner: scanner.New(nil),
		State:   state.New(stores.State, s.writerPool, s.logger),
		Mailbox: mailbox.New(s.logger, s.collector),
		Market: market.New(market.Config{
			TonAPIBase:   s.cfg.Market.TonAPIBase,
			PriceAPIBase: s.cfg.Market.PriceAPIBase,
			Timeout:      s.cfg.Market.Timeout,
			RetryCount:   s.cfg.Market.RetryCount,
			RetryDelay:   s.cfg.Market.RetryDelay,
		}, s.logger),
		Notifier: notify.Logging(s.logger),
		Tasks:    stores.Tasks,
		Logs:     stores.Logs,
		History:  stores.History,
		Writer:   s.writerPool,
		Metrics:  s.collector,
		Logger:   s.logger,
	})

	// 调度注册表
	s.registry = scheduler.New(scheduler.Config{
		Timeout:           s.cfg.Runtime.Timeout,
		MaxConcurrentRuns: s.cfg.Runtime.MaxConcurrentRuns,
		LogBufferSize:     s.cfg.Runtime.LogBufferSize,
	}, executor, stores.Tasks, s.logger, s.collector)

	// 进程重启后恢复 active 的定时/常驻任务
	recovered, err := s.registry.Recover(ctx)
	if err != nil {
		s.logger.Warn("Task recovery incomplete", zap.Int("recovered", recovered), zap.Error(err))
	} else if recovered > 0 {
		s.logger.Info("Tasks recovered", zap.Int("recovered", recovered))
	}

	return nil
}

// initHotReloadManager 初始化热更新管理器
func (s *Server) initHotReloadManager(ctx context.Context) error {
	opts := []config.HotReloadOption{
		config.WithHotReloadLogger(s.logger),
	}

	if s.configPath != "" {
		opts = append(opts, config.WithConfigPath(s.configPath))
	}

	s.hotReloadManager = config.NewHotReloadManager(s.cfg, opts...)

	// 注册配置变更回调
	s.hotReloadManager.OnChange(func(change config.ConfigChange) {
		s.logger.Info("Configuration changed",
			zap.String("path", change.Path),
			zap.String("source", change.Source),
			zap.Bool("requires_restart", change.RequiresRestart),
		)
	})

	// 注册配置重载回调：目前唯一的热字段是日志级别
	s.hotReloadManager.OnReload(func(oldConfig, newConfig *config.Config) {
		s.cfg = newConfig
		if oldConfig.Log.Level != newConfig.Log.Level {
			s.logLevel.SetLevel(zapLevelFor(newConfig.Log.Level))
			s.logger.Info("Log level updated",
				zap.String("from", oldConfig.Log.Level),
				zap.String("to", newConfig.Log.Level),
			)
		}
		s.logger.Info("Configuration reloaded")
	})

	// 启动热更新管理器
	if err := s.hotReloadManager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hot reload manager: %w", err)
	}

	return nil
}

// =============================================================================
// 🌐 HTTP 服务器（健康检查与运维端点）
// =============================================================================

// startHTTPServer 启动健康检查服务器
func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/version", s.handleVersion)

	// 运维端点没有公开 API 面，认证、CORS、限流都不需要
	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		RequestLogger(s.logger),
	)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager("health", handler, serverConfig, s.logger)

	// 启动服务器（非阻塞）
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 启动 Metrics 服务器
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager("metrics", mux, serverConfig, s.logger)

	// 启动服务器（非阻塞）
	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 🏥 运维端点
// =============================================================================

// handleHealthz 存活探针：进程起来了就算活着，附带运行时概况
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"status":        "ok",
		"version":       Version,
		"uptime":        time.Since(s.startedAt).Round(time.Second).String(),
		"store_backend": s.storeBackend(),
	}

	if s.registry != nil {
		payload["running_tasks"] = len(s.registry.ListRunning())
	}
	if s.writerPool != nil {
		payload["writer_pool"] = s.writerPool.Stats()
	}
	if s.pools != nil {
		payload["database"] = s.pools.GetStats()
	}

	writeJSON(w, http.StatusOK, payload)
}

// handleReadyz 就绪探针：数据库后端必须可达才算就绪
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.pools != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.pools.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "unavailable",
				"error":  err.Error(),
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// handleVersion 版本信息
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
		"go_version": runtime.Version(),
	})
}

func (s *Server) storeBackend() string {
	if s.cfg.Store.Backend == "" {
		return "memory"
	}
	return s.cfg.Store.Backend
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	// 使用 httpManager 的 WaitForShutdown（它会监听信号）
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}

	// 执行清理
	s.Shutdown()
}

// Shutdown 按依赖顺序优雅关闭：先停热更新和入口流量，排空在途运行，
// 刷掉异步写入，最后收走存储与遥测
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	// 1. 停止热更新管理器
	if s.hotReloadManager != nil {
		if err := s.hotReloadManager.Stop(); err != nil {
			s.logger.Error("Hot reload manager shutdown error", zap.Error(err))
		}
	}

	// 2. 关闭 HTTP 服务器
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 3. 排空调度注册表（停止定时/常驻任务并等在途运行结束）
	if s.registry != nil {
		if err := s.registry.Shutdown(ctx); err != nil {
			s.logger.Error("Scheduler shutdown error", zap.Error(err))
		}
	}

	// 4. 写入池先于仓储关闭，排队的落库写完才能断连接
	if s.writerPool != nil {
		s.writerPool.Close()
	}

	// 5. 关闭仓储（Redis 连接等）
	if s.stores != nil {
		if err := s.stores.Close(); err != nil {
			s.logger.Error("Store shutdown error", zap.Error(err))
		}
	}

	// 6. 关闭数据库连接池
	if s.pools != nil {
		if err := s.pools.Close(); err != nil {
			s.logger.Error("Database pool shutdown error", zap.Error(err))
		}
	}

	// 7. 关闭 Metrics 服务器
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 8. 刷出剩余 spans/metrics
	if err := s.otel.Shutdown(ctx); err != nil {
		s.logger.Error("Telemetry shutdown error", zap.Error(err))
	}

	s.logger.Info("Graceful shutdown completed")
}
