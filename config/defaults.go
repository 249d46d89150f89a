// =============================================================================
// 📦 AgentRun 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Runtime:   DefaultRuntimeConfig(),
		Store:     DefaultStoreConfig(),
		Database:  DefaultDatabaseConfig(),
		Redis:     DefaultRedisConfig(),
		Market:    DefaultMarketConfig(),
		Pool:      DefaultPoolConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultRuntimeConfig 返回默认运行时配置
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		Timeout:           60 * time.Second,
		MaxConcurrentRuns: 16,
		LogBufferSize:     256,
		NotifyMaxLen:      4096,
		FetchRPS:          5,
		FetchBurst:        10,
		MaxFetchBody:      1 << 20,
		HTTPTimeout:       15 * time.Second,
	}
}

// DefaultStoreConfig 返回默认仓储配置
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Backend:      "memory",
		StateBackend: "",
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:              "postgres",
		Host:                "localhost",
		Port:                5432,
		User:                "agentrun",
		Password:            "",
		Name:                "agentrun",
		SSLMode:             "disable",
		MaxOpenConns:        25,
		MaxIdleConns:        5,
		ConnMaxLifetime:     time.Hour,
		ConnMaxIdleTime:     10 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		KeyPrefix:    "agentrun:",
	}
}

// DefaultMarketConfig 返回默认行情配置
func DefaultMarketConfig() MarketConfig {
	return MarketConfig{
		TonAPIBase:   "https://toncenter.com/api/v2",
		PriceAPIBase: "https://api.coingecko.com/api/v3",
		Timeout:      15 * time.Second,
		RetryCount:   2,
		RetryDelay:   500 * time.Millisecond,
	}
}

// DefaultPoolConfig 返回默认写入池配置
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:      4,
		QueueSize:    256,
		WriteTimeout: 5 * time.Second,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "agentrun",
		SampleRate:   0.1,
	}
}
