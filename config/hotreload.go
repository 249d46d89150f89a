// 配置热重载管理器实现。
//
// 支持文件变更触发的整体重载、单字段更新、应用前校验、
// 变更审计与失败自动回滚。
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"reflect"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// --- 热重载类型定义 ---

// HotReloadManager 管理配置热重载
type HotReloadManager struct {
	mu sync.RWMutex

	// 当前配置
	config     *Config
	configPath string

	// 回滚支持
	previousConfig *Config          // 上一个成功应用的配置
	configHistory  []ConfigSnapshot // 配置变更历史（环形缓冲）
	maxHistorySize int
	validateFunc   ValidateFunc // 应用前校验钩子（可选）

	// 文件监听
	watcher *FileWatcher

	// 回调
	changeCallbacks   []ChangeCallback
	reloadCallbacks   []ReloadCallback
	rollbackCallbacks []RollbackCallback

	// 变更审计
	changeLog []ConfigChange

	logger *zap.Logger

	// 运行状态
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// ChangeCallback 单字段变更时调用
type ChangeCallback func(change ConfigChange)

// ReloadCallback 整份配置重载后调用
type ReloadCallback func(oldConfig, newConfig *Config)

// ConfigChange 描述一次配置变更
type ConfigChange struct {
	// 变更时间
	Timestamp time.Time `json:"timestamp"`

	// 变更来源: file, manual, rollback
	Source string `json:"source"`

	// 变更字段路径，如 "Log.Level"
	Path string `json:"path"`

	// 变更前后的值，敏感字段会被脱敏
	OldValue any `json:"old_value,omitempty"`
	NewValue any `json:"new_value,omitempty"`

	// RequiresRestart 表示该变更需要重启进程才能生效
	RequiresRestart bool `json:"requires_restart"`

	// Applied 表示变更是否已应用
	Applied bool `json:"applied"`

	// 失败时的错误描述
	Error string `json:"error,omitempty"`
}

// ConfigSnapshot 配置快照（历史记录与回滚用）
type ConfigSnapshot struct {
	Config    *Config   `json:"config"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Version   int       `json:"version"`
	Checksum  string    `json:"checksum"`
}

// ValidateFunc 应用前校验钩子，返回 error 则拒绝新配置
type ValidateFunc func(newConfig *Config) error

// RollbackCallback 回滚事件回调
type RollbackCallback func(event RollbackEvent)

// RollbackEvent 回滚事件
type RollbackEvent struct {
	Timestamp      time.Time `json:"timestamp"`
	Reason         string    `json:"reason"`
	FailedConfig   *Config   `json:"failed_config"`
	RestoredConfig *Config   `json:"restored_config"`
	Version        int       `json:"version"`
	Error          error     `json:"error,omitempty"`
}

// HotReloadableField 描述一个可管理的配置字段
type HotReloadableField struct {
	// 字段路径，如 "Log.Level"
	Path string

	// 字段说明
	Description string

	// RequiresRestart 表示变更需要重启才能生效
	RequiresRestart bool

	// Sensitive 表示字段含敏感数据，审计时脱敏
	Sensitive bool

	// Validator 可选的字段级校验
	Validator func(value any) error
}

// --- 字段注册表 ---

// hotReloadableFields 注册运行时关心的配置字段。
// 运行时的大多数组件在构造时拷贝自己的配置段，改动只对之后
// 创建的对象生效，所以这里只有日志级别是真正的热字段。
var hotReloadableFields = map[string]HotReloadableField{
	// 日志级别走 zap.AtomicLevel，可在线调整
	"Log.Level": {
		Path:            "Log.Level",
		Description:     "Log level (debug, info, warn, error)",
		RequiresRestart: false,
		Sensitive:       false,
	},
	"Log.Format": {
		Path:            "Log.Format",
		Description:     "Log format (json, console)",
		RequiresRestart: true,
		Sensitive:       false,
	},

	// 运行时参数在调度器与沙箱构造时定型
	"Runtime.Timeout": {
		Path:            "Runtime.Timeout",
		Description:     "Per-run execution timeout",
		RequiresRestart: true,
		Sensitive:       false,
	},
	"Runtime.MaxConcurrentRuns": {
		Path:            "Runtime.MaxConcurrentRuns",
		Description:     "Concurrent run admission limit",
		RequiresRestart: true,
		Sensitive:       false,
	},
	"Runtime.LogBufferSize": {
		Path:            "Runtime.LogBufferSize",
		Description:     "Per-task log ring size",
		RequiresRestart: true,
		Sensitive:       false,
	},
	"Runtime.NotifyMaxLen": {
		Path:            "Runtime.NotifyMaxLen",
		Description:     "Notification text cap in runes",
		RequiresRestart: true,
		Sensitive:       false,
	},
	"Runtime.FetchRPS": {
		Path:            "Runtime.FetchRPS",
		Description:     "fetch() rate limit",
		RequiresRestart: true,
		Sensitive:       false,
	},

	// 服务端口
	"Server.HTTPPort": {
		Path:            "Server.HTTPPort",
		Description:     "Health endpoint port",
		RequiresRestart: true,
		Sensitive:       false,
	},
	"Server.MetricsPort": {
		Path:            "Server.MetricsPort",
		Description:     "Prometheus metrics port",
		RequiresRestart: true,
		Sensitive:       false,
	},

	// 仓储与数据库
	"Store.Backend": {
		Path:            "Store.Backend",
		Description:     "Repository backend (memory, database)",
		RequiresRestart: true,
		Sensitive:       false,
	},
	"Database.Host": {
		Path:            "Database.Host",
		Description:     "Database host",
		RequiresRestart: true,
		Sensitive:       false,
	},
	"Database.Port": {
		Path:            "Database.Port",
		Description:     "Database port",
		RequiresRestart: true,
		Sensitive:       false,
	},
	"Database.Password": {
		Path:            "Database.Password",
		Description:     "Database password",
		RequiresRestart: true,
		Sensitive:       true,
	},

	// Redis 状态后端
	"Redis.Addr": {
		Path:            "Redis.Addr",
		Description:     "Redis address",
		RequiresRestart: true,
		Sensitive:       false,
	},
	"Redis.Password": {
		Path:            "Redis.Password",
		Description:     "Redis password",
		RequiresRestart: true,
		Sensitive:       true,
	},

	// 行情数据源
	"Market.TonAPIBase": {
		Path:            "Market.TonAPIBase",
		Description:     "TON HTTP API base URL",
		RequiresRestart: true,
		Sensitive:       false,
	},
	"Market.PriceAPIBase": {
		Path:            "Market.PriceAPIBase",
		Description:     "Price API base URL",
		RequiresRestart: true,
		Sensitive:       false,
	},

	// 遥测
	"Telemetry.Enabled": {
		Path:            "Telemetry.Enabled",
		Description:     "Enable OTLP telemetry",
		RequiresRestart: true,
		Sensitive:       false,
	},
	"Telemetry.SampleRate": {
		Path:            "Telemetry.SampleRate",
		Description:     "Trace sample rate",
		RequiresRestart: true,
		Sensitive:       false,
	},
}

// --- 管理器选项 ---

// HotReloadOption 配置 HotReloadManager
type HotReloadOption func(*HotReloadManager)

// WithHotReloadLogger 设置记录器
func WithHotReloadLogger(logger *zap.Logger) HotReloadOption {
	return func(m *HotReloadManager) {
		m.logger = logger
	}
}

// WithConfigPath 设置配置文件路径，设置后 Start 会启动文件监听
func WithConfigPath(path string) HotReloadOption {
	return func(m *HotReloadManager) {
		m.configPath = path
	}
}

// WithMaxHistorySize 设置历史快照上限
func WithMaxHistorySize(size int) HotReloadOption {
	return func(m *HotReloadManager) {
		if size > 0 {
			m.maxHistorySize = size
		}
	}
}

// WithValidateFunc 设置应用前校验钩子
func WithValidateFunc(fn ValidateFunc) HotReloadOption {
	return func(m *HotReloadManager) {
		m.validateFunc = fn
	}
}

// --- 管理器实现 ---

// NewHotReloadManager 创建热重载管理器
func NewHotReloadManager(config *Config, opts ...HotReloadOption) *HotReloadManager {
	m := &HotReloadManager{
		config:            config,
		configHistory:     make([]ConfigSnapshot, 0, 10),
		maxHistorySize:    10,
		changeCallbacks:   make([]ChangeCallback, 0),
		reloadCallbacks:   make([]ReloadCallback, 0),
		rollbackCallbacks: make([]RollbackCallback, 0),
		changeLog:         make([]ConfigChange, 0, 100),
		logger:            zap.NewNop(),
	}

	for _, opt := range opts {
		opt(m)
	}

	// 初始配置作为第一个历史快照
	m.pushHistory(config, "init")

	return m
}

// pushHistory 推入历史快照，超出上限时丢弃最旧的
func (m *HotReloadManager) pushHistory(config *Config, source string) {
	version := 1
	if len(m.configHistory) > 0 {
		version = m.configHistory[len(m.configHistory)-1].Version + 1
	}
	snapshot := ConfigSnapshot{
		Config:    deepCopyConfig(config),
		Timestamp: time.Now(),
		Source:    source,
		Version:   version,
		Checksum:  computeConfigChecksum(config),
	}
	m.configHistory = append(m.configHistory, snapshot)
	if len(m.configHistory) > m.maxHistorySize {
		m.configHistory = m.configHistory[len(m.configHistory)-m.maxHistorySize:]
	}
}

// deepCopyConfig 通过 JSON 往返深拷贝配置
func deepCopyConfig(config *Config) *Config {
	data, err := json.Marshal(config)
	if err != nil {
		return config
	}
	var copied Config
	if err := json.Unmarshal(data, &copied); err != nil {
		return config
	}
	return &copied
}

// computeConfigChecksum 计算配置内容的 FNV 校验和
func computeConfigChecksum(config *Config) string {
	data, err := json.Marshal(config)
	if err != nil {
		return ""
	}
	h := fnv.New64a()
	h.Write(data)
	return fmt.Sprintf("%016x", h.Sum64())
}

// Start 启动管理器，有配置路径时同时启动文件监听
func (m *HotReloadManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("hot reload manager already running")
	}

	m.ctx, m.cancel = context.WithCancel(ctx)

	if m.configPath != "" {
		watcher, err := NewFileWatcher(
			[]string{m.configPath},
			WithWatcherLogger(m.logger),
			WithDebounceDelay(500*time.Millisecond),
		)
		if err != nil {
			return fmt.Errorf("failed to create file watcher: %w", err)
		}

		watcher.OnChange(m.handleFileChange)

		if err := watcher.Start(m.ctx); err != nil {
			return fmt.Errorf("failed to start file watcher: %w", err)
		}

		m.watcher = watcher
	}

	m.running = true
	m.logger.Info("hot reload manager started",
		zap.String("config_path", m.configPath))

	return nil
}

// Stop 停止管理器
func (m *HotReloadManager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}

	if m.cancel != nil {
		m.cancel()
	}

	if m.watcher != nil {
		if err := m.watcher.Stop(); err != nil {
			m.logger.Error("failed to stop file watcher", zap.Error(err))
		}
	}

	m.running = false
	m.logger.Info("hot reload manager stopped")

	return nil
}

// handleFileChange 响应文件变更事件
func (m *HotReloadManager) handleFileChange(event FileEvent) {
	m.logger.Info("configuration file changed",
		zap.String("path", event.Path),
		zap.String("op", event.Op.String()))

	if event.Op == FileOpWrite || event.Op == FileOpCreate {
		if err := m.ReloadFromFile(); err != nil {
			m.logger.Error("failed to reload configuration", zap.Error(err))
		}
	}
}

// ReloadFromFile 从配置文件整体重载
func (m *HotReloadManager) ReloadFromFile() error {
	if m.configPath == "" {
		return fmt.Errorf("no config path set")
	}

	loader := NewLoader().WithConfigPath(m.configPath)
	newConfig, err := loader.Load()
	if err != nil {
		m.logger.Error("failed to load config from file, keeping current config",
			zap.Error(err), zap.String("path", m.configPath))
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := newConfig.Validate(); err != nil {
		m.logger.Error("invalid config from file, keeping current config",
			zap.Error(err), zap.String("path", m.configPath))
		return fmt.Errorf("invalid config: %w", err)
	}

	// ApplyConfig 内部处理 validateFunc 与失败回滚
	return m.ApplyConfig(newConfig, "file")
}

// ApplyConfig 应用新配置。校验、应用、历史与审计更新都在同一把锁内
// 完成；回调在锁外执行，回调失败会回滚到旧配置。
func (m *HotReloadManager) ApplyConfig(newConfig *Config, source string) error {
	m.mu.Lock()

	oldConfig := m.config

	// 1. 应用前校验钩子
	if m.validateFunc != nil {
		if err := m.validateFunc(newConfig); err != nil {
			m.logger.Warn("config validation hook rejected new config",
				zap.Error(err), zap.String("source", source))
			m.changeLog = append(m.changeLog, ConfigChange{
				Timestamp: time.Now(),
				Source:    source,
				Path:      "(validation_hook)",
				Applied:   false,
				Error:     fmt.Sprintf("validation hook failed: %v", err),
			})
			m.mu.Unlock()
			return fmt.Errorf("config validation failed: %w", err)
		}
	}

	// 2. 计算字段级差异
	changes := m.detectChanges(oldConfig, newConfig)
	var requiresRestart bool
	var appliedChanges []ConfigChange

	for _, change := range changes {
		change.Source = source
		change.Timestamp = time.Now()
		field, known := hotReloadableFields[change.Path]
		if known {
			change.RequiresRestart = field.RequiresRestart
			if field.Sensitive {
				change.OldValue = "[REDACTED]"
				change.NewValue = "[REDACTED]"
			}
		} else {
			// 未注册的字段一律按需要重启处理
			change.RequiresRestart = true
		}
		if change.RequiresRestart {
			requiresRestart = true
		}
		change.Applied = true
		appliedChanges = append(appliedChanges, change)
		m.logChange(change)
	}

	// 3. 记住旧配置用于回滚，应用新配置
	m.previousConfig = deepCopyConfig(oldConfig)
	m.config = newConfig

	// 4. 历史与审计在锁内更新
	m.pushHistory(newConfig, source)
	m.changeLog = append(m.changeLog, appliedChanges...)
	if len(m.changeLog) > 1000 {
		m.changeLog = m.changeLog[len(m.changeLog)-1000:]
	}

	// 回调列表拷贝一份，锁外调用
	changeCallbacks := append([]ChangeCallback(nil), m.changeCallbacks...)
	reloadCallbacks := append([]ReloadCallback(nil), m.reloadCallbacks...)
	m.mu.Unlock()

	// 5. 通知回调，失败时回滚
	if err := m.notifyCallbacksSafe(changeCallbacks, reloadCallbacks, oldConfig, newConfig, appliedChanges); err != nil {
		m.mu.Lock()
		if m.config == newConfig {
			m.logger.Error("reload callback failed, rolling back", zap.Error(err))
			m.rollbackLocked(oldConfig, fmt.Sprintf("callback error: %v", err), err)
		} else {
			m.logger.Warn("reload callback failed but config changed concurrently, skip rollback",
				zap.Error(err))
		}
		m.mu.Unlock()
		return fmt.Errorf("config applied but callback failed: %w", err)
	}

	if requiresRestart {
		m.logger.Warn("some configuration changes require a restart to take effect")
	}
	m.logger.Info("configuration reloaded",
		zap.Int("changes", len(appliedChanges)),
		zap.Bool("requires_restart", requiresRestart))
	return nil
}

// notifyCallbacksSafe 调用回调并捕获 panic
func (m *HotReloadManager) notifyCallbacksSafe(changeCallbacks []ChangeCallback, reloadCallbacks []ReloadCallback, oldConfig, newConfig *Config, changes []ConfigChange) (retErr error) {
	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("callback panicked: %v", r)
		}
	}()
	for _, cb := range changeCallbacks {
		for _, change := range changes {
			cb(change)
		}
	}
	for _, cb := range reloadCallbacks {
		cb(oldConfig, newConfig)
	}
	return nil
}

// detectChanges 计算两份配置之间的字段级差异
func (m *HotReloadManager) detectChanges(oldConfig, newConfig *Config) []ConfigChange {
	var changes []ConfigChange

	oldVal := reflect.ValueOf(oldConfig).Elem()
	newVal := reflect.ValueOf(newConfig).Elem()

	m.compareStructs("", oldVal, newVal, &changes)

	return changes
}

// compareStructs 递归比较结构体字段
func (m *HotReloadManager) compareStructs(prefix string, oldVal, newVal reflect.Value, changes *[]ConfigChange) {
	if oldVal.Kind() != reflect.Struct || newVal.Kind() != reflect.Struct {
		return
	}

	t := oldVal.Type()
	for i := 0; i < oldVal.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}

		fieldPath := field.Name
		if prefix != "" {
			fieldPath = prefix + "." + field.Name
		}

		oldField := oldVal.Field(i)
		newField := newVal.Field(i)

		if oldField.Kind() == reflect.Struct {
			m.compareStructs(fieldPath, oldField, newField, changes)
		} else {
			if !reflect.DeepEqual(oldField.Interface(), newField.Interface()) {
				*changes = append(*changes, ConfigChange{
					Path:     fieldPath,
					OldValue: oldField.Interface(),
					NewValue: newField.Interface(),
				})
			}
		}
	}
}

// logChange 记录一次配置变更
func (m *HotReloadManager) logChange(change ConfigChange) {
	fields := []zap.Field{
		zap.String("path", change.Path),
		zap.String("source", change.Source),
		zap.Bool("requires_restart", change.RequiresRestart),
	}

	// 敏感字段的值不进日志
	field, known := hotReloadableFields[change.Path]
	if !known || !field.Sensitive {
		fields = append(fields,
			zap.Any("old_value", change.OldValue),
			zap.Any("new_value", change.NewValue),
		)
	}

	m.logger.Info("configuration changed", fields...)
}

// OnChange 注册字段变更回调
func (m *HotReloadManager) OnChange(callback ChangeCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changeCallbacks = append(m.changeCallbacks, callback)
}

// OnReload 注册整体重载回调
func (m *HotReloadManager) OnReload(callback ReloadCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reloadCallbacks = append(m.reloadCallbacks, callback)
}

// Rollback 回滚到上一个成功应用的配置
func (m *HotReloadManager) Rollback() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.previousConfig == nil {
		return fmt.Errorf("no previous config available for rollback")
	}
	m.rollbackLocked(m.previousConfig, "manual rollback", nil)
	return nil
}

// RollbackToVersion 回滚到历史中的指定版本
func (m *HotReloadManager) RollbackToVersion(version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, snapshot := range m.configHistory {
		if snapshot.Version == version {
			m.rollbackLocked(snapshot.Config, fmt.Sprintf("rollback to version %d", version), nil)
			return nil
		}
	}
	return fmt.Errorf("config version %d not found in history", version)
}

// rollbackLocked 执行回滚，调用方必须持有写锁
func (m *HotReloadManager) rollbackLocked(targetConfig *Config, reason string, originalErr error) {
	failedConfig := m.config
	restoredConfig := deepCopyConfig(targetConfig)
	m.config = restoredConfig

	restoredVersion := 0
	checksum := computeConfigChecksum(targetConfig)
	for _, snapshot := range m.configHistory {
		if snapshot.Checksum == checksum {
			restoredVersion = snapshot.Version
			break
		}
	}

	event := RollbackEvent{
		Timestamp:      time.Now(),
		Reason:         reason,
		FailedConfig:   failedConfig,
		RestoredConfig: restoredConfig,
		Version:        restoredVersion,
		Error:          originalErr,
	}

	m.changeLog = append(m.changeLog, ConfigChange{
		Timestamp: time.Now(),
		Source:    "rollback",
		Path:      "(rollback)",
		Applied:   true,
		Error:     reason,
	})

	for _, cb := range m.rollbackCallbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("rollback callback panicked", zap.Any("panic", r))
				}
			}()
			cb(event)
		}()
	}

	m.logger.Warn("configuration rolled back",
		zap.String("reason", reason),
		zap.Int("restored_version", restoredVersion))
}

// OnRollback 注册回滚事件回调
func (m *HotReloadManager) OnRollback(callback RollbackCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollbackCallbacks = append(m.rollbackCallbacks, callback)
}

// GetConfigHistory 返回历史快照副本
func (m *HotReloadManager) GetConfigHistory() []ConfigSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]ConfigSnapshot, len(m.configHistory))
	copy(result, m.configHistory)
	return result
}

// GetCurrentVersion 返回当前配置版本号
func (m *HotReloadManager) GetCurrentVersion() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.configHistory) == 0 {
		return 0
	}
	return m.configHistory[len(m.configHistory)-1].Version
}

// GetConfig 返回当前配置的副本
func (m *HotReloadManager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return deepCopyConfig(m.config)
}

// GetChangeLog 返回最近的变更记录
func (m *HotReloadManager) GetChangeLog(limit int) []ConfigChange {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.changeLog) {
		limit = len(m.changeLog)
	}

	start := len(m.changeLog) - limit
	result := make([]ConfigChange, limit)
	copy(result, m.changeLog[start:])

	return result
}

// UpdateField 更新单个已注册的配置字段
func (m *HotReloadManager) UpdateField(path string, value any) error {
	m.mu.Lock()

	oldConfigSnapshot := deepCopyConfig(m.config)

	field, known := hotReloadableFields[path]
	if !known {
		m.mu.Unlock()
		return fmt.Errorf("unknown configuration field: %s", path)
	}

	if field.Validator != nil {
		if err := field.Validator(value); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("validation failed for %s: %w", path, err)
		}
	}

	oldValue, err := m.getFieldValue(path)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("failed to get old value: %w", err)
	}

	if err := m.setFieldValue(path, value); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("failed to set value: %w", err)
	}

	change := ConfigChange{
		Timestamp:       time.Now(),
		Source:          "manual",
		Path:            path,
		OldValue:        oldValue,
		NewValue:        value,
		RequiresRestart: field.RequiresRestart,
		Applied:         true,
	}

	if field.Sensitive {
		change.OldValue = "[REDACTED]"
		change.NewValue = "[REDACTED]"
	}

	m.logChange(change)
	m.changeLog = append(m.changeLog, change)
	callbacks := append([]ChangeCallback(nil), m.changeCallbacks...)
	// 新配置快照在锁内取，避免锁外读 m.config 的竞态
	newConfigSnapshot := deepCopyConfig(m.config)
	m.mu.Unlock()

	if err := m.notifyCallbacksSafe(callbacks, nil, oldConfigSnapshot, newConfigSnapshot, []ConfigChange{change}); err != nil {
		m.mu.Lock()
		m.rollbackLocked(oldConfigSnapshot, fmt.Sprintf("callback error: %v", err), err)
		m.mu.Unlock()
		return fmt.Errorf("field updated but callback failed, rolled back: %w", err)
	}

	return nil
}

// getFieldValue 按路径读取字段值
func (m *HotReloadManager) getFieldValue(path string) (any, error) {
	val := reflect.ValueOf(m.config).Elem()
	return getNestedField(val, path)
}

// setFieldValue 按路径设置字段值
func (m *HotReloadManager) setFieldValue(path string, value any) error {
	val := reflect.ValueOf(m.config).Elem()
	return setNestedField(val, path, value)
}

// getNestedField 按点分路径读取嵌套字段
func getNestedField(v reflect.Value, path string) (any, error) {
	parts := splitPath(path)

	for _, part := range parts {
		if v.Kind() == reflect.Ptr {
			v = v.Elem()
		}
		if v.Kind() != reflect.Struct {
			return nil, fmt.Errorf("not a struct at %s", part)
		}
		v = v.FieldByName(part)
		if !v.IsValid() {
			return nil, fmt.Errorf("field not found: %s", part)
		}
	}

	return v.Interface(), nil
}

// setNestedField 按点分路径设置嵌套字段
func setNestedField(v reflect.Value, path string, value any) error {
	parts := splitPath(path)

	for i, part := range parts {
		if v.Kind() == reflect.Ptr {
			v = v.Elem()
		}
		if v.Kind() != reflect.Struct {
			return fmt.Errorf("not a struct at %s", part)
		}
		v = v.FieldByName(part)
		if !v.IsValid() {
			return fmt.Errorf("field not found: %s", part)
		}

		if i == len(parts)-1 {
			if !v.CanSet() {
				return fmt.Errorf("cannot set field: %s", part)
			}

			newVal := reflect.ValueOf(value)
			if newVal.Type().ConvertibleTo(v.Type()) {
				v.Set(newVal.Convert(v.Type()))
			} else {
				return fmt.Errorf("type mismatch: expected %s, got %s", v.Type(), newVal.Type())
			}
		}
	}

	return nil
}

// splitPath 拆分点分路径
func splitPath(path string) []string {
	return strings.FieldsFunc(path, func(c rune) bool { return c == '.' })
}

// GetHotReloadableFields 返回已注册字段表的副本
func GetHotReloadableFields() map[string]HotReloadableField {
	result := make(map[string]HotReloadableField)
	for k, v := range hotReloadableFields {
		result[k] = v
	}
	return result
}

// IsHotReloadable 判断字段是否可以不重启生效
func IsHotReloadable(path string) bool {
	field, known := hotReloadableFields[path]
	return known && !field.RequiresRestart
}

// --- 脱敏配置视图 ---

// SanitizedConfig 返回敏感字段已脱敏的配置视图
func (m *HotReloadManager) SanitizedConfig() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, err := json.Marshal(m.config)
	if err != nil {
		return nil
	}

	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}

	redactSensitiveFields(result, "")

	return result
}

// redactSensitiveFields 递归脱敏疑似敏感的键
func redactSensitiveFields(data map[string]any, prefix string) {
	sensitiveKeys := map[string]bool{
		"password":   true,
		"api_key":    true,
		"apikey":     true,
		"secret":     true,
		"token":      true,
		"credential": true,
	}

	for key, value := range data {
		fullPath := key
		if prefix != "" {
			fullPath = prefix + "." + key
		}

		lowerKey := strings.ToLower(key)
		for sensitiveKey := range sensitiveKeys {
			if strings.Contains(lowerKey, sensitiveKey) {
				if str, ok := value.(string); ok && str != "" {
					data[key] = "[REDACTED]"
				}
				break
			}
		}

		if nested, ok := value.(map[string]any); ok {
			redactSensitiveFields(nested, fullPath)
		}
	}
}
