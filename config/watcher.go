// 配置文件变更监听器实现。
//
// 纯轮询实现，不依赖平台文件事件；变更经防抖窗口合并后
// 触发重载回调。
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// --- 文件监听器类型定义 ---

// FileWatcher watches configuration files for changes
type FileWatcher struct {
	mu sync.RWMutex

	// 配置
	paths         []string
	pollInterval  time.Duration
	debounceDelay time.Duration

	// 状态
	running   bool
	stopChan  chan struct{}
	eventChan chan FileEvent

	// 回调
	callbacks []func(event FileEvent)

	logger *zap.Logger

	// 各路径最近一次观察到的修改时间
	lastModTimes map[string]time.Time
}

// FileEvent represents a file change event
type FileEvent struct {
	// 变更文件路径
	Path string `json:"path"`

	// 操作类型
	Op FileOp `json:"op"`

	// 事件时间
	Timestamp time.Time `json:"timestamp"`

	// 检测过程中的错误（如有）
	Error error `json:"error,omitempty"`
}

// FileOp represents file operation types
type FileOp int

const (
	// FileOpCreate 表示文件被创建
	FileOpCreate FileOp = iota
	// FileOpWrite 表示文件被修改
	FileOpWrite
	// FileOpRemove 表示文件被删除
	FileOpRemove
	// FileOpRename 表示文件被重命名
	FileOpRename
	// FileOpChmod 表示文件权限变更
	FileOpChmod
)

// String returns the string representation of FileOp
func (op FileOp) String() string {
	switch op {
	case FileOpCreate:
		return "CREATE"
	case FileOpWrite:
		return "WRITE"
	case FileOpRemove:
		return "REMOVE"
	case FileOpRename:
		return "RENAME"
	case FileOpChmod:
		return "CHMOD"
	default:
		return "UNKNOWN"
	}
}

// --- 文件监听器选项 ---

// WatcherOption configures the FileWatcher
type WatcherOption func(*FileWatcher)

// WithPollInterval sets how often watched files are stat'd
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *FileWatcher) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithDebounceDelay sets the debounce delay for file events
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *FileWatcher) {
		w.debounceDelay = d
	}
}

// WithWatcherLogger sets the logger for the watcher
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *FileWatcher) {
		w.logger = logger
	}
}

// --- 文件监听器实现 ---

// NewFileWatcher creates a new file watcher
func NewFileWatcher(paths []string, opts ...WatcherOption) (*FileWatcher, error) {
	w := &FileWatcher{
		paths:         paths,
		pollInterval:  time.Second,
		debounceDelay: 100 * time.Millisecond,
		stopChan:      make(chan struct{}),
		eventChan:     make(chan FileEvent, 100),
		callbacks:     make([]func(FileEvent), 0),
		lastModTimes:  make(map[string]time.Time),
		logger:        zap.NewNop(),
	}

	for _, opt := range opts {
		opt(w)
	}

	// 路径不存在只是提醒，后续轮询会捕捉到创建事件
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				w.logger.Warn("config file does not exist, will watch for creation",
					zap.String("path", path))
			} else {
				return nil, fmt.Errorf("failed to stat path %s: %w", path, err)
			}
		}
	}

	return w, nil
}

// OnChange registers a callback for file change events
func (w *FileWatcher) OnChange(callback func(FileEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start begins watching for file changes
func (w *FileWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	w.running = true
	w.mu.Unlock()

	// 记录启动时各文件的修改时间作为基线
	for _, path := range w.paths {
		if info, err := os.Stat(path); err == nil {
			w.lastModTimes[path] = info.ModTime()
		}
	}

	go w.pollLoop(ctx)
	go w.dispatchLoop(ctx)

	w.logger.Info("file watcher started",
		zap.Strings("paths", w.paths),
		zap.Duration("poll_interval", w.pollInterval),
		zap.Duration("debounce_delay", w.debounceDelay))

	return nil
}

// Stop stops the file watcher
func (w *FileWatcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}

	close(w.stopChan)
	w.running = false

	w.logger.Info("file watcher stopped")
	return nil
}

// pollLoop stats the watched files on every tick
func (w *FileWatcher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.checkFiles()
		}
	}
}

// checkFiles compares mod times against the last observation
func (w *FileWatcher) checkFiles() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, path := range w.paths {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				if _, existed := w.lastModTimes[path]; existed {
					delete(w.lastModTimes, path)
					w.eventChan <- FileEvent{
						Path:      path,
						Op:        FileOpRemove,
						Timestamp: time.Now(),
					}
				}
			}
			continue
		}

		lastMod, existed := w.lastModTimes[path]
		if !existed {
			w.lastModTimes[path] = info.ModTime()
			w.eventChan <- FileEvent{
				Path:      path,
				Op:        FileOpCreate,
				Timestamp: time.Now(),
			}
		} else if info.ModTime().After(lastMod) {
			w.lastModTimes[path] = info.ModTime()
			w.eventChan <- FileEvent{
				Path:      path,
				Op:        FileOpWrite,
				Timestamp: time.Now(),
			}
		}
	}
}

// dispatchLoop coalesces events per path inside the debounce window and
// then invokes the callbacks. All map access happens on this goroutine,
// so no extra locking is needed around pending.
func (w *FileWatcher) dispatchLoop(ctx context.Context) {
	var (
		pending = make(map[string]FileEvent)
		flush   <-chan time.Time
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case event := <-w.eventChan:
			// 同一路径的后续事件覆盖之前的，防抖窗口从最后一个事件起算
			pending[event.Path] = event
			flush = time.After(w.debounceDelay)
		case <-flush:
			flush = nil

			w.mu.RLock()
			callbacks := make([]func(FileEvent), len(w.callbacks))
			copy(callbacks, w.callbacks)
			w.mu.RUnlock()

			for path, evt := range pending {
				w.logger.Debug("dispatching file event",
					zap.String("path", path),
					zap.String("op", evt.Op.String()))

				for _, cb := range callbacks {
					cb(evt)
				}
			}

			pending = make(map[string]FileEvent)
		}
	}
}

// AddPath adds a new path to watch
func (w *FileWatcher) AddPath(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	for _, p := range w.paths {
		if p == path || p == absPath {
			return nil
		}
	}

	w.paths = append(w.paths, absPath)

	if info, err := os.Stat(absPath); err == nil {
		w.lastModTimes[absPath] = info.ModTime()
	}

	w.logger.Info("added path to watcher", zap.String("path", absPath))
	return nil
}

// RemovePath removes a path from watching
func (w *FileWatcher) RemovePath(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	absPath, _ := filepath.Abs(path)

	for i, p := range w.paths {
		if p == absPath {
			w.paths = append(w.paths[:i], w.paths[i+1:]...)
			delete(w.lastModTimes, absPath)
			w.logger.Info("removed path from watcher", zap.String("path", absPath))
			return nil
		}
	}

	return fmt.Errorf("path not found: %s", path)
}

// Paths returns the list of watched paths
func (w *FileWatcher) Paths() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	paths := make([]string, len(w.paths))
	copy(paths, w.paths)
	return paths
}

// IsRunning returns whether the watcher is running
func (w *FileWatcher) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}
