package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"posrelay/transport"
)

// Bootstrapper 进程级的传输初始化与销毁。
// Init 受保护：已初始化时再次调用返回 ErrAlreadyInitialized，Shutdown 之后可以重新 Init
type Bootstrapper struct {
	tr         transport.Transport
	base       *zap.SugaredLogger
	port       int
	debugLevel transport.DebugLevel

	mu          sync.Mutex
	initialized bool
	zero        time.Time
	log         *zap.SugaredLogger
	instance    string
	fatalErr    error
}

// NewBootstrapper port 为 Init 返回的缺省端口
func NewBootstrapper(tr transport.Transport, logger *zap.Logger, port int) *Bootstrapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bootstrapper{
		tr:         tr,
		base:       logger.Sugar(),
		log:        logger.Sugar(),
		port:       port,
		debugLevel: transport.DebugMsg,
	}
}

// SetDebugLevel 设置传输调试输出的详细程度，需在 Init 之前调用
func (b *Bootstrapper) SetDebugLevel(level transport.DebugLevel) {
	b.mu.Lock()
	b.debugLevel = level
	b.mu.Unlock()
}

// Init 初始化传输、记录零点时间、安装调试输出回调，返回要绑定/连接的端口
func (b *Bootstrapper) Init() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.initialized {
		return 0, ErrAlreadyInitialized
	}
	if err := b.tr.Init(); err != nil {
		return 0, fmt.Errorf("transport init failed: %w", err)
	}
	b.initialized = true
	b.zero = time.Now()
	b.instance = uuid.NewString()
	b.fatalErr = nil
	b.log = b.base.With("instance", b.instance)
	b.tr.SetDebugOutput(b.debugLevel, b.debugOutput)
	b.log.Infof("network session initialized (port %d)", b.port)
	return b.port, nil
}

// debugOutput 时间戳为相对零点的秒数；Bug 级别记为致命，由下一次 Tick 返回给驱动方
func (b *Bootstrapper) debugOutput(level transport.DebugLevel, msg string) {
	b.mu.Lock()
	elapsed := time.Since(b.zero).Seconds()
	log := b.log
	if level == transport.DebugBug && b.fatalErr == nil {
		b.fatalErr = fmt.Errorf("%w: %s", ErrTransportBug, msg)
	}
	b.mu.Unlock()

	switch level {
	case transport.DebugBug, transport.DebugError:
		log.Errorf("%10.6f %s", elapsed, msg)
	case transport.DebugImportant, transport.DebugWarning:
		log.Warnf("%10.6f %s", elapsed, msg)
	case transport.DebugMsg:
		log.Infof("%10.6f %s", elapsed, msg)
	default:
		log.Debugf("%10.6f %s", elapsed, msg)
	}
}

// Err 返回传输上报的致命错误（如果有）
func (b *Bootstrapper) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fatalErr
}

// Shutdown 销毁传输并解除初始化保护
func (b *Bootstrapper) Shutdown() {
	b.mu.Lock()
	if !b.initialized {
		b.mu.Unlock()
		return
	}
	b.initialized = false
	elapsed := time.Since(b.zero).Seconds()
	log := b.log
	b.mu.Unlock()

	// Kill 期间传输仍可能输出调试信息，不能持锁
	b.tr.Kill()
	b.tr.SetDebugOutput(transport.DebugNone, nil)
	log.Infof("network session shut down after %.3fs", elapsed)
}

func (b *Bootstrapper) Initialized() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initialized
}

// Instance 本次初始化生成的实例编号
func (b *Bootstrapper) Instance() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.instance
}

func (b *Bootstrapper) Transport() transport.Transport { return b.tr }

// Logger 带实例编号的日志
func (b *Bootstrapper) Logger() *zap.SugaredLogger {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.log
}
