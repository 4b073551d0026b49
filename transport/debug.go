package transport

import (
	"fmt"
	"sync"
)

// DebugLevel 传输层调试输出级别，数值越小越严重
type DebugLevel int

const (
	DebugNone DebugLevel = iota
	DebugBug             // 传输层内部断言失败，调用方应视为致命
	DebugError
	DebugImportant
	DebugWarning
	DebugMsg
	DebugVerbose
)

func (l DebugLevel) String() string {
	switch l {
	case DebugNone:
		return "none"
	case DebugBug:
		return "bug"
	case DebugError:
		return "error"
	case DebugImportant:
		return "important"
	case DebugWarning:
		return "warning"
	case DebugMsg:
		return "msg"
	case DebugVerbose:
		return "verbose"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// DebugOutputFunc 调试输出回调
type DebugOutputFunc func(level DebugLevel, msg string)

// DebugSink 供各传输实现内嵌，保存回调并按级别过滤
type DebugSink struct {
	mu    sync.RWMutex
	level DebugLevel
	fn    DebugOutputFunc
}

// Set 安装回调，只输出不比 level 更详细的消息
func (d *DebugSink) Set(level DebugLevel, fn DebugOutputFunc) {
	d.mu.Lock()
	d.level = level
	d.fn = fn
	d.mu.Unlock()
}

// Printf 按级别输出；未安装回调时丢弃
func (d *DebugSink) Printf(level DebugLevel, format string, args ...any) {
	d.mu.RLock()
	fn, limit := d.fn, d.level
	d.mu.RUnlock()
	if fn == nil || level > limit {
		return
	}
	fn(level, fmt.Sprintf(format, args...))
}
