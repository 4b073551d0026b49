package session

import (
	"errors"
	"fmt"
)

// Severity 错误等级：可恢复（记录日志后继续）或致命（交给外部驱动决定退出）
type Severity int

const (
	Recoverable Severity = iota
	Fatal
)

func (s Severity) String() string {
	if s == Fatal {
		return "fatal"
	}
	return "recoverable"
}

var (
	ErrAlreadyInitialized = errors.New("session: transport already initialized")
	ErrRoleActive         = errors.New("session: a network role is already active")
	ErrNotActive          = errors.New("session: not active")
	ErrTransportBug       = errors.New("session: transport reported an internal bug")
)

// Error 会话操作返回的带等级错误
type Error struct {
	Op       string
	Severity Severity
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Severity, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func fatal(op string, err error) *Error {
	return &Error{Op: op, Severity: Fatal, Err: err}
}

func recoverable(op string, err error) *Error {
	return &Error{Op: op, Severity: Recoverable, Err: err}
}

// IsFatal 判断错误链中是否含有致命错误
func IsFatal(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	if e.Severity == Fatal {
		return true
	}
	return IsFatal(e.Err)
}
