package error

import (
	"errors"
	"fmt"
	"strings"
)

// Kind 错误分类
type Kind string

const (
	// KindProtocol 报文格式错误，line协议下直接断开连接
	KindProtocol Kind = "protocol"
	// KindSession 会话不存在、已存在或者id不匹配
	KindSession Kind = "session"
	// KindArgument 命令参数缺失、多余或不合法
	KindArgument Kind = "argument"
	// KindRange 寄存器下标或者内存范围越界
	KindRange Kind = "range"
	// KindTransport 连接或网络错误
	KindTransport Kind = "transport"
)

// DebugError 调试协议中所有对外可见的错误
type DebugError struct {
	Kind    Kind
	Message string
	Err     error
}

func (d *DebugError) Error() string {
	if d.Err != nil {
		return d.Message + ": " + d.Err.Error()
	}
	return d.Message
}

func (d *DebugError) Unwrap() error {
	return d.Err
}

// Is 分类和消息相同即认为是同一个错误，Wrapf包装后的错误依然能匹配哨兵错误
func (d *DebugError) Is(target error) bool {
	t, ok := target.(*DebugError)
	if !ok {
		return false
	}
	return t.Kind == d.Kind && t.Message == d.Message
}

func New(kind Kind, message string) *DebugError {
	return &DebugError{Kind: kind, Message: message}
}

// Wrapf 在哨兵错误上附加细节
func Wrapf(sentinel *DebugError, format string, args ...interface{}) *DebugError {
	return &DebugError{
		Kind:    sentinel.Kind,
		Message: sentinel.Message,
		Err:     fmt.Errorf(format, args...),
	}
}

// Wrap 在哨兵错误上附加原始错误
func Wrap(sentinel *DebugError, err error) *DebugError {
	return &DebugError{
		Kind:    sentinel.Kind,
		Message: sentinel.Message,
		Err:     err,
	}
}

// KindOf 获取错误分类，非DebugError返回空字符串
func KindOf(err error) Kind {
	var d *DebugError
	if errors.As(err, &d) {
		return d.Kind
	}
	return ""
}

var (
	ErrMalformedMessage = New(KindProtocol, "malformed message")

	ErrNoSession       = New(KindSession, "no session")
	ErrSessionExists   = New(KindSession, "session already exists")
	ErrSessionMismatch = New(KindSession, "session id mismatch")
	ErrSessionEnded    = New(KindSession, "session ended")
	ErrSessionBusy     = New(KindSession, "session busy")

	ErrInvalidArgument    = New(KindArgument, "invalid argument")
	ErrNotEnoughArguments = New(KindArgument, "not enough arguments")
	ErrTooManyArguments   = New(KindArgument, "too many arguments")
	ErrNoProgram          = New(KindArgument, "no transaction loaded")
	ErrUnsupported        = New(KindArgument, "operation not supported")

	ErrRegisterOutOfRange   = New(KindRange, "register index out of range")
	ErrMemoryOutOfRange     = New(KindRange, "memory range out of bounds")
	ErrBreakpointOutOfRange = New(KindRange, "breakpoint offset out of range")

	ErrConnectionClosed = New(KindTransport, "connection closed")
)

var sentinels = []*DebugError{
	ErrMalformedMessage,
	ErrNoSession, ErrSessionExists, ErrSessionMismatch, ErrSessionEnded, ErrSessionBusy,
	ErrInvalidArgument, ErrNotEnoughArguments, ErrTooManyArguments, ErrNoProgram, ErrUnsupported,
	ErrRegisterOutOfRange, ErrMemoryOutOfRange, ErrBreakpointOutOfRange,
	ErrConnectionClosed,
}

// FromWire 根据对端传回的分类和错误信息还原错误
// 信息以某个哨兵错误开头时，还原后的错误能被errors.Is匹配
func FromWire(kind Kind, message string) *DebugError {
	for _, sentinel := range sentinels {
		if sentinel.Kind != kind {
			continue
		}
		if message == sentinel.Message {
			return sentinel
		}
		if detail, ok := strings.CutPrefix(message, sentinel.Message+": "); ok {
			return &DebugError{Kind: kind, Message: sentinel.Message, Err: errors.New(detail)}
		}
	}
	return New(kind, message)
}
