package debugger

import (
	e "github.com/fansqz/vm-debugger/error"
)

// Command 调试命令，封闭的联合类型，只能使用本包定义的命令
type Command interface {
	isCommand()
}

type VersionCommand struct{}

// ContinueCommand 继续执行直到命中断点或者程序结束
type ContinueCommand struct{}

// SetSteppingCommand 开启或关闭单步执行
type SetSteppingCommand struct {
	Enable bool
}

// SetBreakpointCommand 设置断点，替换之前的断点
type SetBreakpointCommand struct {
	Breakpoint Breakpoint
}

type ReadRegistersCommand struct{}

// ReadMemoryCommand 读取[Start, Start+Len)的内存
type ReadMemoryCommand struct {
	Start uint64
	Len   uint64
}

func (VersionCommand) isCommand()       {}
func (ContinueCommand) isCommand()      {}
func (SetSteppingCommand) isCommand()   {}
func (SetBreakpointCommand) isCommand() {}
func (ReadRegistersCommand) isCommand() {}
func (ReadMemoryCommand) isCommand()    {}

// Response 命令的响应，封闭的联合类型
type Response interface {
	isResponse()
}

type OkResponse struct{}

type VersionResponse struct {
	Info VersionInfo
}

// TerminatedResponse 程序结束
type TerminatedResponse struct {
	Receipts []Receipt
}

// BreakpointResponse 程序在断点处暂停
type BreakpointResponse struct {
	Breakpoint Breakpoint
}

type RegistersResponse struct {
	Values []uint64
}

type MemoryResponse struct {
	Bytes []byte
}

// ErrorResponse 可恢复错误的结构化表示，格式错误不会产生该响应
type ErrorResponse struct {
	Kind    e.Kind
	Message string
}

func (OkResponse) isResponse()         {}
func (VersionResponse) isResponse()    {}
func (TerminatedResponse) isResponse() {}
func (BreakpointResponse) isResponse() {}
func (RegistersResponse) isResponse()  {}
func (MemoryResponse) isResponse()     {}
func (ErrorResponse) isResponse()      {}

// NewErrorResponse 把错误转换为响应，非DebugError按参数错误处理
func NewErrorResponse(err error) ErrorResponse {
	kind := e.KindOf(err)
	if kind == "" {
		kind = e.KindArgument
	}
	return ErrorResponse{Kind: kind, Message: err.Error()}
}

// RunResultResponse 把执行结果转换为响应
func RunResultResponse(result *RunResult) Response {
	if result.Terminated() {
		return TerminatedResponse{Receipts: result.Receipts}
	}
	return BreakpointResponse{Breakpoint: *result.Breakpoint}
}
