package constants

// RunState 运行控制状态
type RunState string

const (
	// Debugger 程序暂停，接受所有命令
	Debugger RunState = "debugger"
	// Proceed 程序交给vm执行，直到遇到断点或者程序结束
	Proceed RunState = "proceed"
	// Terminate 会话结束，不再接受任何命令
	Terminate RunState = "terminate"
)

// SessionState 会话的生命周期
type SessionState string

const (
	SessionActive SessionState = "active"
	SessionEnded  SessionState = "ended"
)

// CommandType line协议中命令的标签
type CommandType string

const (
	VersionCommand        CommandType = "version"
	ContinueCommand       CommandType = "continue"
	SingleSteppingCommand CommandType = "single-stepping"
	BreakpointCommand     CommandType = "breakpoint"
	ReadRegistersCommand  CommandType = "read-registers"
	ReadMemoryCommand     CommandType = "read-memory"
)

// ResponseType line协议中响应的标签
type ResponseType string

const (
	OkResponse            ResponseType = "ok"
	VersionResponse       ResponseType = "version"
	TerminatedResponse    ResponseType = "terminated"
	BreakpointResponse    ResponseType = "breakpoint"
	ReadRegistersResponse ResponseType = "read-registers"
	ReadMemoryResponse    ResponseType = "read-memory"
	ErrorResponse         ResponseType = "error"
)

// ReceiptType 程序执行产生的回执类型
type ReceiptType string

const (
	CallReceipt         ReceiptType = "call"
	ReturnReceipt       ReceiptType = "return"
	LogReceipt          ReceiptType = "log"
	RevertReceipt       ReceiptType = "revert"
	PanicReceipt        ReceiptType = "panic"
	ScriptResultReceipt ReceiptType = "scriptResult"
)

// StoppedReasonType 程序停止类型
type StoppedReasonType string

const (
	BreakpointStopped StoppedReasonType = "breakpoint"
	StepStopped       StoppedReasonType = "step"
	EntryStopped      StoppedReasonType = "entry"
)
