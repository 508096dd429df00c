package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/fansqz/vm-debugger/debugger"
)

// remote协议的过程名，每个操作对应一个connect unary过程
const (
	RemoteServiceName = "vmdebug.v1.DebugService"

	StartSessionProcedure      = "/" + RemoteServiceName + "/StartSession"
	EndSessionProcedure        = "/" + RemoteServiceName + "/EndSession"
	SetBreakpointProcedure     = "/" + RemoteServiceName + "/SetBreakpoint"
	SetSingleSteppingProcedure = "/" + RemoteServiceName + "/SetSingleStepping"
	StartTxProcedure           = "/" + RemoteServiceName + "/StartTx"
	ContinueTxProcedure        = "/" + RemoteServiceName + "/ContinueTx"
	RegisterProcedure          = "/" + RemoteServiceName + "/Register"
	MemoryProcedure            = "/" + RemoteServiceName + "/Memory"
	VersionProcedure           = "/" + RemoteServiceName + "/Version"
)

// 错误信息通过响应头传递，客户端据此恢复错误分类
const (
	ErrorKindHeader    = "Debug-Error-Kind"
	ErrorMessageHeader = "Debug-Error-Message"
)

// U64 以十进制字符串编码的u64，避免json数字精度丢失
type U64 uint64

func (u U64) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatUint(uint64(u), 10))
}

func (u *U64) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("u64 must be a decimal string: %w", err)
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("u64: %w", err)
	}
	*u = U64(v)
	return nil
}

type StartSessionRequest struct{}

type StartSessionResponse struct {
	ID string `json:"id"`
}

// SessionRequest 只需要会话id的请求，例如end-session、continue-tx
type SessionRequest struct {
	ID string `json:"id"`
}

type BoolResponse struct {
	Value bool `json:"value"`
}

type BreakpointInput struct {
	Contract debugger.ContractID `json:"contract"`
	PC       U64                 `json:"pc"`
}

type SetBreakpointRequest struct {
	ID         string          `json:"id"`
	Breakpoint BreakpointInput `json:"breakpoint"`
}

type SetSingleSteppingRequest struct {
	ID     string `json:"id"`
	Enable bool   `json:"enable"`
}

type StartTxRequest struct {
	ID     string `json:"id"`
	TxJSON string `json:"txJson"`
}

// RunResult breakpoint为null表示程序已经结束
type RunResult struct {
	Breakpoint *BreakpointInput   `json:"breakpoint"`
	Receipts   []debugger.Receipt `json:"receipts,omitempty"`
}

type RegisterRequest struct {
	ID       string `json:"id"`
	Register U64    `json:"register"`
}

type U64Response struct {
	Value U64 `json:"value"`
}

type MemoryRequest struct {
	ID    string `json:"id"`
	Start U64    `json:"start"`
	Size  U64    `json:"size"`
}

// MemoryResponse 字节以base64编码
type MemoryResponse struct {
	Value []byte `json:"value"`
}

type VersionResponse struct {
	Core string `json:"core"`
}

func NewBreakpointInput(bp debugger.Breakpoint) BreakpointInput {
	return BreakpointInput{Contract: bp.Contract, PC: U64(bp.PC)}
}

func (b BreakpointInput) ToBreakpoint() debugger.Breakpoint {
	return debugger.Breakpoint{Contract: b.Contract, PC: uint64(b.PC)}
}

func NewRunResult(result *debugger.RunResult) *RunResult {
	r := &RunResult{Receipts: result.Receipts}
	if result.Breakpoint != nil {
		bp := NewBreakpointInput(*result.Breakpoint)
		r.Breakpoint = &bp
	}
	return r
}

func (r *RunResult) ToRunResult() *debugger.RunResult {
	result := &debugger.RunResult{Receipts: r.Receipts}
	if r.Breakpoint != nil {
		bp := r.Breakpoint.ToBreakpoint()
		result.Breakpoint = &bp
	}
	return result
}

// JSONCodec connect使用的json编解码，消息都是普通的go结构体
type JSONCodec struct{}

func (JSONCodec) Name() string {
	return "json"
}

func (JSONCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
