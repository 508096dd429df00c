package client

import (
	"context"

	"github.com/fansqz/vm-debugger/debugger"
)

// Driver 与传输方式无关的调试客户端
// 所有方法只返回error包中定义的分类错误
type Driver interface {
	StartSession(ctx context.Context) error
	EndSession(ctx context.Context) error
	SetBreakpoint(ctx context.Context, bp debugger.Breakpoint) error
	SetSingleStepping(ctx context.Context, enable bool) error
	// StartTx 加载交易并执行到第一次暂停
	StartTx(ctx context.Context, tx []byte) (*debugger.RunResult, error)
	// ContinueTx 阻塞直到命中断点或者程序结束
	ContinueTx(ctx context.Context) (*debugger.RunResult, error)
	ReadRegister(ctx context.Context, index uint64) (uint64, error)
	ReadRegisters(ctx context.Context) ([]uint64, error)
	ReadMemory(ctx context.Context, start uint64, length uint64) ([]byte, error)
	Version(ctx context.Context) (string, error)
	Close() error
}
