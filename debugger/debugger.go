package debugger

// Driver vm提供给调试器的能力
// 一个vm宿主进程只有一个Driver，同一时间只能被一个会话持有
type Driver interface {
	// Load 加载序列化的交易，加载后程序处于暂停状态，尚未执行任何指令
	Load(tx []byte) error
	// RunToPause 同步执行程序，直到命中断点、单步暂停或者程序结束
	// 程序结束时返回的RunResult不包含断点，vm执行失败以回执的形式返回
	RunToPause() (*RunResult, error)
	// SetBreakpoint 设置断点，会替换之前的断点，nil表示清除断点
	SetBreakpoint(bp *Breakpoint)
	// SetStepping 开启以后每执行一条指令就暂停
	SetStepping(enable bool)
	// Registers 当前寄存器的值，长度为constants.RegisterCount
	Registers() []uint64
	// Memory vm的内存，调用方不能修改或持有返回值
	Memory() []byte
	// Version vm的版本号
	Version() string
	// Reset 卸载程序，清除断点和单步设置，回到空闲状态
	Reset()
}
