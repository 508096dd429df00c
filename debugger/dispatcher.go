package debugger

import (
	"errors"

	"github.com/fansqz/vm-debugger/constants"
	e "github.com/fansqz/vm-debugger/error"
	"github.com/fansqz/vm-debugger/utils"
	"github.com/sirupsen/logrus"
)

// ControlFlow 命令执行以后传输层是否继续服务
type ControlFlow int

const (
	// FlowContinue 继续读取下一条命令
	FlowContinue ControlFlow = iota
	// FlowBreak 程序已经结束
	FlowBreak
)

// Dispatcher 把命令应用到vm上，并维护运行控制状态
type Dispatcher struct {
	driver        Driver
	statusManager *utils.StatusManager
}

func NewDispatcher(driver Driver) *Dispatcher {
	return &Dispatcher{
		driver:        driver,
		statusManager: utils.NewStatusManager(),
	}
}

// Apply 执行命令
// 除了Continue以外的命令都不会改变运行控制状态，并且同步返回
func (d *Dispatcher) Apply(cmd Command) (Response, ControlFlow, error) {
	if err := d.checkPaused(); err != nil {
		return nil, FlowContinue, err
	}
	switch c := cmd.(type) {
	case VersionCommand:
		return VersionResponse{Info: VersionInfo{Core: d.driver.Version()}}, FlowContinue, nil
	case ContinueCommand:
		result, err := d.ContinueTx()
		if err != nil {
			return nil, FlowContinue, err
		}
		if result.Terminated() {
			return RunResultResponse(result), FlowBreak, nil
		}
		return RunResultResponse(result), FlowContinue, nil
	case SetSteppingCommand:
		logrus.Infof("[Dispatcher] SetStepping %v", c.Enable)
		d.driver.SetStepping(c.Enable)
		return OkResponse{}, FlowContinue, nil
	case SetBreakpointCommand:
		if err := d.setBreakpoint(c.Breakpoint); err != nil {
			return nil, FlowContinue, err
		}
		return OkResponse{}, FlowContinue, nil
	case ReadRegistersCommand:
		return RegistersResponse{Values: d.registers()}, FlowContinue, nil
	case ReadMemoryCommand:
		data, err := d.ReadMemory(c.Start, c.Len)
		if err != nil {
			return nil, FlowContinue, err
		}
		return MemoryResponse{Bytes: data}, FlowContinue, nil
	default:
		return nil, FlowContinue, e.Wrapf(e.ErrUnsupported, "command %T", cmd)
	}
}

// Load 只加载交易，不执行，之后的Continue从第一条指令开始
func (d *Dispatcher) Load(tx []byte) error {
	if err := d.checkPaused(); err != nil {
		return err
	}
	logrus.Infof("[Dispatcher] Load, %d bytes", len(tx))
	if err := d.driver.Load(tx); err != nil {
		var debugErr *e.DebugError
		if errors.As(err, &debugErr) {
			return err
		}
		return e.Wrap(e.ErrInvalidArgument, err)
	}
	return nil
}

// StartTx 加载交易并执行到第一次暂停
func (d *Dispatcher) StartTx(tx []byte) (*RunResult, error) {
	if err := d.Load(tx); err != nil {
		return nil, err
	}
	return d.run()
}

// ContinueTx 继续执行到下一次暂停
func (d *Dispatcher) ContinueTx() (*RunResult, error) {
	if err := d.checkPaused(); err != nil {
		return nil, err
	}
	return d.run()
}

// ReadRegister 读取单个寄存器
func (d *Dispatcher) ReadRegister(index uint64) (uint64, error) {
	if err := d.checkPaused(); err != nil {
		return 0, err
	}
	regs := d.driver.Registers()
	if index >= uint64(len(regs)) {
		return 0, e.Wrapf(e.ErrRegisterOutOfRange, "index %d >= %d", index, len(regs))
	}
	return regs[index], nil
}

// ReadMemory 读取[start, start+length)的内存，返回的是拷贝
func (d *Dispatcher) ReadMemory(start uint64, length uint64) ([]byte, error) {
	if err := d.checkPaused(); err != nil {
		return nil, err
	}
	mem := d.driver.Memory()
	bound := uint64(len(mem))
	// 分两步比较，避免start+length溢出
	if start > bound || length > bound-start {
		return nil, e.Wrapf(e.ErrMemoryOutOfRange, "[%d, %d+%d) exceeds %d", start, start, length, bound)
	}
	data := make([]byte, length)
	copy(data, mem[start:start+length])
	return data, nil
}

// Terminate 会话结束，之后的命令都会失败
func (d *Dispatcher) Terminate() {
	d.statusManager.Set(constants.Terminate)
}

func (d *Dispatcher) State() constants.RunState {
	return d.statusManager.Get()
}

func (d *Dispatcher) setBreakpoint(bp Breakpoint) error {
	bound := uint64(len(d.driver.Memory()))
	if bp.PC >= bound {
		return e.Wrapf(e.ErrBreakpointOutOfRange, "offset %d >= %d", bp.PC, bound)
	}
	logrus.Infof("[Dispatcher] SetBreakpoint %s", bp)
	d.driver.SetBreakpoint(&bp)
	return nil
}

func (d *Dispatcher) registers() []uint64 {
	regs := d.driver.Registers()
	values := make([]uint64, len(regs))
	copy(values, regs)
	return values
}

// run 进入Proceed状态，直到vm返回
func (d *Dispatcher) run() (*RunResult, error) {
	if !d.statusManager.Transition(constants.Debugger, constants.Proceed) {
		return nil, d.stateError()
	}
	// 会话可能在执行期间被结束，此时保留Terminate状态
	defer d.statusManager.Transition(constants.Proceed, constants.Debugger)

	logrus.Infof("[Dispatcher] Proceed")
	result, err := d.driver.RunToPause()
	if err != nil {
		return nil, err
	}
	if result.Terminated() {
		logrus.Infof("[Dispatcher] program terminated with %d receipts", len(result.Receipts))
	} else {
		logrus.Infof("[Dispatcher] paused at %s", result.Breakpoint)
	}
	return result, nil
}

func (d *Dispatcher) checkPaused() error {
	if d.statusManager.Is(constants.Debugger) {
		return nil
	}
	return d.stateError()
}

func (d *Dispatcher) stateError() error {
	if d.statusManager.Is(constants.Terminate) {
		return e.ErrSessionEnded
	}
	return e.ErrSessionBusy
}
