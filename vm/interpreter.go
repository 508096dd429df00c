package vm

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"sync"

	"github.com/fansqz/vm-debugger/constants"
	"github.com/fansqz/vm-debugger/debugger"
	e "github.com/fansqz/vm-debugger/error"
	"github.com/sirupsen/logrus"
)

const Version = "0.1.0"

// maxCallDepth 合约调用的最大深度
const maxCallDepth = 64

// Config vm的资源限制
type Config struct {
	MemorySize int
	GasLimit   uint64
}

func DefaultConfig() Config {
	return Config{
		MemorySize: constants.DefaultMemorySize,
		GasLimit:   constants.DefaultGasLimit,
	}
}

// frame 调用栈的一帧，脚本帧的contract为零值
type frame struct {
	contract debugger.ContractID
	code     []Instruction
	pc       uint64
}

// Interpreter 参考实现的vm，实现了debugger.Driver
type Interpreter struct {
	lock   sync.Mutex
	config Config

	program  *Program
	started  bool
	frames   []frame
	regs     [constants.RegisterCount]uint64
	mem      []byte
	gas      uint64
	gasLimit uint64
	receipts []debugger.Receipt

	breakpoint *debugger.Breakpoint
	stepping   bool
}

func NewInterpreter(config Config) *Interpreter {
	if config.MemorySize <= 0 {
		config.MemorySize = constants.DefaultMemorySize
	}
	if config.GasLimit == 0 {
		config.GasLimit = constants.DefaultGasLimit
	}
	return &Interpreter{
		config: config,
		mem:    make([]byte, config.MemorySize),
	}
}

// Load 加载交易，断点和单步设置保持不变
func (i *Interpreter) Load(tx []byte) error {
	program, err := DecodeTransaction(tx)
	if err != nil {
		return err
	}
	defer i.lock.Unlock()
	i.lock.Lock()
	i.clearState()
	i.program = program
	i.gasLimit = i.config.GasLimit
	if program.GasLimit > 0 && program.GasLimit < i.gasLimit {
		i.gasLimit = program.GasLimit
	}
	i.gas = i.gasLimit
	i.frames = []frame{{code: program.Script}}
	i.regs[constants.RegOne] = 1
	i.regs[constants.RegHP] = uint64(len(i.mem))
	i.regs[constants.RegGlobalGas] = i.gas
	i.regs[constants.RegContextGas] = i.gas
	logrus.Infof("[VM] Load, %d script instructions, %d contracts", len(program.Script), len(program.Contracts))
	return nil
}

// RunToPause 执行到断点、单步暂停或者程序结束
// 新加载的程序在执行第一条指令之前先检查暂停条件，恢复执行时至少执行一条指令
func (i *Interpreter) RunToPause() (*debugger.RunResult, error) {
	defer i.lock.Unlock()
	i.lock.Lock()
	if i.program == nil {
		return nil, e.ErrNoProgram
	}
	checkFirst := !i.started
	i.started = true
	for {
		if checkFirst {
			if bp := i.pauseCondition(); bp != nil {
				return &debugger.RunResult{Breakpoint: bp}, nil
			}
		}
		checkFirst = true
		if done := i.step(); done {
			return i.finish(), nil
		}
	}
}

func (i *Interpreter) SetBreakpoint(bp *debugger.Breakpoint) {
	defer i.lock.Unlock()
	i.lock.Lock()
	i.breakpoint = bp
}

func (i *Interpreter) SetStepping(enable bool) {
	defer i.lock.Unlock()
	i.lock.Lock()
	i.stepping = enable
}

func (i *Interpreter) Registers() []uint64 {
	defer i.lock.Unlock()
	i.lock.Lock()
	return i.regs[:]
}

func (i *Interpreter) Memory() []byte {
	return i.mem
}

func (i *Interpreter) Version() string {
	return Version
}

// Reset 卸载程序，清除断点和单步设置
func (i *Interpreter) Reset() {
	defer i.lock.Unlock()
	i.lock.Lock()
	i.clearState()
	i.breakpoint = nil
	i.stepping = false
	logrus.Infof("[VM] Reset")
}

func (i *Interpreter) clearState() {
	i.program = nil
	i.started = false
	i.frames = nil
	i.regs = [constants.RegisterCount]uint64{}
	clear(i.mem)
	i.gas = 0
	i.gasLimit = 0
	i.receipts = nil
}

func (i *Interpreter) current() *frame {
	return &i.frames[len(i.frames)-1]
}

func (i *Interpreter) pauseCondition() *debugger.Breakpoint {
	f := i.current()
	here := debugger.Breakpoint{Contract: f.contract, PC: f.pc}
	if i.stepping {
		return &here
	}
	if i.breakpoint != nil && i.breakpoint.Matches(f.contract, f.pc) {
		return &here
	}
	return nil
}

// step 执行一条指令，返回程序是否结束
func (i *Interpreter) step() bool {
	f := i.current()
	index := f.pc / constants.InstructionSize
	if index >= uint64(len(f.code)) {
		if index > uint64(len(f.code)) {
			return i.fail("pc out of range")
		}
		// 执行到代码末尾视为返回0
		return i.ret(0)
	}
	if i.gas == 0 {
		return i.fail("out of gas")
	}
	i.gas--
	i.regs[constants.RegGlobalGas] = i.gas
	i.regs[constants.RegContextGas] = i.gas

	ins := f.code[index]
	next := f.pc + constants.InstructionSize
	a, b, c := ins.A, ins.B, ins.C
	switch ins.Op {
	case OpNoop:
	case OpMovi:
		if !i.write(a, ins.Imm) {
			return i.fail("write to reserved register")
		}
	case OpMove:
		if !i.write(a, i.regs[b]) {
			return i.fail("write to reserved register")
		}
	case OpAdd, OpAddi, OpSub, OpMul:
		value, overflow := arith(ins.Op, i.regs[b], i.regs[c], ins.Imm)
		if !i.write(a, value) {
			return i.fail("write to reserved register")
		}
		i.regs[constants.RegOverflow] = overflow
	case OpSb:
		addr, ok := i.address(i.regs[a], ins.Imm, 1)
		if !ok {
			return i.fail("memory access out of bounds")
		}
		i.mem[addr] = byte(i.regs[b])
	case OpLb:
		addr, ok := i.address(i.regs[b], ins.Imm, 1)
		if !ok {
			return i.fail("memory access out of bounds")
		}
		if !i.write(a, uint64(i.mem[addr])) {
			return i.fail("write to reserved register")
		}
	case OpSw:
		addr, ok := i.address(i.regs[a], ins.Imm, constants.WordSize)
		if !ok {
			return i.fail("memory access out of bounds")
		}
		binary.BigEndian.PutUint64(i.mem[addr:], i.regs[b])
	case OpLw:
		addr, ok := i.address(i.regs[b], ins.Imm, constants.WordSize)
		if !ok {
			return i.fail("memory access out of bounds")
		}
		if !i.write(a, binary.BigEndian.Uint64(i.mem[addr:])) {
			return i.fail("write to reserved register")
		}
	case OpLog:
		i.receipts = append(i.receipts, debugger.Receipt{
			Type: constants.LogReceipt, Contract: f.contract, PC: f.pc, Ra: i.regs[a], Rb: i.regs[b],
		})
	case OpCall:
		if len(i.frames) >= maxCallDepth {
			return i.fail("call depth exceeded")
		}
		id, _ := debugger.ParseContractID(ins.Contract)
		i.receipts = append(i.receipts, debugger.Receipt{Type: constants.CallReceipt, Contract: id, PC: f.pc})
		f.pc = next
		i.frames = append(i.frames, frame{contract: id, code: i.program.Contracts[id]})
		i.syncPC()
		return false
	case OpRet:
		return i.ret(i.regs[a])
	case OpJmp:
		next = ins.Imm
	case OpJnz:
		if i.regs[a] != 0 {
			next = ins.Imm
		}
	case OpRevert:
		i.receipts = append(i.receipts, debugger.Receipt{
			Type: constants.RevertReceipt, Contract: f.contract, PC: f.pc, Val: i.regs[a],
		})
		return true
	default:
		return i.fail(fmt.Sprintf("unknown opcode %q", ins.Op))
	}
	f.pc = next
	i.syncPC()
	return false
}

// ret 从当前帧返回，脚本帧返回表示程序结束
func (i *Interpreter) ret(value uint64) bool {
	f := i.current()
	i.receipts = append(i.receipts, debugger.Receipt{
		Type: constants.ReturnReceipt, Contract: f.contract, PC: f.pc, Val: value,
	})
	i.regs[constants.RegReturn] = value
	if len(i.frames) == 1 {
		return true
	}
	i.frames = i.frames[:len(i.frames)-1]
	i.syncPC()
	return false
}

func (i *Interpreter) fail(reason string) bool {
	f := i.current()
	logrus.Infof("[VM] panic at %s+0x%x: %s", f.contract, f.pc, reason)
	i.regs[constants.RegError] = 1
	i.receipts = append(i.receipts, debugger.Receipt{
		Type: constants.PanicReceipt, Contract: f.contract, PC: f.pc, Reason: reason,
	})
	return true
}

// finish 程序结束，追加scriptResult回执并卸载程序
func (i *Interpreter) finish() *debugger.RunResult {
	reason := "success"
	if n := len(i.receipts); n > 0 {
		switch i.receipts[n-1].Type {
		case constants.RevertReceipt:
			reason = "revert"
		case constants.PanicReceipt:
			reason = "panic"
		}
	}
	i.receipts = append(i.receipts, debugger.Receipt{
		Type: constants.ScriptResultReceipt, Reason: reason, GasUsed: i.gasLimit - i.gas,
	})
	receipts := i.receipts
	i.program = nil
	i.receipts = nil
	logrus.Infof("[VM] finished: %s", reason)
	return &debugger.RunResult{Receipts: receipts}
}

func (i *Interpreter) write(index uint8, value uint64) bool {
	if index < constants.WritableRegisterStart {
		return false
	}
	i.regs[index] = value
	return true
}

func (i *Interpreter) address(base uint64, offset uint64, size uint64) (uint64, bool) {
	addr, carry := bits.Add64(base, offset, 0)
	if carry != 0 {
		return 0, false
	}
	bound := uint64(len(i.mem))
	if addr > bound || size > bound-addr {
		return 0, false
	}
	return addr, true
}

func (i *Interpreter) syncPC() {
	i.regs[constants.RegPC] = i.current().pc
}

func arith(op Opcode, b uint64, c uint64, imm uint64) (uint64, uint64) {
	switch op {
	case OpAdd:
		sum, carry := bits.Add64(b, c, 0)
		return sum, carry
	case OpAddi:
		sum, carry := bits.Add64(b, imm, 0)
		return sum, carry
	case OpSub:
		diff, borrow := bits.Sub64(b, c, 0)
		return diff, borrow
	default:
		hi, lo := bits.Mul64(b, c)
		if hi != 0 {
			return lo, 1
		}
		return lo, 0
	}
}
