package shell

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/fansqz/vm-debugger/constants"
	"github.com/fansqz/vm-debugger/debugger"
	e "github.com/fansqz/vm-debugger/error"
	"github.com/fansqz/vm-debugger/utils"
)

// defaultMemoryLimit memory命令默认读取的字节数
const defaultMemoryLimit = constants.WordSize * 32

func builtinCommands() []*command {
	return []*command{
		{names: []string{"version", "v"}, help: "query version information", run: cmdVersion},
		{names: []string{"continue", "c"}, help: "run until next breakpoint or termination", run: cmdContinue},
		{names: []string{"step", "s"}, usage: "[on|off]", help: "turn single-stepping on or off", run: cmdStep},
		{names: []string{"breakpoint", "b"}, usage: "[contract_id] offset", help: "set a breakpoint", run: cmdBreakpoint},
		{names: []string{"registers", "r", "reg", "register"}, usage: "[regname ...]", help: "dump registers", run: cmdRegisters},
		{names: []string{"memory", "m"}, usage: "[offset] [limit]", help: "dump memory", run: cmdMemory},
		{names: []string{"tx", "n", "new_tx", "start_tx"}, usage: "path/to/tx.json", help: "start a transaction and run until the first pause", run: cmdStartTx},
		{names: []string{"help", "h"}, help: "show this help", run: cmdHelp},
		{names: []string{"quit", "exit", "q"}, help: "end the session and exit", run: cmdQuit},
	}
}

func noArguments(args []string) error {
	if len(args) != 0 {
		return e.ErrTooManyArguments
	}
	return nil
}

func cmdVersion(ctx context.Context, s *Shell, args []string) error {
	if err := noArguments(args); err != nil {
		return err
	}
	version, err := s.driver.Version(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "core %s\n", version)
	return nil
}

func cmdContinue(ctx context.Context, s *Shell, args []string) error {
	if err := noArguments(args); err != nil {
		return err
	}
	result, err := s.driver.ContinueTx(ctx)
	if err != nil {
		return err
	}
	s.printRunResult(result)
	return nil
}

// cmdStep 没有参数时开启单步
func cmdStep(ctx context.Context, s *Shell, args []string) error {
	if len(args) > 1 {
		return e.ErrTooManyArguments
	}
	enable := true
	if len(args) == 1 {
		switch args[0] {
		case "on", "yes", "enable":
		case "off", "no", "disable":
			enable = false
		default:
			return e.Wrapf(e.ErrInvalidArgument, "expected on or off, got %q", args[0])
		}
	}
	return s.driver.SetSingleStepping(ctx, enable)
}

func cmdBreakpoint(ctx context.Context, s *Shell, args []string) error {
	switch {
	case len(args) == 0:
		return e.ErrNotEnoughArguments
	case len(args) > 2:
		return e.ErrTooManyArguments
	}
	offset, ok := utils.ParseInt(args[len(args)-1])
	if !ok {
		return e.Wrapf(e.ErrInvalidArgument, "offset %q", args[len(args)-1])
	}
	bp := debugger.ScriptBreakpoint(offset)
	if len(args) == 2 {
		id, err := debugger.ParseContractID(args[0])
		if err != nil {
			return e.Wrap(e.ErrInvalidArgument, err)
		}
		bp = debugger.ContractBreakpoint(id, offset)
	}
	return s.driver.SetBreakpoint(ctx, bp)
}

// cmdRegisters 参数可以是寄存器名或者下标，所有参数在读取之前校验
func cmdRegisters(ctx context.Context, s *Shell, args []string) error {
	if len(args) == 0 {
		regs, err := s.driver.ReadRegisters(ctx)
		if err != nil {
			return err
		}
		for i, value := range regs {
			s.printRegister(i, value)
		}
		return nil
	}
	indexes := make([]int, len(args))
	for i, arg := range args {
		if v, ok := utils.ParseInt(arg); ok {
			if v >= constants.RegisterCount {
				return e.Wrapf(e.ErrRegisterOutOfRange, "index %d >= %d", v, constants.RegisterCount)
			}
			indexes[i] = int(v)
			continue
		}
		index, ok := debugger.RegisterIndex(arg)
		if !ok {
			return e.Wrapf(e.ErrInvalidArgument, "unknown register name %q", arg)
		}
		indexes[i] = index
	}
	for _, index := range indexes {
		value, err := s.driver.ReadRegister(ctx, uint64(index))
		if err != nil {
			return err
		}
		s.printRegister(index, value)
	}
	return nil
}

// cmdMemory 只有一个参数时为limit
func cmdMemory(ctx context.Context, s *Shell, args []string) error {
	if len(args) > 2 {
		return e.ErrTooManyArguments
	}
	var offset uint64
	limit := uint64(defaultMemoryLimit)
	var ok bool
	if len(args) > 0 {
		if limit, ok = utils.ParseInt(args[len(args)-1]); !ok {
			return e.Wrapf(e.ErrInvalidArgument, "limit %q", args[len(args)-1])
		}
	}
	if len(args) == 2 {
		if offset, ok = utils.ParseInt(args[0]); !ok {
			return e.Wrapf(e.ErrInvalidArgument, "offset %q", args[0])
		}
	}
	mem, err := s.driver.ReadMemory(ctx, offset, limit)
	if err != nil {
		return err
	}
	for i := 0; i < len(mem); i += constants.WordSize {
		end := min(i+constants.WordSize, len(mem))
		fmt.Fprintf(s.out, " %06x:", offset+uint64(i))
		for _, b := range mem[i:end] {
			fmt.Fprintf(s.out, " %02x", b)
		}
		fmt.Fprintln(s.out)
	}
	return nil
}

func cmdStartTx(ctx context.Context, s *Shell, args []string) error {
	switch {
	case len(args) == 0:
		return e.ErrNotEnoughArguments
	case len(args) > 1:
		return e.ErrTooManyArguments
	}
	tx, err := os.ReadFile(args[0])
	if err != nil {
		return e.Wrap(e.ErrInvalidArgument, err)
	}
	result, err := s.driver.StartTx(ctx, tx)
	if err != nil {
		return err
	}
	s.printRunResult(result)
	return nil
}

func cmdHelp(ctx context.Context, s *Shell, args []string) error {
	s.printHelp()
	return nil
}

func cmdQuit(ctx context.Context, s *Shell, args []string) error {
	return errQuit
}

func (s *Shell) printRegister(index int, value uint64) {
	fmt.Fprintf(s.out, "reg[%#x] = %-8d # %s\n", index, value, debugger.RegisterName(index))
}

func (s *Shell) printRunResult(result *debugger.RunResult) {
	if !result.Terminated() {
		fmt.Fprintf(s.out, "stopped at %s\n", result.Breakpoint)
		return
	}
	fmt.Fprintf(s.out, "terminated with %d receipts\n", len(result.Receipts))
	for _, receipt := range result.Receipts {
		data, err := json.Marshal(receipt)
		if err != nil {
			continue
		}
		fmt.Fprintf(s.out, "  %s\n", data)
	}
}
