package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fansqz/vm-debugger/client"
	e "github.com/fansqz/vm-debugger/error"
)

const Prompt = ">> "

// errQuit quit命令的返回值，用于结束循环
var errQuit = errors.New("quit")

type command struct {
	names []string
	usage string
	help  string
	run   func(ctx context.Context, s *Shell, args []string) error
}

// Shell 交互式调试命令行
type Shell struct {
	driver   client.Driver
	out      io.Writer
	commands []*command
	index    map[string]*command
}

func New(driver client.Driver, out io.Writer) *Shell {
	s := &Shell{
		driver:   driver,
		out:      out,
		commands: builtinCommands(),
		index:    make(map[string]*command),
	}
	for _, cmd := range s.commands {
		for _, name := range cmd.names {
			s.index[name] = cmd
		}
	}
	return s
}

// Execute 执行一行命令，返回是否退出
func (s *Shell) Execute(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	cmd, ok := s.index[fields[0]]
	if !ok {
		return false, e.Wrapf(e.ErrInvalidArgument, "unknown command %q, try help", fields[0])
	}
	err := cmd.run(ctx, s, fields[1:])
	if errors.Is(err, errQuit) {
		return true, nil
	}
	return false, err
}

// Run 逐行读取命令直到输入结束或者quit，命令的错误输出后继续
func (s *Shell) Run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	return s.RunLines(ctx, func() (string, error) {
		fmt.Fprint(s.out, Prompt)
		if !scanner.Scan() {
			fmt.Fprintln(s.out)
			if err := scanner.Err(); err != nil {
				return "", err
			}
			return "", io.EOF
		}
		return scanner.Text(), nil
	})
}

// ReadLine 由终端等输入源提供，返回io.EOF表示结束
type ReadLine func() (string, error)

// RunLines 与Run相同，但由调用方负责提示符和行编辑
// 连接断开以后不再继续读取命令
func (s *Shell) RunLines(ctx context.Context, readLine ReadLine) error {
	for {
		line, err := readLine()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		quit, err := s.Execute(ctx, line)
		if err != nil {
			s.printError(err)
			if e.KindOf(err) == e.KindTransport {
				return err
			}
		}
		if quit {
			return nil
		}
	}
}

func (s *Shell) printError(err error) {
	if kind := e.KindOf(err); kind != "" {
		fmt.Fprintf(s.out, "error (%s): %v\n", kind, err)
		return
	}
	fmt.Fprintf(s.out, "error: %v\n", err)
}

func (s *Shell) printHelp() {
	cmds := make([]*command, len(s.commands))
	copy(cmds, s.commands)
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].names[0] < cmds[j].names[0] })
	for _, cmd := range cmds {
		fmt.Fprintf(s.out, "  %-28s %s\n", strings.Join(cmd.names, "|")+" "+cmd.usage, cmd.help)
	}
}
