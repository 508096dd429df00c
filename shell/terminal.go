package shell

import (
	"context"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// RunTerminal 标准输入是终端时进入raw模式并提供行编辑，否则按普通输入逐行读取
func (s *Shell) RunTerminal(ctx context.Context, in *os.File, out *os.File) error {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return s.Run(ctx, in)
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		logrus.Warnf("[Shell] make raw terminal fail, err = %v", err)
		return s.Run(ctx, in)
	}
	defer func() {
		_ = term.Restore(fd, oldState)
	}()

	terminal := term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{in, out}, Prompt)
	if width, height, err := term.GetSize(fd); err == nil {
		_ = terminal.SetSize(width, height)
	}
	// 终端负责把\n转换为\r\n
	s.out = terminal
	return s.RunLines(ctx, terminal.ReadLine)
}
