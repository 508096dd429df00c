package client

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/fansqz/vm-debugger/debugger"
	e "github.com/fansqz/vm-debugger/error"
	"github.com/fansqz/vm-debugger/protocol"
	"github.com/sirupsen/logrus"
)

// LineClient line协议的客户端，连接本身就是会话
type LineClient struct {
	lock   sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	closed bool
}

// DialLine 连接line服务，服务端在接收连接时开启会话
func DialLine(ctx context.Context, addr string) (*LineClient, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, e.Wrap(e.ErrConnectionClosed, err)
	}
	return NewLineClient(conn), nil
}

func NewLineClient(conn net.Conn) *LineClient {
	return &LineClient{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
	}
}

// StartSession 通过version命令确认服务端接受了这个会话
func (c *LineClient) StartSession(ctx context.Context) error {
	_, err := c.Version(ctx)
	return err
}

// EndSession 关闭连接即结束会话
func (c *LineClient) EndSession(ctx context.Context) error {
	return c.Close()
}

func (c *LineClient) SetBreakpoint(ctx context.Context, bp debugger.Breakpoint) error {
	_, err := c.roundTrip(ctx, debugger.SetBreakpointCommand{Breakpoint: bp})
	return err
}

func (c *LineClient) SetSingleStepping(ctx context.Context, enable bool) error {
	_, err := c.roundTrip(ctx, debugger.SetSteppingCommand{Enable: enable})
	return err
}

// StartTx line协议的交易由服务端加载
func (c *LineClient) StartTx(ctx context.Context, tx []byte) (*debugger.RunResult, error) {
	return nil, e.Wrapf(e.ErrUnsupported, "line protocol runs the transaction configured on the host")
}

func (c *LineClient) ContinueTx(ctx context.Context) (*debugger.RunResult, error) {
	resp, err := c.roundTrip(ctx, debugger.ContinueCommand{})
	if err != nil {
		return nil, err
	}
	switch r := resp.(type) {
	case debugger.BreakpointResponse:
		return &debugger.RunResult{Breakpoint: &r.Breakpoint}, nil
	case debugger.TerminatedResponse:
		// 服务端在程序结束以后关闭连接
		_ = c.Close()
		return &debugger.RunResult{Receipts: r.Receipts}, nil
	default:
		return nil, unexpected(resp)
	}
}

func (c *LineClient) ReadRegister(ctx context.Context, index uint64) (uint64, error) {
	regs, err := c.ReadRegisters(ctx)
	if err != nil {
		return 0, err
	}
	if index >= uint64(len(regs)) {
		return 0, e.Wrapf(e.ErrRegisterOutOfRange, "index %d >= %d", index, len(regs))
	}
	return regs[index], nil
}

func (c *LineClient) ReadRegisters(ctx context.Context) ([]uint64, error) {
	resp, err := c.roundTrip(ctx, debugger.ReadRegistersCommand{})
	if err != nil {
		return nil, err
	}
	regs, ok := resp.(debugger.RegistersResponse)
	if !ok {
		return nil, unexpected(resp)
	}
	return regs.Values, nil
}

func (c *LineClient) ReadMemory(ctx context.Context, start uint64, length uint64) ([]byte, error) {
	resp, err := c.roundTrip(ctx, debugger.ReadMemoryCommand{Start: start, Len: length})
	if err != nil {
		return nil, err
	}
	mem, ok := resp.(debugger.MemoryResponse)
	if !ok {
		return nil, unexpected(resp)
	}
	if uint64(len(mem.Bytes)) != length {
		return nil, e.Wrapf(e.ErrMalformedMessage, "expected %d bytes, got %d", length, len(mem.Bytes))
	}
	return mem.Bytes, nil
}

func (c *LineClient) Version(ctx context.Context) (string, error) {
	resp, err := c.roundTrip(ctx, debugger.VersionCommand{})
	if err != nil {
		return "", err
	}
	version, ok := resp.(debugger.VersionResponse)
	if !ok {
		return "", unexpected(resp)
	}
	return version.Info.Core, nil
}

func (c *LineClient) Close() error {
	defer c.lock.Unlock()
	c.lock.Lock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// roundTrip 发送一条命令并等待对应的响应，错误响应转换为分类错误
func (c *LineClient) roundTrip(ctx context.Context, cmd debugger.Command) (debugger.Response, error) {
	defer c.lock.Unlock()
	c.lock.Lock()
	if c.closed {
		return nil, e.ErrConnectionClosed
	}
	deadline, _ := ctx.Deadline()
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, e.Wrap(e.ErrConnectionClosed, err)
	}
	data, err := protocol.EncodeCommand(cmd)
	if err != nil {
		return nil, err
	}
	if err := protocol.WriteLine(c.writer, data); err != nil {
		return nil, e.Wrap(e.ErrConnectionClosed, err)
	}
	line, err := protocol.ReadLine(c.reader)
	if err != nil {
		if errors.Is(err, io.EOF) || e.KindOf(err) == "" {
			return nil, e.Wrap(e.ErrConnectionClosed, err)
		}
		return nil, err
	}
	resp, err := protocol.DecodeResponse(line)
	if err != nil {
		return nil, err
	}
	if errResp, ok := resp.(debugger.ErrorResponse); ok {
		logrus.Debugf("[LineClient] %T failed: %s", cmd, errResp.Message)
		return nil, e.FromWire(errResp.Kind, errResp.Message)
	}
	return resp, nil
}

func unexpected(resp debugger.Response) error {
	return e.Wrapf(e.ErrMalformedMessage, "unexpected response %T", resp)
}

// 保证LineClient实现了Driver
var _ Driver = (*LineClient)(nil)
