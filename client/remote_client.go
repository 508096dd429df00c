package client

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"connectrpc.com/connect"
	"github.com/fansqz/vm-debugger/debugger"
	e "github.com/fansqz/vm-debugger/error"
	"github.com/fansqz/vm-debugger/protocol"
)

// RemoteClient remote query协议的客户端，负责在每个请求中携带会话id
type RemoteClient struct {
	lock sync.Mutex
	id   string

	startSession      *connect.Client[protocol.StartSessionRequest, protocol.StartSessionResponse]
	endSession        *connect.Client[protocol.SessionRequest, protocol.BoolResponse]
	setBreakpoint     *connect.Client[protocol.SetBreakpointRequest, protocol.BoolResponse]
	setSingleStepping *connect.Client[protocol.SetSingleSteppingRequest, protocol.BoolResponse]
	startTx           *connect.Client[protocol.StartTxRequest, protocol.RunResult]
	continueTx        *connect.Client[protocol.SessionRequest, protocol.RunResult]
	register          *connect.Client[protocol.RegisterRequest, protocol.U64Response]
	memory            *connect.Client[protocol.MemoryRequest, protocol.MemoryResponse]
	version           *connect.Client[protocol.SessionRequest, protocol.VersionResponse]
}

// NewRemoteClient baseURL形如 http://127.0.0.1:8890
func NewRemoteClient(httpClient connect.HTTPClient, baseURL string) *RemoteClient {
	baseURL = strings.TrimSuffix(baseURL, "/")
	codec := connect.WithCodec(protocol.JSONCodec{})
	return &RemoteClient{
		startSession:      connect.NewClient[protocol.StartSessionRequest, protocol.StartSessionResponse](httpClient, baseURL+protocol.StartSessionProcedure, codec),
		endSession:        connect.NewClient[protocol.SessionRequest, protocol.BoolResponse](httpClient, baseURL+protocol.EndSessionProcedure, codec),
		setBreakpoint:     connect.NewClient[protocol.SetBreakpointRequest, protocol.BoolResponse](httpClient, baseURL+protocol.SetBreakpointProcedure, codec),
		setSingleStepping: connect.NewClient[protocol.SetSingleSteppingRequest, protocol.BoolResponse](httpClient, baseURL+protocol.SetSingleSteppingProcedure, codec),
		startTx:           connect.NewClient[protocol.StartTxRequest, protocol.RunResult](httpClient, baseURL+protocol.StartTxProcedure, codec),
		continueTx:        connect.NewClient[protocol.SessionRequest, protocol.RunResult](httpClient, baseURL+protocol.ContinueTxProcedure, codec),
		register:          connect.NewClient[protocol.RegisterRequest, protocol.U64Response](httpClient, baseURL+protocol.RegisterProcedure, codec),
		memory:            connect.NewClient[protocol.MemoryRequest, protocol.MemoryResponse](httpClient, baseURL+protocol.MemoryProcedure, codec),
		version:           connect.NewClient[protocol.SessionRequest, protocol.VersionResponse](httpClient, baseURL+protocol.VersionProcedure, codec),
	}
}

// DialRemote 使用默认的http客户端
func DialRemote(baseURL string) *RemoteClient {
	return NewRemoteClient(http.DefaultClient, baseURL)
}

// SessionID 当前会话id，没有会话时为空
func (c *RemoteClient) SessionID() string {
	defer c.lock.Unlock()
	c.lock.Lock()
	return c.id
}

// UseSession 使用已有的会话id，例如接管另一个客户端开启的会话
func (c *RemoteClient) UseSession(id string) {
	defer c.lock.Unlock()
	c.lock.Lock()
	c.id = id
}

func (c *RemoteClient) StartSession(ctx context.Context) error {
	resp, err := c.startSession.CallUnary(ctx, connect.NewRequest(&protocol.StartSessionRequest{}))
	if err != nil {
		return fromConnectError(err)
	}
	c.UseSession(resp.Msg.ID)
	return nil
}

func (c *RemoteClient) EndSession(ctx context.Context) error {
	_, err := c.endSession.CallUnary(ctx, connect.NewRequest(&protocol.SessionRequest{ID: c.SessionID()}))
	if err != nil {
		return fromConnectError(err)
	}
	c.UseSession("")
	return nil
}

func (c *RemoteClient) SetBreakpoint(ctx context.Context, bp debugger.Breakpoint) error {
	_, err := c.setBreakpoint.CallUnary(ctx, connect.NewRequest(&protocol.SetBreakpointRequest{
		ID:         c.SessionID(),
		Breakpoint: protocol.NewBreakpointInput(bp),
	}))
	return fromConnectError(err)
}

func (c *RemoteClient) SetSingleStepping(ctx context.Context, enable bool) error {
	_, err := c.setSingleStepping.CallUnary(ctx, connect.NewRequest(&protocol.SetSingleSteppingRequest{
		ID:     c.SessionID(),
		Enable: enable,
	}))
	return fromConnectError(err)
}

func (c *RemoteClient) StartTx(ctx context.Context, tx []byte) (*debugger.RunResult, error) {
	resp, err := c.startTx.CallUnary(ctx, connect.NewRequest(&protocol.StartTxRequest{
		ID:     c.SessionID(),
		TxJSON: string(tx),
	}))
	if err != nil {
		return nil, fromConnectError(err)
	}
	return resp.Msg.ToRunResult(), nil
}

func (c *RemoteClient) ContinueTx(ctx context.Context) (*debugger.RunResult, error) {
	resp, err := c.continueTx.CallUnary(ctx, connect.NewRequest(&protocol.SessionRequest{ID: c.SessionID()}))
	if err != nil {
		return nil, fromConnectError(err)
	}
	return resp.Msg.ToRunResult(), nil
}

func (c *RemoteClient) ReadRegister(ctx context.Context, index uint64) (uint64, error) {
	resp, err := c.register.CallUnary(ctx, connect.NewRequest(&protocol.RegisterRequest{
		ID:       c.SessionID(),
		Register: protocol.U64(index),
	}))
	if err != nil {
		return 0, fromConnectError(err)
	}
	return uint64(resp.Msg.Value), nil
}

// ReadRegisters remote协议只能按下标读取，逐个读取直到越界
func (c *RemoteClient) ReadRegisters(ctx context.Context) ([]uint64, error) {
	var values []uint64
	for index := uint64(0); ; index++ {
		value, err := c.ReadRegister(ctx, index)
		if errors.Is(err, e.ErrRegisterOutOfRange) {
			return values, nil
		}
		if err != nil {
			return nil, err
		}
		values = append(values, value)
	}
}

func (c *RemoteClient) ReadMemory(ctx context.Context, start uint64, length uint64) ([]byte, error) {
	resp, err := c.memory.CallUnary(ctx, connect.NewRequest(&protocol.MemoryRequest{
		ID:    c.SessionID(),
		Start: protocol.U64(start),
		Size:  protocol.U64(length),
	}))
	if err != nil {
		return nil, fromConnectError(err)
	}
	if uint64(len(resp.Msg.Value)) != length {
		return nil, e.Wrapf(e.ErrMalformedMessage, "expected %d bytes, got %d", length, len(resp.Msg.Value))
	}
	return resp.Msg.Value, nil
}

func (c *RemoteClient) Version(ctx context.Context) (string, error) {
	resp, err := c.version.CallUnary(ctx, connect.NewRequest(&protocol.SessionRequest{ID: c.SessionID()}))
	if err != nil {
		return "", fromConnectError(err)
	}
	return resp.Msg.Core, nil
}

// Close remote协议没有连接状态，不会结束会话
func (c *RemoteClient) Close() error {
	return nil
}

// fromConnectError 根据响应头还原分类错误，没有分类信息的错误按错误码归类
func fromConnectError(err error) error {
	if err == nil {
		return nil
	}
	var connectErr *connect.Error
	if !errors.As(err, &connectErr) {
		return e.Wrap(e.ErrConnectionClosed, err)
	}
	if kind := connectErr.Meta().Get(protocol.ErrorKindHeader); kind != "" {
		return e.FromWire(e.Kind(kind), connectErr.Message())
	}
	if connectErr.Code() == connect.CodeInvalidArgument {
		return e.Wrap(e.ErrMalformedMessage, err)
	}
	return e.Wrap(e.ErrConnectionClosed, err)
}

var _ Driver = (*RemoteClient)(nil)
