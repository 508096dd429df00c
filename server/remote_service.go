package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"connectrpc.com/connect"
	"github.com/fansqz/vm-debugger/debugger"
	e "github.com/fansqz/vm-debugger/error"
	"github.com/fansqz/vm-debugger/protocol"
	"github.com/fansqz/vm-debugger/session"
	"github.com/fansqz/vm-debugger/utils"
	"github.com/fansqz/vm-debugger/utils/gosync"
	"github.com/sirupsen/logrus"
)

// RemoteService remote query协议，每个操作都通过会话id定位会话
type RemoteService struct {
	manager     *session.Manager
	idleTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	timersLock sync.Mutex
	timers     map[string]*utils.TimeoutManager
}

// NewRemoteService idleTimeout为0时会话不会因为空闲而结束
func NewRemoteService(manager *session.Manager, idleTimeout time.Duration) *RemoteService {
	ctx, cancel := context.WithCancel(context.Background())
	return &RemoteService{
		manager:     manager,
		idleTimeout: idleTimeout,
		ctx:         ctx,
		cancel:      cancel,
		timers:      make(map[string]*utils.TimeoutManager),
	}
}

// Handler 注册所有过程
func (s *RemoteService) Handler() http.Handler {
	codec := connect.WithCodec(protocol.JSONCodec{})
	mux := http.NewServeMux()
	mux.Handle(protocol.StartSessionProcedure, connect.NewUnaryHandler(protocol.StartSessionProcedure, s.StartSession, codec))
	mux.Handle(protocol.EndSessionProcedure, connect.NewUnaryHandler(protocol.EndSessionProcedure, s.EndSession, codec))
	mux.Handle(protocol.SetBreakpointProcedure, connect.NewUnaryHandler(protocol.SetBreakpointProcedure, s.SetBreakpoint, codec))
	mux.Handle(protocol.SetSingleSteppingProcedure, connect.NewUnaryHandler(protocol.SetSingleSteppingProcedure, s.SetSingleStepping, codec))
	mux.Handle(protocol.StartTxProcedure, connect.NewUnaryHandler(protocol.StartTxProcedure, s.StartTx, codec))
	mux.Handle(protocol.ContinueTxProcedure, connect.NewUnaryHandler(protocol.ContinueTxProcedure, s.ContinueTx, codec))
	mux.Handle(protocol.RegisterProcedure, connect.NewUnaryHandler(protocol.RegisterProcedure, s.Register, codec))
	mux.Handle(protocol.MemoryProcedure, connect.NewUnaryHandler(protocol.MemoryProcedure, s.Memory, codec))
	mux.Handle(protocol.VersionProcedure, connect.NewUnaryHandler(protocol.VersionProcedure, s.Version, codec))
	return mux
}

// Serve 在listener上提供http服务，ctx结束时关闭
func (s *RemoteService) Serve(ctx context.Context, listener net.Listener) error {
	server := &http.Server{Handler: s.Handler()}
	gosync.Go(ctx, func(ctx context.Context) {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	})
	logrus.Infof("[RemoteService] listening at %s", listener.Addr())
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close 停止所有空闲计时器
func (s *RemoteService) Close() {
	s.cancel()
}

func (s *RemoteService) StartSession(
	ctx context.Context,
	req *connect.Request[protocol.StartSessionRequest],
) (*connect.Response[protocol.StartSessionResponse], error) {
	sess, err := s.manager.Start()
	if err != nil {
		return nil, toConnectError(err)
	}
	s.startIdleTimer(sess.ID)
	return connect.NewResponse(&protocol.StartSessionResponse{ID: sess.ID}), nil
}

func (s *RemoteService) EndSession(
	ctx context.Context,
	req *connect.Request[protocol.SessionRequest],
) (*connect.Response[protocol.BoolResponse], error) {
	if err := s.manager.End(req.Msg.ID); err != nil {
		return nil, toConnectError(err)
	}
	s.stopIdleTimer(req.Msg.ID)
	return connect.NewResponse(&protocol.BoolResponse{Value: true}), nil
}

func (s *RemoteService) SetBreakpoint(
	ctx context.Context,
	req *connect.Request[protocol.SetBreakpointRequest],
) (*connect.Response[protocol.BoolResponse], error) {
	cmd := debugger.SetBreakpointCommand{Breakpoint: req.Msg.Breakpoint.ToBreakpoint()}
	if err := s.apply(req.Msg.ID, cmd); err != nil {
		return nil, err
	}
	return connect.NewResponse(&protocol.BoolResponse{Value: true}), nil
}

func (s *RemoteService) SetSingleStepping(
	ctx context.Context,
	req *connect.Request[protocol.SetSingleSteppingRequest],
) (*connect.Response[protocol.BoolResponse], error) {
	if err := s.apply(req.Msg.ID, debugger.SetSteppingCommand{Enable: req.Msg.Enable}); err != nil {
		return nil, err
	}
	return connect.NewResponse(&protocol.BoolResponse{Value: true}), nil
}

func (s *RemoteService) StartTx(
	ctx context.Context,
	req *connect.Request[protocol.StartTxRequest],
) (*connect.Response[protocol.RunResult], error) {
	sess, err := s.lookup(req.Msg.ID)
	if err != nil {
		return nil, err
	}
	defer s.touch(sess.ID)
	result, err := sess.StartTx([]byte(req.Msg.TxJSON))
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(protocol.NewRunResult(result)), nil
}

func (s *RemoteService) ContinueTx(
	ctx context.Context,
	req *connect.Request[protocol.SessionRequest],
) (*connect.Response[protocol.RunResult], error) {
	sess, err := s.lookup(req.Msg.ID)
	if err != nil {
		return nil, err
	}
	defer s.touch(sess.ID)
	result, err := sess.ContinueTx()
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(protocol.NewRunResult(result)), nil
}

func (s *RemoteService) Register(
	ctx context.Context,
	req *connect.Request[protocol.RegisterRequest],
) (*connect.Response[protocol.U64Response], error) {
	sess, err := s.lookup(req.Msg.ID)
	if err != nil {
		return nil, err
	}
	value, err := sess.ReadRegister(uint64(req.Msg.Register))
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&protocol.U64Response{Value: protocol.U64(value)}), nil
}

func (s *RemoteService) Memory(
	ctx context.Context,
	req *connect.Request[protocol.MemoryRequest],
) (*connect.Response[protocol.MemoryResponse], error) {
	sess, err := s.lookup(req.Msg.ID)
	if err != nil {
		return nil, err
	}
	data, err := sess.ReadMemory(uint64(req.Msg.Start), uint64(req.Msg.Size))
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&protocol.MemoryResponse{Value: data}), nil
}

func (s *RemoteService) Version(
	ctx context.Context,
	req *connect.Request[protocol.SessionRequest],
) (*connect.Response[protocol.VersionResponse], error) {
	sess, err := s.lookup(req.Msg.ID)
	if err != nil {
		return nil, err
	}
	resp, _, err := sess.Apply(debugger.VersionCommand{})
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&protocol.VersionResponse{Core: resp.(debugger.VersionResponse).Info.Core}), nil
}

// lookup 获取会话并刷新空闲计时器
func (s *RemoteService) lookup(id string) (*session.Session, error) {
	sess, err := s.manager.Lookup(id)
	if err != nil {
		return nil, toConnectError(err)
	}
	s.touch(id)
	return sess, nil
}

func (s *RemoteService) apply(id string, cmd debugger.Command) error {
	sess, err := s.lookup(id)
	if err != nil {
		return err
	}
	if _, _, err := sess.Apply(cmd); err != nil {
		return toConnectError(err)
	}
	return nil
}

func (s *RemoteService) startIdleTimer(id string) {
	if s.idleTimeout <= 0 {
		return
	}
	timer := utils.NewTimeoutManager()
	s.timersLock.Lock()
	s.timers[id] = timer
	s.timersLock.Unlock()
	timer.Start(s.ctx, s.idleTimeout, func() {
		if s.manager.Expire(id) {
			s.dropIdleTimer(id, timer)
			return
		}
		// 会话正在执行，重新计时
		if _, err := s.manager.Lookup(id); err == nil {
			s.startIdleTimer(id)
			return
		}
		s.dropIdleTimer(id, timer)
	})
}

func (s *RemoteService) touch(id string) {
	s.timersLock.Lock()
	timer := s.timers[id]
	s.timersLock.Unlock()
	if timer != nil {
		timer.Reset()
	}
}

func (s *RemoteService) stopIdleTimer(id string) {
	s.timersLock.Lock()
	timer := s.timers[id]
	delete(s.timers, id)
	s.timersLock.Unlock()
	if timer != nil {
		timer.Cancel()
	}
}

func (s *RemoteService) dropIdleTimer(id string, timer *utils.TimeoutManager) {
	s.timersLock.Lock()
	defer s.timersLock.Unlock()
	if s.timers[id] == timer {
		delete(s.timers, id)
	}
}

// toConnectError 把错误分类映射为connect的错误码，分类和错误信息放在响应头中
func toConnectError(err error) error {
	code := connect.CodeInternal
	switch e.KindOf(err) {
	case e.KindSession:
		code = connect.CodeFailedPrecondition
	case e.KindRange:
		code = connect.CodeOutOfRange
	case e.KindArgument, e.KindProtocol:
		code = connect.CodeInvalidArgument
	}
	connectErr := connect.NewError(code, err)
	var debugErr *e.DebugError
	if errors.As(err, &debugErr) {
		connectErr.Meta().Set(protocol.ErrorKindHeader, string(debugErr.Kind))
		connectErr.Meta().Set(protocol.ErrorMessageHeader, debugErr.Message)
	}
	return connectErr
}
