package server

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/fansqz/vm-debugger/constants"
	"github.com/fansqz/vm-debugger/debugger"
	e "github.com/fansqz/vm-debugger/error"
	"github.com/fansqz/vm-debugger/session"
	"github.com/fansqz/vm-debugger/utils"
	"github.com/fansqz/vm-debugger/utils/gosync"
	"github.com/fansqz/vm-debugger/vm"
	"github.com/google/go-dap"
	"github.com/sirupsen/logrus"
)

const (
	// dapThreadID vm只有一个执行线程
	dapThreadID = 1
	// registersReference 寄存器scope的variablesReference
	registersReference = 1
)

// DAPServer debug adapter protocol，一个连接对应一个会话
type DAPServer struct {
	manager *session.Manager
	loader  Loader
}

func NewDAPServer(manager *session.Manager, loader Loader) *DAPServer {
	return &DAPServer{
		manager: manager,
		loader:  loader,
	}
}

func (s *DAPServer) Serve(ctx context.Context, listener net.Listener) error {
	gosync.Go(ctx, func(ctx context.Context) {
		<-ctx.Done()
		_ = listener.Close()
	})
	logrus.Infof("[DAPServer] listening at %s", listener.Addr())
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		gosync.Go(ctx, func(ctx context.Context) {
			s.handleConnection(conn)
		})
	}
}

// handleConnection 处理一个客户端的连接，请求按顺序处理
func (s *DAPServer) handleConnection(conn net.Conn) {
	debugSession := &DebugSession{
		conn:    conn,
		rw:      bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn)),
		manager: s.manager,
		loader:  s.loader,
	}
	for !debugSession.closed {
		if err := debugSession.handleRequest(); err != nil {
			var fieldErr *dap.DecodeProtocolMessageFieldError
			if errors.As(err, &fieldErr) {
				logrus.Warnf("[DAPServer] unsupported request: %v", err)
				continue
			}
			if err != io.EOF {
				logrus.Warnf("[DAPServer] read request fail, err = %v", err)
			}
			break
		}
	}
	logrus.Infof("[DAPServer] closing connection from %s", conn.RemoteAddr())
	debugSession.endSession()
	_ = conn.Close()
}

// DebugSession 一个dap连接上的调试会话
type DebugSession struct {
	conn net.Conn
	// rw is used to read requests and write events/responses
	rw *bufio.ReadWriter

	manager *session.Manager
	loader  Loader
	session *session.Session

	// location 最近一次暂停的位置，程序结束以后为nil
	location    *debugger.Breakpoint
	stopOnEntry bool
	closed      bool
}

type launchArguments struct {
	// Program 交易文件，为空时使用宿主配置的交易
	Program     string `json:"program"`
	StopOnEntry bool   `json:"stopOnEntry"`
}

func (d *DebugSession) handleRequest() error {
	request, err := dap.ReadProtocolMessage(d.rw.Reader)
	if err != nil {
		return err
	}
	d.dispatchRequest(request)
	return nil
}

func (d *DebugSession) dispatchRequest(request dap.Message) {
	switch request := request.(type) {
	case *dap.InitializeRequest:
		d.onInitializeRequest(request)
	case *dap.LaunchRequest:
		d.onLaunchRequest(request)
	case *dap.SetInstructionBreakpointsRequest:
		d.onSetInstructionBreakpointsRequest(request)
	case *dap.ConfigurationDoneRequest:
		d.onConfigurationDoneRequest(request)
	case *dap.ContinueRequest:
		d.onContinueRequest(request)
	case *dap.NextRequest:
		d.onStepRequest(request.Seq, request.Command, &dap.NextResponse{})
	case *dap.StepInRequest:
		d.onStepRequest(request.Seq, request.Command, &dap.StepInResponse{})
	case *dap.StepOutRequest:
		d.onStepRequest(request.Seq, request.Command, &dap.StepOutResponse{})
	case *dap.ThreadsRequest:
		d.onThreadsRequest(request)
	case *dap.StackTraceRequest:
		d.onStackTraceRequest(request)
	case *dap.ScopesRequest:
		d.onScopesRequest(request)
	case *dap.VariablesRequest:
		d.onVariablesRequest(request)
	case *dap.ReadMemoryRequest:
		d.onReadMemoryRequest(request)
	case *dap.TerminateRequest:
		d.onTerminateRequest(request)
	case *dap.DisconnectRequest:
		d.onDisconnectRequest(request)
	default:
		if baseReq, ok := request.(dap.RequestMessage); ok {
			req := baseReq.GetRequest()
			d.send(newErrorResponse(req.Seq, req.Command, e.Wrapf(e.ErrUnsupported, "%s", req.Command)))
			return
		}
		logrus.Warnf("[DAPServer] unable to process %#v", request)
	}
}

// send Message响应给客户端
func (d *DebugSession) send(message dap.Message) {
	if err := dap.WriteProtocolMessage(d.rw.Writer, message); err != nil {
		logrus.Warnf("[DAPServer] write message fail, err = %v", err)
		return
	}
	_ = d.rw.Flush()
}

func (d *DebugSession) onInitializeRequest(request *dap.InitializeRequest) {
	response := &dap.InitializeResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	response.Body.SupportsConfigurationDoneRequest = true
	response.Body.SupportsInstructionBreakpoints = true
	response.Body.SupportsReadMemoryRequest = true
	response.Body.SupportsTerminateRequest = true
	// 客户端收到initialized事件以后开始发送断点等配置，以configurationDone结束
	d.send(&dap.InitializedEvent{Event: *newEvent("initialized")})
	d.send(response)
}

func (d *DebugSession) onLaunchRequest(request *dap.LaunchRequest) {
	var args launchArguments
	if len(request.Arguments) > 0 {
		if err := json.Unmarshal(request.Arguments, &args); err != nil {
			d.send(newErrorResponse(request.Seq, request.Command, e.Wrap(e.ErrInvalidArgument, err)))
			return
		}
	}
	if err := d.launch(args); err != nil {
		d.send(newErrorResponse(request.Seq, request.Command, err))
		return
	}
	d.stopOnEntry = args.StopOnEntry
	response := &dap.LaunchResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	d.send(response)
}

func (d *DebugSession) launch(args launchArguments) error {
	var tx []byte
	var err error
	if args.Program != "" {
		tx, err = vm.ReadTransactionFile(args.Program)
	} else if d.loader != nil {
		tx, err = d.loader()
	}
	if err != nil {
		return e.Wrap(e.ErrInvalidArgument, err)
	}
	if tx == nil {
		return e.ErrNoProgram
	}
	if d.session == nil {
		sess, err := d.manager.Start()
		if err != nil {
			return err
		}
		d.session = sess
	}
	logrus.Infof("[DAPServer] launch session %s", d.session.ID)
	return d.session.Load(tx)
}

// onSetInstructionBreakpointsRequest 同一时间只有一个断点，最后一个生效
func (d *DebugSession) onSetInstructionBreakpointsRequest(request *dap.SetInstructionBreakpointsRequest) {
	if err := d.requireSession(); err != nil {
		d.send(newErrorResponse(request.Seq, request.Command, err))
		return
	}
	breakpoints := request.Arguments.Breakpoints
	response := &dap.SetInstructionBreakpointsResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	response.Body.Breakpoints = make([]dap.Breakpoint, len(breakpoints))
	for i, b := range breakpoints {
		response.Body.Breakpoints[i].InstructionReference = b.InstructionReference
		response.Body.Breakpoints[i].Offset = b.Offset
		response.Body.Breakpoints[i].Message = "replaced by a later breakpoint"
	}
	if len(breakpoints) > 0 {
		last := breakpoints[len(breakpoints)-1]
		bp, err := parseInstructionReference(last.InstructionReference, last.Offset)
		if err == nil {
			_, _, err = d.session.Apply(debugger.SetBreakpointCommand{Breakpoint: bp})
		}
		result := &response.Body.Breakpoints[len(breakpoints)-1]
		if err != nil {
			result.Message = err.Error()
		} else {
			result.Id = 1
			result.Verified = true
			result.Message = ""
		}
	}
	d.send(response)
}

func (d *DebugSession) onConfigurationDoneRequest(request *dap.ConfigurationDoneRequest) {
	if err := d.requireSession(); err != nil {
		d.send(newErrorResponse(request.Seq, request.Command, err))
		return
	}
	reason := constants.BreakpointStopped
	if d.stopOnEntry {
		reason = constants.EntryStopped
	}
	resp, err := d.resume(d.stopOnEntry)
	if err != nil {
		d.send(newErrorResponse(request.Seq, request.Command, err))
		return
	}
	response := &dap.ConfigurationDoneResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	d.send(response)
	d.sendRunEvents(resp, reason)
}

func (d *DebugSession) onContinueRequest(request *dap.ContinueRequest) {
	resp, err := d.resume(false)
	if err != nil {
		d.send(newErrorResponse(request.Seq, request.Command, err))
		return
	}
	response := &dap.ContinueResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	response.Body.AllThreadsContinued = true
	d.send(response)
	d.sendRunEvents(resp, constants.BreakpointStopped)
}

// onStepRequest next、stepIn和stepOut都是执行一条指令
func (d *DebugSession) onStepRequest(seq int, command string, response dap.ResponseMessage) {
	resp, err := d.resume(true)
	if err != nil {
		d.send(newErrorResponse(seq, command, err))
		return
	}
	*response.GetResponse() = *newResponse(seq, command)
	d.send(response)
	d.sendRunEvents(resp, constants.StepStopped)
}

func (d *DebugSession) onThreadsRequest(request *dap.ThreadsRequest) {
	response := &dap.ThreadsResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	response.Body.Threads = []dap.Thread{{Id: dapThreadID, Name: "script"}}
	d.send(response)
}

func (d *DebugSession) onStackTraceRequest(request *dap.StackTraceRequest) {
	if err := d.requireSession(); err != nil {
		d.send(newErrorResponse(request.Seq, request.Command, err))
		return
	}
	response := &dap.StackTraceResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	response.Body.StackFrames = []dap.StackFrame{}
	if d.location != nil {
		response.Body.StackFrames = append(response.Body.StackFrames, dap.StackFrame{
			Id:                          1,
			Name:                        d.location.String(),
			InstructionPointerReference: fmt.Sprintf("0x%x", d.location.PC),
		})
	}
	response.Body.TotalFrames = len(response.Body.StackFrames)
	d.send(response)
}

func (d *DebugSession) onScopesRequest(request *dap.ScopesRequest) {
	response := &dap.ScopesResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	response.Body.Scopes = []dap.Scope{{
		Name:               "Registers",
		PresentationHint:   "registers",
		VariablesReference: registersReference,
		NamedVariables:     constants.RegisterCount,
	}}
	d.send(response)
}

func (d *DebugSession) onVariablesRequest(request *dap.VariablesRequest) {
	if err := d.requireSession(); err != nil {
		d.send(newErrorResponse(request.Seq, request.Command, err))
		return
	}
	if request.Arguments.VariablesReference != registersReference {
		d.send(newErrorResponse(request.Seq, request.Command,
			e.Wrapf(e.ErrInvalidArgument, "unknown variables reference %d", request.Arguments.VariablesReference)))
		return
	}
	resp, _, err := d.session.Apply(debugger.ReadRegistersCommand{})
	if err != nil {
		d.send(newErrorResponse(request.Seq, request.Command, err))
		return
	}
	values := resp.(debugger.RegistersResponse).Values
	response := &dap.VariablesResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	response.Body.Variables = make([]dap.Variable, len(values))
	for i, v := range values {
		response.Body.Variables[i] = dap.Variable{
			Name:  debugger.RegisterName(i),
			Value: fmt.Sprintf("%d", v),
			Type:  "u64",
		}
	}
	d.send(response)
}

func (d *DebugSession) onReadMemoryRequest(request *dap.ReadMemoryRequest) {
	if err := d.requireSession(); err != nil {
		d.send(newErrorResponse(request.Seq, request.Command, err))
		return
	}
	args := request.Arguments
	base, ok := utils.ParseInt(args.MemoryReference)
	start := int64(base) + int64(args.Offset)
	if !ok || start < 0 || args.Count < 0 {
		d.send(newErrorResponse(request.Seq, request.Command,
			e.Wrapf(e.ErrInvalidArgument, "memory reference %q offset %d", args.MemoryReference, args.Offset)))
		return
	}
	resp, _, err := d.session.Apply(debugger.ReadMemoryCommand{Start: uint64(start), Len: uint64(args.Count)})
	if err != nil {
		d.send(newErrorResponse(request.Seq, request.Command, err))
		return
	}
	response := &dap.ReadMemoryResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	response.Body.Address = fmt.Sprintf("0x%x", start)
	response.Body.Data = base64.StdEncoding.EncodeToString(resp.(debugger.MemoryResponse).Bytes)
	d.send(response)
}

func (d *DebugSession) onTerminateRequest(request *dap.TerminateRequest) {
	d.endSession()
	response := &dap.TerminateResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	d.send(response)
	d.send(&dap.TerminatedEvent{Event: *newEvent("terminated")})
}

func (d *DebugSession) onDisconnectRequest(request *dap.DisconnectRequest) {
	d.endSession()
	response := &dap.DisconnectResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	d.send(response)
	d.closed = true
}

// resume 执行到下一次暂停，step为true时只执行一条指令
func (d *DebugSession) resume(step bool) (debugger.Response, error) {
	if err := d.requireSession(); err != nil {
		return nil, err
	}
	if step {
		if _, _, err := d.session.Apply(debugger.SetSteppingCommand{Enable: true}); err != nil {
			return nil, err
		}
		defer func() {
			_, _, _ = d.session.Apply(debugger.SetSteppingCommand{Enable: false})
		}()
	}
	resp, _, err := d.session.Apply(debugger.ContinueCommand{})
	return resp, err
}

// sendRunEvents 暂停时发送stopped事件，程序结束时把回执作为输出并发送terminated事件
func (d *DebugSession) sendRunEvents(resp debugger.Response, reason constants.StoppedReasonType) {
	switch r := resp.(type) {
	case debugger.BreakpointResponse:
		d.location = &r.Breakpoint
		event := &dap.StoppedEvent{Event: *newEvent("stopped")}
		event.Body.Reason = string(reason)
		event.Body.ThreadId = dapThreadID
		event.Body.AllThreadsStopped = true
		if reason == constants.BreakpointStopped {
			event.Body.HitBreakpointIds = []int{1}
		}
		d.send(event)
	case debugger.TerminatedResponse:
		d.location = nil
		for _, receipt := range r.Receipts {
			data, err := json.Marshal(receipt)
			if err != nil {
				logrus.Errorf("[DAPServer] marshal receipt fail, err = %v", err)
				continue
			}
			output := &dap.OutputEvent{Event: *newEvent("output")}
			output.Body.Category = "stdout"
			output.Body.Output = string(data) + "\n"
			d.send(output)
		}
		d.send(&dap.TerminatedEvent{Event: *newEvent("terminated")})
	}
}

func (d *DebugSession) requireSession() error {
	if d.session == nil {
		return e.ErrNoSession
	}
	return nil
}

func (d *DebugSession) endSession() {
	if d.session == nil {
		return
	}
	if err := d.manager.End(d.session.ID); err != nil {
		logrus.Warnf("[DAPServer] end session %s fail, err = %v", d.session.ID, err)
	}
	d.session = nil
	d.location = nil
}

// parseInstructionReference 引用为合约id时断点在该合约中，否则引用和偏移相加得到脚本中的pc
func parseInstructionReference(reference string, offset int) (debugger.Breakpoint, error) {
	if id, err := debugger.ParseContractID(reference); err == nil {
		if offset < 0 {
			return debugger.Breakpoint{}, e.Wrapf(e.ErrInvalidArgument, "negative offset %d", offset)
		}
		return debugger.ContractBreakpoint(id, uint64(offset)), nil
	}
	var base uint64
	if reference != "" {
		var ok bool
		if base, ok = utils.ParseInt(reference); !ok {
			return debugger.Breakpoint{}, e.Wrapf(e.ErrInvalidArgument, "instruction reference %q", reference)
		}
	}
	pc := int64(base) + int64(offset)
	if pc < 0 {
		return debugger.Breakpoint{}, e.Wrapf(e.ErrInvalidArgument, "instruction reference %q offset %d", reference, offset)
	}
	return debugger.ScriptBreakpoint(uint64(pc)), nil
}

func newEvent(event string) *dap.Event {
	return &dap.Event{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  0,
			Type: "event",
		},
		Event: event,
	}
}

func newResponse(requestSeq int, command string) *dap.Response {
	return &dap.Response{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  0,
			Type: "response",
		},
		Command:    command,
		RequestSeq: requestSeq,
		Success:    true,
	}
}

// newErrorResponse message为错误分类，详细信息放在body中
func newErrorResponse(requestSeq int, command string, err error) *dap.ErrorResponse {
	kind := e.KindOf(err)
	if kind == "" {
		kind = e.KindArgument
	}
	er := &dap.ErrorResponse{}
	er.Response = *newResponse(requestSeq, command)
	er.Success = false
	er.Message = string(kind)
	er.Body.Error = &dap.ErrorMessage{}
	er.Body.Error.Format = err.Error()
	er.Body.Error.Id = 12345
	return er
}
