package session

import (
	"sync"

	"github.com/fansqz/vm-debugger/constants"
	"github.com/fansqz/vm-debugger/debugger"
	e "github.com/fansqz/vm-debugger/error"
)

// Session 一个客户端与driver之间的调试会话
// busy是一个建议锁：同一会话上的并发操作直接失败，而不是排队
type Session struct {
	ID string

	dispatcher *debugger.Dispatcher
	busy       sync.Mutex

	stateLock sync.RWMutex
	state     constants.SessionState
}

func (s *Session) State() constants.SessionState {
	defer s.stateLock.RUnlock()
	s.stateLock.RLock()
	return s.state
}

// RunState 当前的运行控制状态
func (s *Session) RunState() constants.RunState {
	return s.dispatcher.State()
}

// Apply 执行一条命令
func (s *Session) Apply(cmd debugger.Command) (debugger.Response, debugger.ControlFlow, error) {
	unlock, err := s.acquire()
	if err != nil {
		return nil, debugger.FlowContinue, err
	}
	defer unlock()
	return s.dispatcher.Apply(cmd)
}

// Load 加载交易但不执行
func (s *Session) Load(tx []byte) error {
	unlock, err := s.acquire()
	if err != nil {
		return err
	}
	defer unlock()
	return s.dispatcher.Load(tx)
}

func (s *Session) StartTx(tx []byte) (*debugger.RunResult, error) {
	unlock, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.dispatcher.StartTx(tx)
}

func (s *Session) ContinueTx() (*debugger.RunResult, error) {
	unlock, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.dispatcher.ContinueTx()
}

func (s *Session) ReadRegister(index uint64) (uint64, error) {
	unlock, err := s.acquire()
	if err != nil {
		return 0, err
	}
	defer unlock()
	return s.dispatcher.ReadRegister(index)
}

func (s *Session) ReadMemory(start uint64, length uint64) ([]byte, error) {
	unlock, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.dispatcher.ReadMemory(start, length)
}

func (s *Session) acquire() (func(), error) {
	if !s.busy.TryLock() {
		return nil, e.ErrSessionBusy
	}
	if s.State() == constants.SessionEnded {
		s.busy.Unlock()
		return nil, e.ErrSessionEnded
	}
	return s.busy.Unlock, nil
}

func (s *Session) setState(state constants.SessionState) {
	defer s.stateLock.Unlock()
	s.stateLock.Lock()
	s.state = state
}
