package session

import (
	"sync"

	"github.com/fansqz/vm-debugger/constants"
	"github.com/fansqz/vm-debugger/debugger"
	e "github.com/fansqz/vm-debugger/error"
	"github.com/fansqz/vm-debugger/utils"
	"github.com/sirupsen/logrus"
)

// Manager 管理vm宿主上唯一的调试会话
// driver只有一个，同一时间最多只有一个Active的会话持有它
type Manager struct {
	lock    sync.Mutex
	driver  debugger.Driver
	current *Session
}

func NewManager(driver debugger.Driver) *Manager {
	return &Manager{driver: driver}
}

// Start 开启会话，已经有Active的会话时失败
func (m *Manager) Start() (*Session, error) {
	defer m.lock.Unlock()
	m.lock.Lock()
	if m.current != nil {
		return nil, e.ErrSessionExists
	}
	s := &Session{
		ID:         utils.GetUUID(),
		dispatcher: debugger.NewDispatcher(m.driver),
		state:      constants.SessionActive,
	}
	m.current = s
	logrus.Infof("[SessionManager] Start session %s", s.ID)
	return s, nil
}

// End 结束会话，driver回到空闲状态
func (m *Manager) End(id string) error {
	defer m.lock.Unlock()
	m.lock.Lock()
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	if !s.busy.TryLock() {
		return e.ErrSessionBusy
	}
	defer s.busy.Unlock()
	m.release(s)
	return nil
}

// Expire 空闲超时时结束会话，会话正在执行命令或者已经被替换时什么也不做
func (m *Manager) Expire(id string) bool {
	defer m.lock.Unlock()
	m.lock.Lock()
	s, err := m.lookup(id)
	if err != nil {
		return false
	}
	if !s.busy.TryLock() {
		logrus.Infof("[SessionManager] session %s busy, skip expire", id)
		return false
	}
	defer s.busy.Unlock()
	logrus.Infof("[SessionManager] session %s expired", id)
	m.release(s)
	return true
}

// Lookup 根据id获取当前会话
func (m *Manager) Lookup(id string) (*Session, error) {
	defer m.lock.Unlock()
	m.lock.Lock()
	return m.lookup(id)
}

// Active 是否存在Active的会话
func (m *Manager) Active() bool {
	defer m.lock.Unlock()
	m.lock.Lock()
	return m.current != nil
}

func (m *Manager) lookup(id string) (*Session, error) {
	if m.current == nil {
		return nil, e.ErrNoSession
	}
	if m.current.ID != id {
		return nil, e.ErrSessionMismatch
	}
	return m.current, nil
}

// release 调用方需要持有manager和会话的锁
func (m *Manager) release(s *Session) {
	s.dispatcher.Terminate()
	s.setState(constants.SessionEnded)
	m.driver.Reset()
	m.current = nil
	logrus.Infof("[SessionManager] End session %s", s.ID)
}
