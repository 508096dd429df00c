package utils

import (
	"sync"

	"github.com/fansqz/vm-debugger/constants"
)

// StatusManager 记录运行控制的状态
type StatusManager struct {
	lock   sync.RWMutex
	status constants.RunState
}

func NewStatusManager() *StatusManager {
	return &StatusManager{
		status: constants.Debugger,
	}
}

func (s *StatusManager) Set(status constants.RunState) {
	defer s.lock.Unlock()
	s.lock.Lock()
	s.status = status
}

func (s *StatusManager) Get() constants.RunState {
	defer s.lock.RUnlock()
	s.lock.RLock()
	return s.status
}

func (s *StatusManager) Is(statusList ...constants.RunState) bool {
	defer s.lock.RUnlock()
	s.lock.RLock()
	for _, status := range statusList {
		if s.status == status {
			return true
		}
	}
	return false
}

// Transition 当前状态为from时切换到to，返回是否切换成功
func (s *StatusManager) Transition(from constants.RunState, to constants.RunState) bool {
	defer s.lock.Unlock()
	s.lock.Lock()
	if s.status != from {
		return false
	}
	s.status = to
	return true
}
