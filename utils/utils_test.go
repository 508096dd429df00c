package utils

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fansqz/vm-debugger/constants"
	"github.com/stretchr/testify/assert"
)

func TestParseInt(t *testing.T) {
	cases := []struct {
		in   string
		want uint64
		ok   bool
	}{
		{"0", 0, true},
		{"42", 42, true},
		{"1_000", 1000, true},
		{"0x10", 16, true},
		{"0xff_ff", 0xffff, true},
		{"0x", 0, false},
		{"", 0, false},
		{"-1", 0, false},
		{"12a", 0, false},
		{"18446744073709551615", 1<<64 - 1, true},
		{"18446744073709551616", 0, false},
	}
	for _, c := range cases {
		got, ok := ParseInt(c.in)
		assert.Equal(t, c.ok, ok, c.in)
		assert.Equal(t, c.want, got, c.in)
	}
}

func TestStatusManager(t *testing.T) {
	s := NewStatusManager()
	assert.True(t, s.Is(constants.Debugger))
	assert.True(t, s.Transition(constants.Debugger, constants.Proceed))
	assert.False(t, s.Transition(constants.Debugger, constants.Proceed))
	assert.True(t, s.Is(constants.Terminate, constants.Proceed))
	s.Set(constants.Terminate)
	assert.Equal(t, constants.Terminate, s.Get())
}

func TestTimeoutManagerFires(t *testing.T) {
	var fired atomic.Bool
	tm := NewTimeoutManager()
	tm.Start(context.Background(), 20*time.Millisecond, func() { fired.Store(true) })
	assert.Eventually(t, fired.Load, time.Second, 5*time.Millisecond)
	// 计时器结束以后调用不会阻塞
	tm.Reset()
	tm.Cancel()
}

func TestTimeoutManagerCancel(t *testing.T) {
	var fired atomic.Bool
	tm := NewTimeoutManager()
	tm.Start(context.Background(), 50*time.Millisecond, func() { fired.Store(true) })
	tm.Reset()
	tm.Cancel()
	tm.Cancel()
	time.Sleep(100 * time.Millisecond)
	assert.False(t, fired.Load())
}
