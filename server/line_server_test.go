package server

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/fansqz/vm-debugger/constants"
	"github.com/fansqz/vm-debugger/debugger"
	e "github.com/fansqz/vm-debugger/error"
	"github.com/fansqz/vm-debugger/protocol"
	"github.com/fansqz/vm-debugger/session"
	"github.com/fansqz/vm-debugger/vm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testTx 三条指令：movi r16 7; log r16 r16; ret r16
const testTx = `{"script":[{"op":"movi","a":16,"imm":7},{"op":"log","a":16,"b":16},{"op":"ret","a":16}]}`

func newTestManager() *session.Manager {
	return session.NewManager(vm.NewInterpreter(vm.Config{MemorySize: 256, GasLimit: 1000}))
}

// serve 在随机端口上启动服务，测试结束时关闭
func serve(t *testing.T, fn func(ctx context.Context, listener net.Listener) error) string {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		_ = fn(ctx, listener)
	}()
	return listener.Addr().String()
}

type lineConn struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func dialLine(t *testing.T, addr string) *lineConn {
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	return &lineConn{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (l *lineConn) send(line string) {
	_, err := l.conn.Write([]byte(line + "\n"))
	require.NoError(l.t, err)
}

func (l *lineConn) receive() string {
	line, err := protocol.ReadLine(l.reader)
	require.NoError(l.t, err)
	return string(line)
}

func (l *lineConn) call(line string) string {
	l.send(line)
	return l.receive()
}

func (l *lineConn) response(line string) debugger.Response {
	resp, err := protocol.DecodeResponse([]byte(l.call(line)))
	require.NoError(l.t, err)
	return resp
}

// assertClosed 服务端关闭连接，并且没有发送任何数据
func (l *lineConn) assertClosed() {
	data, err := l.reader.ReadString('\n')
	assert.Error(l.t, err)
	assert.Empty(l.t, data)
}

func TestLineSession(t *testing.T) {
	manager := newTestManager()
	addr := serve(t, NewLineServer(manager, StaticLoader([]byte(testTx))).Serve)
	c := dialLine(t, addr)

	assert.Equal(t, `{"version":{"core":"0.1.0"}}`, c.call(`{"version":null}`))
	assert.Equal(t, `{"ok":null}`, c.call(`{"breakpoint":{"contract":[],"pc":0}}`))
	assert.Equal(t, `{"breakpoint":{"contract":[],"pc":0}}`, c.call(`{"continue":null}`))

	regs := c.response(`{"read-registers":null}`).(debugger.RegistersResponse)
	assert.Len(t, regs.Values, constants.RegisterCount)
	assert.Equal(t, uint64(1), regs.Values[constants.RegOne])
	assert.Equal(t, `{"read-memory":[0,0,0,0]}`, c.call(`{"read-memory":{"start":0,"len":4}}`))

	errResp := c.response(`{"read-memory":{"start":250,"len":10}}`).(debugger.ErrorResponse)
	assert.Equal(t, e.KindRange, errResp.Kind)
	errResp = c.response(`{"breakpoint":{"contract":[],"pc":256}}`).(debugger.ErrorResponse)
	assert.Equal(t, e.KindRange, errResp.Kind)

	terminated := c.response(`{"continue":null}`).(debugger.TerminatedResponse)
	require.Len(t, terminated.Receipts, 3)
	assert.Equal(t, constants.LogReceipt, terminated.Receipts[0].Type)
	assert.Equal(t, uint64(7), terminated.Receipts[1].Val)

	c.assertClosed()
	assert.Eventually(t, func() bool { return !manager.Active() }, time.Second, 10*time.Millisecond)
}

func TestLineStepping(t *testing.T) {
	addr := serve(t, NewLineServer(newTestManager(), StaticLoader([]byte(testTx))).Serve)
	c := dialLine(t, addr)

	// 断点不影响单步
	assert.Equal(t, `{"ok":null}`, c.call(`{"breakpoint":{"contract":[],"pc":8}}`))
	assert.Equal(t, `{"ok":null}`, c.call(`{"single-stepping":true}`))
	for _, pc := range []string{"0", "4", "8"} {
		assert.Equal(t, `{"breakpoint":{"contract":[],"pc":`+pc+`}}`, c.call(`{"continue":null}`))
	}
	assert.True(t, strings.HasPrefix(c.call(`{"continue":null}`), `{"terminated":`))
	c.assertClosed()
}

func TestLineMalformedClosesConnection(t *testing.T) {
	manager := newTestManager()
	addr := serve(t, NewLineServer(manager, StaticLoader([]byte(testTx))).Serve)

	for _, line := range []string{`garbage`, `{"version":null,"continue":null}`, `{"jump":null}`} {
		c := dialLine(t, addr)
		assert.Equal(t, `{"ok":null}`, c.call(`{"single-stepping":false}`))
		c.send(line)
		c.assertClosed()
		assert.Eventually(t, func() bool { return !manager.Active() }, time.Second, 10*time.Millisecond)
	}
}

func TestLineSecondConnectionRejected(t *testing.T) {
	manager := newTestManager()
	addr := serve(t, NewLineServer(manager, StaticLoader([]byte(testTx))).Serve)

	first := dialLine(t, addr)
	assert.Equal(t, `{"ok":null}`, first.call(`{"single-stepping":false}`))

	second := dialLine(t, addr)
	resp, err := protocol.DecodeResponse([]byte(second.receive()))
	require.NoError(t, err)
	errResp := resp.(debugger.ErrorResponse)
	assert.Equal(t, e.KindSession, errResp.Kind)
	assert.Equal(t, e.ErrSessionExists.Message, errResp.Message)
	second.assertClosed()

	// 第一个连接不受影响
	assert.Equal(t, `{"version":{"core":"0.1.0"}}`, first.call(`{"version":null}`))
}

func TestLineWithoutProgram(t *testing.T) {
	addr := serve(t, NewLineServer(newTestManager(), nil).Serve)
	c := dialLine(t, addr)

	errResp := c.response(`{"continue":null}`).(debugger.ErrorResponse)
	assert.Equal(t, e.KindArgument, errResp.Kind)
	// 错误可以恢复，连接仍然可用
	assert.Equal(t, `{"ok":null}`, c.call(`{"single-stepping":true}`))
}
