package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	e "github.com/fansqz/vm-debugger/error"
	"github.com/fansqz/vm-debugger/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type remoteHelper struct {
	t      *testing.T
	server *httptest.Server
}

func newRemoteHelper(t *testing.T, service *RemoteService) *remoteHelper {
	server := httptest.NewServer(service.Handler())
	t.Cleanup(server.Close)
	t.Cleanup(service.Close)
	return &remoteHelper{t: t, server: server}
}

// post 直接发送connect协议的json请求，返回响应体和错误分类头
func (h *remoteHelper) post(procedure string, body string) (gjson.Result, http.Header) {
	resp, err := http.Post(h.server.URL+procedure, "application/json", bytes.NewBufferString(body))
	require.NoError(h.t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)
	require.True(h.t, gjson.ValidBytes(data), string(data))
	return gjson.ParseBytes(data), resp.Header
}

func (h *remoteHelper) startSession() string {
	body, _ := h.post(protocol.StartSessionProcedure, `{}`)
	id := body.Get("id").String()
	require.NotEmpty(h.t, id)
	return id
}

func withID(id string, fields map[string]interface{}) string {
	msg := map[string]interface{}{"id": id}
	for k, v := range fields {
		msg[k] = v
	}
	data, _ := json.Marshal(msg)
	return string(data)
}

func TestRemoteScenario(t *testing.T) {
	h := newRemoteHelper(t, NewRemoteService(newTestManager(), 0))
	id := h.startSession()

	body, header := h.post(protocol.StartSessionProcedure, `{}`)
	assert.Equal(t, "failed_precondition", body.Get("code").String())
	assert.Equal(t, string(e.KindSession), header.Get(protocol.ErrorKindHeader))
	assert.Equal(t, e.ErrSessionExists.Message, header.Get(protocol.ErrorMessageHeader))

	body, _ = h.post(protocol.SetBreakpointProcedure, withID(id, map[string]interface{}{
		"breakpoint": map[string]interface{}{"contract": []int{}, "pc": "0"},
	}))
	assert.True(t, body.Get("value").Bool())

	body, _ = h.post(protocol.StartTxProcedure, withID(id, map[string]interface{}{"txJson": testTx}))
	assert.Equal(t, `{"contract":[],"pc":"0"}`, body.Get("breakpoint").Raw)

	body, _ = h.post(protocol.VersionProcedure, withID(id, nil))
	assert.Equal(t, "0.1.0", body.Get("core").String())

	body, _ = h.post(protocol.RegisterProcedure, withID(id, map[string]interface{}{"register": "1"}))
	assert.Equal(t, `"1"`, body.Get("value").Raw)

	body, header = h.post(protocol.RegisterProcedure, withID(id, map[string]interface{}{"register": "64"}))
	assert.Equal(t, "out_of_range", body.Get("code").String())
	assert.Equal(t, string(e.KindRange), header.Get(protocol.ErrorKindHeader))

	body, _ = h.post(protocol.MemoryProcedure, withID(id, map[string]interface{}{"start": "0", "size": "4"}))
	assert.Equal(t, "AAAAAA==", body.Get("value").String())

	body, _ = h.post(protocol.MemoryProcedure, withID(id, map[string]interface{}{"start": "18446744073709551615", "size": "2"}))
	assert.Equal(t, "out_of_range", body.Get("code").String())

	body, _ = h.post(protocol.ContinueTxProcedure, withID(id, nil))
	assert.Equal(t, gjson.Null, body.Get("breakpoint").Type)
	assert.Len(t, body.Get("receipts").Array(), 3)

	body, _ = h.post(protocol.EndSessionProcedure, withID(id, nil))
	assert.True(t, body.Get("value").Bool())

	body, header = h.post(protocol.ContinueTxProcedure, withID(id, nil))
	assert.Equal(t, "failed_precondition", body.Get("code").String())
	assert.Equal(t, e.ErrNoSession.Message, header.Get(protocol.ErrorMessageHeader))
}

func TestRemoteSessionMismatch(t *testing.T) {
	h := newRemoteHelper(t, NewRemoteService(newTestManager(), 0))
	h.startSession()

	body, header := h.post(protocol.SetSingleSteppingProcedure, withID("other", map[string]interface{}{"enable": true}))
	assert.Equal(t, "failed_precondition", body.Get("code").String())
	assert.Equal(t, e.ErrSessionMismatch.Message, header.Get(protocol.ErrorMessageHeader))

	body, header = h.post(protocol.EndSessionProcedure, withID("other", nil))
	assert.Equal(t, "failed_precondition", body.Get("code").String())
	assert.Equal(t, e.ErrSessionMismatch.Message, header.Get(protocol.ErrorMessageHeader))
}

func TestRemoteInvalidTransaction(t *testing.T) {
	h := newRemoteHelper(t, NewRemoteService(newTestManager(), 0))
	id := h.startSession()

	body, header := h.post(protocol.StartTxProcedure, withID(id, map[string]interface{}{"txJson": `{"script":[{"op":"nope"}]}`}))
	assert.Equal(t, "invalid_argument", body.Get("code").String())
	assert.Equal(t, string(e.KindArgument), header.Get(protocol.ErrorKindHeader))

	// u64必须是十进制字符串
	body, _ = h.post(protocol.RegisterProcedure, withID(id, map[string]interface{}{"register": 1}))
	assert.Equal(t, "invalid_argument", body.Get("code").String())
}

func TestRemoteIdleTimeout(t *testing.T) {
	manager := newTestManager()
	h := newRemoteHelper(t, NewRemoteService(manager, 50*time.Millisecond))
	h.startSession()
	assert.True(t, manager.Active())
	assert.Eventually(t, func() bool { return !manager.Active() }, 2*time.Second, 10*time.Millisecond)

	// 超时以后可以开启新的会话
	h.startSession()
}
