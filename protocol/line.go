package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"

	"github.com/fansqz/vm-debugger/constants"
	"github.com/fansqz/vm-debugger/debugger"
	e "github.com/fansqz/vm-debugger/error"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// line协议：每行一个json对象，对象只有一个key，key为变体标签，value为变体内容
// 例如 {"read-memory":{"start":0,"len":64}}

type readMemoryPayload struct {
	Start *uint64 `json:"start"`
	Len   *uint64 `json:"len"`
}

type terminatedPayload struct {
	Receipts []debugger.Receipt `json:"receipts"`
}

type errorPayload struct {
	Kind    e.Kind `json:"kind"`
	Message string `json:"message"`
}

// DecodeCommand 解析一行命令，任何格式错误都返回ProtocolError
func DecodeCommand(line []byte) (debugger.Command, error) {
	tag, payload, err := decodeEnvelope(line)
	if err != nil {
		return nil, err
	}
	switch constants.CommandType(tag) {
	case constants.VersionCommand:
		return debugger.VersionCommand{}, requireNull(tag, payload)
	case constants.ContinueCommand:
		return debugger.ContinueCommand{}, requireNull(tag, payload)
	case constants.ReadRegistersCommand:
		return debugger.ReadRegistersCommand{}, requireNull(tag, payload)
	case constants.SingleSteppingCommand:
		if !payload.IsBool() {
			return nil, e.Wrapf(e.ErrMalformedMessage, "%s expects a boolean", tag)
		}
		return debugger.SetSteppingCommand{Enable: payload.Bool()}, nil
	case constants.BreakpointCommand:
		bp, err := decodeBreakpoint(tag, payload)
		if err != nil {
			return nil, err
		}
		return debugger.SetBreakpointCommand{Breakpoint: bp}, nil
	case constants.ReadMemoryCommand:
		var p readMemoryPayload
		if err := unmarshalObject(tag, payload, &p); err != nil {
			return nil, err
		}
		if p.Start == nil || p.Len == nil {
			return nil, e.Wrapf(e.ErrMalformedMessage, "%s expects start and len", tag)
		}
		return debugger.ReadMemoryCommand{Start: *p.Start, Len: *p.Len}, nil
	default:
		return nil, e.Wrapf(e.ErrMalformedMessage, "unknown command %q", tag)
	}
}

// EncodeCommand 编码命令，不包含换行符
func EncodeCommand(cmd debugger.Command) ([]byte, error) {
	switch c := cmd.(type) {
	case debugger.VersionCommand:
		return encodeTagged(string(constants.VersionCommand), nil)
	case debugger.ContinueCommand:
		return encodeTagged(string(constants.ContinueCommand), nil)
	case debugger.ReadRegistersCommand:
		return encodeTagged(string(constants.ReadRegistersCommand), nil)
	case debugger.SetSteppingCommand:
		return encodeTagged(string(constants.SingleSteppingCommand), c.Enable)
	case debugger.SetBreakpointCommand:
		return encodeTagged(string(constants.BreakpointCommand), c.Breakpoint)
	case debugger.ReadMemoryCommand:
		return encodeTagged(string(constants.ReadMemoryCommand), readMemoryPayload{Start: &c.Start, Len: &c.Len})
	default:
		return nil, e.Wrapf(e.ErrUnsupported, "command %T", cmd)
	}
}

// DecodeResponse 解析一行响应
func DecodeResponse(line []byte) (debugger.Response, error) {
	tag, payload, err := decodeEnvelope(line)
	if err != nil {
		return nil, err
	}
	switch constants.ResponseType(tag) {
	case constants.OkResponse:
		return debugger.OkResponse{}, requireNull(tag, payload)
	case constants.VersionResponse:
		var info debugger.VersionInfo
		if err := unmarshalObject(tag, payload, &info); err != nil {
			return nil, err
		}
		return debugger.VersionResponse{Info: info}, nil
	case constants.TerminatedResponse:
		var p terminatedPayload
		if err := unmarshalObject(tag, payload, &p); err != nil {
			return nil, err
		}
		if len(p.Receipts) == 0 {
			p.Receipts = nil
		}
		return debugger.TerminatedResponse{Receipts: p.Receipts}, nil
	case constants.BreakpointResponse:
		bp, err := decodeBreakpoint(tag, payload)
		if err != nil {
			return nil, err
		}
		return debugger.BreakpointResponse{Breakpoint: bp}, nil
	case constants.ReadRegistersResponse:
		var values []uint64
		if err := unmarshalArray(tag, payload, &values); err != nil {
			return nil, err
		}
		if len(values) == 0 {
			values = nil
		}
		return debugger.RegistersResponse{Values: values}, nil
	case constants.ReadMemoryResponse:
		var values byteArray
		if err := unmarshalArray(tag, payload, &values); err != nil {
			return nil, err
		}
		if len(values) == 0 {
			values = nil
		}
		return debugger.MemoryResponse{Bytes: values}, nil
	case constants.ErrorResponse:
		var p errorPayload
		if err := unmarshalObject(tag, payload, &p); err != nil {
			return nil, err
		}
		return debugger.ErrorResponse{Kind: p.Kind, Message: p.Message}, nil
	default:
		return nil, e.Wrapf(e.ErrMalformedMessage, "unknown response %q", tag)
	}
}

// EncodeResponse 编码响应，不包含换行符
func EncodeResponse(resp debugger.Response) ([]byte, error) {
	switch r := resp.(type) {
	case debugger.OkResponse:
		return encodeTagged(string(constants.OkResponse), nil)
	case debugger.VersionResponse:
		return encodeTagged(string(constants.VersionResponse), r.Info)
	case debugger.TerminatedResponse:
		receipts := r.Receipts
		if receipts == nil {
			receipts = []debugger.Receipt{}
		}
		return encodeTagged(string(constants.TerminatedResponse), terminatedPayload{Receipts: receipts})
	case debugger.BreakpointResponse:
		return encodeTagged(string(constants.BreakpointResponse), r.Breakpoint)
	case debugger.RegistersResponse:
		values := r.Values
		if values == nil {
			values = []uint64{}
		}
		return encodeTagged(string(constants.ReadRegistersResponse), values)
	case debugger.MemoryResponse:
		return encodeTagged(string(constants.ReadMemoryResponse), byteArray(r.Bytes))
	case debugger.ErrorResponse:
		return encodeTagged(string(constants.ErrorResponse), errorPayload{Kind: r.Kind, Message: r.Message})
	default:
		return nil, e.Wrapf(e.ErrUnsupported, "response %T", resp)
	}
}

// ReadLine 读取一行，连接在行中间断开视为格式错误
func ReadLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		if err == io.EOF && len(line) > 0 {
			return nil, e.Wrapf(e.ErrMalformedMessage, "unterminated line")
		}
		return nil, err
	}
	return bytes.TrimSuffix(line[:len(line)-1], []byte{'\r'}), nil
}

// WriteLine 写入一行并刷新
func WriteLine(w *bufio.Writer, data []byte) error {
	if _, err := w.Write(data); err != nil {
		return err
	}
	if err := w.WriteByte('\n'); err != nil {
		return err
	}
	return w.Flush()
}

// byteArray 以数字数组而不是base64编码字节
type byteArray []byte

func (b byteArray) MarshalJSON() ([]byte, error) {
	values := make([]uint16, len(b))
	for i, v := range b {
		values[i] = uint16(v)
	}
	return json.Marshal(values)
}

func (b *byteArray) UnmarshalJSON(data []byte) error {
	var wide []uint16
	if err := json.Unmarshal(data, &wide); err != nil {
		return err
	}
	values := make([]byte, len(wide))
	for i, v := range wide {
		if v > 0xff {
			return e.Wrapf(e.ErrMalformedMessage, "byte %d out of range: %d", i, v)
		}
		values[i] = byte(v)
	}
	*b = values
	return nil
}

func decodeEnvelope(line []byte) (string, gjson.Result, error) {
	line = bytes.TrimSpace(line)
	if !gjson.ValidBytes(line) {
		return "", gjson.Result{}, e.Wrapf(e.ErrMalformedMessage, "invalid json")
	}
	envelope := gjson.ParseBytes(line)
	if !envelope.IsObject() {
		return "", gjson.Result{}, e.Wrapf(e.ErrMalformedMessage, "expected an object")
	}
	var tag string
	var payload gjson.Result
	count := 0
	envelope.ForEach(func(key, value gjson.Result) bool {
		tag, payload = key.String(), value
		count++
		return true
	})
	if count != 1 {
		return "", gjson.Result{}, e.Wrapf(e.ErrMalformedMessage, "expected exactly one variant, got %d", count)
	}
	return tag, payload, nil
}

func encodeTagged(tag string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return sjson.SetRawBytes([]byte("{}"), tag, raw)
}

func requireNull(tag string, payload gjson.Result) error {
	if payload.Type != gjson.Null {
		return e.Wrapf(e.ErrMalformedMessage, "%s expects null", tag)
	}
	return nil
}

func decodeBreakpoint(tag string, payload gjson.Result) (debugger.Breakpoint, error) {
	var bp debugger.Breakpoint
	if !payload.Get("pc").Exists() || !payload.Get("contract").Exists() {
		return bp, e.Wrapf(e.ErrMalformedMessage, "%s expects contract and pc", tag)
	}
	if err := unmarshalObject(tag, payload, &bp); err != nil {
		return bp, err
	}
	return bp, nil
}

func unmarshalObject(tag string, payload gjson.Result, v interface{}) error {
	if !payload.IsObject() {
		return e.Wrapf(e.ErrMalformedMessage, "%s expects an object", tag)
	}
	if err := json.Unmarshal([]byte(payload.Raw), v); err != nil {
		return e.Wrapf(e.ErrMalformedMessage, "%s: %v", tag, err)
	}
	return nil
}

func unmarshalArray(tag string, payload gjson.Result, v interface{}) error {
	if !payload.IsArray() {
		return e.Wrapf(e.ErrMalformedMessage, "%s expects an array", tag)
	}
	if err := json.Unmarshal([]byte(payload.Raw), v); err != nil {
		return e.Wrapf(e.ErrMalformedMessage, "%s: %v", tag, err)
	}
	return nil
}
