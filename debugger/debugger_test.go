package debugger

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/fansqz/vm-debugger/constants"
	e "github.com/fansqz/vm-debugger/error"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDriver 记录调用并按顺序返回预设的执行结果
type fakeDriver struct {
	regs       []uint64
	mem        []byte
	results    []*RunResult
	breakpoint *Breakpoint
	stepping   bool
	loaded     []byte
	resets     int
	runs       int
}

func newFakeDriver() *fakeDriver {
	regs := make([]uint64, constants.RegisterCount)
	for i := range regs {
		regs[i] = uint64(i * 10)
	}
	mem := make([]byte, 256)
	for i := range mem {
		mem[i] = byte(i)
	}
	return &fakeDriver{regs: regs, mem: mem}
}

func (f *fakeDriver) Load(tx []byte) error {
	if string(tx) == "bad" {
		return errors.New("cannot decode")
	}
	f.loaded = tx
	return nil
}

func (f *fakeDriver) RunToPause() (*RunResult, error) {
	if f.loaded == nil {
		return nil, e.ErrNoProgram
	}
	f.runs++
	r := f.results[0]
	f.results = f.results[1:]
	return r, nil
}

func (f *fakeDriver) SetBreakpoint(bp *Breakpoint) { f.breakpoint = bp }
func (f *fakeDriver) SetStepping(enable bool)      { f.stepping = enable }
func (f *fakeDriver) Registers() []uint64          { return f.regs }
func (f *fakeDriver) Memory() []byte               { return f.mem }
func (f *fakeDriver) Version() string              { return "1.2.3" }
func (f *fakeDriver) Reset()                       { f.resets++; f.loaded = nil }

func contract(b byte) ContractID {
	var id ContractID
	id[0] = b
	return id
}

func TestBreakpointMatches(t *testing.T) {
	script := ScriptBreakpoint(8)
	assert.True(t, script.IsScript())
	assert.True(t, script.Matches(ContractID{}, 8))
	assert.False(t, script.Matches(ContractID{}, 4))
	assert.False(t, script.Matches(contract(1), 8))

	inContract := ContractBreakpoint(contract(1), 8)
	assert.False(t, inContract.IsScript())
	assert.True(t, inContract.Matches(contract(1), 8))
	assert.False(t, inContract.Matches(contract(2), 8))
	assert.False(t, inContract.Matches(ContractID{}, 8))
}

func TestContractIDJSON(t *testing.T) {
	data, err := json.Marshal(ContractID{})
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))

	id := contract(0xab)
	data, err = json.Marshal(id)
	require.NoError(t, err)
	var decoded ContractID
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, id, decoded)

	assert.Error(t, json.Unmarshal([]byte("[1,2,3]"), &decoded))
	assert.Error(t, json.Unmarshal([]byte(`"abc"`), &decoded))
}

func TestParseContractID(t *testing.T) {
	id, err := ParseContractID("0xab00000000000000000000000000000000000000000000000000000000000000")
	require.NoError(t, err)
	assert.Equal(t, contract(0xab), id)
	assert.Equal(t, "0xab00000000000000000000000000000000000000000000000000000000000000", id.String())

	_, err = ParseContractID("0x12")
	assert.Error(t, err)
	_, err = ParseContractID("zz00000000000000000000000000000000000000000000000000000000000000")
	assert.Error(t, err)
}

func TestRegisterNames(t *testing.T) {
	index, ok := RegisterIndex("pc")
	assert.True(t, ok)
	assert.Equal(t, constants.RegPC, index)
	assert.Equal(t, "ggas", RegisterName(constants.RegGlobalGas))
	index, ok = RegisterIndex("r20")
	assert.True(t, ok)
	assert.Equal(t, 20, index)
	_, ok = RegisterIndex("r64")
	assert.False(t, ok)
	assert.Equal(t, "", RegisterName(constants.RegisterCount))
}

func TestDispatcherQueriesKeepState(t *testing.T) {
	driver := newFakeDriver()
	d := NewDispatcher(driver)

	commands := []Command{
		VersionCommand{},
		SetSteppingCommand{Enable: true},
		SetBreakpointCommand{Breakpoint: ScriptBreakpoint(4)},
		ReadRegistersCommand{},
		ReadMemoryCommand{Start: 2, Len: 3},
	}
	for _, cmd := range commands {
		_, flow, err := d.Apply(cmd)
		require.NoError(t, err)
		assert.Equal(t, FlowContinue, flow)
		assert.Equal(t, constants.Debugger, d.State())
	}
	assert.Equal(t, 0, driver.runs)
	assert.True(t, driver.stepping)
	assert.Equal(t, ScriptBreakpoint(4), *driver.breakpoint)

	resp, _, _ := d.Apply(VersionCommand{})
	assert.Equal(t, VersionResponse{Info: VersionInfo{Core: "1.2.3"}}, resp)

	resp, _, _ = d.Apply(ReadMemoryCommand{Start: 2, Len: 3})
	assert.Equal(t, MemoryResponse{Bytes: []byte{2, 3, 4}}, resp)

	resp, _, _ = d.Apply(ReadRegistersCommand{})
	assert.Equal(t, driver.regs, resp.(RegistersResponse).Values)
}

func TestDispatcherContinue(t *testing.T) {
	driver := newFakeDriver()
	bp := ScriptBreakpoint(0)
	driver.results = []*RunResult{
		{Breakpoint: &bp},
		{Receipts: []Receipt{{Type: constants.ScriptResultReceipt}}},
	}
	d := NewDispatcher(driver)

	result, err := d.StartTx([]byte("tx"))
	require.NoError(t, err)
	assert.Equal(t, &bp, result.Breakpoint)
	assert.Equal(t, constants.Debugger, d.State())

	resp, flow, err := d.Apply(ContinueCommand{})
	require.NoError(t, err)
	assert.Equal(t, FlowBreak, flow)
	assert.Equal(t, TerminatedResponse{Receipts: []Receipt{{Type: constants.ScriptResultReceipt}}}, resp)
	assert.Equal(t, constants.Debugger, d.State())
}

func TestDispatcherStartTxDecodeFailure(t *testing.T) {
	d := NewDispatcher(newFakeDriver())
	_, err := d.StartTx([]byte("bad"))
	assert.True(t, errors.Is(err, e.ErrInvalidArgument))
	assert.Equal(t, constants.Debugger, d.State())
}

func TestDispatcherContinueWithoutProgram(t *testing.T) {
	d := NewDispatcher(newFakeDriver())
	_, _, err := d.Apply(ContinueCommand{})
	assert.True(t, errors.Is(err, e.ErrNoProgram))
	assert.Equal(t, constants.Debugger, d.State())
}

func TestDispatcherReadRegisterRange(t *testing.T) {
	d := NewDispatcher(newFakeDriver())
	v, err := d.ReadRegister(constants.RegisterCount - 1)
	require.NoError(t, err)
	assert.Equal(t, uint64((constants.RegisterCount-1)*10), v)

	_, err = d.ReadRegister(constants.RegisterCount)
	assert.True(t, errors.Is(err, e.ErrRegisterOutOfRange))
	assert.Equal(t, e.KindRange, e.KindOf(err))
}

func TestDispatcherReadMemoryRange(t *testing.T) {
	d := NewDispatcher(newFakeDriver())

	data, err := d.ReadMemory(250, 6)
	require.NoError(t, err)
	assert.Equal(t, []byte{250, 251, 252, 253, 254, 255}, data)

	data, err = d.ReadMemory(256, 0)
	require.NoError(t, err)
	assert.Empty(t, data)

	_, err = d.ReadMemory(250, 7)
	assert.True(t, errors.Is(err, e.ErrMemoryOutOfRange))
	_, err = d.ReadMemory(1, ^uint64(0))
	assert.True(t, errors.Is(err, e.ErrMemoryOutOfRange))
	_, err = d.ReadMemory(^uint64(0), 2)
	assert.True(t, errors.Is(err, e.ErrMemoryOutOfRange))
}

func TestDispatcherBreakpointRange(t *testing.T) {
	driver := newFakeDriver()
	d := NewDispatcher(driver)
	_, _, err := d.Apply(SetBreakpointCommand{Breakpoint: ScriptBreakpoint(256)})
	assert.True(t, errors.Is(err, e.ErrBreakpointOutOfRange))
	assert.Nil(t, driver.breakpoint)
}

func TestDispatcherTerminated(t *testing.T) {
	d := NewDispatcher(newFakeDriver())
	d.Terminate()
	_, _, err := d.Apply(VersionCommand{})
	assert.True(t, errors.Is(err, e.ErrSessionEnded))
	_, err = d.ReadRegister(0)
	assert.True(t, errors.Is(err, e.ErrSessionEnded))
	assert.Equal(t, constants.Terminate, d.State())
}

func TestNewErrorResponse(t *testing.T) {
	resp := NewErrorResponse(e.Wrapf(e.ErrMemoryOutOfRange, "detail"))
	assert.Equal(t, e.KindRange, resp.Kind)
	assert.Equal(t, "memory range out of bounds: detail", resp.Message)
	assert.Equal(t, e.KindArgument, NewErrorResponse(errors.New("x")).Kind)
}
