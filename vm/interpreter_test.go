package vm

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/fansqz/vm-debugger/constants"
	"github.com/fansqz/vm-debugger/debugger"
	e "github.com/fansqz/vm-debugger/error"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var contractHex = "0x" + strings.Repeat("0c", constants.ContractIDSize)

type testHelper struct {
	t  *testing.T
	vm *Interpreter
}

func newTestHelper(t *testing.T) *testHelper {
	return &testHelper{t: t, vm: NewInterpreter(Config{MemorySize: 256, GasLimit: 1000})}
}

func (h *testHelper) load(tx Transaction) {
	data, err := json.Marshal(tx)
	require.NoError(h.t, err)
	require.NoError(h.t, h.vm.Load(data))
}

func (h *testHelper) run() *debugger.RunResult {
	result, err := h.vm.RunToPause()
	require.NoError(h.t, err)
	return result
}

func (h *testHelper) contract() debugger.ContractID {
	id, err := debugger.ParseContractID(contractHex)
	require.NoError(h.t, err)
	return id
}

func receiptTypes(receipts []debugger.Receipt) []constants.ReceiptType {
	types := make([]constants.ReceiptType, len(receipts))
	for i, r := range receipts {
		types[i] = r.Type
	}
	return types
}

// callTx 脚本调用一次合约，然后记录日志并返回
func callTx() Transaction {
	return Transaction{
		Script: []Instruction{
			{Op: OpMovi, A: 16, Imm: 7},
			{Op: OpCall, Contract: contractHex},
			{Op: OpLog, A: 16, B: 17},
			{Op: OpRet, A: 16},
		},
		Contracts: map[string][]Instruction{
			contractHex: {
				{Op: OpMovi, A: 17, Imm: 1},
				{Op: OpLog, A: 17, B: 17},
				{Op: OpRet, A: 17},
			},
		},
	}
}

func TestScriptBreakpointAtEntry(t *testing.T) {
	h := newTestHelper(t)
	bp := debugger.ScriptBreakpoint(0)
	h.vm.SetBreakpoint(&bp)
	h.load(callTx())

	result := h.run()
	require.False(t, result.Terminated())
	assert.Equal(t, bp, *result.Breakpoint)
	// 暂停在第一条指令之前
	assert.Equal(t, uint64(0), h.vm.Registers()[16])

	result = h.run()
	require.True(t, result.Terminated())
	assert.Equal(t, []constants.ReceiptType{
		constants.CallReceipt, constants.LogReceipt, constants.ReturnReceipt,
		constants.LogReceipt, constants.ReturnReceipt, constants.ScriptResultReceipt,
	}, receiptTypes(result.Receipts))
	last := result.Receipts[len(result.Receipts)-1]
	assert.Equal(t, "success", last.Reason)
	assert.Equal(t, uint64(7), last.GasUsed)
	assert.Equal(t, uint64(7), result.Receipts[4].Val)

	_, err := h.vm.RunToPause()
	assert.True(t, errors.Is(err, e.ErrNoProgram))
}

func TestContractBreakpoint(t *testing.T) {
	h := newTestHelper(t)
	bp := debugger.ContractBreakpoint(h.contract(), 4)
	h.vm.SetBreakpoint(&bp)
	h.load(callTx())

	result := h.run()
	require.False(t, result.Terminated())
	assert.Equal(t, bp, *result.Breakpoint)
	assert.Equal(t, uint64(1), h.vm.Registers()[17])
	assert.Equal(t, uint64(4), h.vm.Registers()[constants.RegPC])

	assert.True(t, h.run().Terminated())
}

func TestScriptBreakpointIgnoresContractContext(t *testing.T) {
	h := newTestHelper(t)
	// 合约中pc为8的ret不会命中脚本断点
	bp := debugger.ScriptBreakpoint(8)
	h.vm.SetBreakpoint(&bp)
	h.load(callTx())

	result := h.run()
	require.False(t, result.Terminated())
	assert.True(t, result.Breakpoint.IsScript())
	assert.Equal(t, uint64(8), result.Breakpoint.PC)
	// 合约已经执行完毕
	assert.Equal(t, uint64(1), h.vm.Registers()[constants.RegReturn])
}

func TestSteppingPausesEveryInstruction(t *testing.T) {
	h := newTestHelper(t)
	bp := debugger.ScriptBreakpoint(12)
	h.vm.SetBreakpoint(&bp)
	h.vm.SetStepping(true)
	h.load(callTx())

	expected := []debugger.Breakpoint{
		debugger.ScriptBreakpoint(0),
		debugger.ScriptBreakpoint(4),
		debugger.ContractBreakpoint(h.contract(), 0),
		debugger.ContractBreakpoint(h.contract(), 4),
		debugger.ContractBreakpoint(h.contract(), 8),
		debugger.ScriptBreakpoint(8),
		debugger.ScriptBreakpoint(12),
	}
	for _, want := range expected {
		result := h.run()
		require.False(t, result.Terminated())
		assert.Equal(t, want, *result.Breakpoint)
	}
	assert.True(t, h.run().Terminated())
}

func TestLoop(t *testing.T) {
	h := newTestHelper(t)
	h.load(Transaction{Script: []Instruction{
		{Op: OpMovi, A: 16, Imm: 3},
		{Op: OpMovi, A: 17, Imm: 1},
		{Op: OpSub, A: 16, B: 16, C: 17},
		{Op: OpJnz, A: 16, Imm: 8},
		{Op: OpRet, A: 16},
	}})
	result := h.run()
	require.True(t, result.Terminated())
	last := result.Receipts[len(result.Receipts)-1]
	assert.Equal(t, uint64(9), last.GasUsed)
}

func TestMemoryAccess(t *testing.T) {
	h := newTestHelper(t)
	h.load(Transaction{Script: []Instruction{
		{Op: OpMovi, A: 16, Imm: 0x0102030405060708},
		{Op: OpMovi, A: 17, Imm: 16},
		{Op: OpSw, A: 17, B: 16, Imm: 8},
		{Op: OpLw, A: 18, B: 17, Imm: 8},
		{Op: OpSb, A: 17, B: 16},
		{Op: OpLb, A: 19, B: 17},
	}})
	result := h.run()
	require.True(t, result.Terminated())
	mem := h.vm.Memory()
	assert.Equal(t, uint64(0x0102030405060708), binary.BigEndian.Uint64(mem[24:32]))
	assert.Equal(t, byte(0x08), mem[16])
	regs := h.vm.Registers()
	assert.Equal(t, uint64(0x0102030405060708), regs[18])
	assert.Equal(t, uint64(0x08), regs[19])
}

func TestFailuresTerminateWithPanic(t *testing.T) {
	cases := []struct {
		name   string
		tx     Transaction
		reason string
	}{
		{"reserved register", Transaction{Script: []Instruction{{Op: OpMovi, A: constants.RegPC, Imm: 1}}}, "write to reserved register"},
		{"memory", Transaction{Script: []Instruction{{Op: OpMovi, A: 16, Imm: 250}, {Op: OpSw, A: 16, B: 16}}}, "memory access out of bounds"},
		{"gas", Transaction{Script: []Instruction{{Op: OpNoop}, {Op: OpNoop}, {Op: OpNoop}}, GasLimit: 2}, "out of gas"},
		{"jump", Transaction{Script: []Instruction{{Op: OpJmp, Imm: 64}}}, "pc out of range"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := newTestHelper(t)
			h.load(c.tx)
			result := h.run()
			require.True(t, result.Terminated())
			require.Len(t, result.Receipts, 2)
			assert.Equal(t, constants.PanicReceipt, result.Receipts[0].Type)
			assert.Equal(t, c.reason, result.Receipts[0].Reason)
			assert.Equal(t, "panic", result.Receipts[1].Reason)
		})
	}
}

func TestRevert(t *testing.T) {
	h := newTestHelper(t)
	h.load(Transaction{Script: []Instruction{
		{Op: OpMovi, A: 16, Imm: 42},
		{Op: OpRevert, A: 16},
		{Op: OpRet, A: 16},
	}})
	result := h.run()
	require.True(t, result.Terminated())
	assert.Equal(t, []constants.ReceiptType{constants.RevertReceipt, constants.ScriptResultReceipt}, receiptTypes(result.Receipts))
	assert.Equal(t, uint64(42), result.Receipts[0].Val)
	assert.Equal(t, "revert", result.Receipts[1].Reason)
}

func TestCBORTransaction(t *testing.T) {
	h := newTestHelper(t)
	tx := callTx()
	data, err := EncodeTransaction(&tx)
	require.NoError(t, err)
	require.NoError(t, h.vm.Load(data))
	assert.True(t, h.run().Terminated())
}

func TestDecodeTransactionErrors(t *testing.T) {
	_, err := DecodeTransaction(nil)
	assert.Error(t, err)
	_, err = DecodeTransaction([]byte(`{"script":[]}`))
	assert.Error(t, err)
	_, err = DecodeTransaction([]byte(`{"script":[{"op":"jump"}]}`))
	assert.Error(t, err)
	_, err = DecodeTransaction([]byte(`{"script":[{"op":"jmp","imm":3}]}`))
	assert.Error(t, err)
	_, err = DecodeTransaction([]byte(`{"script":[{"op":"call","contract":"` + contractHex + `"}]}`))
	assert.Error(t, err)
	_, err = DecodeTransaction([]byte(`{"script":[{"op":"movi","a":64}]}`))
	assert.Error(t, err)
	_, err = DecodeTransaction([]byte{0xff, 0x00})
	assert.Error(t, err)
}

func TestResetClearsConfiguration(t *testing.T) {
	h := newTestHelper(t)
	bp := debugger.ScriptBreakpoint(4)
	h.vm.SetBreakpoint(&bp)
	h.vm.SetStepping(true)
	h.load(callTx())
	h.run()

	h.vm.Reset()
	_, err := h.vm.RunToPause()
	assert.True(t, errors.Is(err, e.ErrNoProgram))
	assert.Equal(t, make([]uint64, constants.RegisterCount), h.vm.Registers())

	h.load(callTx())
	assert.True(t, h.run().Terminated())
}
