package vm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/fansqz/vm-debugger/constants"
	"github.com/fansqz/vm-debugger/debugger"
	"github.com/fxamacker/cbor/v2"
)

// Opcode 指令操作码
type Opcode string

const (
	OpNoop   Opcode = "noop"
	OpMovi   Opcode = "movi"
	OpMove   Opcode = "move"
	OpAdd    Opcode = "add"
	OpAddi   Opcode = "addi"
	OpSub    Opcode = "sub"
	OpMul    Opcode = "mul"
	OpSb     Opcode = "sb"
	OpLb     Opcode = "lb"
	OpSw     Opcode = "sw"
	OpLw     Opcode = "lw"
	OpLog    Opcode = "log"
	OpCall   Opcode = "call"
	OpRet    Opcode = "ret"
	OpJmp    Opcode = "jmp"
	OpJnz    Opcode = "jnz"
	OpRevert Opcode = "revert"
)

var opcodes = map[Opcode]bool{
	OpNoop: true, OpMovi: true, OpMove: true, OpAdd: true, OpAddi: true,
	OpSub: true, OpMul: true, OpSb: true, OpLb: true, OpSw: true, OpLw: true,
	OpLog: true, OpCall: true, OpRet: true, OpJmp: true, OpJnz: true, OpRevert: true,
}

// Instruction 一条指令，a/b/c为寄存器下标
type Instruction struct {
	Op       Opcode `json:"op"`
	A        uint8  `json:"a,omitempty"`
	B        uint8  `json:"b,omitempty"`
	C        uint8  `json:"c,omitempty"`
	Imm      uint64 `json:"imm,omitempty"`
	Contract string `json:"contract,omitempty"`
}

// Transaction 序列化的交易，json和cbor共用同一套字段名
type Transaction struct {
	Script    []Instruction            `json:"script"`
	Contracts map[string][]Instruction `json:"contracts,omitempty"`
	GasLimit  uint64                   `json:"gasLimit,omitempty"`
}

// Program 校验过的可执行程序
type Program struct {
	Script    []Instruction
	Contracts map[debugger.ContractID][]Instruction
	GasLimit  uint64
}

// DecodeTransaction 解析交易，以'{'开头的按json解析，否则按cbor解析
func DecodeTransaction(data []byte) (*Program, error) {
	var tx Transaction
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty transaction")
	}
	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &tx); err != nil {
			return nil, fmt.Errorf("decode json transaction: %w", err)
		}
	} else {
		if err := cbor.Unmarshal(data, &tx); err != nil {
			return nil, fmt.Errorf("decode cbor transaction: %w", err)
		}
	}
	return tx.compile()
}

// EncodeTransaction 编码为cbor
func EncodeTransaction(tx *Transaction) ([]byte, error) {
	return cbor.Marshal(tx)
}

// ReadTransactionFile 读取交易文件
func ReadTransactionFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read transaction %s: %w", path, err)
	}
	return data, nil
}

func (tx *Transaction) compile() (*Program, error) {
	if len(tx.Script) == 0 {
		return nil, fmt.Errorf("transaction has no script")
	}
	p := &Program{
		Script:    tx.Script,
		Contracts: make(map[debugger.ContractID][]Instruction, len(tx.Contracts)),
		GasLimit:  tx.GasLimit,
	}
	for hexID, code := range tx.Contracts {
		id, err := debugger.ParseContractID(hexID)
		if err != nil {
			return nil, err
		}
		if id.IsZero() {
			return nil, fmt.Errorf("contract id must not be zero")
		}
		p.Contracts[id] = code
	}
	if err := p.validate("script", p.Script); err != nil {
		return nil, err
	}
	for id, code := range p.Contracts {
		if err := p.validate(id.String(), code); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Program) validate(name string, code []Instruction) error {
	for i, ins := range code {
		if !opcodes[ins.Op] {
			return fmt.Errorf("%s[%d]: unknown opcode %q", name, i, ins.Op)
		}
		if ins.A >= constants.RegisterCount || ins.B >= constants.RegisterCount || ins.C >= constants.RegisterCount {
			return fmt.Errorf("%s[%d]: register out of range", name, i)
		}
		switch ins.Op {
		case OpJmp, OpJnz:
			if ins.Imm%constants.InstructionSize != 0 {
				return fmt.Errorf("%s[%d]: jump target %d is not aligned", name, i, ins.Imm)
			}
		case OpCall:
			id, err := debugger.ParseContractID(ins.Contract)
			if err != nil {
				return fmt.Errorf("%s[%d]: %w", name, i, err)
			}
			if _, ok := p.Contracts[id]; !ok {
				return fmt.Errorf("%s[%d]: unknown contract %s", name, i, id)
			}
		}
	}
	return nil
}
