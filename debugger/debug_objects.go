package debugger

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fansqz/vm-debugger/constants"
)

// ContractID 合约id，全零表示脚本本身
type ContractID [constants.ContractIDSize]byte

// ParseContractID 解析十六进制的合约id，可以带0x前缀
func ParseContractID(s string) (ContractID, error) {
	var id ContractID
	s = strings.TrimPrefix(s, "0x")
	if len(s) != hex.EncodedLen(constants.ContractIDSize) {
		return id, fmt.Errorf("contract id must be %d hex digits", hex.EncodedLen(constants.ContractIDSize))
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, fmt.Errorf("contract id: %w", err)
	}
	return id, nil
}

func (c ContractID) IsZero() bool {
	return c == ContractID{}
}

func (c ContractID) String() string {
	return "0x" + hex.EncodeToString(c[:])
}

// MarshalJSON 编码为数字数组，脚本编码为空数组
func (c ContractID) MarshalJSON() ([]byte, error) {
	if c.IsZero() {
		return []byte("[]"), nil
	}
	values := make([]int, len(c))
	for i, b := range c {
		values[i] = int(b)
	}
	return json.Marshal(values)
}

func (c *ContractID) UnmarshalJSON(data []byte) error {
	var values []int
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	if len(values) == 0 {
		*c = ContractID{}
		return nil
	}
	if len(values) != constants.ContractIDSize {
		return fmt.Errorf("contract id must have %d bytes, got %d", constants.ContractIDSize, len(values))
	}
	for i, v := range values {
		if v < 0 || v > 0xff {
			return fmt.Errorf("contract id byte %d out of range: %d", i, v)
		}
		c[i] = byte(v)
	}
	return nil
}

// Breakpoint 断点，由执行上下文和pc组成
type Breakpoint struct {
	// Contract 为零值时表示脚本
	Contract ContractID `json:"contract"`
	// PC 相对于当前代码起始位置的字节偏移
	PC uint64 `json:"pc"`
}

// ScriptBreakpoint 顶层脚本中的断点
func ScriptBreakpoint(pc uint64) Breakpoint {
	return Breakpoint{PC: pc}
}

// ContractBreakpoint 某个合约中的断点
func ContractBreakpoint(contract ContractID, pc uint64) Breakpoint {
	return Breakpoint{Contract: contract, PC: pc}
}

func (b Breakpoint) IsScript() bool {
	return b.Contract.IsZero()
}

// Matches 当前执行的合约和pc都与断点相同时命中
// 脚本断点只有在没有进入任何合约时命中
func (b Breakpoint) Matches(current ContractID, pc uint64) bool {
	return b.Contract == current && b.PC == pc
}

func (b Breakpoint) String() string {
	if b.IsScript() {
		return fmt.Sprintf("script+0x%x", b.PC)
	}
	return fmt.Sprintf("%s+0x%x", b.Contract, b.PC)
}

// Receipt 程序执行过程中产生的回执
type Receipt struct {
	Type     constants.ReceiptType `json:"type"`
	Contract ContractID            `json:"contract"`
	PC       uint64                `json:"pc"`
	Ra       uint64                `json:"ra,omitempty"`
	Rb       uint64                `json:"rb,omitempty"`
	Val      uint64                `json:"val,omitempty"`
	Reason   string                `json:"reason,omitempty"`
	GasUsed  uint64                `json:"gasUsed,omitempty"`
}

// RunResult 一次执行的结果
// Breakpoint为nil表示程序已经结束，此时Receipts为程序产生的回执
type RunResult struct {
	Breakpoint *Breakpoint
	Receipts   []Receipt
}

func (r *RunResult) Terminated() bool {
	return r.Breakpoint == nil
}

// VersionInfo 版本信息
type VersionInfo struct {
	Core string `json:"core"`
}
