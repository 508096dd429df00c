package constants

const (
	// RegisterCount 寄存器数量
	RegisterCount = 64
	// WritableRegisterStart 之前的寄存器为保留寄存器，程序不能写
	WritableRegisterStart = 16
	// WordSize 字长，单位字节
	WordSize = 8
	// InstructionSize 每条指令占用的字节数，pc以字节为单位
	InstructionSize = 4
	// ContractIDSize 合约id的字节数
	ContractIDSize = 32
)

const (
	DefaultMemorySize = 1 << 20
	DefaultGasLimit   = 1_000_000
)

// 保留寄存器下标
const (
	RegZero = iota
	RegOne
	RegOverflow
	RegPC
	RegSSP
	RegSP
	RegFP
	RegHP
	RegError
	RegGlobalGas
	RegContextGas
	RegBalance
	RegInstructionStart
	RegReturn
	RegReturnLength
	RegFlag
)
