package debugger

import (
	"fmt"

	"github.com/emirpasic/gods/maps/hashbidimap"
	"github.com/fansqz/vm-debugger/constants"
)

var reservedRegisterNames = [constants.WritableRegisterStart]string{
	constants.RegZero:             "zero",
	constants.RegOne:              "one",
	constants.RegOverflow:         "of",
	constants.RegPC:               "pc",
	constants.RegSSP:              "ssp",
	constants.RegSP:               "sp",
	constants.RegFP:               "fp",
	constants.RegHP:               "hp",
	constants.RegError:            "err",
	constants.RegGlobalGas:        "ggas",
	constants.RegContextGas:       "cgas",
	constants.RegBalance:          "bal",
	constants.RegInstructionStart: "is",
	constants.RegReturn:           "ret",
	constants.RegReturnLength:     "retl",
	constants.RegFlag:             "flag",
}

// registerNames 寄存器名称和下标的双向映射，通用寄存器命名为r16..r63
var registerNames = newRegisterNames()

func newRegisterNames() *hashbidimap.Map {
	m := hashbidimap.New()
	for i := 0; i < constants.RegisterCount; i++ {
		if i < constants.WritableRegisterStart {
			m.Put(reservedRegisterNames[i], i)
		} else {
			m.Put(fmt.Sprintf("r%d", i), i)
		}
	}
	return m
}

// RegisterIndex 根据名称获取寄存器下标
func RegisterIndex(name string) (int, bool) {
	index, found := registerNames.Get(name)
	if !found {
		return 0, false
	}
	return index.(int), true
}

// RegisterName 根据下标获取寄存器名称，越界返回空字符串
func RegisterName(index int) string {
	name, found := registerNames.GetKey(index)
	if !found {
		return ""
	}
	return name.(string)
}
