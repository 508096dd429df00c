package utils

import (
	"strconv"
	"strings"
)

// ParseInt 解析十进制或者0x开头的十六进制数字，允许使用_分隔数字
func ParseInt(s string) (uint64, bool) {
	base := 10
	if stripped, ok := strings.CutPrefix(s, "0x"); ok {
		s, base = stripped, 16
	}
	s = strings.ReplaceAll(s, "_", "")
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(s, base, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
