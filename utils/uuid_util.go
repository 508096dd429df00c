package utils

import (
	"github.com/google/uuid"
)

// GetUUID 生成随机的uuid，用作会话id
func GetUUID() string {
	return uuid.NewString()
}
