package server

import (
	"github.com/fansqz/vm-debugger/vm"
)

// Loader 提供line和dap会话默认执行的交易，返回nil表示不加载
type Loader func() ([]byte, error)

// FileLoader 每次开启会话时重新读取交易文件，path为空时不加载
func FileLoader(path string) Loader {
	if path == "" {
		return nil
	}
	return func() ([]byte, error) {
		return vm.ReadTransactionFile(path)
	}
}

// StaticLoader 每个会话都加载同一个交易
func StaticLoader(tx []byte) Loader {
	return func() ([]byte, error) {
		return tx, nil
	}
}
