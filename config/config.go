package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fansqz/vm-debugger/constants"
)

// Config 宿主进程的配置，对应一个toml文件
type Config struct {
	Log    LogConfig    `toml:"log"`
	Line   LineConfig   `toml:"line"`
	Remote RemoteConfig `toml:"remote"`
	DAP    DAPConfig    `toml:"dap"`
	VM     VMConfig     `toml:"vm"`
}

type LogConfig struct {
	// Level logrus的日志级别
	Level string `toml:"level"`
	// File 日志文件，为空时输出到标准错误
	File string `toml:"file"`
	// Format text或json
	Format string `toml:"format"`
}

// LineConfig 地址为空表示不启动该传输
type LineConfig struct {
	Addr string `toml:"addr"`
}

type RemoteConfig struct {
	Addr string `toml:"addr"`
	// IdleTimeout 会话在该时间内没有任何请求就会被结束，0表示不超时
	IdleTimeout time.Duration `toml:"idle_timeout"`
}

type DAPConfig struct {
	Addr string `toml:"addr"`
}

type VMConfig struct {
	MemorySize int    `toml:"memory_size"`
	GasLimit   uint64 `toml:"gas_limit"`
	// TxFile line和dap会话默认加载的交易
	TxFile string `toml:"tx_file"`
}

func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Line: LineConfig{
			Addr: "127.0.0.1:8889",
		},
		Remote: RemoteConfig{
			Addr:        "127.0.0.1:8890",
			IdleTimeout: 10 * time.Minute,
		},
		VM: VMConfig{
			MemorySize: constants.DefaultMemorySize,
			GasLimit:   constants.DefaultGasLimit,
		},
	}
}

// Load 读取配置文件，文件中没有的字段保持默认值
func Load(path string) (*Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	meta, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("load config %s: unknown keys %v", path, undecoded)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	if c.VM.MemorySize <= 0 {
		return fmt.Errorf("vm.memory_size must be positive")
	}
	if c.VM.GasLimit == 0 {
		return fmt.Errorf("vm.gas_limit must be positive")
	}
	if c.Remote.IdleTimeout < 0 {
		return fmt.Errorf("remote.idle_timeout must not be negative")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}
