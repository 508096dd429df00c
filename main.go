package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/fansqz/vm-debugger/config"
	"github.com/fansqz/vm-debugger/server"
	"github.com/fansqz/vm-debugger/session"
	"github.com/fansqz/vm-debugger/utils/gosync"
	"github.com/fansqz/vm-debugger/vm"
	"github.com/sirupsen/logrus"
)

// 定义版本号
const Version = "0.1.0"

func main() {
	showVersion := flag.Bool("version", false, "Show the version number")
	configFile := flag.String("config", "", "toml config file")
	lineAddr := flag.String("line", "", "line protocol listen address, overrides config")
	remoteAddr := flag.String("remote", "", "remote query listen address, overrides config")
	dapAddr := flag.String("dap", "", "dap listen address, overrides config")
	txFile := flag.String("tx", "", "transaction loaded by line and dap sessions, overrides config")
	flag.Parse()

	// 检查是否需要显示版本信息
	if *showVersion {
		fmt.Printf("Version: %s\n", Version)
		return
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	overrideString(&cfg.Line.Addr, *lineAddr)
	overrideString(&cfg.Remote.Addr, *remoteAddr)
	overrideString(&cfg.DAP.Addr, *dapAddr)
	overrideString(&cfg.VM.TxFile, *txFile)

	//启动日志
	if err = SetupLogger(cfg.Log); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer CloseLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err = run(ctx, cfg); err != nil {
		logrus.Errorf("[main] %v", err)
		CloseLogger()
		os.Exit(1)
	}
}

// run 启动配置中的所有传输，直到ctx结束
func run(ctx context.Context, cfg *config.Config) error {
	interpreter := vm.NewInterpreter(vm.Config{
		MemorySize: cfg.VM.MemorySize,
		GasLimit:   cfg.VM.GasLimit,
	})
	manager := session.NewManager(interpreter)
	loader := server.FileLoader(cfg.VM.TxFile)

	remote := server.NewRemoteService(manager, cfg.Remote.IdleTimeout)
	defer remote.Close()

	servers := []struct {
		name  string
		addr  string
		serve func(ctx context.Context, listener net.Listener) error
	}{
		{"line", cfg.Line.Addr, server.NewLineServer(manager, loader).Serve},
		{"remote", cfg.Remote.Addr, remote.Serve},
		{"dap", cfg.DAP.Addr, server.NewDAPServer(manager, loader).Serve},
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	var errLock sync.Mutex
	var firstErr error
	started := 0
	for _, s := range servers {
		if s.addr == "" {
			continue
		}
		listener, err := net.Listen("tcp", s.addr)
		if err != nil {
			cancel()
			wg.Wait()
			return fmt.Errorf("listen %s at %s: %w", s.name, s.addr, err)
		}
		started++
		wg.Add(1)
		serve, name := s.serve, s.name
		gosync.Go(ctx, func(ctx context.Context) {
			defer wg.Done()
			if err := serve(ctx, listener); err != nil {
				logrus.Errorf("[main] %s server: %v", name, err)
				errLock.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errLock.Unlock()
				cancel()
			}
		})
	}
	if started == 0 {
		return fmt.Errorf("no transport configured")
	}
	<-ctx.Done()
	wg.Wait()
	logrus.Infof("[main] shutdown")
	errLock.Lock()
	defer errLock.Unlock()
	return firstErr
}

func overrideString(target *string, value string) {
	if value != "" {
		*target = value
	}
}
