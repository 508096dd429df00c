package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/fansqz/vm-debugger/client"
	"github.com/fansqz/vm-debugger/shell"
	"github.com/sirupsen/logrus"
)

func main() {
	transport := flag.String("transport", "line", "line or remote")
	addr := flag.String("addr", "127.0.0.1:8889", "debugger address")
	timeout := flag.Duration("timeout", 5*time.Second, "connect timeout")
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	driver, err := dial(ctx, *transport, *addr, *timeout)
	if err != nil {
		logrus.Fatalf("[vmdbg] connect %s fail, err = %v", *addr, err)
	}
	defer driver.Close()

	if err = driver.StartSession(ctx); err != nil {
		logrus.Fatalf("[vmdbg] start session fail, err = %v", err)
	}
	fmt.Println("connected, type help for commands")
	runErr := shell.New(driver, os.Stdout).RunTerminal(ctx, os.Stdin, os.Stdout)
	if err = driver.EndSession(context.Background()); err != nil {
		logrus.Warnf("[vmdbg] end session fail, err = %v", err)
	}
	if runErr != nil {
		logrus.Errorf("[vmdbg] %v", runErr)
		os.Exit(1)
	}
}

func dial(ctx context.Context, transport string, addr string, timeout time.Duration) (client.Driver, error) {
	switch transport {
	case "line":
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		lineClient, err := client.DialLine(ctx, addr)
		if err != nil {
			return nil, err
		}
		return lineClient, nil
	case "remote":
		if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
			addr = "http://" + addr
		}
		return client.DialRemote(addr), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", transport)
	}
}
