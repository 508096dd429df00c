package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"

	"github.com/fansqz/vm-debugger/debugger"
	e "github.com/fansqz/vm-debugger/error"
	"github.com/fansqz/vm-debugger/protocol"
	"github.com/fansqz/vm-debugger/session"
	"github.com/fansqz/vm-debugger/utils/gosync"
	"github.com/sirupsen/logrus"
)

// LineServer line协议，一个tcp连接对应一个会话
type LineServer struct {
	manager *session.Manager
	loader  Loader
}

func NewLineServer(manager *session.Manager, loader Loader) *LineServer {
	return &LineServer{
		manager: manager,
		loader:  loader,
	}
}

// Serve 接收连接直到ctx结束或者listener关闭
func (s *LineServer) Serve(ctx context.Context, listener net.Listener) error {
	gosync.Go(ctx, func(ctx context.Context) {
		<-ctx.Done()
		_ = listener.Close()
	})
	logrus.Infof("[LineServer] listening at %s", listener.Addr())
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		gosync.Go(ctx, func(ctx context.Context) {
			s.handleConnection(conn)
		})
	}
}

// handleConnection 一个连接上的命令严格按顺序处理
// 格式错误的命令直接断开连接，程序结束以后也断开连接
func (s *LineServer) handleConnection(conn net.Conn) {
	defer conn.Close()
	logrus.Infof("[LineServer] accept connection from %s", conn.RemoteAddr())
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	sess, err := s.manager.Start()
	if err != nil {
		logrus.Warnf("[LineServer] reject %s: %v", conn.RemoteAddr(), err)
		_ = s.send(writer, debugger.NewErrorResponse(err))
		return
	}
	defer func() {
		if err := s.manager.End(sess.ID); err != nil {
			logrus.Errorf("[LineServer] end session %s fail, err = %v", sess.ID, err)
		}
	}()

	if err := s.load(sess); err != nil {
		logrus.Errorf("[LineServer] load transaction fail, err = %v", err)
		_ = s.send(writer, debugger.NewErrorResponse(err))
		return
	}

	for {
		line, err := protocol.ReadLine(reader)
		if err != nil {
			if err == io.EOF {
				logrus.Infof("[LineServer] connection %s closed", conn.RemoteAddr())
			} else {
				logrus.Warnf("[LineServer] read from %s fail, err = %v", conn.RemoteAddr(), err)
			}
			return
		}
		cmd, err := protocol.DecodeCommand(line)
		if err != nil {
			logrus.Warnf("[LineServer] malformed command from %s, err = %v", conn.RemoteAddr(), err)
			return
		}
		resp, flow, err := sess.Apply(cmd)
		if err != nil {
			resp = debugger.NewErrorResponse(err)
		}
		if err := s.send(writer, resp); err != nil {
			logrus.Warnf("[LineServer] write to %s fail, err = %v", conn.RemoteAddr(), err)
			return
		}
		if flow == debugger.FlowBreak {
			logrus.Infof("[LineServer] program terminated, closing %s", conn.RemoteAddr())
			return
		}
	}
}

func (s *LineServer) load(sess *session.Session) error {
	if s.loader == nil {
		return nil
	}
	tx, err := s.loader()
	if err != nil {
		return e.Wrap(e.ErrInvalidArgument, err)
	}
	if tx == nil {
		return nil
	}
	return sess.Load(tx)
}

func (s *LineServer) send(writer *bufio.Writer, resp debugger.Response) error {
	data, err := protocol.EncodeResponse(resp)
	if err != nil {
		return err
	}
	return protocol.WriteLine(writer, data)
}
