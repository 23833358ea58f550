// Package trigger accepts external capture requests over a plain TCP
// connection. Every non-empty read is one request.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	zap "go.uber.org/zap"
)

const readSize = 1024

const (
	AckCaptured = "captured"
	AckSkipped  = "skipped"
)

// Handler performs the capture for one request and reports whether an
// image was taken.
type Handler func(ctx context.Context, source string) bool

type Listener struct {
	addr    string
	handler Handler
	logger  *zap.Logger

	mu    sync.Mutex
	ln    net.Listener
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
	ready chan struct{}
}

func NewListener(addr string, handler Handler, logger *zap.Logger) *Listener {
	return &Listener{
		addr:    addr,
		handler: handler,
		logger:  logger,
		conns:   make(map[net.Conn]struct{}),
		ready:   make(chan struct{}),
	}
}

// Addr blocks until the listener is bound and returns its address.
func (l *Listener) Addr() net.Addr {
	<-l.ready
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Serve accepts connections until ctx is done, then closes every open
// connection and waits for their handlers to return.
func (l *Listener) Serve(ctx context.Context) error {
	lnConfig := net.ListenConfig{}
	ln, err := lnConfig.Listen(ctx, "tcp", l.addr)
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()
	close(l.ready)
	if err != nil {
		return fmt.Errorf("trigger listener: %w", err)
	}
	l.logger.Info("listening for triggers", zap.String("addr", ln.Addr().String()))

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			l.closeAll()
			l.wg.Wait()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		l.mu.Lock()
		l.conns[conn] = struct{}{}
		l.mu.Unlock()
		l.wg.Add(1)
		go l.handle(ctx, conn)
	}
}

func (l *Listener) closeAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for c := range l.conns {
		c.Close()
	}
}

func (l *Listener) handle(ctx context.Context, conn net.Conn) {
	defer l.wg.Done()
	defer func() {
		l.mu.Lock()
		delete(l.conns, conn)
		l.mu.Unlock()
		conn.Close()
	}()

	source := conn.RemoteAddr().String()
	logger := l.logger.With(zap.String("peer", source))
	logger.Debug("trigger client connected")

	buf := make([]byte, readSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			logger.Info("external trigger received", zap.ByteString("payload", buf[:n]))
			ack := AckSkipped
			if l.handler(ctx, source) {
				ack = AckCaptured
			}
			if _, werr := conn.Write([]byte(ack + "\n")); werr != nil {
				logger.Debug("failed to acknowledge trigger", zap.Error(werr))
				return
			}
		}
		if err != nil {
			logger.Debug("trigger client disconnected", zap.Error(err))
			return
		}
	}
}
