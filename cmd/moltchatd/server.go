// Copyright 2026 The MoltChat Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/moltchat-foundation/moltchat/lib/dispatch"
)

// maxLineSize bounds a single inbound command line. SIGN payloads are
// the largest legitimate input; 64 KiB is generous for any of them.
const maxLineSize = 64 * 1024

// writeTimeout is how long a reply write may block before the
// connection is considered dead.
const writeTimeout = 10 * time.Second

// server accepts TCP connections and feeds their lines to the command
// dispatcher, one session per connection.
type server struct {
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
	sessions   atomic.Uint64
}

func newServer(dispatcher *dispatch.Dispatcher, logger *slog.Logger) *server {
	return &server{dispatcher: dispatcher, logger: logger}
}

// Serve listens on addr until ctx is cancelled, then waits for the
// active connections to drain.
func (s *server) Serve(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	defer listener.Close()

	// Unblock Accept when the context is cancelled.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("moltchatd listening", "addr", listener.Addr().String())

	var active sync.WaitGroup
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		active.Add(1)
		go func() {
			defer active.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	active.Wait()
	s.logger.Info("moltchatd stopped")
	return nil
}

// handleConnection runs one session: reads lines, dispatches them,
// writes the reply lines back. The session's protocol state is torn
// down when the connection closes, however it closes.
func (s *server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	sessionID := fmt.Sprintf("%s#%d", conn.RemoteAddr(), s.sessions.Add(1))
	logger := s.logger.With("session", sessionID)
	logger.Info("session opened")

	// Close the connection on shutdown so the scanner unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	defer s.dispatcher.Disconnect(context.WithoutCancel(ctx), sessionID)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)
	for scanner.Scan() {
		replies := s.dispatcher.Handle(ctx, sessionID, scanner.Text())
		if len(replies) == 0 {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := conn.Write([]byte(strings.Join(replies, "\n") + "\n")); err != nil {
			logger.Info("write failed", "error", err)
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
		logger.Info("read failed", "error", err)
	}
	logger.Info("session closed")
}
