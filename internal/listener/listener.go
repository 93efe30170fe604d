// Package listener accepts SOCKS5 clients and hands each connection to a
// tunnel session.
package listener

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/veksel-project/veksel/internal/logging"
	"github.com/veksel-project/veksel/internal/tunnel"
)

// Server is the local SOCKS5 endpoint.
type Server struct {
	env      *tunnel.Env
	listener net.Listener

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewServer creates a server around a prepared tunnel environment.
func NewServer(env *tunnel.Env) *Server {
	return &Server{
		env:    env,
		stopCh: make(chan struct{}),
	}
}

// Start begins listening and accepting clients.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("server already running")
	}

	listener, err := net.Listen("tcp", s.env.Config.ListenAddr())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	s.listener = listener
	s.running.Store(true)

	s.env.Log.Info("listening",
		logging.KeyLocalAddr, listener.Addr().String(),
		logging.KeyRelay, s.env.Config.RelayAddr(),
		logging.KeyTransport, s.env.Config.Relay.Transport)

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Stop closes the listener and tears down every live tunnel.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.running.Store(false)
		close(s.stopCh)

		if s.listener != nil {
			err = s.listener.Close()
		}

		s.env.Registry.ShutdownAll()
	})

	s.wg.Wait()
	return err
}

// StopWithContext stops with a timeout.
func (s *Server) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- s.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Address returns the listening address.
func (s *Server) Address() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ConnectionCount returns the number of live tunnels.
func (s *Server) ConnectionCount() int64 {
	return s.env.Registry.Count()
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// acceptLoop accepts new connections.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	maxConns := s.env.Config.Limits.MaxConnections

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				continue
			}
		}

		if maxConns > 0 && s.env.Registry.Count() >= int64(maxConns) {
			conn.Close()
			continue
		}

		t := tunnel.New(s.env, conn)
		t.Start()
	}
}
