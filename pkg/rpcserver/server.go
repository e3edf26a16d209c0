package rpcserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/rpc"
	"os"
	"sync"

	"github.com/powerman/rpc-codec/jsonrpc2"
	"github.com/rs/zerolog"

	"github.com/cheng-z/xenvm/pkg/dispatch"
	"github.com/cheng-z/xenvm/pkg/xenvmlog"
)

// Server serves pkg/dispatch's operations over JSON-RPC 2.0,
// simultaneously on a TCP listener and a Unix-domain socket, either
// or both may be configured, per the config's ListenPort/ListenPath.
type Server struct {
	rpc    *rpc.Server
	logger zerolog.Logger

	mu      sync.Mutex
	httpSrv *http.Server
	unixLn  net.Listener
	wg       sync.WaitGroup
}

// New registers HostService and XenvmService on a fresh net/rpc
// server under the "Host" and "Xenvm" names the JSON-RPC method
// strings use (e.g. "Host.Create", "Xenvm.CreateLV").
func New(d *dispatch.Dispatcher) (*Server, error) {
	r := rpc.NewServer()
	if err := r.RegisterName("Host", &HostService{d: d}); err != nil {
		return nil, fmt.Errorf("rpcserver: register Host: %w", err)
	}
	if err := r.RegisterName("Xenvm", &XenvmService{d: d}); err != nil {
		return nil, fmt.Errorf("rpcserver: register Xenvm: %w", err)
	}
	return &Server{rpc: r, logger: xenvmlog.WithComponent("rpcserver")}, nil
}

// ServeTCP starts the HTTP+JSON-RPC listener on port. It returns once
// the listener is bound; serving continues in the background until
// Shutdown is called.
func (s *Server) ServeTCP(port uint16) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("rpcserver: listen tcp: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/", jsonrpc2.HTTPHandler(s.rpc))
	httpSrv := &http.Server{Handler: mux}

	s.mu.Lock()
	s.httpSrv = httpSrv
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("http listener exited")
		}
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("listening (tcp)")
	return nil
}

// ServeUnix starts the Unix-domain socket listener at path, removing
// any stale socket file left behind by a prior, uncleanly terminated
// daemon before binding. One goroutine serves each accepted
// connection with its own JSON-RPC codec, so multiple xenvmctl
// invocations can be in flight at once.
func (s *Server) ServeUnix(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rpcserver: remove stale socket %s: %w", path, err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("rpcserver: listen unix: %w", err)
	}

	s.mu.Lock()
	s.unixLn = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Error().Err(err).Msg("unix accept failed")
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer conn.Close()
				s.rpc.ServeCodec(jsonrpc2.NewServerCodec(conn, s.rpc))
			}()
		}
	}()
	s.logger.Info().Str("path", path).Msg("listening (unix)")
	return nil
}

// Shutdown closes both listeners and waits for in-flight connections
// to drain.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	httpSrv := s.httpSrv
	unixLn := s.unixLn
	s.mu.Unlock()

	var firstErr error
	if httpSrv != nil {
		if err := httpSrv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if unixLn != nil {
		if err := unixLn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.wg.Wait()
	return firstErr
}
