package service

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/ethereum-optimism/optimism/op-service/httputil"
	"github.com/ethereum/go-ethereum/log"
)

const (
	APIHost = "0.0.0.0"
	APIPort = 8080
)

// Service owns the HTTP server of the API.
type Service struct {
	log    log.Logger
	server *httputil.HTTPServer
}

func New(logger log.Logger) *Service {
	return &Service{log: logger}
}

// Start serves handler on host:port. Port 0 picks a free port.
func (s *Service) Start(handler http.Handler, host string, port int) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	s.log.Info("starting api server", "addr", addr)
	server, err := httputil.StartHTTPServer(addr, handler)
	if err != nil {
		return fmt.Errorf("failed to start api server: %w", err)
	}
	s.server = server
	s.log.Info("api server started", "endpoint", server.Addr())
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Service) Addr() net.Addr {
	if s.server == nil {
		return nil
	}
	return s.server.Addr()
}

func (s *Service) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.log.Info("api server shutting down")
	if err := s.server.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop api server: %w", err)
	}
	s.log.Info("api server stopped")
	return nil
}
