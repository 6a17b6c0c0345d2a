package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/core-tools/hsu-autoupdate/pkg/errors"
	"github.com/core-tools/hsu-autoupdate/pkg/logging"
)

const MetricsPath = "/metrics"

// Handler serves the registry in the Prometheus exposition format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Server exposes the metrics endpoint over HTTP.
type Server struct {
	server   *http.Server
	listener net.Listener
	logger   logging.Logger
	done     chan struct{}
}

// Listen binds addr and starts serving in the background.
func Listen(addr string, gatherer prometheus.Gatherer, logger logging.Logger) (*Server, error) {
	if logger == nil {
		logger = logging.Nop()
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.NewNetworkError("failed to listen for metrics", err).WithContext("address", addr)
	}

	mux := http.NewServeMux()
	mux.Handle(MetricsPath, Handler(gatherer))

	s := &Server{
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		listener: listener,
		logger:   logger,
		done:     make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		logger.Infof("Serving metrics, address: %s, path: %s", listener.Addr(), MetricsPath)
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Errorf("Metrics server failed, error: %v", err)
		}
	}()

	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	<-s.done
	if err != nil {
		return errors.NewNetworkError("failed to shut down metrics server", err)
	}
	s.logger.Infof("Metrics server stopped")
	return nil
}
