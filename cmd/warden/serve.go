package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	nethttp "net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	wardenhttp "github.com/fyrsmithlabs/warden/internal/http"
)

const (
	shutdownTimeout = 10 * time.Second
	httpMeterName   = "github.com/fyrsmithlabs/warden/internal/http"
)

func newServeCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the admission API",
		Long: `Run the HTTP admission API for agents that are launched outside warden.

The policy file, when configured, is hot-reloaded on change. Blocked admissions
and critical events are published to NATS when notify.url is set.

Examples:
  warden serve
  WARDEN_SERVER_PORT=8080 warden serve --root ~/src/project`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func runServe(ctx context.Context, opts *globalOptions) error {
	a, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	w, err := a.watchPolicy(ctx)
	if err != nil {
		return err
	}
	if w != nil {
		defer w.Stop()
	}

	srv, err := wardenhttp.NewServer(a.gate, a.issuer, a.zl, a.cfg.Server, a.serverOptions()...)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if !errors.Is(err, nethttp.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// serverOptions wires the event tail and request metrics.
func (a *app) serverOptions() []wardenhttp.Option {
	opts := []wardenhttp.Option{wardenhttp.WithEvents(a.events)}
	if a.tel.IsEnabled() {
		opts = append(opts, wardenhttp.WithMetrics(wardenhttp.NewHTTPMetrics(a.tel.Meter(httpMeterName), a.zl)))
	}
	return opts
}

// admissionServer is an in-process admission API bound to an ephemeral port so a
// spawned agent can reach the cycle's gate.
type admissionServer struct {
	srv    *wardenhttp.Server
	url    string
	errCh  chan error
	logger *zap.Logger
}

func startAdmissionServer(g wardenhttp.Gate, tokens wardenhttp.Tokens, logger *zap.Logger, host string, opts ...wardenhttp.Option) (*admissionServer, error) {
	if host == "" {
		host = "127.0.0.1"
	}
	srv, err := wardenhttp.NewServer(g, tokens, logger, wardenhttp.Config{Host: host}, opts...)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return nil, fmt.Errorf("listen for admission API: %w", err)
	}

	s := &admissionServer{
		srv:    srv,
		url:    "http://" + ln.Addr().String() + "/v1/admission",
		errCh:  make(chan error, 1),
		logger: logger,
	}
	go func() { s.errCh <- srv.Serve(ln) }()
	return s, nil
}

// Stop shuts the server down and reports any serve error other than a clean close.
func (s *admissionServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Warn("admission API shutdown", zap.Error(err))
	}
	if err := <-s.errCh; err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
		s.logger.Warn("admission API stopped", zap.Error(err))
	}
}
