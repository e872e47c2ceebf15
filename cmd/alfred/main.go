// Command alfred runs the Alfred service: a role-projected JSON document
// store served over a read-only HTTP API and a stateful WebSocket API,
// wired together the way original_source/Alfred/src/Service.cpp's
// Service::Impl::SetUp assembles its own Http::Server/Http::Client/ApiWs
// trio, translated into net/http + internal/wslistener + internal/httpapi.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/go-chi/chi/v5"

	"alfred/internal/alog"
	"alfred/internal/clock"
	"alfred/internal/config"
	"alfred/internal/document"
	"alfred/internal/httpapi"
	"alfred/internal/store"
	"alfred/internal/telemetry"
	"alfred/internal/wslistener"
	"alfred/pkg/metrics"
)

const usage = `Alfred.

Usage:
  alfred [-s PATH | --store=PATH] [-d | --daemon]
  alfred -h | --help

Options:
  -s PATH, --store=PATH  Use configuration saved in the file at the given PATH.
  -d, --daemon           Log the start as a daemon start; the process does not detach.
  -h, --help             Show this screen.
`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "alfred: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], "")
	if err != nil {
		return err
	}
	storePath, _ := opts.String("--store")
	daemon, _ := opts.Bool("--daemon")

	log := alog.New()
	defer alog.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, "alfred")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	reg := metrics.NewRegistry()

	st := store.New(log)
	st.SetMetrics(reg)
	filePath, err := mobilizeStore(st, storePath)
	if err != nil {
		return fmt.Errorf("load store: %w", err)
	}
	defer st.Demobilize()

	cfg := config.Decode(st.Get(nil, document.NewSet()))
	if daemon {
		log.Infof("alfred starting as daemon, store=%s", filePath)
	} else {
		log.Infof("alfred starting, store=%s", filePath)
	}

	httpClient := &http.Client{Timeout: cfg.RequestTimeoutSeconds}
	if cfg.CaCertificates != "" {
		pool, err := loadCertPool(resolvePath(cfg.CaCertificates))
		if err != nil {
			return fmt.Errorf("CA certificates: %w", err)
		}
		httpClient.Transport = &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool}}
	}
	httpClient = telemetry.InstrumentClient(httpClient)

	wsListener := wslistener.New(st, clock.SystemClock{}, clock.SystemClock{}, httpClient, wslistener.Config{
		MaxFrameSize:      cfg.WebSocketMaxFrameSize,
		AuthTimeout:       cfg.WebSocketAuthenticationTimeout,
		CloseLinger:       cfg.WebSocketCloseLinger,
		AuthAttemptLimit:  cfg.AuthAttemptLimit,
		AuthAttemptWindow: cfg.AuthAttemptWindow,
	}, log)
	wsListener.SetMetrics(reg)
	defer wsListener.CloseAll()

	mux := chi.NewRouter()
	mux.Use(telemetry.HTTPMiddleware("alfred"))
	mux.Handle("/ws", wsListener)
	mux.Get("/metrics", reg.Handler())
	mux.Get("/metrics/prometheus", reg.PrometheusHandler())
	mux.Mount("/", httpapi.NewRouter(func() *store.Store { return st }, reg))

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Http.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	if cfg.SslCertificate != "" && cfg.SslKey != "" {
		tlsCfg, err := loadServerTLS(resolvePath(cfg.SslCertificate), resolvePath(cfg.SslKey))
		if err != nil {
			return fmt.Errorf("TLS: %w", err)
		}
		server.TLSConfig = tlsCfg
	}

	serveErr := make(chan error, 1)
	go func() {
		var err error
		if server.TLSConfig != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serveErr <- err
	}()
	log.Infof("alfred listening on %s", server.Addr)

	select {
	case <-ctx.Done():
		log.Infof("alfred shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("http server shutdown: %v", err)
	}
	return <-serveErr
}

// mobilizeStore tries explicit, exe-adjacent, then cwd-relative store
// paths in turn, mirroring Service::Impl::LoadStore's fallback order.
func mobilizeStore(st *store.Store, explicit string) (string, error) {
	candidates := []string{}
	if explicit != "" {
		candidates = append(candidates, explicit)
	}
	if exe, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), "Alfred.json"))
	}
	candidates = append(candidates, "Alfred.json")

	var lastErr error
	for _, path := range candidates {
		ok, err := st.Mobilize(path, clock.SystemClock{}, clock.SystemClock{})
		if ok {
			return path, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no store file found")
	}
	return "", lastErr
}

func resolvePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if exe, err := os.Executable(); err == nil {
		return filepath.Join(filepath.Dir(exe), path)
	}
	return path
}

func loadCertPool(path string) (*x509.CertPool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(raw) {
		return nil, fmt.Errorf("invalid CA certificate file %q", path)
	}
	return pool, nil
}

func loadServerTLS(certPath, keyPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}, nil
}
