package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/HengYangDS/sage-kb-sub007/server"
)

type cmdServeHTTP struct {
	baseConfig

	Addr string `long:"addr" env:"SAGE_KB_HTTP_ADDR" description:"Listen address; overrides server.httpAddr from the config file"`
}

func (c *cmdServeHTTP) Execute(_ []string) error {
	var ctx, stop = signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()

	var rt, err = c.buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	var addr = c.Addr
	if addr == "" {
		addr = rt.cfg.Server.HTTPAddr
	}

	err = server.NewHTTP(rt.ldr, rt.disp).Serve(ctx, addr)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return err
}

type cmdServeMCP struct {
	baseConfig

	DiagnosticsAddr string `long:"diagnostics.addr" env:"SAGE_KB_DIAGNOSTICS_ADDR" description:"Optional HTTP address serving /metrics and /healthz alongside stdio"`
}

func (c *cmdServeMCP) Execute(_ []string) error {
	var ctx, stop = signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()

	var rt, err = c.buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	var addr = c.DiagnosticsAddr
	if addr == "" {
		addr = rt.cfg.Server.DiagnosticsAddr
	}
	if addr != "" {
		go serveDiagnostics(ctx, addr)
	}

	log.WithField("version", version).Info("mcp adapter serving on stdio")
	return server.NewMCP(rt.ldr, rt.disp, version).ServeStdio()
}

// serveDiagnostics exposes metrics and liveness while the primary adapter
// owns stdio. Failures are logged, never fatal: diagnostics are optional.
func serveDiagnostics(ctx context.Context, addr string) {
	var mux = http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	var srv = &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithFields(log.Fields{"addr": addr, "error": err}).Warn("diagnostics server failed")
	}
}
