package main

import (
	"net/http"
	"os"
	"time"

	"github.com/maxbolgarin/contem"
	"github.com/maxbolgarin/logze"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/maxbolgarin/gatekeeper"
)

func main() {
	log := logze.New(logze.C().WithConsole())

	if err := run(log); err != nil {
		log.Error(err, "gatekeeper stopped")
		os.Exit(1)
	}
}

func run(log logze.Logger) error {
	ctx := contem.New(contem.WithSignals())
	defer ctx.Shutdown()

	var cfg gatekeeper.Config
	var configPath string
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	if err := cfg.Read(configPath); err != nil {
		return err
	}

	opts := gatekeeper.Options{Logger: &log}
	if cfg.MetricsAddress != "" {
		reg := prometheus.NewRegistry()
		opts.Metrics = gatekeeper.MetricsConfig{Registry: reg}
		serveMetrics(ctx, cfg.MetricsAddress, reg, log)
	}

	g, err := gatekeeper.New(ctx, cfg, opts)
	if err != nil {
		return err
	}
	g.Start()

	<-ctx.Done()
	return nil
}

func serveMetrics(ctx contem.Context, address string, reg *prometheus.Registry, log logze.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	ctx.Add(srv.Shutdown)

	go func() {
		log.Info("metrics server is starting", "address", address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(err, "metrics server stopped")
		}
	}()
}
