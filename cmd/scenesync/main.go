// Command scenesync is an interactive replica of a shared scene.
//
//	scenesync [config.toml]
//
// Settings come from the optional TOML file and SCENESYNC_* variables.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/drpcorg/scenesync"
	"github.com/drpcorg/scenesync/replication"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func serveMetrics(addr string, registry *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			_, _ = fmt.Fprintln(os.Stderr, "metrics:", err)
		}
	}()
	return server
}

func main() {
	path := ""
	if len(os.Args) > 1 {
		path = os.Args[1]
	}
	opts, err := scenesync.LoadOptions(path)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(-2)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(replication.Metrics...)
	opts.Registerer = registry
	if opts.Metrics != "" {
		server := serveMetrics(opts.Metrics, registry)
		defer server.Close()
	}

	repl := REPL{opts: opts}
	ctx := context.Background()
	if err = repl.Open(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(-1)
	}
	if opts.Room != "" {
		err = repl.CommandJoin(ctx, nil)
	}
	for err != io.EOF {
		if err != nil {
			repl.printf("%s\n", err.Error())
		}
		err = repl.REPL(ctx)
	}
	if err = repl.Close(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
	}
}
