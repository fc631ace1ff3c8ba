package main

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/deepnoodle-ai/aiflow/mcpserver"
)

var metricsAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the backends and workflows as MCP tools over stdio",
	Long: `Serve the backends and workflows as MCP tools over stdio. Logs go to stderr
since stdout carries the protocol. With --metrics-addr, Prometheus metrics
for backend calls and circuit states are served over HTTP.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		if metricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(a.metricsRegistry, promhttp.HandlerOpts{}))
			srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					a.logger.Error("metrics server failed", "error", err)
				}
			}()
			defer srv.Close()
			a.logger.Info("serving metrics", "addr", metricsAddr)
		}

		s, err := mcpserver.New(mcpserver.Options{
			Dispatcher: a.dispatcher,
			Executor:   a.executor,
			Gate:       a.gate,
			Circuits:   a.circuits,
			Stats:      a.stats,
			Logger:     a.logger,
		})
		if err != nil {
			return err
		}
		return s.ServeStdio()
	},
}

func init() {
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	rootCmd.AddCommand(serveCmd)
}
