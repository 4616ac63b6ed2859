package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"parley/internal/metrics"
	"parley/internal/relay"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	if err := newRoot().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRoot() *cobra.Command {
	var (
		addr    string
		dev     bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:          "relay",
		Short:        "Untrusted prekey directory and envelope queue for parley",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			newLogger := zap.NewProduction
			if dev {
				newLogger = zap.NewDevelopment
			}
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			logger.Info("starting",
				zap.String("version", version),
				zap.String("buildDate", buildDate),
				zap.String("addr", addr),
			)

			if !dev {
				gin.SetMode(gin.ReleaseMode)
			}
			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			r := relay.NewServer(relay.NewHub(), logger).Handler(metrics.NewHTTP(reg))
			r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

			srv := &http.Server{
				Addr:              addr,
				Handler:           r,
				ReadHeaderTimeout: timeout,
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdown); err != nil {
					logger.Warn("shutdown", zap.Error(err))
				}
			}()

			logger.Info("relay listening", zap.String("addr", addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("serve", zap.Error(err))
				return err
			}
			logger.Info("relay stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().BoolVar(&dev, "dev", false, "development logging and gin debug mode")
	cmd.Flags().DurationVar(&timeout, "read-header-timeout", 10*time.Second, "HTTP read header timeout")
	return cmd
}
