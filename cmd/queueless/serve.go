package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"queueless/internal/httpapi"
	"queueless/internal/live"
	"queueless/internal/retention"
	"queueless/internal/sweeper"
	"queueless/internal/telemetry"

	"github.com/spf13/cobra"
)

const serviceName = "queueless"

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, live updates and background jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := ctx.ensure()
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return errors.New("JWT_SECRET is required to serve")
			}
			runCtx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			shutdownTracing := telemetry.Setup(runCtx, telemetry.Config{
				ServiceName: serviceName,
				Endpoint:    cfg.OTLPEndpoint,
				Insecure:    cfg.OTLPInsecure,
			}, logger)

			b, err := openStore(runCtx, cfg)
			if err != nil {
				return err
			}
			defer b.close()

			hub := live.New(logger.WithField("component", "live"))
			svc := newService(b, hub, logger)

			sweep := sweeper.New(svc, sweeper.Config{
				Interval: cfg.SweepInterval(),
				Timeout:  cfg.SweepTimeout(),
			}, logger)
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				sweep.Run(runCtx)
			}()

			job := retention.NewJob(svc, retention.Config{Days: cfg.HistoryRetentionDays}, logger)
			scheduler, err := retention.Start(job, cfg.HistoryRetentionSchedule)
			if err != nil {
				cancel()
				wg.Wait()
				return fmt.Errorf("history retention: %w", err)
			}

			handler := httpapi.NewHandler(svc, httpapi.NewAuthenticator(cfg.JWTSecret), httpapi.Options{
				Live:   hub.Handler("/live"),
				Health: b.store.Ping,
				Logger: logger,
			})
			server := &http.Server{
				Addr: ":" + cfg.Port,
				Handler: httpapi.Stack(handler.Routes(), httpapi.StackConfig{
					ServiceName:    serviceName,
					AllowedOrigins: cfg.CORSAllowedOrigins,
					RateLimit: httpapi.RateLimitConfig{
						IPPerMinute: cfg.RateLimitPerMinute,
						IPBurst:     cfg.RateLimitBurst,
					},
				}, logger),
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
				IdleTimeout:  60 * time.Second,
			}

			serveErr := make(chan error, 1)
			go func() {
				logger.WithField("addr", server.Addr).Info("queueless listening")
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
				close(serveErr)
			}()

			select {
			case <-runCtx.Done():
			case err = <-serveErr:
			}
			logger.Info("shutting down")
			cancel()
			wg.Wait()
			if scheduler != nil {
				<-scheduler.Stop().Done()
			}

			shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
			defer stop()
			if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
				logger.WithError(shutdownErr).Warn("http shutdown")
			}
			if traceErr := shutdownTracing(shutdownCtx); traceErr != nil {
				logger.WithError(traceErr).Warn("tracing shutdown")
			}
			return err
		},
	}
}
