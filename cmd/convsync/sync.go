package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/LuminPulse-AI/convsync/remote"
)

func init() {
	syncCmd.Flags().Bool("follow", false, "keep applying events until interrupted")
	syncCmd.Flags().String("metrics-addr", "", "serve prometheus metrics on this address (e.g. :9100)")
	syncCmd.Flags().String("webhook-addr", "", "receive events as signed webhooks on this address instead of the socket feed")
	syncCmd.Flags().String("webhook-secret", "", "shared secret for webhook signatures (or CONVSYNC_WEBHOOK_SECRET)")
	rootCmd.AddCommand(syncCmd)
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Refresh the conversation list and apply live events",
	Long:  "Load every conversation into the local cache and, with --follow, keep the cache in step with the event feed.",
	RunE: func(cmd *cobra.Command, args []string) error {
		follow, _ := cmd.Flags().GetBool("follow")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		webhookAddr, _ := cmd.Flags().GetString("webhook-addr")
		webhookSecret, _ := cmd.Flags().GetString("webhook-secret")
		if webhookSecret == "" {
			webhookSecret = os.Getenv("CONVSYNC_WEBHOOK_SECRET")
		}

		var (
			feed     *remote.Feed
			receiver *remote.WebhookReceiver
		)
		s, err := openSession(func(cfg *Config, logger *zap.Logger) (remote.EventSource, error) {
			if webhookAddr != "" {
				r, err := remote.NewWebhookReceiver(webhookSecret, 0, logger.Named("webhook"))
				receiver = r
				return r, err
			}
			baseURL := valueOrDefault(cfg.Remote.BaseURL, remote.DefaultBaseURL)
			feed = remote.NewFeed(baseURL, &remote.FeedConfig{
				Token:  cfg.Remote.Token,
				Logger: logger.Named("feed"),
			})
			return feed, nil
		})
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		g, gctx := errgroup.WithContext(runCtx)
		if feed != nil {
			g.Go(func() error { return feed.Run(gctx) })
		}
		g.Go(func() error { return s.engine.Run(gctx) })

		var servers []*http.Server
		if receiver != nil {
			mux := http.NewServeMux()
			mux.Handle("/webhook", receiver.HTTPHandler())
			servers = append(servers, &http.Server{Addr: webhookAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second})
		}
		if metricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}))
			servers = append(servers, &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second})
		}
		for _, srv := range servers {
			srv := srv
			g.Go(func() error {
				s.logger.Info("listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		}
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			for _, srv := range servers {
				_ = srv.Shutdown(shutdownCtx)
			}
			if receiver != nil {
				receiver.Close()
			}
			return nil
		})

		if err := s.engine.Conversations.LoadAll(runCtx); err != nil {
			cancel()
			_ = g.Wait()
			return fmt.Errorf("failed to load conversations: %w", err)
		}
		if err := printConversations(s); err != nil {
			cancel()
			_ = g.Wait()
			return err
		}

		if !follow {
			cancel()
		} else {
			fmt.Println("Following events, press Ctrl-C to stop.")
		}
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}
