// Command mmate-demo runs an in-VM broker with interceptors on both ends, sends a batch
// of messages through it and prints what the consumer received.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	mmate "github.com/glimte/mmate-remoting"
	"github.com/glimte/mmate-remoting/health"
	"github.com/glimte/mmate-remoting/interceptors"
	"github.com/glimte/mmate-remoting/internal/config"
	"github.com/glimte/mmate-remoting/internal/observability"
	"github.com/glimte/mmate-remoting/journal"
	"github.com/glimte/mmate-remoting/remoting"
)

func newRootCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mmate-demo",
		Short: "Send messages through an intercepted in-VM broker",
		Example: "  mmate-demo --messages 5 --log-level debug\n" +
			"  MMATE_RATE_LIMIT=2 mmate-demo --block-on-send=false",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return run(ctx, cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.Address, "address", cfg.Address, "address to send to")
	flags.StringVar(&cfg.Queue, "queue", cfg.Queue, "queue bound to the address")
	flags.IntVarP(&cfg.Messages, "messages", "n", cfg.Messages, "number of messages to send")
	flags.BoolVar(&cfg.BlockOnSend, "block-on-send", cfg.BlockOnSend, "wait for the broker to acknowledge every send")
	flags.DurationVar(&cfg.ReceiveTimeout, "receive-timeout", cfg.ReceiveTimeout, "how long to wait for each message")
	flags.Float64Var(&cfg.RateLimit, "rate-limit", cfg.RateLimit, "server-side sends per second, 0 disables")
	flags.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "serve /metrics and /healthz on this address and keep running")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")

	return cmd
}

func run(ctx context.Context, cfg *config.Config, out, errOut io.Writer) error {
	level, _ := cfg.Level()
	logger := slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level}))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	metrics := observability.NewMetrics(reg)

	mutations := journal.NewInMemoryJournal()
	serverInterceptors := []remoting.Interceptor{
		interceptors.NewJournalInterceptor("received", mutations),
		interceptors.NewPropertyInterceptor("fruit", "orange", interceptors.ForPacketTypes(remoting.PacketSend)),
		interceptors.NewJournalInterceptor("rewritten", mutations),
	}
	var limiter *interceptors.RateLimitingInterceptor
	if cfg.RateLimit > 0 {
		limiter = interceptors.NewRateLimitingInterceptor(cfg.RateLimit, 1)
		serverInterceptors = append([]remoting.Interceptor{limiter}, serverInterceptors...)
	}

	client, err := mmate.NewInVMClient(
		mmate.WithLogger(logger),
		mmate.WithMetrics(metrics),
		mmate.WithServiceName(cfg.Address),
		mmate.WithServiceQueue(cfg.Queue),
		mmate.WithBlockOnSend(cfg.BlockOnSend),
		mmate.WithServerInterceptors(serverInterceptors...),
		mmate.WithClientInterceptors(interceptors.NewLoggingInterceptor(logger)),
	)
	if err != nil {
		return err
	}
	defer client.Close()

	session := client.Session()
	consumer, err := session.CreateConsumer(ctx, client.ServiceQueue())
	if err != nil {
		return err
	}
	if err := session.Start(ctx); err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		checks := health.NewRegistry(
			health.NewBrokerChecker(client.Broker()),
			health.NewQueueChecker(client.Broker().PostOffice(), client.ServiceQueue(), 1000),
			health.NewGoroutineChecker(500, 1000),
		)
		stop := serve(cfg.MetricsAddr, reg, checks, logger)
		defer stop()
	}

	producer := session.CreateProducer(cfg.Address)
	sent, unacknowledged := 0, 0
	for i := 0; i < cfg.Messages; i++ {
		msg := session.CreateMessage(false)
		msg.PutIntProperty("index", int64(i))
		msg.PutStringProperty("fruit", "apple")

		// A vetoed blocking send is never acknowledged, so bound the wait
		sendCtx, cancel := context.WithTimeout(ctx, cfg.ReceiveTimeout)
		err := producer.Send(sendCtx, msg)
		cancel()

		switch {
		case errors.Is(err, context.DeadlineExceeded):
			unacknowledged++
			logger.Warn("send not acknowledged", "index", i)
		case err != nil:
			return err
		}
		sent++
	}

	received := 0
	for {
		msg, err := consumer.Receive(cfg.ReceiveTimeout)
		if err != nil {
			return err
		}
		if msg == nil {
			break
		}
		received++
		index, _ := msg.GetIntProperty("index")
		fruit, _ := msg.GetStringProperty("fruit")
		changes, err := mutations.Mutations(ctx, msg.ID())
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "message %d: id=%s fruit=%s mutations=%d\n", index, msg.ID(), fruit, len(changes))
	}

	fmt.Fprintf(out, "sent=%d received=%d unacknowledged=%d", sent, received, unacknowledged)
	if limiter != nil {
		fmt.Fprintf(out, " rate-limited=%d", limiter.Rejected())
	}
	fmt.Fprintln(out)

	if cfg.MetricsAddr != "" {
		logger.Info("serving metrics until interrupted", "addr", cfg.MetricsAddr)
		<-ctx.Done()
	}
	return nil
}

func serve(addr string, reg *prometheus.Registry, checks *health.Registry, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("GET /healthz", health.NewHandler(checks, 5*time.Second))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("metrics server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := newRootCommand(cfg).Execute(); err != nil {
		os.Exit(1)
	}
}
