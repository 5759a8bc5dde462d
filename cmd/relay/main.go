package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/harbor_relay/internal/auth"
	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/dispatch"
	"github.com/austindbirch/harbor_relay/internal/health"
	"github.com/austindbirch/harbor_relay/internal/ingest"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
	"github.com/austindbirch/harbor_relay/internal/tracing"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	root := &cobra.Command{
		Use:   "relay",
		Short: "Forward host lifecycle events to an HTTP endpoint",
		Long: `relay accepts host events over HTTP or NSQ and POSTs each one as JSON to
the configured endpoint. Delivery is best effort: failures are logged and
counted, never retried.`,
		SilenceUsage: true,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay until SIGINT or SIGTERM",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(v, cfgFile)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, v)
		},
	}

	f := serveCmd.Flags()
	f.StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	f.String("url", config.DefaultURL, "endpoint receiving events")
	f.String("timeout", "2", "connect timeout in seconds")
	f.StringToString("header", nil, "extra request header, repeatable (--header X-Auth=secret)")
	f.Int("workers", config.DefaultWorkers, "maximum concurrent sends")
	f.Int("queue-size", config.DefaultQueueSize, "events buffered before new ones are dropped")
	f.Duration("shutdown-timeout", config.DefaultShutdownTimeout, "how long shutdown waits for in-flight sends")
	f.Bool("tracing", false, "export spans over OTLP and trace outbound requests")
	f.String("http-addr", ":8090", "ingress, health and metrics listen address")
	f.String("grpc-addr", "", "gRPC health listen address (empty disables)")
	f.String("log-level", "info", "debug, info, warn or error")

	bind := map[string]string{
		config.KeyURL:             "url",
		config.KeyTimeout:         "timeout",
		config.KeyWorkers:         "workers",
		config.KeyQueueSize:       "queue-size",
		config.KeyShutdownTimeout: "shutdown-timeout",
		config.KeyTracing:         "tracing",
		"http_addr":               "http-addr",
		"grpc_addr":               "grpc-addr",
		"log_level":               "log-level",
	}
	for key, flag := range bind {
		_ = v.BindPFlag(key, f.Lookup(flag))
	}
	serveCmd.PreRun = func(cmd *cobra.Command, args []string) {
		headers, _ := cmd.Flags().GetStringToString("header")
		for name, value := range headers {
			v.Set(config.HeaderPrefix+name, value)
		}
	}

	root.AddCommand(serveCmd, newVersionCmd())
	return root
}

// initConfig applies defaults, the optional config file and the environment
func initConfig(v *viper.Viper, cfgFile string) error {
	config.SetDefaults(v)
	config.SetServiceDefaults(v)
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", cfgFile, err)
		}
	}
	return nil
}

// relay is everything serve starts, assembled so tests can drive it
// without listeners or signals
type relay struct {
	dispatcher *dispatch.Dispatcher
	handler    http.Handler
	grpcHealth *grpc.Server
	logger     *logging.Logger
	svc        config.Service
}

func build(v *viper.Viper, reg *prometheus.Registry) (*relay, error) {
	svc, err := config.LoadService(v)
	if err != nil {
		return nil, fmt.Errorf("load service settings: %w", err)
	}
	logging.SetDefaultService(svc.AppName)
	logger := logging.Default()
	logger.SetLevel(logging.ParseLevel(svc.LogLevel))

	cfg, err := config.Load(v)
	if err != nil {
		return nil, fmt.Errorf("load dispatch settings: %w", err)
	}

	metrics.MustRegister(reg)
	d, err := dispatch.New(cfg, dispatch.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	ingress := http.NewServeMux()
	ingest.NewServer(d, logger).Routes(ingress)
	var api http.Handler = ingress
	if svc.Auth.PublicKeyPEM != "" {
		validator, err := auth.NewJWTValidator(svc.Auth.PublicKeyPEM, svc.Auth.Issuer, svc.Auth.Audience)
		if err != nil {
			return nil, fmt.Errorf("ingress auth: %w", err)
		}
		api = validator.HTTPMiddleware(api)
	}
	if cfg.Tracing() {
		api = tracing.Handler(api, "relay.ingest")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", health.HTTPHandler(d))
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/v1/", api)

	r := &relay{dispatcher: d, handler: mux, logger: logger, svc: svc}
	if svc.GRPCAddr != "" {
		var opts []grpc.ServerOption
		if cfg.Tracing() {
			opts = append(opts, grpc.StatsHandler(otelgrpc.NewServerHandler()))
		}
		r.grpcHealth = grpc.NewServer(opts...)
	}
	return r, nil
}

func serve(ctx context.Context, v *viper.Viper) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r, err := build(v, reg)
	if err != nil {
		return err
	}

	if v.GetBool(config.KeyTracing) {
		shutdownTracing, err := tracing.InitTracing(ctx, r.svc.AppName)
		if err != nil {
			r.logger.Plain().WithError(err).Error("Failed to initialize tracing")
		} else {
			defer shutdownTracing()
		}
	}
	return r.run(ctx)
}

// run starts the dispatcher and every event source, blocks until ctx is done
// or a source fails, then stops the sources and drains the dispatcher. A
// source that cannot start still goes through the same stop sequence.
func (r *relay) run(ctx context.Context) error {
	logger := r.logger

	// Bind listeners before accepting events
	var grpcLis net.Listener
	if r.grpcHealth != nil {
		lis, err := net.Listen("tcp", r.svc.GRPCAddr)
		if err != nil {
			return fmt.Errorf("gRPC listen: %w", err)
		}
		grpcLis = lis
	}
	httpLis, err := net.Listen("tcp", r.svc.HTTPAddr)
	if err != nil {
		if grpcLis != nil {
			_ = grpcLis.Close()
		}
		return fmt.Errorf("HTTP listen: %w", err)
	}

	r.dispatcher.Start()

	hs := health.NewGRPCServer()
	health.SetServing(hs, true)
	if r.grpcHealth != nil {
		healthpb.RegisterHealthServer(r.grpcHealth, hs)
		go func() {
			logger.Plain().WithField("addr", grpcLis.Addr().String()).Info("relay gRPC health listening")
			if err := r.grpcHealth.Serve(grpcLis); err != nil {
				logger.Plain().WithError(err).Error("gRPC serve failed")
			}
		}()
	}

	httpSrv := &http.Server{
		Handler:           r.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Plain().WithField("addr", httpLis.Addr().String()).Info("relay HTTP server starting")
		if err := httpSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var consumer *nsq.Consumer
	if r.svc.NSQEnabled() {
		n := r.svc.NSQ
		consumer, err = ingest.NewConsumer(n.Topic, n.Channel, n.NsqdTCPAddr, n.LookupHTTPAddr, n.MaxInFlight,
			ingest.NewNSQHandler(r.dispatcher, logger))
		if err != nil {
			logger.Plain().WithError(err).Error("Failed to start nsq consumer")
		} else {
			logger.Plain().WithFields(map[string]any{"topic": n.Topic, "channel": n.Channel}).Info("consuming events from nsq")
		}
	}

	if err == nil {
		select {
		case <-ctx.Done():
		case err = <-errCh:
			logger.Plain().WithError(err).Error("relay HTTP server failed")
		}
	}

	// Stop sources first so nothing is submitted to a stopping dispatcher
	health.SetServing(hs, false)
	if consumer != nil {
		consumer.Stop()
		<-consumer.StopChan
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	if r.grpcHealth != nil {
		r.grpcHealth.GracefulStop()
	}

	if derr := r.dispatcher.Shutdown(); derr != nil && err == nil {
		err = derr
	}
	logger.Plain().Info("relay stopped")
	return err
}
