package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/camaste/realtime"
	"github.com/camaste/realtime/internal/chat"
)

const shutdownTimeout = 5 * time.Second

func newServeCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the echo and chat demo over websocket",
		Long: `Serves the demo responder at /realtime and Prometheus metrics at /metrics.
Chat channels fan out through Redis when --redis is set, in memory otherwise.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&a.cfg.ListenAddr, "listen", a.cfg.ListenAddr, "address to listen on")
	cmd.Flags().DurationVar(&a.cfg.Heartbeat, "heartbeat", a.cfg.Heartbeat, "heartbeat interval, 0 to disable")
	cmd.Flags().StringVar(&a.cfg.RedisAddr, "redis", a.cfg.RedisAddr, "Redis address for chat fan-out")
	cmd.Flags().Uint32Var(&a.cfg.MaxCalls, "max-calls", a.cfg.MaxCalls, "concurrent call limit, 0 for unlimited")
	return cmd
}

func (a *app) newBroker(ctx context.Context) (chat.Broker, error) {
	if a.cfg.RedisAddr == "" {
		return chat.NewMemoryBroker(), nil
	}
	return chat.NewRedisBroker(ctx, a.cfg.RedisAddr, a.logger.Named("redis"))
}

// newMux wires the responder and the metrics endpoint.
func (a *app) newMux(broker chat.Broker, reg *prometheus.Registry) *http.ServeMux {
	handlers := realtime.NewHandlers()
	chat.NewService(broker, a.logger.Named("chat")).Register(handlers)

	peers := promauto.With(reg).NewGauge(prometheus.GaugeOpts{
		Namespace: "realtime",
		Subsystem: "server",
		Name:      "peers",
		Help:      "Open websocket connections",
	})
	srv := realtime.NewServer(handlers)
	srv.HeartbeatInterval = a.cfg.Heartbeat
	srv.Logger = a.logger.Named("server")
	if a.cfg.MaxCalls > 0 {
		srv.Limits = realtime.NewLimits(a.cfg.MaxCalls)
	}
	srv.OnAccept = func(*realtime.Peer) { peers.Inc() }
	srv.OnClose = func(*realtime.Peer) { peers.Dec() }

	mux := http.NewServeMux()
	mux.Handle("/realtime", srv)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return mux
}

func (a *app) serve(ctx context.Context) error {
	broker, err := a.newBroker(ctx)
	if err != nil {
		return err
	}
	defer broker.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	hs := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           a.newMux(broker, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		a.logger.Info("listening", zap.String("addr", hs.Addr))
		errc <- hs.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := hs.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	a.logger.Info("stopped")
	return nil
}
