package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/camaste/realtime"
	"github.com/camaste/realtime/shell"
)

// printer writes pushed events to w one JSON object per line.
type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *printer) print(ev realtime.Event) {
	pushed, ok := ev.(realtime.Pushed)
	if !ok {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, pushed.Message.String())
}

// newHubClient returns a hub and a client publishing into it. The client
// is shut down with the hub.
func (a *app) newHubClient() (*shell.Hub, *realtime.Client, error) {
	hub := shell.New(shell.WithLogger(a.logger.Named("shell")))
	metrics, _, err := a.clientMetrics(hub)
	if err != nil {
		return nil, nil, err
	}
	client := realtime.NewClient(a.dialer(), hub,
		realtime.WithLogger(a.logger),
		realtime.WithMetrics(metrics),
	)
	if err := hub.Bind(client); err != nil {
		return nil, nil, err
	}
	for _, name := range []string{realtime.EventConnect, realtime.EventDisconnect} {
		if _, err := hub.On(name, func(ev realtime.Event) {
			a.logger.Info(ev.Name(), zap.String("url", a.cfg.URL))
		}); err != nil {
			return nil, nil, err
		}
	}
	return hub, client, nil
}

// clientMetrics serves client metrics on cfg.MetricsAddr until the hub shuts
// down. Without an address it returns nil metrics, which record nothing.
func (a *app) clientMetrics(hub *shell.Hub) (*realtime.Metrics, net.Addr, error) {
	if a.cfg.MetricsAddr == "" {
		return nil, nil, nil
	}
	ln, err := net.Listen("tcp", a.cfg.MetricsAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("metrics listener: %w", err)
	}
	reg := prometheus.NewRegistry()
	metrics := realtime.NewMetrics(reg)
	hs := &http.Server{
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := hs.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			a.logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	if err := hub.OnShutdown(func() { hs.Close() }); err != nil {
		hs.Close()
		return nil, nil, err
	}
	a.logger.Info("serving client metrics", zap.Stringer("addr", ln.Addr()))
	return metrics, ln.Addr(), nil
}

func newListenCommand(a *app) *cobra.Command {
	var (
		method  string
		rawArgs string
	)
	cmd := &cobra.Command{
		Use:   "listen <event>...",
		Short: "Print server-pushed events until interrupted",
		Long: `Connects by issuing one call, by default "echo", then prints every pushed
event with one of the given names as a JSON object per line.`,
		Example: `  realtime listen chat.msg --call chat.join --args '{"token":"lobby"}'`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !json.Valid([]byte(rawArgs)) {
				return fmt.Errorf("--args is not valid JSON: %s", rawArgs)
			}
			hub, client, err := a.newHubClient()
			if err != nil {
				return err
			}
			defer func() {
				hub.Shutdown()
				hub.Wait()
			}()

			out := &printer{w: cmd.OutOrStdout()}
			for _, name := range args {
				if _, err := hub.On(name, out.print); err != nil {
					return err
				}
			}

			_, err = client.Call(method, json.RawMessage(rawArgs), a.callOptions(
				realtime.OnError(func(err error, call *realtime.Call) {
					a.logger.Error("initial call failed", zap.String("call", call.Method), zap.Error(err))
				}),
			)...)
			if err != nil {
				return err
			}
			hub.Ready()

			<-cmd.Context().Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&method, "call", "echo", "call issued to open the connection")
	cmd.Flags().StringVar(&rawArgs, "args", "{}", "JSON args of the initial call")
	return cmd
}
