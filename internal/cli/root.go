// Package cli implements the realtime command: issue calls, listen for
// pushed events, serve the demo responder and chat from a terminal.
package cli

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/camaste/realtime"
)

// app is the state shared by all commands once flags are parsed.
type app struct {
	cfg    Config
	logger *zap.Logger
}

// NewRootCommand returns the realtime command tree. cfg supplies the flag
// defaults, normally from LoadConfig.
func NewRootCommand(cfg Config) *cobra.Command {
	a := &app{cfg: cfg}
	root := &cobra.Command{
		Use:           "realtime",
		Short:         "Reconnecting request/response client for realtime servers",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := NewLogger(a.cfg.LogLevel)
			if err != nil {
				return err
			}
			a.logger = logger
			if a.cfg.CACert != "" {
				return realtime.TLSAddRootCerts(a.cfg.CACert)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfg.URL, "url", cfg.URL, "websocket URL of the realtime server")
	flags.StringVar(&a.cfg.Origin, "origin", cfg.Origin, "origin sent in the websocket handshake (default derived from --url)")
	flags.DurationVar(&a.cfg.CallTimeout, "timeout", cfg.CallTimeout, "per-call timeout, 0 for none")
	flags.StringVar(&a.cfg.CACert, "ca-cert", cfg.CACert, "PEM file with extra root certificates for wss:// URLs")
	flags.StringVar(&a.cfg.MetricsAddr, "metrics-listen", cfg.MetricsAddr, "serve client metrics for listen and chat on this address")
	flags.StringVar(&a.cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug|info|warn|error")

	root.AddCommand(
		newCallCommand(a),
		newListenCommand(a),
		newServeCommand(a),
		newChatCommand(a),
	)
	return root
}

func (a *app) dialer() *realtime.WebSocketDialer {
	return &realtime.WebSocketDialer{
		URL:         a.cfg.URL,
		Origin:      a.cfg.Origin,
		DialTimeout: a.cfg.CallTimeout,
		Logger:      a.logger.Named("ws"),
	}
}

func (a *app) callOptions(opts ...realtime.CallOption) []realtime.CallOption {
	if a.cfg.CallTimeout > 0 {
		opts = append(opts, realtime.Timeout(a.cfg.CallTimeout))
	}
	return opts
}
