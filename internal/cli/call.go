package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/camaste/realtime"
)

func newCallCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "call <method> [json-args]",
		Short: "Issue one call and print its reply",
		Example: `  realtime call echo '{"hello":"world"}'
  realtime call chat.join '{"token":"lobby"}'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var callArgs any
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return fmt.Errorf("args are not valid JSON: %s", args[1])
				}
				callArgs = json.RawMessage(args[1])
			}

			client := realtime.NewClient(a.dialer(), nil, realtime.WithLogger(a.logger))
			defer client.Shutdown()

			type result struct {
				msg *realtime.Message
				err error
			}
			done := make(chan result, 1)
			_, err := client.Call(args[0], callArgs, a.callOptions(
				realtime.OnSuccess(func(msg *realtime.Message, _ *realtime.Call) {
					done <- result{msg: msg}
				}),
				realtime.OnError(func(err error, _ *realtime.Call) {
					done <- result{err: err}
				}),
			)...)
			if err != nil {
				return err
			}

			select {
			case <-cmd.Context().Done():
				return cmd.Context().Err()
			case r := <-done:
				if r.err != nil {
					var rerr *realtime.ReplyError
					if errors.As(r.err, &rerr) {
						fmt.Fprintln(cmd.OutOrStdout(), rerr.Message.String())
					}
					return r.err
				}
				fmt.Fprintln(cmd.OutOrStdout(), r.msg.String())
				return nil
			}
		},
	}
}
