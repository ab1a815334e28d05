package cli

import (
	"bufio"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/camaste/realtime"
	"github.com/camaste/realtime/internal/chat"
)

// partTimeout bounds the chat.part call sent on exit.
const partTimeout = 2 * time.Second

func newChatCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "chat <channel>",
		Short: "Join a chat channel; stdin lines are sent, messages are printed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			channel := args[0]
			hub, client, err := a.newHubClient()
			if err != nil {
				return err
			}
			defer func() {
				hub.Shutdown()
				hub.Wait()
			}()

			out := cmd.OutOrStdout()
			_, err = hub.On(chat.EventMessage, func(ev realtime.Event) {
				pushed, ok := ev.(realtime.Pushed)
				if !ok {
					return
				}
				fmt.Fprintf(out, "[%s] %s\n",
					pushed.Message.Get("channel").String(),
					pushed.Message.Get("body.text").String())
			})
			if err != nil {
				return err
			}

			logFailure := realtime.OnError(func(err error, call *realtime.Call) {
				a.logger.Warn("call failed", zap.String("call", call.Method), zap.Error(err))
			})
			if _, err := client.Call("chat.join", chat.TokenArgs{Token: channel}, a.callOptions(logFailure)...); err != nil {
				return err
			}
			hub.Ready()

			lines := make(chan string)
			go func() {
				defer close(lines)
				sc := bufio.NewScanner(cmd.InOrStdin())
				for sc.Scan() {
					lines <- sc.Text()
				}
			}()

			for {
				select {
				case <-cmd.Context().Done():
					return part(client, channel)
				case line, ok := <-lines:
					if !ok {
						return part(client, channel)
					}
					text := strings.TrimSpace(line)
					if text == "" {
						continue
					}
					args := chat.SendArgs{Token: channel, Text: text}
					if _, err := client.Call("chat.sendmsg", args, a.callOptions(logFailure)...); err != nil {
						return err
					}
				}
			}
		},
	}
}

// part leaves channel, waiting briefly for the reply. A call still queued
// when the timeout passes is abandoned.
func part(client *realtime.Client, channel string) error {
	done := make(chan struct{})
	finish := func() { close(done) }
	_, err := client.Call("chat.part", chat.TokenArgs{Token: channel},
		realtime.Timeout(partTimeout),
		realtime.OnSuccess(func(*realtime.Message, *realtime.Call) { finish() }),
		realtime.OnError(func(error, *realtime.Call) { finish() }),
	)
	if err != nil {
		return err
	}
	select {
	case <-done:
	case <-time.After(partTimeout):
	}
	return nil
}
