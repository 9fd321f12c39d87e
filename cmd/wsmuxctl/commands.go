package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/wsmux/internal/connection"
	"github.com/danmuck/wsmux/internal/observability"
	"github.com/danmuck/wsmux/internal/protocol"
	"github.com/danmuck/wsmux/internal/rpc"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func (o *options) load(cmd *cobra.Command) error {
	observability.InitLogger("wsmuxctl")
	cfg, err := loadClientConfig(o.configPath, cmd.Flags().Changed("config"))
	if err != nil {
		return err
	}
	if o.url != "" {
		cfg.Connection.URL = o.url
	}
	if o.secret != "" {
		cfg.Connection.Secret = o.secret
	}
	if o.output != "" {
		cfg.Output = o.output
	}
	if o.codec != "" {
		codec, err := protocol.CodecByName(o.codec)
		if err != nil {
			return err
		}
		cfg.Connection.Codec = codec
	}
	if o.noRetry {
		cfg.Connection.Retry = false
	}
	out, err := newFormatter(cfg.Output)
	if err != nil {
		return err
	}
	o.cfg, o.out = cfg, out
	return nil
}

func (o *options) connect(ctx context.Context) (*connection.Connection, error) {
	c, err := connection.New(ctx, o.cfg.Connection)
	if err != nil {
		return nil, err
	}
	for _, event := range []connection.Event{connection.EventReconnecting, connection.EventError} {
		if _, err := c.On(event, func(n connection.Notice) {
			log.Warn().Msgf("wsmuxctl.connection %s attempt=%d err=%v", n.State, n.Attempt, n.Err)
		}); err != nil {
			c.Destroy()
			return nil, err
		}
	}
	return c, nil
}

// parseArgs reads each argument as JSON, falling back to a plain string.
func parseArgs(raw []string) []protocol.Value {
	out := make([]protocol.Value, 0, len(raw))
	for _, arg := range raw {
		v, err := protocol.ParseJSON([]byte(arg))
		if err != nil {
			v = protocol.String(arg)
		}
		out = append(out, v)
	}
	return out
}

func callCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "call <method> [args...]",
		Short: "Invoke one method and print its result",
		Long: `Invoke one method and print its result.
Arguments are parsed as JSON values; anything that is not valid JSON is sent
as a string.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			c, err := o.connect(ctx)
			if err != nil {
				return err
			}
			defer c.Destroy()

			callCtx, cancel := context.WithTimeout(ctx, o.timeout)
			defer cancel()
			res, err := c.Call(callCtx, args[0], parseArgs(args[1:])...)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), o.out.Format(res.Interface()))
			return nil
		},
	}
}

func watchCmd(o *options) *cobra.Command {
	var (
		count int
		reply string
	)
	cmd := &cobra.Command{
		Use:   "watch <topic>",
		Short: "Subscribe to a topic and print pushes until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ack := protocol.Null()
			if strings.TrimSpace(reply) != "" {
				ack = parseArgs([]string{reply})[0]
			}
			c, err := o.connect(ctx)
			if err != nil {
				return err
			}
			defer c.Destroy()

			seen := make(chan struct{}, 1)
			received := 0
			w := cmd.OutOrStdout()
			cb := func(_ context.Context, p rpc.Push) (protocol.Value, error) {
				rec := pushRecord{Topic: p.Topic, Subscriber: p.Subscriber.Key, Args: make([]any, len(p.Args))}
				for i, arg := range p.Args {
					rec.Args[i] = arg.Interface()
				}
				fmt.Fprint(w, o.out.Format(rec))
				received++
				if count > 0 && received == count {
					seen <- struct{}{}
				}
				return ack, nil
			}

			subCtx, cancel := context.WithTimeout(ctx, o.timeout)
			id, err := c.Subscribe(subCtx, args[0], cb)
			cancel()
			if err != nil {
				return err
			}
			log.Debug().Msgf("wsmuxctl.watch subscribed topic=%s key=%s", id.Topic, id.Key)

			closed := make(chan error, 1)
			go func() { closed <- c.Wait() }()
			select {
			case <-seen:
			case <-ctx.Done():
			case err := <-closed:
				return err
			}
			unsubCtx, cancel := context.WithTimeout(context.Background(), o.timeout)
			defer cancel()
			return c.Unsubscribe(unsubCtx, id)
		},
	}
	cmd.Flags().IntVar(&count, "count", 0, "exit after this many pushes; 0 watches forever")
	cmd.Flags().StringVar(&reply, "reply", "", "JSON value returned when the server asks for an acknowledgement")
	return cmd
}
