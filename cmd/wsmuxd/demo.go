package main

import (
	"context"
	"time"

	"github.com/danmuck/wsmux/internal/protocol"
	"github.com/danmuck/wsmux/internal/server"
	"github.com/juju/clock"
	"github.com/rs/zerolog/log"
)

const ticksTopic = "ticks"

// registerDemo installs the sample methods served by wsmuxd.
func registerDemo(srv *server.Server) error {
	handlers := map[string]server.Handler{
		"echo": func(_ context.Context, req server.Request) (protocol.Value, error) {
			return protocol.List(req.Args...), nil
		},
		"add": addHandler,
		"publish": func(ctx context.Context, req server.Request) (protocol.Value, error) {
			topic, rest, err := topicArgs(req.Args)
			if err != nil {
				return protocol.Null(), err
			}
			return protocol.Int(int64(srv.Publish(ctx, topic, rest...))), nil
		},
		// ask pushes to the caller and answers with its subscriber's reply.
		"ask": func(ctx context.Context, req server.Request) (protocol.Value, error) {
			topic, rest, err := topicArgs(req.Args)
			if err != nil {
				return protocol.Null(), err
			}
			return req.Client.PushAck(ctx, topic, rest...)
		},
	}
	for method, h := range handlers {
		if err := srv.Handle(method, h); err != nil {
			return err
		}
	}
	return nil
}

func addHandler(_ context.Context, req server.Request) (protocol.Value, error) {
	var (
		sumInt   int64
		sumFloat float64
		floats   bool
	)
	for i, arg := range req.Args {
		if n, ok := arg.AsInt(); ok && arg.Kind() == protocol.KindInt {
			sumInt += n
			sumFloat += float64(n)
			continue
		}
		f, ok := arg.AsFloat()
		if !ok {
			return protocol.Null(), server.InvalidParams("add: argument %d is %s, want number", i, arg.Kind())
		}
		floats = true
		sumFloat += f
	}
	if floats {
		return protocol.Float(sumFloat), nil
	}
	return protocol.Int(sumInt), nil
}

func topicArgs(args []protocol.Value) (string, []protocol.Value, error) {
	if len(args) == 0 {
		return "", nil, server.InvalidParams("topic argument required")
	}
	topic, ok := args[0].AsString()
	if !ok || topic == "" {
		return "", nil, server.InvalidParams("topic must be a non-empty string")
	}
	return topic, args[1:], nil
}

// publishTicks pushes a sequence number and timestamp on ticksTopic every
// period until ctx ends.
func publishTicks(ctx context.Context, srv *server.Server, clk clock.Clock, period time.Duration) {
	var seq int64
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-clk.After(period):
			seq++
			n := srv.Publish(ctx, ticksTopic, protocol.Int(seq), protocol.String(now.UTC().Format(time.RFC3339Nano)))
			log.Trace().Msgf("wsmuxd.publishTicks seq=%d clients=%d", seq, n)
		}
	}
}
