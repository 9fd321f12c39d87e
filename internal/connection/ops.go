package connection

import (
	"context"
	"time"

	"github.com/danmuck/wsmux/internal/protocol"
	"github.com/danmuck/wsmux/internal/protocol/session"
	"github.com/danmuck/wsmux/internal/rpc"
	"github.com/rs/xid"
	"github.com/rs/zerolog/log"
)

// Call invokes method on the current session, waiting for one to open.
// With Retry a call that failed with rpc.ErrConnectionLost is resubmitted
// on the next session, so the server may see it more than once.
func (c *Connection) Call(ctx context.Context, method string, args ...protocol.Value) (protocol.Value, error) {
	if !c.retrying() {
		s, err := c.waitOpen(ctx)
		if err != nil {
			return protocol.Null(), err
		}
		return s.Call(ctx, method, args...)
	}

	callID := xid.New().String()
	c.outbox.Upsert(session.PendingCall{CallID: callID, Method: method, QueuedAt: c.now()})
	defer c.outbox.Remove(callID)

	lastErr := ""
	for {
		s, err := c.waitOpen(ctx)
		if err != nil {
			return protocol.Null(), err
		}
		item, _ := c.outbox.MarkAttempt(callID, c.now(), lastErr)
		res, err := s.Call(ctx, method, args...)
		if err == nil || !rpc.IsRetryable(err) {
			return res, err
		}
		lastErr = err.Error()
		log.Debug().Msgf("connection.Connection resubmitting call_id=%s method=%s attempts=%d err=%v", callID, method, item.Attempts, err)
	}
}

// Subscribe registers cb for pushes on topic. The returned id stays valid
// across reconnects.
func (c *Connection) Subscribe(ctx context.Context, topic string, cb rpc.Callback) (rpc.SubscriberID, error) {
	if cb == nil {
		return rpc.SubscriberID{}, rpc.ErrNilCallback
	}
	sub := rpc.Subscription{ID: rpc.NewSubscriberID(topic), Callback: cb}
	for {
		s, err := c.waitOpen(ctx)
		if err != nil {
			return rpc.SubscriberID{}, err
		}
		err = s.Resubscribe(ctx, sub)
		if err == nil {
			return sub.ID, nil
		}
		if !c.retrying() || !rpc.IsRetryable(err) {
			return rpc.SubscriberID{}, err
		}
		log.Debug().Msgf("connection.Connection resubmitting subscribe subscriber=%s err=%v", sub.ID, err)
	}
}

// Unsubscribe removes a subscriber registered through c.
func (c *Connection) Unsubscribe(ctx context.Context, id rpc.SubscriberID) error {
	for {
		s, err := c.waitOpen(ctx)
		if err != nil {
			return err
		}
		err = s.Unsubscribe(ctx, id)
		if err == nil || !c.retrying() || !rpc.IsRetryable(err) {
			return err
		}
		log.Debug().Msgf("connection.Connection resubmitting unsubscribe subscriber=%s err=%v", id, err)
	}
}

func (c *Connection) retrying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Retry
}

func (c *Connection) now() time.Time {
	c.mu.Lock()
	clk := c.cfg.Clock
	c.mu.Unlock()
	if clk == nil {
		return time.Now()
	}
	return clk.Now()
}
