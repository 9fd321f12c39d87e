package rpc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/danmuck/wsmux/internal/observability"
	"github.com/danmuck/wsmux/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Call is one in-flight request. Done receives the call exactly once.
type Call struct {
	ID     uint64
	Method string
	Args   []protocol.Value
	Result protocol.Value
	Error  error
	Done   chan *Call

	started time.Time
	once    sync.Once
	// settle runs under the session mutex when a successful response is
	// matched, before the caller is woken and before the read loop can
	// observe transport loss.
	settle func()
}

func newCall(method string, args []protocol.Value) *Call {
	return &Call{
		Method:  method,
		Args:    args,
		Done:    make(chan *Call, 1),
		started: time.Now(),
	}
}

// resolve completes the call; later resolutions are ignored.
func (c *Call) resolve(result protocol.Value, err error) bool {
	resolved := false
	c.once.Do(func() {
		resolved = true
		c.Result = result
		c.Error = err
		observability.RecordCall(c.Method, outcome(err), time.Since(c.started))
		select {
		case c.Done <- c:
		default:
			log.Error().Msgf("rpc.Call discarding reply id=%d method=%s: Done chan full", c.ID, c.Method)
		}
	})
	return resolved
}

func outcome(err error) string {
	var rpcErr *RPCError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &rpcErr):
		return "rpc_error"
	case errors.Is(err, ErrConnectionLost):
		return "connection_lost"
	case errors.Is(err, ErrConnectionClosed):
		return "connection_closed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

// callTable correlates request ids with pending calls. Callers hold the
// session mutex.
type callTable struct {
	lastID  uint64
	pending map[uint64]*Call
	// tombstones remember ids abandoned by their caller so a late response
	// is not reported as unmatched.
	tombstones map[uint64]struct{}
}

func newCallTable() *callTable {
	return &callTable{
		pending:    make(map[uint64]*Call),
		tombstones: make(map[uint64]struct{}),
	}
}

func (t *callTable) add(c *Call) uint64 {
	t.lastID++
	c.ID = t.lastID
	t.pending[c.ID] = c
	return c.ID
}

func (t *callTable) take(id uint64) (*Call, bool) {
	c, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	return c, ok
}

const maxTombstones = 4096

func (t *callTable) abandon(id uint64) {
	if len(t.tombstones) >= maxTombstones {
		t.tombstones = make(map[uint64]struct{})
	}
	if _, ok := t.pending[id]; ok {
		delete(t.pending, id)
		t.tombstones[id] = struct{}{}
	}
}

// buried reports and forgets a tombstone for id.
func (t *callTable) buried(id uint64) bool {
	_, ok := t.tombstones[id]
	delete(t.tombstones, id)
	return ok
}

func (t *callTable) drain() []*Call {
	out := make([]*Call, 0, len(t.pending))
	for id, c := range t.pending {
		out = append(out, c)
		delete(t.pending, id)
	}
	return out
}

func (t *callTable) len() int {
	return len(t.pending)
}
