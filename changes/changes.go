// Package changes multiplexes change subscriptions over one websocket
// connection to a database.
//
// A Changes value owns the connection. It reconnects after transport
// failures and replays every subscription on each new connection, since
// the server keeps no subscription state across connections.
package changes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/signadot/docsession/api"
	"github.com/signadot/docsession/config"
)

// ErrClosed is returned by operations on a closed Changes.
var ErrClosed = errors.New("changes connection is closed")

// State is the state of a changes connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// dispatch groups, by message type
var groups = map[string]bool{
	api.TypeDocumentChange:        true,
	api.TypeIndexChange:           true,
	api.TypeTimeSeriesChange:      true,
	api.TypeCounterChange:         true,
	api.TypeOperationStatusChange: true,
	api.TypeTopologyChange:        true,
}

// Changes is a changes connection to one database.
type Changes struct {
	Spec Spec

	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	tasks  chan func()

	// mu guards the connection state and the observable registry.
	mu          sync.Mutex
	state       State
	conn        *websocket.Conn
	connectedCh chan struct{} // closed while connected
	observables map[string]map[string]observable

	// sendMu serializes writers of conn.
	sendMu sync.Mutex

	// confirmMu guards command ids and pending confirmations.
	confirmMu     sync.Mutex
	commandID     int64
	confirmations map[int64]*pendingConfirmation

	closeOnce sync.Once
}

// New creates a Changes and starts connecting in the background.
func New(spec *Spec) *Changes {
	if spec.Log == nil {
		spec.Log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slogLevel(),
		}))
	}
	if spec.Config == nil {
		spec.Config = config.DefaultChangesConfig()
	}
	spec.Config.FillDefaults()
	if spec.Metrics == nil {
		spec.Metrics = NewMetrics(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Changes{
		Spec:          *spec,
		log:           spec.Log.With("database", spec.Database),
		ctx:           ctx,
		cancel:        cancel,
		tasks:         make(chan func(), max(spec.Config.QueueSize, 1)),
		connectedCh:   make(chan struct{}),
		observables:   make(map[string]map[string]observable),
		confirmations: make(map[int64]*pendingConfirmation),
	}
	for range max(spec.Config.PoolSize, 1) {
		c.wg.Go(c.worker)
	}
	c.wg.Go(c.run)
	return c
}

func slogLevel() slog.Level {
	if os.Getenv("DEBUG") != "" {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// State returns the current connection state.
func (c *Changes) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// WaitConnected blocks until the connection is established.
func (c *Changes) WaitConnected(ctx context.Context) error {
	c.mu.Lock()
	ch, state := c.connectedCh, c.state
	c.mu.Unlock()
	if state == Closed {
		return ErrClosed
	}
	select {
	case <-ch:
		return nil
	case <-c.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// setState moves to a state other than Connected. A closed connection
// stays closed.
func (c *Changes) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Closed {
		return
	}
	if c.state == Connected {
		c.connectedCh = make(chan struct{})
		c.conn = nil
	}
	c.state = s
}

func (c *Changes) worker() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case t := <-c.tasks:
			t()
		}
	}
}

// submit queues t on the worker pool, blocking while the queue is full.
func (c *Changes) submit(t func()) {
	select {
	case c.tasks <- t:
	case <-c.ctx.Done():
	}
}

// enqueue queues tasks in order on the worker pool without blocking the
// caller.
func (c *Changes) enqueue(tasks ...func()) {
	if len(tasks) == 0 || c.ctx.Err() != nil {
		return
	}
	c.wg.Go(func() {
		for _, t := range tasks {
			c.submit(t)
		}
	})
}

// run is the receive loop. It reconnects after a fixed delay until the
// connection is closed or fails fatally.
func (c *Changes) run() {
	for {
		err := c.connectAndProcess()
		if c.ctx.Err() != nil {
			return
		}
		c.setState(Disconnected)
		c.Spec.Metrics.Errors.Inc()
		c.notifyError(err)
		if isFatal(err) {
			c.log.Error("changes connection failed, not reconnecting", "error", err)
			return
		}
		c.log.Warn("changes connection lost", "error", err, "retryIn", c.Spec.Config.ReconnectDelay)
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.Spec.Config.ReconnectDelay):
		}
		c.Spec.Metrics.Reconnects.Inc()
	}
}

func isFatal(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseProtocolError,
		websocket.CloseUnsupportedData,
		websocket.ClosePolicyViolation)
}

func (c *Changes) connectAndProcess() error {
	c.setState(Connecting)
	ws, err := c.dial(c.ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		ws.Close()
		return ErrClosed
	}
	c.conn = ws
	c.state = Connected
	close(c.connectedCh)
	obs := c.allObservablesLocked()
	c.mu.Unlock()
	defer ws.Close()

	c.log.Info("changes connection established", "subscriptions", len(obs))
	watches := make([]func(), 0, len(obs))
	for _, o := range obs {
		o.connected()
		watches = append(watches, o.watch)
	}
	// the confirmations can only be read once process starts
	c.enqueue(watches...)
	return c.process(ws)
}

// process reads messages until the connection fails.
func (c *Changes) process(ws *websocket.Conn) error {
	dec := json.NewDecoder(&frameReader{ws: ws})
	for {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			var syn *json.SyntaxError
			if errors.As(err, &syn) {
				return api.Errorf(api.ErrCodeMalformedResponse, "invalid changes message: %v", err)
			}
			return err
		}
		raw = bytes.TrimSpace(raw)
		if len(raw) != 0 && raw[0] == '[' {
			var batch []json.RawMessage
			if err := json.Unmarshal(raw, &batch); err != nil {
				c.notifyError(api.Errorf(api.ErrCodeMalformedResponse, "invalid changes batch: %v", err))
				continue
			}
			for _, m := range batch {
				c.dispatch(m)
			}
			continue
		}
		c.dispatch(raw)
	}
}

func (c *Changes) dispatch(raw json.RawMessage) {
	var msg api.ChangeMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Type == "" {
		c.notifyError(api.Errorf(api.ErrCodeMalformedResponse, "invalid changes message %.100s", raw))
		return
	}
	c.Spec.Metrics.Messages.WithLabelValues(msg.Type).Inc()
	switch {
	case msg.Type == api.TypeError:
		c.notifyError(api.NewError(api.ErrCodeServer, msg.Exception))
	case msg.Type == api.TypeConfirm:
		if msg.CommandID == nil {
			c.notifyError(api.NewError(api.ErrCodeMalformedResponse, "confirmation without command id"))
			return
		}
		c.confirm(*msg.CommandID)
	case groups[msg.Type]:
		for _, o := range c.observablesIn(msg.Type) {
			o.deliver(msg.Value)
		}
	default:
		c.notifyError(api.Errorf(api.ErrCodeUnsupportedChangeType, "unsupported change type %q", msg.Type))
	}
}

// notifyError reports err to the error callback and to every observable.
func (c *Changes) notifyError(err error) {
	if c.Spec.OnError != nil {
		c.Spec.OnError(err)
	}
	c.mu.Lock()
	obs := c.allObservablesLocked()
	c.mu.Unlock()
	for _, o := range obs {
		o.fail(err)
	}
}

// Close closes the connection and every subscription, cancels pending
// confirmations and waits for background work to finish. It must not be
// called from an observer callback.
func (c *Changes) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = Closed
		ws := c.conn
		c.conn = nil
		obs := c.allObservablesLocked()
		clear(c.observables)
		c.mu.Unlock()

		c.cancel()
		if ws != nil {
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			ws.Close()
		}
		for _, o := range obs {
			o.complete()
			c.Spec.Metrics.Subscriptions.Dec()
		}
		c.cancelConfirmations()
		if c.Spec.OnClose != nil {
			c.Spec.OnClose(c.Spec.Database)
		}
		c.wg.Wait()
		c.log.Info("changes connection closed")
	})
}
