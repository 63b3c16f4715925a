package changes

import (
	"context"
	"sync"
	"time"

	"github.com/signadot/docsession/api"
)

// pendingConfirmation waits for the server to confirm a command.
type pendingConfirmation struct {
	once sync.Once
	done chan struct{} // closed when resolved
	err  error
}

func newPendingConfirmation() *pendingConfirmation {
	return &pendingConfirmation{done: make(chan struct{})}
}

func (p *pendingConfirmation) resolve(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// Send sends a command and waits for the server to confirm it. When there is
// no open connection the command is dropped; subscriptions are replayed on
// the next connection anyway.
//
// Send must not be called from an observer callback, which runs on the
// receive loop that processes confirmations.
func (c *Changes) Send(ctx context.Context, command string, param any, params []string) error {
	c.mu.Lock()
	ws := c.conn
	connected := c.state == Connected
	c.mu.Unlock()
	if ws == nil || !connected {
		return nil
	}

	c.confirmMu.Lock()
	c.commandID++
	id := c.commandID
	pc := newPendingConfirmation()
	c.confirmations[id] = pc
	c.confirmMu.Unlock()

	cmd := api.ChangeCommand{CommandID: id, Command: command, Param: param, Params: params}
	c.sendMu.Lock()
	err := ws.WriteJSON(cmd)
	c.sendMu.Unlock()
	if err != nil {
		// the receive loop sees the broken connection and reconnects
		c.removeConfirmation(id)
		c.log.Debug("dropped command on broken connection", "command", command, "error", err)
		return nil
	}
	c.log.Debug("sent command", "command", command, "commandId", id)

	timer := time.NewTimer(c.Spec.Config.ConfirmationTimeout)
	defer timer.Stop()
	select {
	case <-pc.done:
		return pc.err
	case <-timer.C:
		c.removeConfirmation(id)
		c.Spec.Metrics.ConfirmationTimeouts.Inc()
		return api.Errorf(api.ErrCodeConfirmationTimeout, "command %s (%d) was not confirmed within %s",
			command, id, c.Spec.Config.ConfirmationTimeout)
	case <-ctx.Done():
		c.removeConfirmation(id)
		return ctx.Err()
	}
}

func (c *Changes) confirm(id int64) {
	c.confirmMu.Lock()
	pc, ok := c.confirmations[id]
	delete(c.confirmations, id)
	c.confirmMu.Unlock()
	if ok {
		pc.resolve(nil)
	}
}

func (c *Changes) removeConfirmation(id int64) {
	c.confirmMu.Lock()
	delete(c.confirmations, id)
	c.confirmMu.Unlock()
}

func (c *Changes) cancelConfirmations() {
	c.confirmMu.Lock()
	pending := c.confirmations
	c.confirmations = make(map[int64]*pendingConfirmation)
	c.confirmMu.Unlock()
	for _, pc := range pending {
		pc.resolve(ErrClosed)
	}
}

// PendingConfirmations returns the number of commands awaiting
// confirmation.
func (c *Changes) PendingConfirmations() int {
	c.confirmMu.Lock()
	defer c.confirmMu.Unlock()
	return len(c.confirmations)
}
