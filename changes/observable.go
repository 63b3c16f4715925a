package changes

import (
	"encoding/json"
	"slices"
	"strings"
	"sync"

	"github.com/signadot/docsession/api"
	"github.com/signadot/docsession/caseless"
)

// Observer receives the changes of an Observable. Callbacks run on the
// receive loop and must not block or call Send.
type Observer[T any] struct {
	OnNext      func(T)
	OnError     func(error)
	OnCompleted func()
}

// command is a server subscription.
type command struct {
	watch, unwatch string
	param          string
	params         []string
}

func (c command) key() string {
	return c.watch + "\x00" + caseless.Fold(c.param) + "\x00" + caseless.Fold(strings.Join(c.params, "\x00"))
}

func (c command) paramValue() any {
	if c.param == "" {
		return nil
	}
	return c.param
}

// observable is the type-erased view of an Observable kept in the registry.
type observable interface {
	group() string
	name() string
	cmd() command
	connected()
	watch()
	unwatch()
	deliver(json.RawMessage)
	fail(error)
	complete()
}

// Observable is a named subscription to changes of type T. Observables are
// shared: every For call with the same name returns the same Observable.
type Observable[T any] struct {
	changes *Changes
	grp     string
	nm      string
	command command
	filter  func(*T) bool

	mu       sync.Mutex
	subs     []*Observer[T]
	hooks    []func()
	connects int
	done     bool
}

func (o *Observable[T]) group() string { return o.grp }
func (o *Observable[T]) name() string  { return o.nm }
func (o *Observable[T]) cmd() command  { return o.command }

// Group returns the change type of the observable.
func (o *Observable[T]) Group() string { return o.grp }

// Name returns the name identifying the observable within its group.
func (o *Observable[T]) Name() string { return o.nm }

// Subscribe registers obs and returns a function removing it. When the last
// observer is removed the observable is torn down and the server
// subscription dropped.
func (o *Observable[T]) Subscribe(obs Observer[T]) (unsubscribe func()) {
	p := &obs
	o.mu.Lock()
	if o.done {
		o.mu.Unlock()
		if obs.OnCompleted != nil {
			obs.OnCompleted()
		}
		return func() {}
	}
	o.subs = append(o.subs, p)
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { o.unsubscribe(p) })
	}
}

func (o *Observable[T]) unsubscribe(p *Observer[T]) {
	o.mu.Lock()
	if i := slices.Index(o.subs, p); i >= 0 {
		o.subs = slices.Delete(o.subs, i, i+1)
	}
	last := len(o.subs) == 0 && !o.done
	o.mu.Unlock()
	if last {
		o.changes.remove(o)
	}
}

// OnConnect registers fn to run each time the connection is established,
// before any message of that connection is dispatched.
func (o *Observable[T]) OnConnect(fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hooks = append(o.hooks, fn)
}

// Connects returns how many connections the observable was replayed on.
func (o *Observable[T]) Connects() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.connects
}

func (o *Observable[T]) connected() {
	o.mu.Lock()
	o.connects++
	hooks := slices.Clone(o.hooks)
	o.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func (o *Observable[T]) watch() {
	if o.command.watch == "" {
		return
	}
	err := o.changes.Send(o.changes.ctx, o.command.watch, o.command.paramValue(), o.command.params)
	if err != nil && o.changes.ctx.Err() == nil {
		o.changes.log.Warn("subscribe failed", "group", o.grp, "name", o.nm, "error", err)
		o.fail(err)
	}
}

func (o *Observable[T]) unwatch() {
	if o.command.unwatch == "" {
		return
	}
	err := o.changes.Send(o.changes.ctx, o.command.unwatch, o.command.paramValue(), o.command.params)
	if err != nil && o.changes.ctx.Err() == nil {
		o.changes.log.Warn("unsubscribe failed", "group", o.grp, "name", o.nm, "error", err)
	}
}

func (o *Observable[T]) observers() []*Observer[T] {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.subs)
}

func (o *Observable[T]) deliver(raw json.RawMessage) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		o.fail(api.Errorf(api.ErrCodeMalformedResponse, "invalid %s value: %v", o.grp, err))
		return
	}
	if o.filter != nil && !o.filter(&v) {
		return
	}
	for _, obs := range o.observers() {
		if obs.OnNext != nil {
			obs.OnNext(v)
		}
	}
}

func (o *Observable[T]) fail(err error) {
	for _, obs := range o.observers() {
		if obs.OnError != nil {
			obs.OnError(err)
		}
	}
}

func (o *Observable[T]) complete() {
	o.mu.Lock()
	if o.done {
		o.mu.Unlock()
		return
	}
	o.done = true
	subs := o.subs
	o.subs = nil
	o.mu.Unlock()
	for _, obs := range subs {
		if obs.OnCompleted != nil {
			obs.OnCompleted()
		}
	}
}

// subscribe returns the observable registered under group and name, creating
// it when absent.
func subscribe[T any](c *Changes, group, name string, command command, filter func(*T) bool) (*Observable[T], error) {
	key := caseless.Fold(name)
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	byName := c.observables[group]
	if byName == nil {
		byName = make(map[string]observable)
		c.observables[group] = byName
	}
	if existing, ok := byName[key]; ok {
		c.mu.Unlock()
		o, ok := existing.(*Observable[T])
		if !ok {
			return nil, api.Errorf(api.ErrCodeTypeMismatch, "observable %s/%s has type %T", group, name, existing)
		}
		return o, nil
	}
	o := &Observable[T]{changes: c, grp: group, nm: name, command: command, filter: filter}
	byName[key] = o
	connected := c.state == Connected
	c.mu.Unlock()

	c.Spec.Metrics.Subscriptions.Inc()
	if connected {
		// the receive loop replays it on later connections
		c.submit(o.watch)
	}
	return o, nil
}

// remove tears down o and drops its server subscription unless another
// observable still needs it.
func (c *Changes) remove(o observable) {
	key := caseless.Fold(o.name())
	c.mu.Lock()
	byName := c.observables[o.group()]
	if byName == nil || byName[key] != o {
		c.mu.Unlock()
		return
	}
	delete(byName, key)
	if len(byName) == 0 {
		delete(c.observables, o.group())
	}
	shared := false
	ck := o.cmd().key()
	for _, other := range c.allObservablesLocked() {
		if other.cmd().key() == ck {
			shared = true
			break
		}
	}
	c.mu.Unlock()

	c.Spec.Metrics.Subscriptions.Dec()
	o.complete()
	if !shared {
		// may run on the receive loop from an observer callback
		c.enqueue(o.unwatch)
	}
}

func (c *Changes) allObservablesLocked() []observable {
	var res []observable
	for _, byName := range c.observables {
		for _, o := range byName {
			res = append(res, o)
		}
	}
	return res
}

func (c *Changes) observablesIn(group string) []observable {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := make([]observable, 0, len(c.observables[group]))
	for _, o := range c.observables[group] {
		res = append(res, o)
	}
	return res
}
