// Package chain is the host execution substrate.
//
// Calls are totally ordered: one Execute runs at a time, inside one store
// transaction, and either commits every effect (state, ciphertexts,
// events, the new block head) or none of them.
package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"confidentialvesting/internal/address"
	"confidentialvesting/internal/fhe"
	"confidentialvesting/internal/state"
)

var (
	ErrStaleNonce = errors.New("chain: stale nonce")
	ErrNonceGap   = errors.New("chain: nonce too far ahead")
	ErrZeroSender = errors.New("chain: zero sender")
)

// Clock supplies block timestamps in unix seconds.
type Clock interface {
	Now() uint64
}

type SystemClock struct{}

func (SystemClock) Now() uint64 { return uint64(time.Now().Unix()) }

// ManualClock is a settable clock for tests and simulations.
type ManualClock struct {
	mu  sync.Mutex
	now uint64
}

func NewManualClock(now uint64) *ManualClock { return &ManualClock{now: now} }

func (c *ManualClock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) Set(now uint64) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func (c *ManualClock) Advance(d uint64) {
	c.mu.Lock()
	c.now += d
	c.mu.Unlock()
}

// Event is a plaintext log entry emitted by a contract.
type Event struct {
	Height   uint64            `json:"height" msgpack:"height"`
	Index    int               `json:"index" msgpack:"index"`
	Contract address.Address   `json:"contract" msgpack:"contract"`
	Name     string            `json:"name" msgpack:"name"`
	Attrs    map[string]string `json:"attrs,omitempty" msgpack:"attrs"`
}

// Receipt describes a committed call.
type Receipt struct {
	Height    uint64  `json:"height"`
	Timestamp uint64  `json:"timestamp"`
	Events    []Event `json:"events"`
}

type head struct {
	Height    uint64 `msgpack:"height"`
	Timestamp uint64 `msgpack:"timestamp"`
}

var headKey = state.Key("chain", "head")

func eventKey(height uint64, index int) []byte {
	return state.Key("chain", "event", fmt.Sprintf("%020d", height), fmt.Sprintf("%06d", index))
}

func nonceKey(a address.Address) []byte {
	return state.Key("chain", "nonce", a.String())
}

type Config struct {
	Store       *state.Store
	Coprocessor *fhe.Coprocessor
	Clock       Clock
	Logger      logrus.FieldLogger
}

type Chain struct {
	mu    sync.Mutex
	store *state.Store
	fhe   *fhe.Coprocessor
	clock Clock
	log   logrus.FieldLogger
	head  head
}

func New(config Config) (*Chain, error) {
	if config.Store == nil || config.Coprocessor == nil {
		return nil, fmt.Errorf("chain: store and coprocessor required")
	}
	if config.Clock == nil {
		config.Clock = SystemClock{}
	}
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	c := &Chain{store: config.Store, fhe: config.Coprocessor, clock: config.Clock, log: config.Logger}
	err := c.store.View(func(txn *state.Txn) error {
		_, err := txn.Get(headKey, &c.head)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("chain: load head: %w", err)
	}
	return c, nil
}

// Height is the height of the last committed call.
func (c *Chain) Height() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head.Height
}

// Timestamp is the timestamp of the last committed call.
func (c *Chain) Timestamp() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head.Timestamp
}

// nextTimestamp never goes backwards.
func (c *Chain) nextTimestamp() uint64 {
	now := c.clock.Now()
	if now < c.head.Timestamp {
		return c.head.Timestamp
	}
	return now
}

// Execute runs fn as sender calling target. fn's error aborts the call and
// discards all of its effects.
func (c *Chain) Execute(ctx context.Context, sender, target address.Address, fn func(*Env) error) (*Receipt, error) {
	if sender.IsZero() {
		return nil, ErrZeroSender
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	next := head{Height: c.head.Height + 1, Timestamp: c.nextTimestamp()}
	var events []Event
	err := c.store.Update(func(txn *state.Txn) error {
		env := &Env{
			ctx:    ctx,
			sender: sender,
			origin: sender,
			self:   target,
			height: next.Height,
			now:    next.Timestamp,
			txn:    txn,
			fhe:    c.fhe.Session(txn),
			events: &events,
			log:    c.log,
		}
		if err := fn(env); err != nil {
			return err
		}
		for _, ev := range events {
			if err := txn.Set(eventKey(ev.Height, ev.Index), ev); err != nil {
				return err
			}
		}
		return txn.Set(headKey, next)
	})
	if err != nil {
		c.log.WithFields(logrus.Fields{
			"sender": sender.Short(),
			"target": target.Short(),
			"height": next.Height,
		}).WithError(err).Debug("call reverted")
		return nil, err
	}
	c.head = next
	return &Receipt{Height: next.Height, Timestamp: next.Timestamp, Events: events}, nil
}

// View runs fn against the current state as of the next block timestamp.
// Writes made by fn are discarded.
func (c *Chain) View(ctx context.Context, sender, target address.Address, fn func(*Env) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	var events []Event
	return c.store.Scratch(func(txn *state.Txn) error {
		return fn(&Env{
			ctx:      ctx,
			sender:   sender,
			origin:   sender,
			self:     target,
			height:   c.head.Height,
			now:      c.nextTimestamp(),
			txn:      txn,
			fhe:      c.fhe.Session(txn),
			events:   &events,
			log:      c.log,
			readOnly: true,
		})
	})
}

// Events returns committed events at or above height from.
func (c *Chain) Events(from uint64) ([]Event, error) {
	var out []Event
	err := c.store.View(func(txn *state.Txn) error {
		return txn.Iterate(state.Key("chain", "event", ""), func(_ []byte, decode func(interface{}) error) error {
			var ev Event
			if err := decode(&ev); err != nil {
				return err
			}
			if ev.Height >= from {
				out = append(out, ev)
			}
			return nil
		})
	})
	return out, err
}

// Env is the view a contract has of the call it is executing.
type Env struct {
	ctx      context.Context
	sender   address.Address
	origin   address.Address
	self     address.Address
	height   uint64
	now      uint64
	txn      *state.Txn
	fhe      *fhe.Session
	events   *[]Event
	log      logrus.FieldLogger
	readOnly bool
}

func (e *Env) Context() context.Context { return e.ctx }

// Sender is the immediate caller: an account, or a contract for nested calls.
func (e *Env) Sender() address.Address { return e.sender }

// Origin is the account that signed the outermost call.
func (e *Env) Origin() address.Address { return e.origin }

// Self is the address of the executing contract.
func (e *Env) Self() address.Address { return e.self }

func (e *Env) Height() uint64 { return e.height }

// Now is the block timestamp.
func (e *Env) Now() uint64 { return e.now }

func (e *Env) Txn() *state.Txn { return e.txn }

func (e *Env) FHE() *fhe.Session { return e.fhe }

func (e *Env) ReadOnly() bool { return e.readOnly }

func (e *Env) Logger() logrus.FieldLogger { return e.log }

// Call returns the environment for a nested call from the executing
// contract into target. State, timestamp and event log are shared.
func (e *Env) Call(target address.Address) *Env {
	nested := *e
	nested.sender = e.self
	nested.self = target
	return &nested
}

// Emit appends an event attributed to the executing contract.
func (e *Env) Emit(name string, attrs map[string]string) {
	*e.events = append(*e.events, Event{
		Height:   e.height,
		Index:    len(*e.events),
		Contract: e.self,
		Name:     name,
		Attrs:    attrs,
	})
}

// MaxNonceGap bounds how far a nonce may skip ahead of the last one, so a
// single signed call cannot exhaust a signer's nonce space.
const MaxNonceGap = 1 << 16

// ConsumeNonce records n as the origin's latest nonce. It must be greater
// than the previous one and at most MaxNonceGap above it. An origin with no
// nonce yet counts as last 0.
func (e *Env) ConsumeNonce(n uint64) error {
	var last uint64
	found, err := e.txn.Get(nonceKey(e.origin), &last)
	if err != nil {
		return err
	}
	if found && n <= last {
		return fmt.Errorf("%w: got %d, last %d", ErrStaleNonce, n, last)
	}
	if n-last > MaxNonceGap {
		return fmt.Errorf("%w: got %d, last %d, max gap %d", ErrNonceGap, n, last, MaxNonceGap)
	}
	return e.txn.Set(nonceKey(e.origin), n)
}

// Nonce returns the last nonce consumed by a.
func (c *Chain) Nonce(a address.Address) (uint64, error) {
	var last uint64
	err := c.store.View(func(txn *state.Txn) error {
		_, err := txn.Get(nonceKey(a), &last)
		return err
	})
	return last, err
}
