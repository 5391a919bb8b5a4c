// Package monitor implements the security monitor: configuration, rate
// limiting, circuit breaking, threat scanning, metrics, mitigation and
// recommendations, the oracle verification protocol, and the risk and
// intelligence store.
//
// Every public operation runs under a single monitor-wide lock inside one
// kvstore transaction, so each call is atomic: on any error nothing it
// staged is written and no notification is sent. Nested calls made from
// inside a running operation are rejected with ErrReentrantCall.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mbd888/sentinel/internal/eventlog"
	"github.com/mbd888/sentinel/internal/events"
	"github.com/mbd888/sentinel/internal/kvstore"
	"github.com/mbd888/sentinel/internal/syncutil"
	"github.com/mbd888/sentinel/internal/traces"
	"github.com/mbd888/sentinel/internal/validation"
)

// Authorizer is the "require that the call was authorized by principal P"
// primitive.
type Authorizer interface {
	Require(ctx context.Context, principal string) error
}

type allowAll struct{}

func (allowAll) Require(context.Context, string) error { return nil }

// Monitor is the security monitor.
type Monitor struct {
	store          kvstore.Store
	events         eventlog.Source
	authz          Authorizer
	signaler       events.Publisher
	notifier       events.Publisher
	now            func() time.Time
	logger         *slog.Logger
	bootstrapAdmin string
	mu             *syncutil.ContextMutex
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithAuthorizer sets the authorization primitive. The default trusts
// every claimed principal.
func WithAuthorizer(a Authorizer) Option {
	return func(m *Monitor) { m.authz = a }
}

// WithSignaler sets where oracle requests are signaled. Signaling happens
// inside the request transaction; if it fails the request is not stored.
func WithSignaler(p events.Publisher) Option {
	return func(m *Monitor) { m.signaler = p }
}

// WithNotifier sets where notifications go after a successful operation.
// Delivery is best effort.
func WithNotifier(p events.Publisher) Option {
	return func(m *Monitor) { m.notifier = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithBootstrapAdmin restricts Initialize to the given principal.
func WithBootstrapAdmin(admin string) Option {
	return func(m *Monitor) { m.bootstrapAdmin = admin }
}

// New creates a monitor over store, reading activity from source.
func New(store kvstore.Store, source eventlog.Source, opts ...Option) *Monitor {
	m := &Monitor{
		store:    store,
		events:   source,
		authz:    allowAll{},
		signaler: events.Discard,
		notifier: events.Discard,
		now:      time.Now,
		logger:   slog.Default(),
		mu:       syncutil.NewContextMutex(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

const stateKey = "meta/state"

// state is the singleton record holding configuration and counters.
type state struct {
	Admin         string         `json:"admin"`
	Config        SecurityConfig `json:"config"`
	Initialized   bool           `json:"initialized"`
	InitializedAt time.Time      `json:"initialized_at"`
	Nonce         uint64         `json:"nonce"`
	Seq           uint64         `json:"seq"`
}

type activeKey struct{}

// txn is the view of the store an operation body works against.
type txn struct {
	ctx   context.Context
	kv    kvstore.Tx
	state *state
	now   time.Time
	dirty bool
	notes []*events.Event
	logs  []logLine
	after []func()
}

type logLine struct {
	msg  string
	args []any
}

func (t *txn) get(key string, out any) (bool, error) {
	err := t.kv.Get(key, out)
	if errors.Is(err, kvstore.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (t *txn) put(key string, v any) error {
	return t.kv.Put(key, v)
}

func (t *txn) del(key string) error {
	return t.kv.Delete(key)
}

func (t *txn) scan(prefix string, fn func(raw []byte) error) error {
	return t.kv.Scan(prefix, func(_ string, raw []byte) error { return fn(raw) })
}

func (t *txn) nextSeq() uint64 {
	t.state.Seq++
	t.dirty = true
	return t.state.Seq
}

func (t *txn) nextNonce() uint64 {
	t.state.Nonce++
	t.dirty = true
	return t.state.Nonce
}

// notify queues a notification for delivery after commit.
func (t *txn) notify(typ events.Type, service string, data map[string]any) {
	t.notes = append(t.notes, &events.Event{Type: typ, Timestamp: t.now, Service: service, Data: data})
}

// info queues an Info log line written after commit.
func (t *txn) info(msg string, args ...any) {
	t.logs = append(t.logs, logLine{msg: msg, args: args})
}

// onCommit queues fn to run once the transaction has committed.
func (t *txn) onCommit(fn func()) {
	t.after = append(t.after, fn)
}

func (t *txn) annotate(attrs ...attribute.KeyValue) {
	trace.SpanFromContext(t.ctx).SetAttributes(attrs...)
}

func (t *txn) config() (SecurityConfig, error) {
	if !t.state.Initialized {
		return SecurityConfig{}, ErrNotInitialized
	}
	return t.state.Config, nil
}

func (m *Monitor) update(ctx context.Context, op string, fn func(*txn) error) error {
	return m.run(ctx, op, true, fn)
}

func (m *Monitor) view(ctx context.Context, op string, fn func(*txn) error) error {
	return m.run(ctx, op, false, fn)
}

func (m *Monitor) run(ctx context.Context, op string, write bool, fn func(*txn) error) (err error) {
	if active, ok := ctx.Value(activeKey{}).(string); ok {
		m.logger.Warn("reentrant call rejected", "operation", op, "active", active)
		return errorf(ErrReentrantCall, "%s called while %s is in progress", op, active)
	}

	ctx, span := traces.StartSpan(ctx, "monitor."+op)
	defer func() { traces.EndSpan(span, err) }()

	unlock, err := m.mu.LockContext(ctx)
	if err != nil {
		return errorf(ErrOperationFailed, "%s: %v", op, err)
	}

	inner := context.WithValue(ctx, activeKey{}, op)
	tx := &txn{ctx: inner}
	body := func(kv kvstore.Tx) error {
		*tx = txn{ctx: inner, kv: kv, now: m.now()}
		st := &state{}
		if _, err := tx.get(stateKey, st); err != nil {
			return err
		}
		tx.state = st
		if err := fn(tx); err != nil {
			return err
		}
		if write && tx.dirty {
			return kv.Put(stateKey, st)
		}
		return nil
	}
	err = func() error {
		defer unlock()
		if write {
			return m.store.Update(inner, body)
		}
		return m.store.View(inner, body)
	}()
	if err != nil {
		return m.classify(op, err)
	}
	m.flush(ctx, tx)
	return nil
}

func (m *Monitor) classify(op string, err error) error {
	if _, ok := AsError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errorf(ErrOperationFailed, "%s: %v", op, err)
	}
	m.logger.Error("monitor storage failure", "operation", op, "error", err)
	return errorf(ErrStorage, "%s: %v", op, err)
}

func (m *Monitor) flush(ctx context.Context, tx *txn) {
	for _, l := range tx.logs {
		m.logger.Info(l.msg, l.args...)
	}
	for _, fn := range tx.after {
		fn()
	}
	if len(tx.notes) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, ev := range tx.notes {
		if err := m.notifier.Publish(ctx, ev); err != nil {
			m.logger.Warn("notification delivery failed", "type", ev.Type, "error", err)
		}
	}
}

// signal hands ev to the oracle signaler inside the running transaction.
func (m *Monitor) signal(tx *txn, ev *events.Event) error {
	if err := m.signaler.Publish(tx.ctx, ev); err != nil {
		m.logger.Error("oracle signal failed", "type", ev.Type, "error", err)
		return errorf(ErrOperationFailed, "signal oracle: %v", err)
	}
	return nil
}

func decode(raw []byte, out any) error {
	return kvstore.Decode(raw, out)
}

func requireID(field, v string) error {
	if !validation.IsValidIdentifier(v) {
		return errorf(ErrInvalidInput, "%s %q is not a valid identifier", field, v)
	}
	return nil
}
