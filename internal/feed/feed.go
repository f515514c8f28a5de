// Package feed supplies the vendor-independent lifecycle every feed handler
// runs under: connect, resubscribe, read messages, and reconnect with
// exponential backoff on failure.
package feed

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/feedengine/marketfeed/internal/tick"
	"github.com/feedengine/marketfeed/pkg/observability"
)

// State is a feed handler's connection lifecycle state.
type State int

const (
	Stopped State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "STOPPED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Reconnecting:
		return "RECONNECTING"
	default:
		return "UNKNOWN"
	}
}

// Source is implemented by each vendor package. ReadMessages blocks,
// delivering ticks to onTick until the connection drops or ctx is canceled,
// at which point it returns an error (nil only on a clean ctx cancellation).
type Source interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Subscribe(ctx context.Context, symbols []string) error
	Unsubscribe(ctx context.Context, symbols []string) error
	ReadMessages(ctx context.Context, onTick func(tick.Tick)) error
}

// TickCallback receives every tick successfully parsed off the wire.
type TickCallback func(tick.Tick)

// ErrorCallback is notified whenever a connection attempt or read loop fails.
type ErrorCallback func(err error)

const (
	initialReconnectDelay = time.Second
	maxReconnectDelay     = 60 * time.Second
)

// Handler runs a Source's connect/read/reconnect loop.
type Handler struct {
	vendor tick.Vendor
	src    Source
	logger *observability.Logger
	onTick TickCallback
	onErr  ErrorCallback
	tracer oteltrace.Tracer

	mu            sync.RWMutex
	state         State
	subscriptions []string

	statsMu sync.Mutex
	stats   map[string]*tick.FeedStats

	errMu  sync.Mutex
	errors []string

	stopCh chan struct{}
	doneCh chan struct{}
	cancel context.CancelFunc
}

// maxRecordedErrors bounds the per-handler recent-error log surfaced via
// Errors, so a persistently failing feed cannot grow it unboundedly.
const maxRecordedErrors = 10

// Option configures a Handler at construction.
type Option func(*Handler)

// WithTracer roots one span per connection attempt, matching the
// connection-lifecycle tracing the publisher does per batch.
func WithTracer(t oteltrace.Tracer) Option {
	return func(h *Handler) { h.tracer = t }
}

// NewHandler wires a vendor Source into the shared lifecycle.
func NewHandler(vendor tick.Vendor, src Source, logger *observability.Logger, onTick TickCallback, onErr ErrorCallback, opts ...Option) *Handler {
	h := &Handler{
		vendor: vendor,
		src:    src,
		logger: logger,
		onTick: onTick,
		onErr:  onErr,
		state:  Stopped,
		stats:  make(map[string]*tick.FeedStats),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// State returns the handler's current lifecycle state.
func (h *Handler) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

func (h *Handler) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// Stats returns a copy of the per-symbol feed statistics observed so far.
func (h *Handler) Stats() map[string]tick.FeedStats {
	h.statsMu.Lock()
	defer h.statsMu.Unlock()
	out := make(map[string]tick.FeedStats, len(h.stats))
	for symbol, s := range h.stats {
		out[symbol] = *s
	}
	return out
}

func (h *Handler) recordTick(t tick.Tick) {
	h.statsMu.Lock()
	s, ok := h.stats[t.Symbol]
	if !ok {
		s = &tick.FeedStats{Vendor: h.vendor, Symbol: t.Symbol}
		h.stats[t.Symbol] = s
	}
	s.Update(t, tick.CurrentTimeNs())
	h.statsMu.Unlock()

	if h.onTick != nil {
		h.onTick(t)
	}
}

// Errors returns the most recent connection/read error messages observed by
// this handler, oldest first, bounded to maxRecordedErrors entries.
func (h *Handler) Errors() []string {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	out := make([]string, len(h.errors))
	copy(out, h.errors)
	return out
}

func (h *Handler) recordError(err error) {
	h.errMu.Lock()
	h.errors = append(h.errors, err.Error())
	if len(h.errors) > maxRecordedErrors {
		h.errors = h.errors[len(h.errors)-maxRecordedErrors:]
	}
	h.errMu.Unlock()
}

// Subscribe records symbols for resubscription across reconnects, and
// forwards the request to the Source immediately if connected.
func (h *Handler) Subscribe(ctx context.Context, symbols []string) error {
	h.mu.Lock()
	h.subscriptions = append(h.subscriptions, symbols...)
	connected := h.state == Connected
	h.mu.Unlock()

	if connected {
		return h.src.Subscribe(ctx, symbols)
	}
	return nil
}

// Unsubscribe removes symbols from the resubscription list and forwards the
// request to the Source immediately if connected.
func (h *Handler) Unsubscribe(ctx context.Context, symbols []string) error {
	h.mu.Lock()
	h.subscriptions = removeAll(h.subscriptions, symbols)
	connected := h.state == Connected
	h.mu.Unlock()

	if connected {
		return h.src.Unsubscribe(ctx, symbols)
	}
	return nil
}

func removeAll(list []string, remove []string) []string {
	drop := make(map[string]bool, len(remove))
	for _, s := range remove {
		drop[s] = true
	}
	out := list[:0]
	for _, s := range list {
		if !drop[s] {
			out = append(out, s)
		}
	}
	return out
}

// Run drives the connect/subscribe/read/reconnect loop until ctx is
// canceled or Stop is called. It blocks until the loop exits.
//
// Run derives its own cancelable context from ctx and hands that one to the
// Source instead of ctx itself, so that Stop (which only closes stopCh, not
// ctx) can still interrupt a Source blocked inside ReadMessages: Stop cancels
// this derived context, which is the suspension point every Source read loop
// is expected to select on.
func (h *Handler) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.stopCh = make(chan struct{})
	h.doneCh = make(chan struct{})
	h.cancel = cancel
	stopCh := h.stopCh
	doneCh := h.doneCh
	h.mu.Unlock()
	defer cancel()
	defer close(doneCh)

	delay := initialReconnectDelay

	for {
		select {
		case <-stopCh:
			h.setState(Stopped)
			return
		case <-runCtx.Done():
			h.setState(Stopped)
			return
		default:
		}

		h.setState(Connecting)
		connCtx, span := h.startConnectSpan(runCtx)
		if err := h.src.Connect(connCtx); err != nil {
			if span != nil {
				span.RecordError(err)
				span.End()
			}
			h.handleFailure(runCtx, stopCh, err, &delay)
			continue
		}
		if span != nil {
			span.End()
		}

		h.setState(Connected)
		delay = initialReconnectDelay

		h.mu.RLock()
		resub := append([]string(nil), h.subscriptions...)
		h.mu.RUnlock()
		if len(resub) > 0 {
			if err := h.src.Subscribe(runCtx, resub); err != nil {
				h.handleFailure(runCtx, stopCh, err, &delay)
				continue
			}
		}

		err := h.src.ReadMessages(runCtx, h.recordTick)
		_ = h.src.Disconnect(runCtx)
		if err == nil {
			h.setState(Stopped)
			return
		}
		h.handleFailure(runCtx, stopCh, err, &delay)
	}
}

func (h *Handler) startConnectSpan(ctx context.Context) (context.Context, oteltrace.Span) {
	if h.tracer == nil {
		return ctx, nil
	}
	return h.tracer.Start(ctx, "feed.connect", oteltrace.WithAttributes(
		attribute.String("vendor", string(h.vendor)),
	))
}

func (h *Handler) handleFailure(ctx context.Context, stopCh chan struct{}, err error, delay *time.Duration) {
	h.setState(Reconnecting)
	h.recordError(err)
	if h.logger != nil {
		h.logger.Warn(ctx, "feed handler connection failed, reconnecting", map[string]interface{}{
			"vendor": string(h.vendor),
			"delay":  delay.String(),
			"error":  err.Error(),
		})
	}
	if h.onErr != nil {
		h.onErr(err)
	}

	select {
	case <-stopCh:
		return
	case <-ctx.Done():
		return
	case <-time.After(*delay):
	}

	*delay *= 2
	if *delay > maxReconnectDelay {
		*delay = maxReconnectDelay
	}
}

// Stop signals Run to exit and blocks until it has. Closing stopCh alone
// only stops the loop between connection attempts, so Stop also cancels
// Run's derived context to unblock a Source parked inside ReadMessages.
// Stop is idempotent.
func (h *Handler) Stop() {
	h.mu.Lock()
	stopCh := h.stopCh
	doneCh := h.doneCh
	cancel := h.cancel
	h.mu.Unlock()

	if stopCh == nil {
		return
	}
	select {
	case <-stopCh:
	default:
		close(stopCh)
	}
	if cancel != nil {
		cancel()
	}
	if doneCh != nil {
		<-doneCh
	}
}
