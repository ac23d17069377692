// Copyright 2025 James Ross

// Package reloadbus implements the ReloadBus contract (C7): delivering
// rule-change events to listeners at-least-once, over two concurrent
// transports — a Redis pub/sub channel for low-latency push, and a version
// counter poll for the events push might have missed (disconnects, cold
// starts).
package reloadbus

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fluxgate/fluxgate/internal/obs"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Channel is the pub/sub channel name from the wire protocol (§6).
const Channel = "fluxgate:rule-reload"

// VersionKey is the store key incremented whenever rules change, consulted
// by the poll fallback (§6).
const VersionKey = "fluxgate:rule-version"

// DefaultPollInterval is the spec's default poll tick (§4.5, §5).
const DefaultPollInterval = 5 * time.Second

// RuleReloadEvent signals that a rule set's configuration changed and its
// buckets should be purged. A nil/empty RuleSetID with IsFullReload=true
// affects every rule set.
type RuleReloadEvent struct {
	EventID         string `json:"eventId"`
	RuleSetID       string `json:"ruleSetId,omitempty"`
	IsFullReload    bool   `json:"fullReload"`
	TimestampMillis int64  `json:"ts"`
}

// wireEvent matches the normative pub/sub payload shape from §6 exactly
// (ruleSetId|fullReload|ts); EventID is FluxGate's own addition for
// at-least-once dedup bookkeeping and is carried as an extra field tolerant
// readers ignore.
type wireEvent struct {
	RuleSetID *string `json:"ruleSetId"`
	FullReload bool   `json:"fullReload"`
	TS         int64  `json:"ts"`
	EventID    string `json:"eventId,omitempty"`
}

// Listener receives reload events. Implementations must tolerate duplicate
// deliveries and out-of-order delivery across different rule set ids.
type Listener func(event RuleReloadEvent)

// SubscriptionState is the per-subscription state machine from §4.5.
type SubscriptionState int32

const (
	Subscribing SubscriptionState = iota
	Subscribed
	Reconnecting
	Closed
)

func (s SubscriptionState) String() string {
	switch s {
	case Subscribing:
		return "subscribing"
	case Subscribed:
		return "subscribed"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Bus is the Redis-backed ReloadBus.
type Bus struct {
	client       redis.UniversalClient
	logger       *zap.Logger
	pollInterval time.Duration

	mu        sync.RWMutex
	listeners []Listener

	state       atomic.Int32
	lastVersion atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Bus. A zero pollInterval uses DefaultPollInterval.
func New(client redis.UniversalClient, logger *zap.Logger, pollInterval time.Duration) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	b := &Bus{client: client, logger: logger, pollInterval: pollInterval}
	b.setState(Subscribing)
	return b
}

// setState records the subscription state and mirrors it onto the
// fluxgate_reload_subscription_state gauge.
func (b *Bus) setState(s SubscriptionState) {
	b.state.Store(int32(s))
	obs.ReloadSubscriptionState.Set(float64(s))
}

// Subscribe registers a listener and returns an unsubscribe handle.
func (b *Bus) Subscribe(listener Listener) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := len(b.listeners)
	b.listeners = append(b.listeners, listener)
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if idx < len(b.listeners) {
			b.listeners[idx] = nil
		}
	}
}

// TestDeliver injects event directly into every subscribed listener,
// bypassing both transports. It exists so dependents can test their
// subscription wiring without a live Redis instance.
func (b *Bus) TestDeliver(event RuleReloadEvent) {
	b.deliver(event)
}

func (b *Bus) deliver(event RuleReloadEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, l := range b.listeners {
		if l != nil {
			l(event)
		}
	}
}

// State reports the current push-subscription state.
func (b *Bus) State() SubscriptionState {
	return SubscriptionState(b.state.Load())
}

// Publish broadcasts event on the pub/sub channel and bumps the version
// counter, so the poll fallback also observes this change.
func (b *Bus) Publish(ctx context.Context, event RuleReloadEvent) error {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	payload := wireEvent{FullReload: event.IsFullReload, TS: event.TimestampMillis, EventID: event.EventID}
	if event.RuleSetID != "" {
		payload.RuleSetID = &event.RuleSetID
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := b.client.Incr(ctx, VersionKey).Err(); err != nil {
		return err
	}
	return b.client.Publish(ctx, Channel, data).Err()
}

// Start launches the pub/sub reader and poll ticker as background
// goroutines; it returns immediately. Cancel ctx to stop both.
func (b *Bus) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		b.runPubSub(ctx)
	}()
	go func() {
		defer wg.Done()
		b.runPoll(ctx)
	}()
	go func() {
		wg.Wait()
		close(b.done)
	}()
}

// Stop cancels both background tasks and waits for them to exit.
func (b *Bus) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.done != nil {
		<-b.done
	}
	b.setState(Closed)
}

func (b *Bus) runPubSub(ctx context.Context) {
	backoff := 200 * time.Millisecond
	const maxBackoff = 10 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		b.setState(Subscribing)
		sub := b.client.Subscribe(ctx, Channel)
		if _, err := sub.Receive(ctx); err != nil {
			b.logger.Warn("reloadbus: subscribe failed, will retry", zap.Error(err))
			_ = sub.Close()
			b.setState(Reconnecting)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < maxBackoff {
				backoff *= 2
			}
			continue
		}

		b.setState(Subscribed)
		backoff = 200 * time.Millisecond
		ch := sub.Channel()

	readLoop:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break readLoop
				}
				b.handleWireMessage(msg.Payload)
			}
		}

		b.setState(Reconnecting)
		b.logger.Warn("reloadbus: pub/sub disconnected, reconnecting")
	}
}

func (b *Bus) handleWireMessage(payload string) {
	var we wireEvent
	if err := json.Unmarshal([]byte(payload), &we); err != nil {
		b.logger.Error("reloadbus: malformed reload event, dropping", zap.Error(err))
		return
	}
	event := RuleReloadEvent{
		EventID:         we.EventID,
		IsFullReload:    we.FullReload,
		TimestampMillis: we.TS,
	}
	if we.RuleSetID != nil {
		event.RuleSetID = *we.RuleSetID
	}
	b.deliver(event)
}

// runPoll reads the version counter every pollInterval; if it advanced since
// the last observation, a synthetic full-reload event is delivered. This
// covers missed pub/sub messages and cold starts (§4.5).
func (b *Bus) runPoll(ctx context.Context) {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	if v, err := b.client.Get(ctx, VersionKey).Int64(); err == nil {
		b.lastVersion.Store(v)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v, err := b.client.Get(ctx, VersionKey).Int64()
			if err != nil {
				if err != redis.Nil {
					b.logger.Warn("reloadbus: poll failed to read version counter", zap.Error(err))
				}
				continue
			}
			prev := b.lastVersion.Swap(v)
			if v != prev {
				b.deliver(RuleReloadEvent{
					EventID:         uuid.NewString(),
					IsFullReload:    true,
					TimestampMillis: time.Now().UnixMilli(),
				})
			}
		}
	}
}
