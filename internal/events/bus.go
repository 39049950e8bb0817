// Tally - Multi-tenant Record Keeping API
// Copyright 2026 Tally Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tallyhq/tally

package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/tallyhq/tally/internal/logging"
	"github.com/tallyhq/tally/internal/metrics"
)

// Topic is the cluster-wide broadcast channel every process instance
// publishes to and subscribes from.
const Topic = "events.global"

// Bus decouples emitters of domain events from consumers. Emit publishes to
// the cluster channel and, independently, dispatches to local listeners.
// Global listeners receive events after the cluster round trip, which
// includes this process's own emits: one emit reaches a global listener once
// via the cluster path in addition to any local registration.
type Bus struct {
	publisher  message.Publisher
	subscriber message.Subscriber

	local  *registry
	global *registry

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewBus creates a bus over the given broadcast channel bindings.
func NewBus(publisher message.Publisher, subscriber message.Subscriber) *Bus {
	return &Bus{
		publisher:  publisher,
		subscriber: subscriber,
		local:      newRegistry(),
		global:     newRegistry(),
	}
}

// Emit stamps and publishes a new event. The cluster publish and the local
// dispatch are both attempted: a publish failure is logged and does not
// block local dispatch, while a local listener failure propagates to the
// caller, whose mutation triggered the event.
func (b *Bus) Emit(ctx context.Context, params CreateEvent, now time.Time) error {
	event, err := New(params, now)
	if err != nil {
		return err
	}

	data, err := event.Marshal()
	if err != nil {
		return err
	}

	msg := message.NewMessage(watermill.NewUUID(), data)
	if err := b.publisher.Publish(Topic, msg); err != nil {
		metrics.RecordEventPublishError()
		log := logging.Ctx(ctx)
		log.Error().Err(err).Str("event", event.Name()).Msg("cluster publish failed")
	} else {
		metrics.RecordEventPublished(event.Name())
	}

	return b.dispatchLocal(ctx, event)
}

// dispatchLocal invokes the local listeners for the event. The first
// listener error aborts dispatch and is returned.
func (b *Bus) dispatchLocal(ctx context.Context, event *Event) error {
	for _, listener := range b.local.matching(event.Namespace, event.Action) {
		if err := listener.fn(ctx, event); err != nil {
			log := logging.Ctx(ctx)
			log.Error().Err(err).Str("event", event.Name()).Msg("local listener failed")
			return fmt.Errorf("local listener for %s: %w", event.Name(), err)
		}
	}
	return nil
}

// OnLocal registers a listener for events emitted in this process. An empty
// action registers for the whole namespace.
func (b *Bus) OnLocal(namespace Namespace, action string, fn ListenerFunc) *Listener {
	return b.local.add(namespace, action, fn)
}

// OnGlobal registers a listener for events re-delivered after the cluster
// round trip, which covers emits from every process instance including this
// one. An empty action registers for the whole namespace.
func (b *Bus) OnGlobal(namespace Namespace, action string, fn ListenerFunc) *Listener {
	return b.global.add(namespace, action, fn)
}

// RemoveLocalListener deregisters a local listener. The (namespace, action)
// shape must match the registration exactly; a mismatch is logged and the
// call is a no-op.
func (b *Bus) RemoveLocalListener(namespace Namespace, action string, listener *Listener) {
	if !b.local.remove(namespace, action, listener) {
		logging.Warn().
			Str("namespace", string(namespace)).
			Str("action", action).
			Msg("remove local listener: no matching registration")
	}
}

// RemoveGlobalListener deregisters a global listener with the same shape
// rules as RemoveLocalListener.
func (b *Bus) RemoveGlobalListener(namespace Namespace, action string, listener *Listener) {
	if !b.global.remove(namespace, action, listener) {
		logging.Warn().
			Str("namespace", string(namespace)).
			Str("action", action).
			Msg("remove global listener: no matching registration")
	}
}

// GlobalListenerCount reports the number of registered global listeners.
func (b *Bus) GlobalListenerCount() int {
	return b.global.count()
}

// Start opens the subscription to the cluster channel and begins
// re-dispatching inbound events to global listeners. Calling Start on a
// running bus logs and is a no-op.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		logging.Warn().Msg("event bus already started")
		return nil
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	messages, err := b.subscriber.Subscribe(subCtx, Topic)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe %s: %w", Topic, err)
	}

	b.cancel = cancel
	b.done = make(chan struct{})
	b.running = true

	go b.consume(subCtx, messages)

	logging.Info().Str("topic", Topic).Msg("event bus started")
	return nil
}

// Stop closes the cluster subscription. Calling Stop on a stopped bus is a
// no-op.
func (b *Bus) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return
	}

	b.cancel()
	<-b.done
	b.running = false

	logging.Info().Str("topic", Topic).Msg("event bus stopped")
}

// Serve runs the bus under a supervisor: it starts the subscription and
// blocks until the context is canceled.
func (b *Bus) Serve(ctx context.Context) error {
	if err := b.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	b.Stop()
	return ctx.Err()
}

// consume handles inbound cluster messages until the subscription closes.
// Malformed payloads are dropped and logged; they never crash the
// dispatcher. Listener errors on the cluster path are logged, not
// propagated: there is no originating request to answer to.
func (b *Bus) consume(ctx context.Context, messages <-chan *message.Message) {
	defer close(b.done)

	for msg := range messages {
		event, err := Unmarshal(msg.Payload)
		if err != nil {
			logging.Warn().Err(err).Str("message_uuid", msg.UUID).Msg("dropping malformed cluster event")
			msg.Ack()
			continue
		}

		metrics.RecordEventReceived(event.Name())

		for _, listener := range b.global.matching(event.Namespace, event.Action) {
			dispatchGlobal(ctx, listener, event)
		}

		msg.Ack()
	}
}

// dispatchGlobal invokes one global listener, containing panics so a broken
// listener cannot kill the dispatcher.
func dispatchGlobal(ctx context.Context, listener *Listener, event *Event) {
	defer func() {
		if rec := recover(); rec != nil {
			logging.Error().Interface("panic", rec).Str("event", event.Name()).Msg("global listener panicked")
		}
	}()

	if err := listener.fn(ctx, event); err != nil {
		logging.Error().Err(err).Str("event", event.Name()).Msg("global listener failed")
	}
}
