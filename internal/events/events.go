// Xpert - Learning Profiles with Write-Once Content Caching
// Copyright 2026 Xpert Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xpertlabs/xpert

// Package events bridges cache entry transitions onto an in-process
// watermill bus. Consumers (the websocket hub, primarily) subscribe to one
// topic and receive every artifact status change in the process.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/xpertlabs/xpert/internal/cache"
	"github.com/xpertlabs/xpert/internal/logging"
)

// TopicTransitions carries every artifact status transition.
const TopicTransitions = "artifact.transitions"

// Transition is the wire form of one cache entry status change.
type Transition struct {
	Key    string    `json:"key"`
	Kind   string    `json:"kind"`
	Status string    `json:"status"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

// Bus is an in-process pub/sub for artifact transitions. The transport is
// watermill's gochannel: this system is single-process, so a broker would
// only add a network hop to messages that never leave the binary.
type Bus struct {
	pubsub *gochannel.GoChannel
	log    zerolog.Logger
}

// NewBus creates the bus.
func NewBus() *Bus {
	log := logging.With().Str("component", "events").Logger()
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 64,
		}, zerologAdapter{log: log}),
		log: log,
	}
}

// AttachCache publishes every transition of c onto the bus. The returned
// function detaches.
func (b *Bus) AttachCache(c *cache.Cache) func() {
	return c.SubscribeAll(func(e cache.Entry) {
		if err := b.publish(e); err != nil {
			b.log.Debug().Err(err).Msg("publish transition")
		}
	})
}

func (b *Bus) publish(e cache.Entry) error {
	t := Transition{
		Key:    e.Fingerprint.Key(),
		Kind:   e.Fingerprint.Kind(),
		Status: string(e.Status),
		At:     time.Now(),
	}
	if e.Err != nil {
		t.Error = e.Err.Error()
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode transition: %w", err)
	}
	return b.pubsub.Publish(TopicTransitions, message.NewMessage(watermill.NewUUID(), payload))
}

// Transitions subscribes to the transition feed. The returned channel closes
// when ctx ends. Messages that fail to decode are acked and dropped.
func (b *Bus) Transitions(ctx context.Context) (<-chan Transition, error) {
	msgs, err := b.pubsub.Subscribe(ctx, TopicTransitions)
	if err != nil {
		return nil, fmt.Errorf("subscribe transitions: %w", err)
	}
	out := make(chan Transition)
	go func() {
		defer close(out)
		for msg := range msgs {
			var t Transition
			if err := json.Unmarshal(msg.Payload, &t); err != nil {
				b.log.Debug().Err(err).Str("msg", msg.UUID).Msg("drop undecodable transition")
				msg.Ack()
				continue
			}
			select {
			case out <- t:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}()
	return out, nil
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}

// zerologAdapter lets watermill log through the process logger.
type zerologAdapter struct {
	log zerolog.Logger
}

func (a zerologAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.event(a.log.Error().Err(err), msg, fields)
}

func (a zerologAdapter) Info(msg string, fields watermill.LogFields) {
	a.event(a.log.Debug(), msg, fields)
}

func (a zerologAdapter) Debug(msg string, fields watermill.LogFields) {
	a.event(a.log.Debug(), msg, fields)
}

func (a zerologAdapter) Trace(msg string, fields watermill.LogFields) {
	a.event(a.log.Trace(), msg, fields)
}

func (a zerologAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	ctx := a.log.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return zerologAdapter{log: ctx.Logger()}
}

func (a zerologAdapter) event(ev *zerolog.Event, msg string, fields watermill.LogFields) {
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}
