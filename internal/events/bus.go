// QuakeWatch - Earthquake Dashboard Visitor Analytics
// Copyright 2026 QuakeWatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quakewatch/quakewatch

// Package events provides the in-process publish/subscribe fabric that
// decouples security event production from persistence. The monitor
// publishes onto a Watermill gochannel bus; a supervised subscriber appends
// to the event store. A failing or slow event write therefore never blocks
// or unwinds the session update that raised the event.
package events

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// TopicSecurityEvents carries serialized security events.
const TopicSecurityEvents = "security.events"

// Bus is an in-process Watermill pub/sub with buffered delivery.
type Bus struct {
	channel *gochannel.GoChannel
}

// NewBus creates the bus. The output buffer absorbs bursts so publishers
// do not block on slow subscribers.
func NewBus() *Bus {
	return &Bus{
		channel: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 256,
		}, NewWatermillLogger()),
	}
}

// Publish sends payload to the topic. It does not wait for consumption.
func (b *Bus) Publish(topic string, payload []byte) error {
	msg := message.NewMessage(watermill.NewUUID(), payload)
	return b.channel.Publish(topic, msg)
}

// Subscribe returns the message channel for a topic.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return b.channel.Subscribe(ctx, topic)
}

// Close shuts the bus down; pending buffered messages are dropped.
func (b *Bus) Close() error {
	return b.channel.Close()
}
