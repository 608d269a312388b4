// Package events gives publish/subscribe semantics for workspace
// lifecycle events, backed by Redis pub/sub so that every server process
// observes update cycles regardless of which process triggered them.
package events

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Lifecycle topics. Message payloads are the workspace id as plain text.
const (
	TopicUpdateStarted  = "workspace-update-started"
	TopicUpdateFinished = "workspace-update-finished"
	TopicUpdateFailed   = "workspace-update-failed"
)

// Handler receives a lifecycle topic and the workspace id it concerns.
type Handler func(topic string, workspaceID string)

// Bus is the publish/subscribe surface the room manager depends on.
type Bus interface {
	Publish(ctx context.Context, topic, workspaceID string) error
	Subscribe(ctx context.Context, handler Handler) error
	Close() error
}

// RedisBus implements Bus on go-redis pub/sub.
type RedisBus struct {
	rdb *redis.Client
	sub *redis.PubSub
	log *logrus.Entry
}

// NewRedisBus returns a bus backed by the given Redis client.
func NewRedisBus(rdb *redis.Client) *RedisBus {
	return &RedisBus{
		rdb: rdb,
		log: logrus.WithField("component", "events"),
	}
}

// Publish sends a workspace id on a lifecycle topic.
func (b *RedisBus) Publish(ctx context.Context, topic, workspaceID string) error {
	return b.rdb.Publish(ctx, topic, workspaceID).Err()
}

// Subscribe registers the handler for all three lifecycle topics and
// starts the delivery loop. A failing handler must not stop delivery for
// other workspaces, so handler panics are contained per message.
func (b *RedisBus) Subscribe(ctx context.Context, handler Handler) error {
	sub := b.rdb.Subscribe(ctx,
		TopicUpdateStarted,
		TopicUpdateFinished,
		TopicUpdateFailed,
	)
	// Force the subscription to be established before returning so a
	// publisher racing with startup is not missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return err
	}
	b.sub = sub

	go func() {
		for msg := range sub.Channel() {
			b.dispatch(handler, msg.Channel, msg.Payload)
		}
	}()
	return nil
}

func (b *RedisBus) dispatch(handler Handler, topic, workspaceID string) {
	defer func() {
		if r := recover(); r != nil {
			b.log.WithFields(logrus.Fields{
				"topic":     topic,
				"workspace": workspaceID,
				"panic":     r,
			}).Error("lifecycle handler panicked")
		}
	}()
	handler(topic, workspaceID)
}

// Close tears the subscription down.
func (b *RedisBus) Close() error {
	if b.sub != nil {
		return b.sub.Close()
	}
	return nil
}
