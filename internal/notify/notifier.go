package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fenilsonani/mailstore/internal/logging"
	"github.com/fenilsonani/mailstore/internal/metrics"
)

// Notifier is the fan-out hook handlers fire after a mutation: local hub
// delivery plus a best-effort cross-process publish. Publish failures are
// logged and swallowed; a notification outage never fails a mutation.
type Notifier struct {
	hub    *Hub
	bridge *Bridge
	log    *logging.Logger
}

// NewNotifier returns a notifier over the hub. bridge may be nil for
// single-process deployments.
func NewNotifier(hub *Hub, bridge *Bridge, log *logging.Logger) *Notifier {
	return &Notifier{hub: hub, bridge: bridge, log: log.Notify()}
}

// Fire delivers the event locally and to other processes.
func (n *Notifier) Fire(ctx context.Context, ev Event) {
	n.hub.Publish(ev)
	metrics.EventsDropped.Set(float64(n.hub.Dropped()))
	if n.bridge != nil {
		if err := n.bridge.Publish(ctx, ev); err != nil {
			n.log.Warn("cross-process publish failed",
				"user_id", ev.UserID, "path", ev.Path, "error", err.Error())
		}
	}
}

// Bridge relays events between processes over redis pub/sub.
type Bridge struct {
	client  *redis.Client
	channel string
	log     *logging.Logger
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewBridge returns a bridge publishing on "<prefix>:events".
func NewBridge(client *redis.Client, prefix string, log *logging.Logger) *Bridge {
	return &Bridge{
		client:  client,
		channel: prefix + ":events",
		log:     log.Notify(),
	}
}

// Publish sends the event to other processes.
func (b *Bridge) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, data).Err()
}

// Start begins relaying remote events into the hub. Events published by this
// process come back through the subscription as well; hub delivery is
// idempotent enough for wake-up semantics that the duplicate is harmless to
// sessions, which re-read mailbox state on wake-up.
func (b *Bridge) Start(hub *Hub) {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})

	sub := b.client.Subscribe(ctx, b.channel)
	go func() {
		defer close(b.done)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.log.Warn("malformed event payload", "error", err.Error())
					continue
				}
				hub.Publish(ev)
			}
		}
	}()
}

// Stop ends the relay and waits briefly for the subscriber to exit.
func (b *Bridge) Stop() {
	if b.cancel == nil {
		return
	}
	b.cancel()
	select {
	case <-b.done:
	case <-time.After(5 * time.Second):
		b.log.Warn("bridge subscriber did not exit in time")
	}
}
