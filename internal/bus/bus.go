// Package bus provides the message-bus abstraction the proxy relays
// envelopes through: topic topology management, session-ordered publish,
// and filtered receive with explicit settlement.
package bus

import (
	"context"
	"fmt"
	"strings"

	"github.com/arcline/a2a-busproxy/internal/envelope"
)

// Topic naming: one triple per agent group.
func RequestsTopic(group string) string   { return "a2a." + group + ".requests" }
func ResponsesTopic(group string) string  { return "a2a." + group + ".responses" }
func DeadletterTopic(group string) string { return "a2a." + group + ".deadletter" }

// SubscriptionName derives the durable subscription name for a proxy,
// group, and role ("req" or "resp").
func SubscriptionName(proxyID, group, role string) string {
	return proxyID + "." + group + "." + role
}

// deadletterFor maps a requests/responses topic onto its group's
// deadletter topic.
func deadletterFor(topic string) string {
	i := strings.LastIndex(topic, ".")
	if i < 0 {
		return topic + ".deadletter"
	}
	return topic[:i] + ".deadletter"
}

// User-property names carried on every published message.
const (
	PropToAgent     = "toAgent"
	PropFromAgent   = "fromAgent"
	PropGroup       = "group"
	PropToProxy     = "toProxy"
	PropFromProxy   = "fromProxy"
	PropMessageType = "messageType"
)

// Selector filters deliveries on a single user property, mirroring the
// server-side subscription filters of a cloud bus. An empty selector
// matches everything.
type Selector struct {
	Property string
	Value    string
}

func (s Selector) Matches(props map[string]string) bool {
	if s.Property == "" {
		return true
	}
	return props[s.Property] == s.Value
}

func (s Selector) String() string {
	if s.Property == "" {
		return "*"
	}
	return fmt.Sprintf("%s = '%s'", s.Property, s.Value)
}

// Properties builds the user-property map for an envelope. toProxy names
// the proxy whose subscription should pick up the message; empty means
// any.
func Properties(env *envelope.Envelope, toProxy string) map[string]string {
	props := map[string]string{
		PropToAgent:     env.ToAgent,
		PropFromAgent:   env.FromAgent,
		PropGroup:       env.Group,
		PropMessageType: string(env.Kind),
	}
	if toProxy != "" {
		props[PropToProxy] = toProxy
	}
	return props
}

// Delivery is one received message. Exactly one of Ack, Abandon, or
// DeadLetter must be called by the owning handler; the adapter never
// settles a delivered message on the handler's behalf.
type Delivery struct {
	MessageID     string
	CorrelationID string
	SessionID     string
	Properties    map[string]string
	Envelope      *envelope.Envelope
	DeliveryCount int64

	ack        func(context.Context) error
	abandon    func(context.Context) error
	deadLetter func(context.Context, string) error
}

// NewDelivery assembles a Delivery with explicit settlement callbacks.
// Adapters (and their tests) build deliveries through this.
func NewDelivery(env *envelope.Envelope, props map[string]string,
	ack, abandon func(context.Context) error,
	deadLetter func(context.Context, string) error) *Delivery {
	return &Delivery{
		CorrelationID: env.CorrelationID,
		SessionID:     env.CorrelationID,
		Properties:    props,
		Envelope:      env,
		ack:           ack,
		abandon:       abandon,
		deadLetter:    deadLetter,
	}
}

// Ack settles the message as successfully processed.
func (d *Delivery) Ack(ctx context.Context) error { return d.ack(ctx) }

// Abandon returns the message to the subscription for redelivery. Once
// its delivery count exceeds max_retry_count (the first delivery plus
// max_retry_count redeliveries) the adapter dead-letters it.
func (d *Delivery) Abandon(ctx context.Context) error { return d.abandon(ctx) }

// DeadLetter moves the message to the group's deadletter topic.
func (d *Delivery) DeadLetter(ctx context.Context, reason string) error {
	return d.deadLetter(ctx, reason)
}

// Handler processes one delivery. The handler owns settlement.
type Handler func(ctx context.Context, d *Delivery)

// Subscription is a handle on an active receive loop.
type Subscription interface {
	Close() error
}

// Adapter is the bus contract the routing engine depends on.
type Adapter interface {
	// EnsureTopology idempotently creates the requests/responses/deadletter
	// topic triple for each group.
	EnsureTopology(ctx context.Context, groups []string) error

	// Subscribe attaches a durable subscription to topic and delivers
	// matching envelopes to h until the subscription is closed.
	Subscribe(ctx context.Context, topic, name string, sel Selector, h Handler) (Subscription, error)

	// Publish sends env to topic keyed on its correlation id so all
	// messages of one correlation are delivered in publish order.
	Publish(ctx context.Context, topic string, env *envelope.Envelope, props map[string]string) error

	Close() error
}
