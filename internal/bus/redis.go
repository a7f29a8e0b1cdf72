package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/arcline/a2a-busproxy/internal/envelope"
)

// ErrTopologyRefused signals that the broker denied topology creation.
// The coordinator maps this onto its dedicated exit code.
var ErrTopologyRefused = errors.New("topology creation refused")

// Stream entry field names.
const (
	fieldBody          = "body"
	fieldMessageID     = "message_id"
	fieldCorrelationID = "correlation_id"
	fieldSessionID     = "session_id"
	fieldContentType   = "content_type"

	contentTypeJSON = "application/json"

	topicMetaPrefix = "a2a.topicmeta."
)

// Expected topic properties, recorded next to each stream so divergent
// pre-existing topology can be detected.
var topicDefaults = map[string]string{
	"max_size_mb":         "1024",
	"message_ttl_ms":      "3600000",
	"duplicate_window_ms": "600000",
	"partitioning":        "true",
	"ordering":            "true",
}

// RedisOptions configures the Redis Streams adapter.
type RedisOptions struct {
	URL      string
	Password string
	DB       int

	MaxRetryCount  int           // publish retries and max redeliveries before dead-lettering
	RetryBaseDelay time.Duration // backoff base
	RetryMaxDelay  time.Duration // backoff ceiling
	ReceiveBlock   time.Duration // XREADGROUP block time
	ClaimMinIdle   time.Duration // pending entries older than this are reclaimed
	ClaimInterval  time.Duration // how often the reclaim pass runs
}

func (o *RedisOptions) applyDefaults() {
	if o.MaxRetryCount <= 0 {
		o.MaxRetryCount = 3
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 250 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 10 * time.Second
	}
	if o.ReceiveBlock <= 0 {
		o.ReceiveBlock = 5 * time.Second
	}
	if o.ClaimMinIdle <= 0 {
		o.ClaimMinIdle = 30 * time.Second
	}
	if o.ClaimInterval <= 0 {
		o.ClaimInterval = 10 * time.Second
	}
}

// Stats counts adapter-level drops that never reach a handler.
type Stats struct {
	ExpiredDropped int64
	PoisonMessages int64
	FilteredOut    int64
}

// RedisAdapter implements Adapter on Redis Streams. Each topic is a
// stream (totally ordered, which subsumes per-correlation session FIFO)
// and each durable subscription is a consumer group on that stream.
type RedisAdapter struct {
	client  *redis.Client
	proxyID string
	opts    RedisOptions
	logger  *slog.Logger

	expiredDropped atomic.Int64
	poisonMessages atomic.Int64
	filteredOut    atomic.Int64

	mu     sync.Mutex
	subs   []*redisSubscription
	closed bool
}

// NewRedis builds the adapter without connecting; Connect dials and
// verifies the broker.
func NewRedis(opts RedisOptions, proxyID string, logger *slog.Logger) (*RedisAdapter, error) {
	opts.applyDefaults()

	ro, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid bus url: %w", err)
	}
	if opts.Password != "" {
		ro.Password = opts.Password
	}
	ro.DB = opts.DB
	ro.DialTimeout = 5 * time.Second
	ro.ReadTimeout = opts.ReceiveBlock + 5*time.Second
	ro.WriteTimeout = 3 * time.Second

	return &RedisAdapter{
		client:  redis.NewClient(ro),
		proxyID: proxyID,
		opts:    opts,
		logger:  logger,
	}, nil
}

// Connect pings the broker with bounded retries.
func (a *RedisAdapter) Connect(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt <= a.opts.MaxRetryCount; attempt++ {
		if err := a.client.Ping(ctx).Err(); err == nil {
			a.logger.Info("bus connected", slog.String("proxy_id", a.proxyID))
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoffDelay(attempt, a.opts.RetryBaseDelay, a.opts.RetryMaxDelay)):
		}
	}
	return fmt.Errorf("bus unreachable after %d attempts: %w", a.opts.MaxRetryCount+1, lastErr)
}

// EnsureTopology creates the topic triple for each group. Existing topics
// with divergent recorded properties are left untouched with a warning.
func (a *RedisAdapter) EnsureTopology(ctx context.Context, groups []string) error {
	for _, group := range groups {
		for _, topic := range []string{RequestsTopic(group), ResponsesTopic(group), DeadletterTopic(group)} {
			if err := a.ensureTopic(ctx, topic); err != nil {
				if isPermissionError(err) {
					return fmt.Errorf("%w: %s: %v", ErrTopologyRefused, topic, err)
				}
				return fmt.Errorf("create topic %s: %w", topic, err)
			}
		}
	}
	return nil
}

func (a *RedisAdapter) ensureTopic(ctx context.Context, topic string) error {
	// Materialise the stream. The bootstrap group is never consumed from;
	// real subscriptions create their own groups on attach.
	err := a.client.XGroupCreateMkStream(ctx, topic, "a2a.topology", "$").Err()
	if err != nil && !isBusyGroup(err) {
		return err
	}

	metaKey := topicMetaPrefix + topic
	existing, err := a.client.HGetAll(ctx, metaKey).Result()
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		fields := make(map[string]any, len(topicDefaults))
		for k, v := range topicDefaults {
			fields[k] = v
		}
		if err := a.client.HSet(ctx, metaKey, fields).Err(); err != nil {
			return err
		}
		a.logger.Info("topic created", slog.String("topic", topic))
		return nil
	}
	for k, want := range topicDefaults {
		if got, ok := existing[k]; ok && got != want {
			a.logger.Warn("topic exists with divergent properties, leaving untouched",
				slog.String("topic", topic),
				slog.String("property", k),
				slog.String("want", want),
				slog.String("got", got),
			)
		}
	}
	return nil
}

// Publish appends the envelope to topic with retries. The session id is
// the correlation id so all messages of one correlation share FIFO order.
func (a *RedisAdapter) Publish(ctx context.Context, topic string, env *envelope.Envelope, props map[string]string) error {
	body, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	values := map[string]any{
		fieldBody:          string(body),
		fieldMessageID:     uuid.New().String(),
		fieldCorrelationID: env.CorrelationID,
		fieldSessionID:     env.CorrelationID,
		fieldContentType:   contentTypeJSON,
	}
	for k, v := range props {
		values["prop."+k] = v
	}

	var lastErr error
	for attempt := 0; attempt <= a.opts.MaxRetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoffDelay(attempt-1, a.opts.RetryBaseDelay, a.opts.RetryMaxDelay)):
			}
		}
		if err := a.client.XAdd(ctx, &redis.XAddArgs{Stream: topic, Values: values}).Err(); err != nil {
			lastErr = err
			a.logger.Warn("publish failed, retrying",
				slog.String("topic", topic),
				slog.String("correlation_id", env.CorrelationID),
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()),
			)
			continue
		}
		return nil
	}
	return fmt.Errorf("publish to %s after %d attempts: %w", topic, a.opts.MaxRetryCount+1, lastErr)
}

// Subscribe attaches a consumer group named name to topic and starts the
// receive and reclaim loops.
func (a *RedisAdapter) Subscribe(ctx context.Context, topic, name string, sel Selector, h Handler) (Subscription, error) {
	err := a.client.XGroupCreateMkStream(ctx, topic, name, "$").Err()
	if err != nil && !isBusyGroup(err) {
		return nil, fmt.Errorf("create subscription %s on %s: %w", name, topic, err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &redisSubscription{
		adapter:  a,
		topic:    topic,
		name:     name,
		consumer: a.proxyID,
		selector: sel,
		handler:  h,
		cancel:   cancel,
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("adapter closed")
	}
	a.subs = append(a.subs, sub)
	a.mu.Unlock()

	sub.wg.Add(2)
	go sub.receiveLoop(subCtx)
	go sub.reclaimLoop(subCtx)

	a.logger.Info("subscription started",
		slog.String("topic", topic),
		slog.String("subscription", name),
		slog.String("selector", sel.String()),
	)
	return sub, nil
}

// StatsSnapshot returns adapter-level drop counters.
func (a *RedisAdapter) StatsSnapshot() Stats {
	return Stats{
		ExpiredDropped: a.expiredDropped.Load(),
		PoisonMessages: a.poisonMessages.Load(),
		FilteredOut:    a.filteredOut.Load(),
	}
}

func (a *RedisAdapter) Close() error {
	a.mu.Lock()
	a.closed = true
	subs := a.subs
	a.subs = nil
	a.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	return a.client.Close()
}

type redisSubscription struct {
	adapter  *RedisAdapter
	topic    string
	name     string
	consumer string
	selector Selector
	handler  Handler
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	once     sync.Once
}

func (s *redisSubscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
	return nil
}

func (s *redisSubscription) receiveLoop(ctx context.Context) {
	defer s.wg.Done()
	a := s.adapter
	attempt := 0

	for {
		if ctx.Err() != nil {
			return
		}
		streams, err := a.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.name,
			Consumer: s.consumer,
			Streams:  []string{s.topic, ">"},
			Count:    16,
			Block:    a.opts.ReceiveBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			attempt++
			delay := backoffDelay(attempt, a.opts.RetryBaseDelay, a.opts.RetryMaxDelay)
			a.logger.Warn("receive error, backing off",
				slog.String("subscription", s.name),
				slog.Duration("delay", delay),
				slog.String("error", err.Error()),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		attempt = 0
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				s.dispatch(ctx, msg, 1)
			}
		}
	}
}

// reclaimLoop picks up messages whose handler died without settling and
// redelivers them, dead-lettering past the max delivery count.
func (s *redisSubscription) reclaimLoop(ctx context.Context) {
	defer s.wg.Done()
	a := s.adapter
	ticker := time.NewTicker(a.opts.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pending, err := a.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: s.topic,
			Group:  s.name,
			Idle:   a.opts.ClaimMinIdle,
			Start:  "-",
			End:    "+",
			Count:  64,
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				a.logger.Warn("reclaim scan failed",
					slog.String("subscription", s.name),
					slog.String("error", err.Error()),
				)
			}
			continue
		}

		for _, p := range pending {
			msgs, err := a.client.XClaim(ctx, &redis.XClaimArgs{
				Stream:   s.topic,
				Group:    s.name,
				Consumer: s.consumer,
				MinIdle:  a.opts.ClaimMinIdle,
				Messages: []string{p.ID},
			}).Result()
			if err != nil || len(msgs) == 0 {
				continue
			}
			for _, msg := range msgs {
				if p.RetryCount > int64(a.opts.MaxRetryCount) {
					d := s.delivery(msg, p.RetryCount)
					if err := d.DeadLetter(ctx, "max delivery count exceeded"); err != nil {
						a.logger.Error("dead-letter failed",
							slog.String("message_id", msg.ID),
							slog.String("error", err.Error()),
						)
					}
					continue
				}
				s.dispatch(ctx, msg, p.RetryCount)
			}
		}
	}
}

// dispatch settles poison, expired, and non-matching messages itself;
// everything else is handed to the handler, which owns settlement.
func (s *redisSubscription) dispatch(ctx context.Context, msg redis.XMessage, deliveryCount int64) {
	a := s.adapter
	d := s.delivery(msg, deliveryCount)

	body, _ := msg.Values[fieldBody].(string)
	env, err := envelope.Decode([]byte(body))
	if err != nil {
		a.poisonMessages.Add(1)
		a.logger.Warn("poison message dead-lettered",
			slog.String("topic", s.topic),
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()),
		)
		if dlErr := d.DeadLetter(ctx, "undecodable envelope: "+err.Error()); dlErr != nil {
			a.logger.Error("dead-letter failed", slog.String("error", dlErr.Error()))
		}
		return
	}
	d.Envelope = env

	if env.Expired(time.Now()) {
		a.expiredDropped.Add(1)
		_ = d.Ack(ctx)
		return
	}
	if !s.selector.Matches(d.Properties) {
		a.filteredOut.Add(1)
		_ = d.Ack(ctx)
		return
	}
	s.handler(ctx, d)
}

func (s *redisSubscription) delivery(msg redis.XMessage, deliveryCount int64) *Delivery {
	a := s.adapter
	props := make(map[string]string)
	var messageID, correlationID, sessionID string
	for k, v := range msg.Values {
		sv, _ := v.(string)
		switch {
		case k == fieldMessageID:
			messageID = sv
		case k == fieldCorrelationID:
			correlationID = sv
		case k == fieldSessionID:
			sessionID = sv
		case strings.HasPrefix(k, "prop."):
			props[strings.TrimPrefix(k, "prop.")] = sv
		}
	}

	return &Delivery{
		MessageID:     messageID,
		CorrelationID: correlationID,
		SessionID:     sessionID,
		Properties:    props,
		DeliveryCount: deliveryCount,
		ack: func(ctx context.Context) error {
			return a.client.XAck(ctx, s.topic, s.name, msg.ID).Err()
		},
		abandon: func(ctx context.Context) error {
			// Leaving the entry pending returns it to the subscription;
			// the reclaim loop redelivers it after ClaimMinIdle.
			return nil
		},
		deadLetter: func(ctx context.Context, reason string) error {
			dlValues := make(map[string]any, len(msg.Values)+2)
			for k, v := range msg.Values {
				dlValues[k] = v
			}
			dlValues["deadletter_reason"] = reason
			dlValues["original_stream"] = s.topic
			if err := a.client.XAdd(ctx, &redis.XAddArgs{
				Stream: deadletterFor(s.topic),
				Values: dlValues,
			}).Err(); err != nil {
				return fmt.Errorf("dead-letter %s: %w", msg.ID, err)
			}
			return a.client.XAck(ctx, s.topic, s.name, msg.ID).Err()
		},
	}
}

// backoffDelay returns an exponential backoff with jitter for attempt
// (0-based), capped at max.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt > 20 {
		attempt = 20
	}
	d := base << uint(attempt)
	if d <= 0 || d > max {
		d = max
	}
	// Half-fixed, half-jittered so retry storms don't synchronise.
	return d/2 + time.Duration(rand.Int63n(int64(d)/2+1))
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

func isPermissionError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOPERM")
}
