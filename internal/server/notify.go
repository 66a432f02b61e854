package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"cyclegate/internal/config"
	"cyclegate/internal/domain"
	"cyclegate/internal/repo"
)

const (
	defaultNotifyInterval = 2 * time.Second
	defaultWebhookTimeout = 5 * time.Second
	defaultNotifyBatch    = 100
)

// Notification is the body delivered to every sink.
type Notification struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	Service    string          `json:"service"`
	CycleID    string          `json:"cycle_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

// Sink receives notifications for the event types it accepts.
type Sink interface {
	Name() string
	Accepts(evtType string) bool
	Deliver(ctx context.Context, n Notification) error
}

// Dispatcher follows the event log and hands each new event to every sink
// once. Each sink keeps its own cursor, so a failing sink retries from the
// event it could not deliver without holding the others back.
type Dispatcher struct {
	Repo     repo.Repo
	Service  string
	Sinks    []Sink
	Logger   *slog.Logger
	Interval time.Duration

	mu      sync.Mutex
	cursors map[string]int64
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Run dispatches until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	if len(d.Sinks) == 0 {
		return nil
	}
	interval := d.Interval
	if interval <= 0 {
		interval = defaultNotifyInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// DispatchOnce delivers one batch per sink.
func (d *Dispatcher) DispatchOnce(ctx context.Context) {
	for _, sink := range d.Sinks {
		d.dispatch(ctx, sink)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, sink Sink) {
	cursor, err := d.cursorFor(ctx, sink)
	if err != nil {
		d.logger().Error("notify: init cursor failed", "sink", sink.Name(), "err", err)
		return
	}
	evts, err := d.Repo.EventsAfter(ctx, defaultNotifyBatch, cursor)
	if err != nil {
		d.logger().Error("notify: fetch events failed", "sink", sink.Name(), "err", err)
		return
	}
	for _, evt := range evts {
		if sink.Accepts(evt.Type) {
			if err := sink.Deliver(ctx, d.notification(evt)); err != nil {
				d.logger().Warn("notify: delivery failed", "sink", sink.Name(), "event_id", evt.ID, "err", err)
				return
			}
		}
		d.setCursor(sink, evt.ID)
	}
}

// Rewind makes the next dispatch start after the given event id for every sink.
func (d *Dispatcher) Rewind(cursor int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cursors = make(map[string]int64, len(d.Sinks))
	for _, s := range d.Sinks {
		d.cursors[s.Name()] = cursor
	}
}

// cursorFor starts a new sink at the head of the log; history is not replayed.
func (d *Dispatcher) cursorFor(ctx context.Context, sink Sink) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cursors == nil {
		d.cursors = map[string]int64{}
	}
	if cur, ok := d.cursors[sink.Name()]; ok {
		return cur, nil
	}
	cur, err := d.Repo.LatestEventID(ctx)
	if err != nil {
		return 0, err
	}
	d.cursors[sink.Name()] = cur
	return cur, nil
}

func (d *Dispatcher) setCursor(sink Sink, id int64) {
	d.mu.Lock()
	d.cursors[sink.Name()] = id
	d.mu.Unlock()
}

func (d *Dispatcher) notification(evt domain.Event) Notification {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return Notification{
		ID:         evt.ID,
		Type:       evt.Type,
		Service:    d.Service,
		CycleID:    evt.CycleID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	}
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}

// WebhookSink POSTs each notification as JSON.
type WebhookSink struct {
	Hook   config.WebhookConfig
	Client *http.Client
	filter eventFilter
}

func NewWebhookSink(hook config.WebhookConfig) *WebhookSink {
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	return &WebhookSink{Hook: hook, Client: &http.Client{Timeout: timeout}, filter: newEventFilter(hook.Events)}
}

func (s *WebhookSink) Name() string {
	if s.Hook.ID != "" {
		return "webhook:" + s.Hook.ID
	}
	return "webhook:" + s.Hook.URL
}

func (s *WebhookSink) Accepts(evtType string) bool { return s.filter.match(evtType) }

func (s *WebhookSink) Deliver(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Cyclegate-Event", n.Type)
	req.Header.Set("X-Cyclegate-Delivery", fmt.Sprintf("%d", n.ID))
	if strings.TrimSpace(s.Hook.Secret) != "" {
		req.Header.Set("X-Cyclegate-Secret", s.Hook.Secret)
	}
	res, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Publisher is the part of a redis client the sink needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisSink publishes each notification on a pub/sub channel.
type RedisSink struct {
	Client  Publisher
	Channel string
	filter  eventFilter
}

func NewRedisSink(client Publisher, channel string, events []string) *RedisSink {
	return &RedisSink{Client: client, Channel: channel, filter: newEventFilter(events)}
}

func (s *RedisSink) Name() string { return "redis:" + s.Channel }

func (s *RedisSink) Accepts(evtType string) bool { return s.filter.match(evtType) }

func (s *RedisSink) Deliver(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return s.Client.Publish(ctx, s.Channel, data).Err()
}

// ConnectRedis accepts a redis:// URL or a bare host:port.
func ConnectRedis(redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

// SinksFromConfig builds the enabled sinks. The returned close function
// releases the redis connection if one was opened.
func SinksFromConfig(cfg *config.Config) ([]Sink, func() error, error) {
	noop := func() error { return nil }
	if cfg == nil {
		return nil, noop, nil
	}
	var sinks []Sink
	for _, hook := range cfg.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		sinks = append(sinks, NewWebhookSink(hook))
	}
	rc := cfg.Notifications.Redis
	if !rc.Enabled {
		return sinks, noop, nil
	}
	client, err := ConnectRedis(rc.URL)
	if err != nil {
		return nil, noop, err
	}
	sinks = append(sinks, NewRedisSink(client, cfg.RedisChannel(), rc.Events))
	return sinks, client.Close, nil
}
