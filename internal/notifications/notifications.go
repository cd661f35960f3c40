// Package notifications evaluates broadcast events against user-defined
// rules and delivers matches to webhook or email targets.
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/logwarden/logwarden/internal/models"
)

// Channel selects the delivery mechanism for a rule.
type Channel string

const (
	ChannelWebhook Channel = "webhook"
	ChannelEmail   Channel = "email"
)

// Rule matches events and names a destination.
type Rule struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Enabled     bool               `json:"enabled"`
	Channel     Channel            `json:"channel"`
	Target      string             `json:"target"` // webhook URL or recipient address
	MinPriority int                `json:"minPriority"`
	EventTypes  []models.EventType `json:"eventTypes,omitempty"`
	Sources     []string           `json:"sources,omitempty"`
	Cooldown    time.Duration      `json:"cooldown"`
}

func (r *Rule) matches(update models.EventUpdate) bool {
	if !r.Enabled {
		return false
	}
	if r.MinPriority > 0 && update.Priority < r.MinPriority {
		return false
	}
	if len(r.EventTypes) > 0 {
		found := false
		for _, t := range r.EventTypes {
			if t == update.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(r.Sources) > 0 {
		found := false
		for _, s := range r.Sources {
			if s == update.Source {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// SMTPConfig holds the outbound mail settings, empty when email delivery
// is disabled.
type SMTPConfig struct {
	Host string
	Port int
	User string
	Pass string
	From string
}

// Dispatcher fans matching events out to rule targets. Delivery runs in
// the caller's goroutine budget via a small worker channel so a slow
// webhook cannot stall the broadcaster.
type Dispatcher struct {
	httpClient *http.Client
	smtpConfig SMTPConfig

	mu       sync.RWMutex
	rules    map[string]*Rule
	lastSent map[string]time.Time

	work   chan delivery
	cancel context.CancelFunc
	done   chan struct{}
}

type delivery struct {
	rule   Rule
	update models.EventUpdate
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(smtpConfig SMTPConfig) *Dispatcher {
	return &Dispatcher{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		smtpConfig: smtpConfig,
		rules:      make(map[string]*Rule),
		lastSent:   make(map[string]time.Time),
		work:       make(chan delivery, 256),
	}
}

// Start launches the delivery worker.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	go func() {
		defer close(d.done)
		for {
			select {
			case item := <-d.work:
				d.deliver(ctx, item)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop terminates the worker. Idempotent.
func (d *Dispatcher) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	<-d.done
}

// SetRule installs or replaces a rule, assigning an ID when absent.
func (d *Dispatcher) SetRule(rule Rule) Rule {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.Cooldown <= 0 {
		rule.Cooldown = time.Minute
	}
	d.mu.Lock()
	d.rules[rule.ID] = &rule
	d.mu.Unlock()
	return rule
}

// DeleteRule removes a rule by ID.
func (d *Dispatcher) DeleteRule(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.rules[id]; !ok {
		return false
	}
	delete(d.rules, id)
	delete(d.lastSent, id)
	return true
}

// Rules lists the configured rules.
func (d *Dispatcher) Rules() []Rule {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Rule, 0, len(d.rules))
	for _, r := range d.rules {
		out = append(out, *r)
	}
	return out
}

// Notify queues deliveries for every rule update matches, subject to each
// rule's cooldown. Safe to call from the broadcast path.
func (d *Dispatcher) Notify(update models.EventUpdate) {
	now := time.Now()
	d.mu.Lock()
	var matched []Rule
	for id, rule := range d.rules {
		if !rule.matches(update) {
			continue
		}
		if now.Sub(d.lastSent[id]) < rule.Cooldown {
			continue
		}
		d.lastSent[id] = now
		matched = append(matched, *rule)
	}
	d.mu.Unlock()

	for _, rule := range matched {
		select {
		case d.work <- delivery{rule: rule, update: update}:
		default:
			log.Warn().Str("rule", rule.Name).Msg("Notification queue full, delivery dropped")
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, item delivery) {
	var err error
	switch item.rule.Channel {
	case ChannelWebhook:
		err = d.sendWebhook(ctx, item)
	case ChannelEmail:
		err = d.sendEmail(item)
	default:
		err = fmt.Errorf("unknown channel %q", item.rule.Channel)
	}
	if err != nil {
		log.Error().Err(err).Str("rule", item.rule.Name).
			Str("channel", string(item.rule.Channel)).Msg("Notification delivery failed")
	}
}

func (d *Dispatcher) sendWebhook(ctx context.Context, item delivery) error {
	body, err := json.Marshal(map[string]any{
		"rule":  item.rule.Name,
		"event": item.update,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, item.rule.Target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

func (d *Dispatcher) sendEmail(item delivery) error {
	if d.smtpConfig.Host == "" {
		return fmt.Errorf("smtp not configured")
	}
	subject := fmt.Sprintf("[logwarden] %s (priority %d)", item.update.Type, item.update.Priority)
	detail, _ := json.MarshalIndent(item.update.Data, "", "  ")

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", d.smtpConfig.From)
	fmt.Fprintf(&msg, "To: %s\r\n", item.rule.Target)
	fmt.Fprintf(&msg, "Subject: %s\r\n\r\n", subject)
	fmt.Fprintf(&msg, "Rule: %s\nSource: %s\nTime: %s\n\n%s\n",
		item.rule.Name, item.update.Source, item.update.Timestamp.Format(time.RFC3339), detail)

	addr := fmt.Sprintf("%s:%d", d.smtpConfig.Host, d.smtpConfig.Port)
	var auth smtp.Auth
	if d.smtpConfig.User != "" {
		auth = smtp.PlainAuth("", d.smtpConfig.User, d.smtpConfig.Pass, d.smtpConfig.Host)
	}
	return smtp.SendMail(addr, auth, d.smtpConfig.From, []string{item.rule.Target}, []byte(msg.String()))
}
