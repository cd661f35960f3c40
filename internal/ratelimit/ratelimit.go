// Package ratelimit gates client requests behind a token bucket and a
// sliding burst window, with progressive blocking for repeat offenders.
package ratelimit

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Options tune the limiter.
type Options struct {
	RequestsPerMinute int
	BurstLimit        int           // max requests inside BurstWindow
	BurstWindow       time.Duration // default 10s
	ViolationWindow   time.Duration // default 10m
	SuspiciousAfter   int           // violations marking a client suspicious
	BlockAfter        int           // violations blocking a client
	BlockDuration     time.Duration // default 30m, extends on further violations
}

func (o *Options) setDefaults() {
	if o.RequestsPerMinute < 1 {
		o.RequestsPerMinute = 120
	}
	if o.BurstLimit < 1 {
		o.BurstLimit = 30
	}
	if o.BurstWindow <= 0 {
		o.BurstWindow = 10 * time.Second
	}
	if o.ViolationWindow <= 0 {
		o.ViolationWindow = 10 * time.Minute
	}
	if o.SuspiciousAfter < 1 {
		o.SuspiciousAfter = 5
	}
	if o.BlockAfter <= o.SuspiciousAfter {
		o.BlockAfter = 20
	}
	if o.BlockDuration <= 0 {
		o.BlockDuration = 30 * time.Minute
	}
}

// botAgents are user-agent fragments treated as automated traffic.
var botAgents = []string{"bot", "crawler", "spider", "scraper", "curl/", "python-requests", "wget/"}

type clientState struct {
	bucket     *rate.Limiter
	strict     *rate.Limiter // applied once suspicious
	recent     []time.Time   // requests inside the burst window
	violations []time.Time   // violations inside the violation window
	suspicious bool
	blockedTil time.Time
	lastSeen   time.Time
}

// Status is the admin view of one client.
type Status struct {
	Client       string    `json:"client"`
	Suspicious   bool      `json:"suspicious"`
	Blocked      bool      `json:"blocked"`
	BlockedUntil time.Time `json:"blockedUntil,omitzero"`
	Violations   int       `json:"violations"`
}

// Limiter tracks per-client state. Clients are identified by IP or
// "user:<id>".
type Limiter struct {
	opts Options

	mu      sync.Mutex
	clients map[string]*clientState

	// OnViolation, when set, observes each rejected request.
	OnViolation func(client, endpoint, reason string)

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a limiter and starts its idle-state reaper.
func New(opts Options) *Limiter {
	opts.setDefaults()
	l := &Limiter{
		opts:    opts,
		clients: make(map[string]*clientState),
		stop:    make(chan struct{}),
	}
	go l.reaper()
	return l
}

// Stop terminates the reaper.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// MarkAgent flags bot-like user agents as suspicious on first sight.
func (l *Limiter) MarkAgent(client, userAgent string) {
	agent := strings.ToLower(userAgent)
	for _, fragment := range botAgents {
		if strings.Contains(agent, fragment) {
			l.mu.Lock()
			state := l.state(client)
			if !state.suspicious {
				state.suspicious = true
				log.Info().Str("client", client).Str("agent", userAgent).
					Msg("Bot-like agent marked suspicious")
			}
			l.mu.Unlock()
			return
		}
	}
}

// Check reports whether the request is allowed. Both gates must pass. A
// rejection counts as a violation and may escalate the client.
func (l *Limiter) Check(client, endpoint string) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	state := l.state(client)
	state.lastSeen = now

	if now.Before(state.blockedTil) {
		// Further traffic while blocked extends the block.
		state.blockedTil = now.Add(l.opts.BlockDuration)
		l.violation(state, client, endpoint, "blocked")
		return false
	}

	bucket := state.bucket
	if state.suspicious {
		bucket = state.strict
	}
	if !bucket.Allow() {
		l.violation(state, client, endpoint, "rate_exceeded")
		return false
	}

	// Sliding burst window.
	cutoff := now.Add(-l.opts.BurstWindow)
	kept := state.recent[:0]
	for _, t := range state.recent {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	state.recent = kept
	if len(state.recent) >= l.opts.BurstLimit {
		l.violation(state, client, endpoint, "burst_exceeded")
		return false
	}
	state.recent = append(state.recent, now)
	return true
}

// violation records a rejection and escalates suspicious/blocked state.
// Caller holds l.mu.
func (l *Limiter) violation(state *clientState, client, endpoint, reason string) {
	now := time.Now()
	cutoff := now.Add(-l.opts.ViolationWindow)
	kept := state.violations[:0]
	for _, t := range state.violations {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	state.violations = append(kept, now)

	count := len(state.violations)
	if count > l.opts.BlockAfter {
		if now.After(state.blockedTil) {
			log.Warn().Str("client", client).Int("violations", count).
				Msg("Client blocked by rate limiter")
		}
		state.blockedTil = now.Add(l.opts.BlockDuration)
	} else if count > l.opts.SuspiciousAfter && !state.suspicious {
		state.suspicious = true
		log.Warn().Str("client", client).Int("violations", count).
			Msg("Client marked suspicious")
	}

	if l.OnViolation != nil {
		l.OnViolation(client, endpoint, reason)
	}
}

// Clear resets a client's limiter state (admin operation).
func (l *Limiter) Clear(client string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.clients, client)
}

// Status returns the admin view of one client.
func (l *Limiter) Status(client string) Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.clients[client]
	if !ok {
		return Status{Client: client}
	}
	now := time.Now()
	return Status{
		Client:       client,
		Suspicious:   state.suspicious,
		Blocked:      now.Before(state.blockedTil),
		BlockedUntil: state.blockedTil,
		Violations:   len(state.violations),
	}
}

// state fetches or creates per-client state. Caller holds l.mu.
func (l *Limiter) state(client string) *clientState {
	if state, ok := l.clients[client]; ok {
		return state
	}
	perSecond := rate.Limit(float64(l.opts.RequestsPerMinute) / 60.0)
	state := &clientState{
		bucket:   rate.NewLimiter(perSecond, l.opts.RequestsPerMinute),
		strict:   rate.NewLimiter(perSecond/4, l.opts.RequestsPerMinute/4+1),
		lastSeen: time.Now(),
	}
	l.clients[client] = state
	return state
}

// reaper drops state for clients idle past the violation window.
func (l *Limiter) reaper() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * l.opts.ViolationWindow)
			l.mu.Lock()
			for client, state := range l.clients {
				if state.lastSeen.Before(cutoff) && time.Now().After(state.blockedTil) {
					delete(l.clients, client)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}
