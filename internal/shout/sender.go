package shout

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/playa/presence/internal/metrics"
	"github.com/playa/presence/internal/moderation"
	"github.com/playa/presence/internal/ratelimit"
	"github.com/playa/presence/internal/venue"
)

// DefaultCooldown is the pause after a send before the next one is accepted.
const DefaultCooldown = 700 * time.Millisecond

var (
	ErrCoolingDown = errors.New("shout: cooling down")
	ErrRateLimited = errors.New("shout: rate limited")
	ErrBlocked     = errors.New("shout: blocked by moderation")
)

// Writer persists a shout. *venue.ShoutStore implements it.
type Writer interface {
	Add(ctx context.Context, shout venue.Shout) error
}

// Limiter is the part of *ratelimit.Limiter the sender uses.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// SenderConfig configures a Sender. Filter and Limiter are optional.
type SenderConfig struct {
	UID      string
	Cooldown time.Duration
	Filter   *moderation.Filter
	Limiter  Limiter
	Clock    Clock
}

// Sender posts shouts for the local user. After each successful send it
// refuses further sends until the cooldown elapses.
type Sender struct {
	config SenderConfig
	store  Writer

	sendMu sync.Mutex // one send at a time

	mu      sync.Mutex
	cooling bool
	gen     uint64
	timer   Timer
}

// NewSender creates a sender writing to store.
func NewSender(config SenderConfig, store Writer) *Sender {
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultCooldown
	}
	if config.Clock == nil {
		config.Clock = SystemClock
	}
	return &Sender{config: config, store: store}
}

// CoolingDown reports whether a send would be refused right now.
func (s *Sender) CoolingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cooling
}

// Send validates, moderates and rate limits text, then writes it as a shout
// by the local user and restarts the cooldown.
func (s *Sender) Send(ctx context.Context, text string) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.CoolingDown() {
		metrics.ShoutsSent.WithLabelValues("cooldown").Inc()
		return ErrCoolingDown
	}

	text = strings.TrimSpace(text)
	if err := ValidateText(text); err != nil {
		metrics.ShoutsSent.WithLabelValues("invalid").Inc()
		return err
	}

	if s.config.Filter != nil {
		if r := s.config.Filter.Check(text); r.Blocked {
			metrics.ShoutsSent.WithLabelValues("blocked").Inc()
			log.Printf("[shout] blocked uid=%s reason=%s term=%s", s.config.UID, r.Reason, r.Term)
			return fmt.Errorf("%w: %s", ErrBlocked, r.Reason)
		}
	}

	if s.config.Limiter != nil {
		ok, err := s.config.Limiter.Allow(ctx, s.config.UID, ratelimit.RuleShout)
		if err != nil {
			log.Printf("[shout] rate limit check uid=%s: %v", s.config.UID, err)
		}
		if !ok {
			metrics.ShoutsSent.WithLabelValues("rate_limited").Inc()
			return ErrRateLimited
		}
	}

	shout := venue.Shout{
		CreatedBy: s.config.UID,
		Text:      text,
		CreatedAt: s.config.Clock.Now().UnixMilli(),
	}
	if err := s.store.Add(ctx, shout); err != nil {
		metrics.ShoutsSent.WithLabelValues("error").Inc()
		return fmt.Errorf("shout: send: %w", err)
	}

	s.startCooldown()
	metrics.ShoutsSent.WithLabelValues("sent").Inc()
	return nil
}

// Close cancels a pending cooldown.
func (s *Sender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.cooling = false
	s.gen++
}

func (s *Sender) startCooldown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.cooling = true
	s.timer = s.config.Clock.AfterFunc(s.config.Cooldown, func() {
		s.mu.Lock()
		if s.gen == gen {
			s.cooling = false
			s.timer = nil
		}
		s.mu.Unlock()
	})
}
