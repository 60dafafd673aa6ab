package shout

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/playa/presence/internal/moderation"
	"github.com/playa/presence/internal/ratelimit"
	"github.com/playa/presence/internal/venue"
)

type memWriter struct {
	shouts []venue.Shout
	err    error
}

func (w *memWriter) Add(_ context.Context, s venue.Shout) error {
	if w.err != nil {
		return w.err
	}
	w.shouts = append(w.shouts, s)
	return nil
}

type stubLimiter struct {
	allow bool
	err   error
	rules []ratelimit.Rule
}

func (l *stubLimiter) Allow(_ context.Context, _ string, rule ratelimit.Rule) (bool, error) {
	l.rules = append(l.rules, rule)
	return l.allow, l.err
}

func TestSender_CooldownRestartsOnSend(t *testing.T) {
	clock := newFakeClock()
	w := &memWriter{}
	s := NewSender(SenderConfig{UID: "me", Cooldown: 700 * time.Millisecond, Clock: clock}, w)
	ctx := context.Background()

	if err := s.Send(ctx, "  hello  "); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(w.shouts) != 1 || w.shouts[0].Text != "hello" || w.shouts[0].CreatedBy != "me" {
		t.Fatalf("unexpected stored shouts %+v", w.shouts)
	}
	if w.shouts[0].CreatedAt != clock.Now().UnixMilli() {
		t.Errorf("expected created_at from clock")
	}

	if err := s.Send(ctx, "again"); !errors.Is(err, ErrCoolingDown) {
		t.Fatalf("expected ErrCoolingDown, got %v", err)
	}

	clock.Advance(699 * time.Millisecond)
	if !s.CoolingDown() {
		t.Fatal("cooldown ended early")
	}
	clock.Advance(time.Millisecond)
	if s.CoolingDown() {
		t.Fatal("cooldown should have ended")
	}

	if err := s.Send(ctx, "again"); err != nil {
		t.Fatalf("Send after cooldown: %v", err)
	}
	if !s.CoolingDown() {
		t.Error("expected cooldown restarted")
	}
	s.Close()
	if s.CoolingDown() {
		t.Error("Close should clear the cooldown")
	}
}

func TestSender_Rejections(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		text    string
		limiter *stubLimiter
		want    error
	}{
		{"empty", "   ", nil, ErrInvalidText},
		{"too long", strings.Repeat("x", MaxShoutChars+1), nil, ErrInvalidText},
		{"moderated", "free bitcoin here", nil, ErrBlocked},
		{"spam", "visit http://evil.com", nil, ErrBlocked},
		{"rate limited", "hello", &stubLimiter{allow: false}, ErrRateLimited},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &memWriter{}
			cfg := SenderConfig{UID: "me", Filter: moderation.NewFilter(), Clock: newFakeClock()}
			if tt.limiter != nil {
				cfg.Limiter = tt.limiter
			}
			s := NewSender(cfg, w)

			err := s.Send(ctx, tt.text)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Send(%q) = %v, want %v", tt.text, err, tt.want)
			}
			if len(w.shouts) != 0 {
				t.Error("rejected shout was stored")
			}
			if s.CoolingDown() {
				t.Error("rejected shout started the cooldown")
			}
		})
	}
}

func TestSender_LimiterFailsOpen(t *testing.T) {
	w := &memWriter{}
	l := &stubLimiter{allow: true, err: errors.New("redis down")}
	s := NewSender(SenderConfig{UID: "me", Limiter: l, Clock: newFakeClock()}, w)

	if err := s.Send(context.Background(), "hi"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(l.rules) != 1 || l.rules[0] != ratelimit.RuleShout {
		t.Errorf("expected RuleShout, got %+v", l.rules)
	}
}

func TestSender_StoreError(t *testing.T) {
	w := &memWriter{err: errors.New("boom")}
	s := NewSender(SenderConfig{UID: "me", Clock: newFakeClock()}, w)

	if err := s.Send(context.Background(), "hi"); err == nil {
		t.Fatal("expected store error")
	}
	if s.CoolingDown() {
		t.Error("failed send must not start the cooldown")
	}
}

func TestValidateText(t *testing.T) {
	if err := ValidateText("ok"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateText(string([]byte{0xff})); !errors.Is(err, ErrInvalidText) {
		t.Errorf("expected invalid UTF-8 error, got %v", err)
	}
	if err := ValidateText(strings.Repeat("é", MaxShoutChars)); err != nil {
		t.Errorf("multi-byte text at the char limit rejected: %v", err)
	}
}

// fakeSubscriber records venue subscriptions.
type fakeSubscriber struct {
	handlers map[string]func([]byte)
}

func (f *fakeSubscriber) SubscribeVenue(venueID, kind, subscriber string, handler func([]byte)) error {
	if f.handlers == nil {
		f.handlers = make(map[string]func([]byte))
	}
	f.handlers[venueID+"/"+kind+"/"+subscriber] = handler
	return nil
}

func (f *fakeSubscriber) UnsubscribeVenue(venueID, kind, subscriber string) error {
	delete(f.handlers, venueID+"/"+kind+"/"+subscriber)
	return nil
}

func TestNATSSource_DecodesChanges(t *testing.T) {
	sub := &fakeSubscriber{}
	src := NewNATSSource(sub, "v1", "feed")

	var got []venue.Shout
	stop, err := src.Subscribe(func(s venue.Shout) { got = append(got, s) })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	h := sub.handlers["v1/"+venue.KindShouts+"/feed"]
	if h == nil {
		t.Fatal("expected a shouts subscription")
	}

	shout := venue.Shout{CreatedBy: "a", Text: "hi", CreatedAt: 5}
	data, _ := json.Marshal(venue.Change{Kind: venue.KindShouts, ID: "a", Shout: &shout, Ts: 5})
	h(data)
	h([]byte("garbage"))
	h([]byte(`{"kind":"shouts","id":"a"}`))

	if len(got) != 1 || got[0] != shout {
		t.Errorf("unexpected delivered shouts %+v", got)
	}

	stop()
	if len(sub.handlers) != 0 {
		t.Error("expected stop to unsubscribe")
	}
}
