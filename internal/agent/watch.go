package agent

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/playa/presence/internal/venue"
)

// refreshTimeout bounds one reload of the venue.
const refreshTimeout = 5 * time.Second

// VenueSubscriber delivers venue change notifications.
// *messaging.NATSClient implements it.
type VenueSubscriber interface {
	SubscribeVenue(venueID, kind, subscriber string, handler func(data []byte)) error
	UnsubscribeVenue(venueID, kind, subscriber string) error
}

// Watch re-evaluates on every roster or request-log change until ctx is
// done. Bursts of changes collapse into one refresh.
func (a *Agent) Watch(ctx context.Context, sub VenueSubscriber, venueID string) error {
	trigger := make(chan struct{}, 1)
	notify := func([]byte) {
		select {
		case trigger <- struct{}{}:
		default:
		}
	}

	subscriber := "agent-" + a.config.SelfUID
	kinds := []string{venue.KindParticipants, venue.KindChatRequests}
	for i, kind := range kinds {
		if err := sub.SubscribeVenue(venueID, kind, subscriber, notify); err != nil {
			for _, k := range kinds[:i] {
				_ = sub.UnsubscribeVenue(venueID, k, subscriber)
			}
			return fmt.Errorf("agent: watch %s: %w", kind, err)
		}
	}

	go func() {
		defer func() {
			for _, kind := range kinds {
				if err := sub.UnsubscribeVenue(venueID, kind, subscriber); err != nil {
					log.Printf("[agent] unsubscribe %s: %v", kind, err)
				}
			}
		}()

		// Catch up on anything written before the subscription.
		notify(nil)
		for {
			select {
			case <-ctx.Done():
				return
			case <-trigger:
				rctx, cancel := context.WithTimeout(ctx, refreshTimeout)
				_ = a.Refresh(rctx)
				cancel()
			}
		}
	}()
	return nil
}
