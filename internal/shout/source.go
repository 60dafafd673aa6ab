package shout

import (
	"encoding/json"
	"log"

	"github.com/playa/presence/internal/venue"
)

// VenueSubscriber is the part of the NATS client the shout source needs.
type VenueSubscriber interface {
	SubscribeVenue(venueID, kind, subscriber string, handler func(data []byte)) error
	UnsubscribeVenue(venueID, kind, subscriber string) error
}

// NATSSource feeds shouts announced on venue.<id>.shouts.
type NATSSource struct {
	nc         VenueSubscriber
	venueID    string
	subscriber string
}

// NewNATSSource creates a source for one venue. subscriber distinguishes this
// consumer from others in the same process.
func NewNATSSource(nc VenueSubscriber, venueID, subscriber string) *NATSSource {
	return &NATSSource{nc: nc, venueID: venueID, subscriber: subscriber}
}

// Subscribe implements Source.
func (s *NATSSource) Subscribe(fn func(venue.Shout)) (func(), error) {
	err := s.nc.SubscribeVenue(s.venueID, venue.KindShouts, s.subscriber, func(data []byte) {
		var c venue.Change
		if err := json.Unmarshal(data, &c); err != nil {
			log.Printf("[shout] malformed change on venue=%s: %v", s.venueID, err)
			return
		}
		if c.Shout == nil {
			return
		}
		fn(*c.Shout)
	})
	if err != nil {
		return nil, err
	}

	return func() {
		if err := s.nc.UnsubscribeVenue(s.venueID, venue.KindShouts, s.subscriber); err != nil {
			log.Printf("[shout] unsubscribe venue=%s: %v", s.venueID, err)
		}
	}, nil
}
