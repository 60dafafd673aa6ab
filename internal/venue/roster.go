package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// ParticipantPrefix is the Redis key prefix for participant hashes.
	ParticipantPrefix = "participant:"

	rosterKeyFormat = "venue:%s:participants" // Set of participant uids
)

// Publisher announces venue changes. *messaging.NATSClient satisfies it.
type Publisher interface {
	PublishVenueChange(venueID, kind string, data []byte) error
}

// RosterStore manages the venue's participants in Redis.
//
//	participant:<uid>          Hash  {party_name, video}
//	venue:<id>:participants    Set   of uids
type RosterStore struct {
	rdb     *redis.Client
	venueID string
	pub     Publisher
}

// NewRosterStore creates a roster store for one venue. pub may be nil.
func NewRosterStore(rdb *redis.Client, venueID string, pub Publisher) *RosterStore {
	return &RosterStore{rdb: rdb, venueID: venueID, pub: pub}
}

// Put creates or replaces a participant and adds it to the venue roster.
func (s *RosterStore) Put(ctx context.Context, p Participant) error {
	if p.ID == "" {
		return fmt.Errorf("venue: participant id is empty")
	}
	video, err := encodeVideo(p.Video)
	if err != nil {
		return err
	}

	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, ParticipantPrefix+p.ID, "party_name", p.PartyName, "video", video)
	pipe.SAdd(ctx, s.rosterKey(), p.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("venue: put participant %s: %w", p.ID, err)
	}

	s.notify(p.ID)
	return nil
}

// Get returns a participant, or nil if not found.
func (s *RosterStore) Get(ctx context.Context, id string) (*Participant, error) {
	result, err := s.rdb.HGetAll(ctx, ParticipantPrefix+id).Result()
	if err != nil {
		return nil, fmt.Errorf("venue: get participant %s: %w", id, err)
	}
	if len(result) == 0 {
		return nil, nil
	}
	return decodeParticipant(id, result), nil
}

// List returns every participant of the venue ordered by id.
func (s *RosterStore) List(ctx context.Context) (Roster, error) {
	ids, err := s.rdb.SMembers(ctx, s.rosterKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("venue: list roster: %w", err)
	}
	sort.Strings(ids)

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, ParticipantPrefix+id)
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("venue: list roster: %w", err)
		}
	}

	roster := make(Roster, 0, len(ids))
	for i, id := range ids {
		fields := cmds[i].Val()
		if len(fields) == 0 {
			continue // set member without a hash; skip until it is rewritten
		}
		roster = append(roster, *decodeParticipant(id, fields))
	}
	return roster, nil
}

// UpdateVideo overwrites the participant's video record. The write is
// last-writer-wins; concurrent edits of removedParticipantUids may be lost.
func (s *RosterStore) UpdateVideo(ctx context.Context, id string, v Video) error {
	video, err := encodeVideo(&v)
	if err != nil {
		return err
	}
	if err := s.rdb.HSet(ctx, ParticipantPrefix+id, "video", video).Err(); err != nil {
		return fmt.Errorf("venue: update video %s: %w", id, err)
	}
	s.notify(id)
	return nil
}

// Remove deletes a participant and drops it from the roster.
func (s *RosterStore) Remove(ctx context.Context, id string) error {
	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, ParticipantPrefix+id)
	pipe.SRem(ctx, s.rosterKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("venue: remove participant %s: %w", id, err)
	}
	s.notify(id)
	return nil
}

func (s *RosterStore) rosterKey() string {
	return fmt.Sprintf(rosterKeyFormat, s.venueID)
}

func (s *RosterStore) notify(id string) {
	publishChange(s.pub, s.venueID, Change{Kind: KindParticipants, ID: id, Ts: time.Now().UnixMilli()})
}

func encodeVideo(v *Video) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("venue: marshal video: %w", err)
	}
	return string(data), nil
}

func decodeParticipant(id string, fields map[string]string) *Participant {
	p := &Participant{ID: id, PartyName: fields["party_name"]}
	if raw := fields["video"]; raw != "" {
		var v Video
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			log.Printf("[venue] participant %s has malformed video record: %v", id, err)
		} else {
			p.Video = &v
		}
	}
	return p
}

// publishChange marshals and publishes a change notification. Failures are
// logged only; readers re-evaluate on the next notification.
func publishChange(pub Publisher, venueID string, c Change) {
	if pub == nil {
		return
	}
	data, err := json.Marshal(c)
	if err != nil {
		log.Printf("[venue] marshal change: %v", err)
		return
	}
	if err := pub.PublishVenueChange(venueID, c.Kind, data); err != nil {
		log.Printf("[venue] publish %s change id=%s: %v", c.Kind, c.ID, err)
	}
}
