// Package chatrequest drives the video-chat invitation protocol for the
// local user: Asked requests are put to the recipient, Declined requests are
// reported back to the requester, and Accepted requests move the local user
// into the target room until both endpoints are seen there, at which point
// the request is Completed.
//
// Evaluation is re-run on every roster or request-log change and yields the
// same decision for the same inputs. Writes to the venue store are
// fire-and-forget: failures are logged and picked up again by the next
// evaluation, never retried in place.
package chatrequest

import (
	"context"
	"log"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/playa/presence/internal/menu"
	"github.com/playa/presence/internal/metrics"
	"github.com/playa/presence/internal/venue"
)

// Store is the venue write surface the coordinator uses. *venue.Store
// implements it.
type Store interface {
	UpdateVideo(ctx context.Context, uid string, v venue.Video) error
	AddChatRequest(ctx context.Context, r venue.ChatRequest) (string, error)
	SetChatRequestState(ctx context.Context, id string, state venue.ChatRequestState) error
}

// DecisionKind classifies the outcome of one evaluation.
type DecisionKind int

const (
	DecisionNone DecisionKind = iota
	DecisionRemovalNotice
	DecisionPrompt
	DecisionJoin
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionRemovalNotice:
		return "removal_notice"
	case DecisionPrompt:
		return "prompt"
	case DecisionJoin:
		return "join"
	default:
		return "none"
	}
}

// Decision is what one evaluation asks the caller to show, if anything.
type Decision struct {
	Kind      DecisionKind
	Menu      *menu.Menu         // for DecisionRemovalNotice and DecisionPrompt
	Request   *venue.ChatRequest // the selected request
	Remover   string             // for DecisionRemovalNotice
	Converged bool               // for DecisionJoin: both endpoints are in the room
}

// Coordinator evaluates the request log for one local user.
type Coordinator struct {
	selfUID string
	store   Store
	now     func() time.Time

	mu      sync.Mutex
	roster  venue.Roster
	acked   map[string]struct{}
	noticed map[string]struct{}
	written map[string]venue.ChatRequestState
}

// New creates a coordinator for selfUID.
func New(selfUID string, store Store) *Coordinator {
	return &Coordinator{
		selfUID: selfUID,
		store:   store,
		now:     time.Now,
		acked:   make(map[string]struct{}),
		noticed: make(map[string]struct{}),
		written: make(map[string]venue.ChatRequestState),
	}
}

// Acknowledged returns the sorted ids of removers whose notice was
// acknowledged.
func (c *Coordinator) Acknowledged() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.acked))
	for uid := range c.acked {
		out = append(out, uid)
	}
	sort.Strings(out)
	return out
}

// Evaluate inspects the roster and the request log (ascending creation
// order) and returns what the local user should see. Accepted requests are
// acted upon directly.
func (c *Coordinator) Evaluate(ctx context.Context, roster venue.Roster, requests []venue.ChatRequest) Decision {
	c.mu.Lock()
	c.roster = roster
	c.mu.Unlock()

	if remover, ok := c.pendingRemoval(roster); ok {
		m := menu.RemovalNotice(remover)
		return Decision{Kind: DecisionRemovalNotice, Menu: &m, Remover: remover.ID}
	}

	req, ok := c.selectRequest(requests)
	if !ok {
		return Decision{}
	}

	from, okFrom := roster.Find(req.FromUID)
	to, okTo := roster.Find(req.ToUID)
	if !okFrom || !okTo {
		// The relay can run ahead of the roster; try again on the next change.
		return Decision{}
	}

	switch req.State {
	case venue.Asked:
		m := menu.IncomingRequest(req, from)
		return Decision{Kind: DecisionPrompt, Menu: &m, Request: &req}

	case venue.Declined:
		m := menu.RequestDeclined(req, to)
		return Decision{Kind: DecisionPrompt, Menu: &m, Request: &req}

	case venue.Accepted:
		room := req.ToJoinRoomOwnedByUID
		if self, ok := roster.Find(c.selfUID); ok {
			c.joinRoom(ctx, self, room)
		}
		converged := from.RoomOwner() == room && to.RoomOwner() == room
		if converged {
			c.setState(ctx, req.ID, venue.Completed)
		}
		return Decision{Kind: DecisionJoin, Request: &req, Converged: converged}
	}
	return Decision{}
}

// pendingRemoval finds the first other participant that removed the local
// user and has not been acknowledged.
func (c *Coordinator) pendingRemoval(roster venue.Roster) (venue.Participant, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range roster {
		if p.ID == c.selfUID || !p.HasRemoved(c.selfUID) {
			continue
		}
		if _, ok := c.acked[p.ID]; ok {
			continue
		}
		if _, ok := c.noticed[p.ID]; !ok {
			c.noticed[p.ID] = struct{}{}
			metrics.RemovalNotices.Inc()
			log.Printf("[coordinator] removal notice uid=%s remover=%s", c.selfUID, p.ID)
		}
		return p, true
	}
	return venue.Participant{}, false
}

// selectRequest returns the earliest request the local user can act on.
// Requests of unknown type are passed over.
func (c *Coordinator) selectRequest(requests []venue.ChatRequest) (venue.ChatRequest, bool) {
	var (
		best  venue.ChatRequest
		found bool
	)
	for _, r := range requests {
		if !c.actionable(r) || !r.Type.Valid() {
			continue
		}
		if !found || r.CreatedAt < best.CreatedAt {
			best, found = r, true
		}
	}
	return best, found
}

func (c *Coordinator) actionable(r venue.ChatRequest) bool {
	switch r.State {
	case venue.Asked:
		return r.ToUID == c.selfUID
	case venue.Declined:
		return r.FromUID == c.selfUID
	case venue.Accepted:
		return r.FromUID == c.selfUID || r.ToUID == c.selfUID
	default:
		return false
	}
}

// joinRoom moves the local user into room and clears their removals. It
// skips the write when the record already says so, since every write
// triggers another evaluation.
func (c *Coordinator) joinRoom(ctx context.Context, self venue.Participant, room string) {
	if self.Video != nil && self.Video.InRoomOwnedBy == room && len(self.Video.RemovedParticipantUIDs) == 0 {
		return
	}
	if err := c.store.UpdateVideo(ctx, c.selfUID, venue.Video{InRoomOwnedBy: room}); err != nil {
		log.Printf("[coordinator] join room=%s uid=%s failed: %v", room, c.selfUID, err)
		return
	}
	log.Printf("[coordinator] joined room=%s uid=%s", room, c.selfUID)
}

// setState writes a request transition at most once per target state.
func (c *Coordinator) setState(ctx context.Context, id string, state venue.ChatRequestState) {
	c.mu.Lock()
	if c.written[id] == state {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := c.store.SetChatRequestState(ctx, id, state); err != nil {
		log.Printf("[coordinator] set request=%s state=%s failed: %v", id, state, err)
		return
	}

	c.mu.Lock()
	c.written[id] = state
	c.mu.Unlock()

	metrics.ChatRequestTransitions.WithLabelValues(string(state)).Inc()
	log.Printf("[coordinator] request=%s -> %s", id, state)
}

// Handle executes a menu action. It reports false for kinds it does not own
// (profile views and the video lock toggle belong to the caller).
func (c *Coordinator) Handle(ctx context.Context, a menu.Action) bool {
	switch a.Kind {
	case menu.ActionAckRemoval:
		c.ackRemoval(a.UID)
	case menu.ActionSetRequestState:
		c.setState(ctx, a.RequestID, a.State)
	case menu.ActionCreateChatRequest:
		c.CreateChatRequest(ctx, a.UID, a.RoomOwnerUID, a.Type)
	case menu.ActionStartVideoChat:
		c.startVideoChat(ctx)
	default:
		return false
	}
	return true
}

func (c *Coordinator) ackRemoval(remover string) {
	if remover == "" {
		return
	}
	c.mu.Lock()
	c.acked[remover] = struct{}{}
	c.mu.Unlock()
}

// CreateChatRequest asks toUID to share the room owned by roomOwnerUID and
// lifts stale removals between the two from the local user's record. It
// returns the new request id, or "" when nothing was written.
func (c *Coordinator) CreateChatRequest(ctx context.Context, toUID, roomOwnerUID string, typ venue.ChatRequestType) string {
	c.mu.Lock()
	roster := c.roster
	c.mu.Unlock()

	if _, ok := roster.Find(toUID); !ok || toUID == c.selfUID || !typ.Valid() {
		return ""
	}

	id, err := c.store.AddChatRequest(ctx, venue.ChatRequest{
		FromUID:              c.selfUID,
		ToUID:                toUID,
		ToJoinRoomOwnedByUID: roomOwnerUID,
		Type:                 typ,
		State:                venue.Asked,
		CreatedAt:            c.now().UnixMilli(),
	})
	if err != nil {
		log.Printf("[coordinator] create request to=%s failed: %v", toUID, err)
		return ""
	}
	metrics.ChatRequestTransitions.WithLabelValues(string(venue.Asked)).Inc()
	log.Printf("[coordinator] request=%s %s from=%s to=%s room=%s", id, typ, c.selfUID, toUID, roomOwnerUID)

	self, ok := roster.Find(c.selfUID)
	if !ok || self.Video == nil {
		return id
	}
	// Last writer wins: a concurrent write to this record may be lost.
	v := venue.Video{
		InRoomOwnedBy: self.Video.InRoomOwnedBy,
		RemovedParticipantUIDs: slices.DeleteFunc(slices.Clone(self.Video.RemovedParticipantUIDs), func(uid string) bool {
			return uid == toUID || uid == c.selfUID
		}),
	}
	if err := c.store.UpdateVideo(ctx, c.selfUID, v); err != nil {
		log.Printf("[coordinator] clear stale removals uid=%s failed: %v", c.selfUID, err)
	}
	return id
}

// startVideoChat makes the local user the host of their own room.
func (c *Coordinator) startVideoChat(ctx context.Context) {
	c.mu.Lock()
	self, ok := c.roster.Find(c.selfUID)
	c.mu.Unlock()
	if ok && self.IsHost() {
		return
	}
	if err := c.store.UpdateVideo(ctx, c.selfUID, venue.Video{InRoomOwnedBy: c.selfUID}); err != nil {
		log.Printf("[coordinator] start video chat uid=%s failed: %v", c.selfUID, err)
	}
}
