// Package agent is the headless avatar layer: it joins the relay as the
// local user, keeps the presence, shout and chat-request views current, and
// turns them into avatars and menus for a Display. Choices come back through
// Dispatch.
package agent

import (
	"context"
	"errors"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/playa/presence/internal/chatrequest"
	"github.com/playa/presence/internal/menu"
	"github.com/playa/presence/internal/presence"
	"github.com/playa/presence/internal/protocol"
	"github.com/playa/presence/internal/shout"
	"github.com/playa/presence/internal/venue"
)

// ErrShoutsDisabled is returned by Shout when the agent has no sender.
var ErrShoutsDisabled = errors.New("agent: shouts disabled")

// Display presents menus and profiles to the local user.
type Display interface {
	ShowMenu(m menu.Menu)
	ViewProfile(p venue.Participant)
}

// Venue is the document store the agent reads and writes. *venue.Store
// implements it.
type Venue interface {
	chatrequest.Store
	Load(ctx context.Context) (venue.Roster, []venue.ChatRequest, error)
}

// Relay sends the local user's state. *relayclient.Client implements it.
type Relay interface {
	SendUpdatedState(state protocol.UserState) error
}

// Shouter posts shouts. *shout.Sender implements it.
type Shouter interface {
	Send(ctx context.Context, text string) error
}

// Config holds agent settings.
type Config struct {
	SelfUID     string
	MaxIdleTime time.Duration
}

// Avatar is one participant to draw.
type Avatar struct {
	UID         string
	Name        string
	X, Y        float64
	Bike        bool
	VideoLocked bool
	Self        bool
	Shouts      []venue.Shout
}

// Agent wires the presence store, shout feed and chat-request coordinator
// for one local user.
type Agent struct {
	config   Config
	presence *presence.Store
	relay    Relay
	venue    Venue
	coord    *chatrequest.Coordinator
	feed     *shout.Feed
	shouter  Shouter
	display  Display
	now      func() time.Time

	refreshMu sync.Mutex // one evaluation at a time

	mu        sync.Mutex
	roster    venue.Roster
	local     protocol.UserState
	restored  bool
	lastShown string
}

// New creates an agent. feed and shouter may be nil.
func New(config Config, store *presence.Store, relay Relay, v Venue, feed *shout.Feed, shouter Shouter, display Display) *Agent {
	return &Agent{
		config:   config,
		presence: store,
		relay:    relay,
		venue:    v,
		coord:    chatrequest.New(config.SelfUID, v),
		feed:     feed,
		shouter:  shouter,
		display:  display,
		now:      time.Now,
		local:    protocol.UserState{State: map[protocol.StateKey]string{}},
	}
}

// Coordinator exposes the chat-request coordinator.
func (a *Agent) Coordinator() *chatrequest.Coordinator {
	return a.coord
}

// HandleBroadcast is the relay client's broadcast callback. The first echo
// of the local user's own state restores the flags it carried (bike, video,
// away) so a reconnecting user keeps them.
func (a *Agent) HandleBroadcast(changed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.restored {
		return
	}
	echo, ok := a.presence.ServerSelf()
	if !ok {
		return
	}
	a.restored = true
	a.local.X, a.local.Y = echo.X, echo.Y
	for _, key := range []protocol.StateKey{protocol.StateBike, protocol.StateVideo, protocol.StateAway} {
		if v := echo.Get(key); v != "" {
			a.local.State[key] = v
		}
	}
	log.Printf("[agent] restored self state uid=%s x=%.1f y=%.1f", a.config.SelfUID, echo.X, echo.Y)
}

// Refresh reloads the roster and request log, runs the coordinator and
// shows its menu when it differs from the one last shown.
func (a *Agent) Refresh(ctx context.Context) error {
	a.refreshMu.Lock()
	defer a.refreshMu.Unlock()

	roster, requests, err := a.venue.Load(ctx)
	if err != nil {
		log.Printf("[agent] load venue failed: %v", err)
		return err
	}

	a.mu.Lock()
	a.roster = roster
	a.mu.Unlock()

	d := a.coord.Evaluate(ctx, roster, requests)
	if d.Menu == nil {
		return nil
	}

	key := decisionKey(d)
	a.mu.Lock()
	if key == a.lastShown {
		a.mu.Unlock()
		return nil
	}
	a.lastShown = key
	a.mu.Unlock()

	a.display.ShowMenu(*d.Menu)
	return nil
}

func decisionKey(d chatrequest.Decision) string {
	if d.Kind == chatrequest.DecisionRemovalNotice {
		return "removal:" + d.Remover
	}
	return "request:" + d.Request.ID + ":" + string(d.Request.State)
}

// Roster returns the last loaded roster.
func (a *Agent) Roster() venue.Roster {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.roster
}

// Avatars returns the local user followed by every visible remote
// participant on the roster, in uid order.
func (a *Agent) Avatars() []Avatar {
	now := a.now()

	a.mu.Lock()
	roster := a.roster
	local := a.local.Clone()
	a.mu.Unlock()

	var shouts map[string][]venue.Shout
	if a.feed != nil {
		shouts = a.feed.ByUser()
	}

	var out []Avatar
	if self, ok := roster.Find(a.config.SelfUID); ok {
		out = append(out, avatar(self, local, shouts[self.ID], true))
	}
	for _, uid := range a.presence.Visible(now, a.config.MaxIdleTime) {
		p, ok := roster.Find(uid)
		if !ok {
			continue
		}
		st, _ := a.presence.Get(uid)
		out = append(out, avatar(p, st, shouts[uid], false))
	}
	return out
}

func avatar(p venue.Participant, st protocol.UserState, shouts []venue.Shout, self bool) Avatar {
	bike, _ := st.Boolean(protocol.StateBike)
	return Avatar{
		UID:         p.ID,
		Name:        p.PartyName,
		X:           st.X,
		Y:           st.Y,
		Bike:        bike,
		VideoLocked: st.Get(protocol.StateVideo) == protocol.VideoLocked,
		Self:        self,
		Shouts:      shouts,
	}
}

// MenuFor returns the menu for uid: the self menu for the local user, the
// participant menu otherwise. It reports false for uids not on the roster.
func (a *Agent) MenuFor(uid string) (menu.Menu, bool) {
	a.mu.Lock()
	roster := a.roster
	videoState := a.local.Get(protocol.StateVideo)
	a.mu.Unlock()

	p := menu.NewPresenter(a.config.SelfUID, roster, a.presence.Snapshot())
	if uid == a.config.SelfUID {
		if _, ok := roster.Find(uid); !ok {
			return menu.Menu{}, false
		}
		return p.Self(videoState), true
	}
	return p.For(uid)
}

// Select shows the menu for uid, as a click on its avatar would. The
// display holds one menu, so a pending coordinator menu it replaces is
// shown again on the next refresh.
func (a *Agent) Select(uid string) bool {
	m, ok := a.MenuFor(uid)
	if !ok {
		return false
	}
	a.forgetShown()
	a.display.ShowMenu(m)
	return true
}

// Dispatch executes a menu action. Any choice consumes the open menu, so the
// coordinator's current decision is presented again afterwards; a decision
// whose write did not take reappears the same way.
func (a *Agent) Dispatch(ctx context.Context, act menu.Action) {
	switch act.Kind {
	case menu.ActionViewProfile:
		if p, ok := a.Roster().Find(act.UID); ok {
			a.display.ViewProfile(p)
		}
	case menu.ActionToggleVideoLock:
		if err := a.ToggleVideoLock(); err != nil {
			log.Printf("[agent] toggle video lock uid=%s: %v", a.config.SelfUID, err)
		}
	default:
		if !a.coord.Handle(ctx, act) {
			log.Printf("[agent] unhandled action kind=%s", act.Kind)
			return
		}
	}

	a.forgetShown()
	_ = a.Refresh(ctx)
}

// Dismiss closes m without a choice. Its OnHide action runs when set;
// otherwise the coordinator's current decision is presented again.
func (a *Agent) Dismiss(ctx context.Context, m menu.Menu) {
	if m.OnHide != nil {
		a.Dispatch(ctx, *m.OnHide)
		return
	}
	a.forgetShown()
	_ = a.Refresh(ctx)
}

func (a *Agent) forgetShown() {
	a.mu.Lock()
	a.lastShown = ""
	a.mu.Unlock()
}

// Move sets the local user's position and relays it.
func (a *Agent) Move(x, y float64) error {
	a.mu.Lock()
	a.local.X, a.local.Y = x, y
	a.mu.Unlock()
	return a.SendState()
}

// SetBike toggles bike mode.
func (a *Agent) SetBike(on bool) error {
	return a.setFlag(protocol.StateBike, strconv.FormatBool(on))
}

// SetAway marks the local user away or back.
func (a *Agent) SetAway(away bool) error {
	return a.setFlag(protocol.StateAway, strconv.FormatBool(away))
}

// ToggleVideoLock flips whether others may send video chat requests.
func (a *Agent) ToggleVideoLock() error {
	a.mu.Lock()
	next := protocol.VideoLocked
	if a.local.Get(protocol.StateVideo) == protocol.VideoLocked {
		next = ""
	}
	a.mu.Unlock()
	return a.setFlag(protocol.StateVideo, next)
}

func (a *Agent) setFlag(key protocol.StateKey, value string) error {
	a.mu.Lock()
	if value == "" {
		delete(a.local.State, key)
	} else {
		a.local.State[key] = value
	}
	a.mu.Unlock()
	return a.SendState()
}

// SendState stamps a fresh heartbeat on the local state and relays it.
func (a *Agent) SendState() error {
	a.mu.Lock()
	a.local.State[protocol.StateHeartbeat] = strconv.FormatInt(a.now().UnixMilli(), 10)
	st := a.local.Clone()
	a.mu.Unlock()
	return a.relay.SendUpdatedState(st)
}

// RunHeartbeat resends the local state every interval until ctx is done,
// so idle users stay within other clients' freshness window.
func (a *Agent) RunHeartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		log.Printf("[agent] heartbeat disabled uid=%s: non-positive interval %s", a.config.SelfUID, interval)
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.SendState(); err != nil {
				log.Printf("[agent] heartbeat uid=%s: %v", a.config.SelfUID, err)
			}
		}
	}
}

// Shout posts text as the local user.
func (a *Agent) Shout(ctx context.Context, text string) error {
	if a.shouter == nil {
		return ErrShoutsDisabled
	}
	return a.shouter.Send(ctx, text)
}
