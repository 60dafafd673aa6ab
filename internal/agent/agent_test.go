package agent

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/playa/presence/internal/menu"
	"github.com/playa/presence/internal/presence"
	"github.com/playa/presence/internal/protocol"
	"github.com/playa/presence/internal/shout"
	"github.com/playa/presence/internal/venue"
)

type fakeVenue struct {
	mu       sync.Mutex
	roster   venue.Roster
	requests []venue.ChatRequest
	loadErr  error
	nextID   int
}

func (v *fakeVenue) UpdateVideo(_ context.Context, uid string, vid venue.Video) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.roster {
		if v.roster[i].ID == uid {
			v.roster[i].Video = &vid
		}
	}
	return nil
}

func (v *fakeVenue) AddChatRequest(_ context.Context, r venue.ChatRequest) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.nextID++
	r.ID = fmt.Sprintf("r%d", v.nextID)
	v.requests = append(v.requests, r)
	return r.ID, nil
}

func (v *fakeVenue) SetChatRequestState(_ context.Context, id string, state venue.ChatRequestState) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.requests {
		if v.requests[i].ID == id {
			v.requests[i].State = state
			return nil
		}
	}
	return errors.New("no such request")
}

func (v *fakeVenue) Load(context.Context) (venue.Roster, []venue.ChatRequest, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.loadErr != nil {
		return nil, nil, v.loadErr
	}
	roster := make(venue.Roster, len(v.roster))
	for i, p := range v.roster {
		if p.Video != nil {
			vid := *p.Video
			p.Video = &vid
		}
		roster[i] = p
	}
	return roster, append([]venue.ChatRequest(nil), v.requests...), nil
}

func (v *fakeVenue) state(id string) venue.ChatRequestState {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, r := range v.requests {
		if r.ID == id {
			return r.State
		}
	}
	return ""
}

type fakeRelay struct {
	mu   sync.Mutex
	sent []protocol.UserState
}

func (r *fakeRelay) SendUpdatedState(st protocol.UserState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, st)
	return nil
}

func (r *fakeRelay) last() protocol.UserState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent[len(r.sent)-1]
}

type recordingDisplay struct {
	mu       sync.Mutex
	menus    []menu.Menu
	profiles []string
}

func (d *recordingDisplay) ShowMenu(m menu.Menu) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.menus = append(d.menus, m)
}

func (d *recordingDisplay) ViewProfile(p venue.Participant) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profiles = append(d.profiles, p.ID)
}

func (d *recordingDisplay) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.menus)
}

type fixture struct {
	agent   *Agent
	venue   *fakeVenue
	relay   *fakeRelay
	display *recordingDisplay
	store   *presence.Store
}

func newFixture(t *testing.T, participants ...venue.Participant) *fixture {
	t.Helper()
	f := &fixture{
		venue:   &fakeVenue{roster: participants},
		relay:   &fakeRelay{},
		display: &recordingDisplay{},
		store:   presence.NewStore("me"),
	}
	f.agent = New(Config{SelfUID: "me", MaxIdleTime: 3 * time.Minute}, f.store, f.relay, f.venue, nil, nil, f.display)
	f.agent.now = func() time.Time { return time.UnixMilli(1_000_000) }
	return f
}

func heartbeat(ms int64, extra map[protocol.StateKey]string) protocol.UserState {
	st := protocol.UserState{X: 1, Y: 2, State: map[protocol.StateKey]string{
		protocol.StateHeartbeat: strconv.FormatInt(ms, 10),
	}}
	for k, v := range extra {
		st.State[k] = v
	}
	return st
}

func TestRefresh_ShowsPromptOnce(t *testing.T) {
	f := newFixture(t, venue.Participant{ID: "me", PartyName: "Me"}, venue.Participant{ID: "a", PartyName: "Ann"})
	f.venue.requests = []venue.ChatRequest{
		{ID: "r1", FromUID: "a", ToUID: "me", ToJoinRoomOwnedByUID: "a", Type: venue.JoinTheirChat, State: venue.Asked, CreatedAt: 1},
	}
	ctx := context.Background()

	f.agent.Refresh(ctx)
	f.agent.Refresh(ctx)
	if f.display.count() != 1 {
		t.Fatalf("expected the prompt once, got %d", f.display.count())
	}
	m := f.display.menus[0]
	if m.Prompt != "Ann invited you to join their chat" {
		t.Errorf("unexpected prompt %q", m.Prompt)
	}

	f.agent.Dispatch(ctx, m.Choices[0].Action)
	if f.venue.state("r1") != venue.Accepted {
		t.Fatalf("expected Accepted, got %s", f.venue.state("r1"))
	}
	roster, _, _ := f.venue.Load(ctx)
	if self, _ := roster.Find("me"); self.RoomOwner() != "a" {
		t.Errorf("expected to join room a, got %+v", self.Video)
	}
}

func TestRefresh_PromptReturnsAfterOtherMenu(t *testing.T) {
	f := newFixture(t, venue.Participant{ID: "me", PartyName: "Me"}, venue.Participant{ID: "a", PartyName: "Ann"})
	f.venue.requests = []venue.ChatRequest{
		{ID: "r1", FromUID: "a", ToUID: "me", ToJoinRoomOwnedByUID: "a", Type: venue.JoinTheirChat, State: venue.Asked, CreatedAt: 1},
	}
	ctx := context.Background()
	const prompt = "Ann invited you to join their chat"

	f.agent.Refresh(ctx)
	if !f.agent.Select("me") {
		t.Fatal("expected the self menu")
	}
	self := f.display.menus[f.display.count()-1]
	f.agent.Dispatch(ctx, self.Choices[1].Action)

	if last := f.display.menus[f.display.count()-1]; last.Prompt != prompt {
		t.Fatalf("pending prompt not presented again, last menu %q", last.Prompt)
	}
	if f.venue.state("r1") != venue.Asked {
		t.Errorf("request state = %s, want Asked", f.venue.state("r1"))
	}

	shown := f.display.count()
	f.agent.Refresh(ctx)
	if f.display.count() != shown {
		t.Error("an unchanged decision must not be shown twice in a row")
	}

	f.agent.Select("a")
	avatarMenu := f.display.menus[f.display.count()-1]
	f.agent.Dismiss(ctx, avatarMenu)
	if last := f.display.menus[f.display.count()-1]; last.Prompt != prompt {
		t.Errorf("dismissing an avatar menu should bring back the prompt, got %q", last.Prompt)
	}
}

func TestRefresh_RemovalNoticeReturnsAfterSelect(t *testing.T) {
	f := newFixture(t,
		venue.Participant{ID: "me", PartyName: "Me"},
		venue.Participant{ID: "h", PartyName: "Hank", Video: &venue.Video{InRoomOwnedBy: "h", RemovedParticipantUIDs: []string{"me"}}},
	)
	ctx := context.Background()

	f.agent.Refresh(ctx)
	f.agent.Select("h")
	f.agent.Refresh(ctx)

	if f.display.count() != 3 {
		t.Fatalf("expected notice, avatar menu, notice; got %d menus", f.display.count())
	}
	if f.display.menus[2].Prompt != "Hank removed you from the chat." {
		t.Errorf("unexpected menu %q", f.display.menus[2].Prompt)
	}
}

func TestRunHeartbeat_NonPositiveInterval(t *testing.T) {
	f := newFixture(t)

	done := make(chan struct{})
	go func() {
		f.agent.RunHeartbeat(context.Background(), 0)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunHeartbeat should return for a zero interval")
	}
}

func TestRefresh_LoadError(t *testing.T) {
	f := newFixture(t)
	f.venue.loadErr = errors.New("redis down")
	if err := f.agent.Refresh(context.Background()); err == nil {
		t.Error("expected load error")
	}
	if f.display.count() != 0 {
		t.Error("nothing should be shown")
	}
}

func TestDispatch_RemovalNoticeAcknowledged(t *testing.T) {
	f := newFixture(t,
		venue.Participant{ID: "me", PartyName: "Me"},
		venue.Participant{ID: "h", PartyName: "Hank", Video: &venue.Video{InRoomOwnedBy: "h", RemovedParticipantUIDs: []string{"me"}}},
	)
	ctx := context.Background()

	f.agent.Refresh(ctx)
	if f.display.count() != 1 {
		t.Fatalf("expected the removal notice, got %d menus", f.display.count())
	}
	notice := f.display.menus[0]
	f.agent.Dispatch(ctx, *notice.OnHide)

	f.agent.Refresh(ctx)
	if f.display.count() != 1 {
		t.Error("acknowledged notice must not be shown again")
	}
	if got := f.agent.Coordinator().Acknowledged(); len(got) != 1 || got[0] != "h" {
		t.Errorf("Acknowledged = %v", got)
	}
}

func TestAvatars(t *testing.T) {
	f := newFixture(t,
		venue.Participant{ID: "me", PartyName: "Me"},
		venue.Participant{ID: "bob", PartyName: "Bob"},
		venue.Participant{ID: "cat", PartyName: "Cat"},
		venue.Participant{ID: "dan", PartyName: "Dan"},
	)
	feed := shout.NewFeed(nil)
	t.Cleanup(feed.Close)
	f.agent.feed = feed
	now := f.agent.now().UnixMilli()

	f.store.Apply(map[string]protocol.UserState{
		"bob":      heartbeat(now, map[protocol.StateKey]string{protocol.StateBike: "true", protocol.StateVideo: protocol.VideoLocked}),
		"cat":      heartbeat(now, map[protocol.StateKey]string{protocol.StateAway: "true"}),
		"dan":      heartbeat(now-int64(4*time.Minute/time.Millisecond), nil),
		"stranger": heartbeat(now, nil),
	})
	feed.Observe(venue.Shout{CreatedBy: "bob", Text: "hey", CreatedAt: time.Now().UnixMilli() + 1000})
	f.agent.Refresh(context.Background())

	avatars := f.agent.Avatars()
	if len(avatars) != 2 {
		t.Fatalf("expected self and bob, got %+v", avatars)
	}
	if !avatars[0].Self || avatars[0].UID != "me" {
		t.Errorf("self should come first, got %+v", avatars[0])
	}
	bob := avatars[1]
	if bob.UID != "bob" || !bob.Bike || !bob.VideoLocked || len(bob.Shouts) != 1 {
		t.Errorf("unexpected bob avatar %+v", bob)
	}
}

func TestMenuFor(t *testing.T) {
	f := newFixture(t, venue.Participant{ID: "me", PartyName: "Me"}, venue.Participant{ID: "bob", PartyName: "Bob"})
	f.agent.Refresh(context.Background())

	m, ok := f.agent.MenuFor("me")
	if !ok || m.Prompt != "Me (you) - available actions:" {
		t.Errorf("unexpected self menu %+v", m)
	}
	m, ok = f.agent.MenuFor("bob")
	if !ok || m.Prompt != "Bob: open to chat" {
		t.Errorf("unexpected participant menu %+v", m)
	}
	if _, ok := f.agent.MenuFor("ghost"); ok {
		t.Error("no menu for unknown uid")
	}

	if !f.agent.Select("bob") || f.display.count() != 1 {
		t.Error("Select should show the menu")
	}
}

func TestDispatch_InviteAndViewProfile(t *testing.T) {
	f := newFixture(t, venue.Participant{ID: "me", PartyName: "Me"}, venue.Participant{ID: "bob", PartyName: "Bob"})
	ctx := context.Background()
	f.agent.Refresh(ctx)

	m, _ := f.agent.MenuFor("bob")
	f.agent.Dispatch(ctx, m.Choices[0].Action)
	if len(f.display.profiles) != 1 || f.display.profiles[0] != "bob" {
		t.Errorf("profiles = %v", f.display.profiles)
	}

	f.agent.Dispatch(ctx, m.Choices[1].Action)
	_, requests, _ := f.venue.Load(ctx)
	if len(requests) != 1 || requests[0].ToUID != "bob" || requests[0].Type != venue.JoinMyChat {
		t.Errorf("unexpected requests %+v", requests)
	}
}

func TestLocalState(t *testing.T) {
	f := newFixture(t)

	if err := f.agent.Move(10, 20); err != nil {
		t.Fatalf("Move: %v", err)
	}
	st := f.relay.last()
	if st.X != 10 || st.Y != 20 || st.Heartbeat() != 1_000_000 {
		t.Errorf("unexpected state %+v", st)
	}

	f.agent.Dispatch(context.Background(), menu.Action{Kind: menu.ActionToggleVideoLock})
	if f.relay.last().Get(protocol.StateVideo) != protocol.VideoLocked {
		t.Error("expected video locked")
	}
	f.agent.ToggleVideoLock()
	if f.relay.last().Get(protocol.StateVideo) != "" {
		t.Error("expected video unlocked")
	}

	f.agent.SetBike(true)
	f.agent.SetAway(true)
	if bike, _ := f.relay.last().Boolean(protocol.StateBike); !bike {
		t.Error("expected bike mode")
	}
	if away, _ := f.relay.last().Boolean(protocol.StateAway); !away {
		t.Error("expected away")
	}
}

func TestHandleBroadcast_RestoresOnce(t *testing.T) {
	f := newFixture(t)
	f.store.SetServerSelf(protocol.UserState{X: 5, Y: 6, State: map[protocol.StateKey]string{protocol.StateBike: "true"}})
	f.agent.HandleBroadcast(false)

	f.store.SetServerSelf(protocol.UserState{X: 9, Y: 9})
	f.agent.HandleBroadcast(false)

	f.agent.SendState()
	st := f.relay.last()
	if st.X != 5 || st.Y != 6 {
		t.Errorf("expected restored position, got %+v", st)
	}
	if bike, _ := st.Boolean(protocol.StateBike); !bike {
		t.Error("expected restored bike flag")
	}
}

type fakeSubscriber struct {
	mu       sync.Mutex
	handlers map[string]func([]byte)
}

func (s *fakeSubscriber) SubscribeVenue(venueID, kind, subscriber string, handler func([]byte)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = handler
	return nil
}

func (s *fakeSubscriber) UnsubscribeVenue(venueID, kind, subscriber string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, kind)
	return nil
}

func (s *fakeSubscriber) fire(kind string) {
	s.mu.Lock()
	h := s.handlers[kind]
	s.mu.Unlock()
	if h != nil {
		h([]byte(`{}`))
	}
}

func TestWatch_RefreshesOnChange(t *testing.T) {
	f := newFixture(t, venue.Participant{ID: "me", PartyName: "Me"}, venue.Participant{ID: "a", PartyName: "Ann"})
	sub := &fakeSubscriber{handlers: make(map[string]func([]byte))}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := f.agent.Watch(ctx, sub, "playa"); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	f.venue.AddChatRequest(ctx, venue.ChatRequest{
		FromUID: "a", ToUID: "me", ToJoinRoomOwnedByUID: "me", Type: venue.JoinMyChat, State: venue.Asked, CreatedAt: 1,
	})
	sub.fire(venue.KindChatRequests)

	deadline := time.Now().Add(2 * time.Second)
	for f.display.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if f.display.count() != 1 {
		t.Fatalf("expected a prompt after the change, got %d", f.display.count())
	}

	cancel()
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sub.mu.Lock()
		n := len(sub.handlers)
		sub.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("subscriptions not removed after cancel")
}

type fakeShouter struct{ texts []string }

func (s *fakeShouter) Send(_ context.Context, text string) error {
	s.texts = append(s.texts, text)
	return nil
}

func TestShout(t *testing.T) {
	f := newFixture(t)
	if err := f.agent.Shout(context.Background(), "hi"); !errors.Is(err, ErrShoutsDisabled) {
		t.Errorf("expected ErrShoutsDisabled, got %v", err)
	}

	s := &fakeShouter{}
	f.agent.shouter = s
	if err := f.agent.Shout(context.Background(), "hi"); err != nil || len(s.texts) != 1 {
		t.Errorf("Shout: %v %v", err, s.texts)
	}
}
