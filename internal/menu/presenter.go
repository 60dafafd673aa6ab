package menu

import (
	"fmt"

	"github.com/playa/presence/internal/protocol"
	"github.com/playa/presence/internal/venue"
)

// Flags is the chat situation of a target participant as seen by the local
// user.
type Flags struct {
	TheyAreInAChat         bool
	TheyAreHost            bool
	TheirHostsChatIsLocked bool
	TheyAreInAChatWithMe   bool
	MeIsInAChat            bool
	TheirChatIsLocked      bool

	Host *venue.Participant // host of the target's room, if on the roster
}

// Presenter derives menus from one consistent view of the roster and the
// presence snapshot. It has no side effects.
type Presenter struct {
	selfUID string
	roster  venue.Roster
	states  map[string]protocol.UserState
}

// NewPresenter creates a presenter for the local user selfUID.
func NewPresenter(selfUID string, roster venue.Roster, states map[string]protocol.UserState) *Presenter {
	return &Presenter{selfUID: selfUID, roster: roster, states: states}
}

func (p *Presenter) videoLocked(uid string) bool {
	st, ok := p.states[uid]
	return ok && st.Get(protocol.StateVideo) == protocol.VideoLocked
}

// Flags computes the chat flags for target.
func (p *Presenter) Flags(target venue.Participant) Flags {
	var f Flags

	self, _ := p.roster.Find(p.selfUID)
	meIsMarked := self.RoomOwner() != ""
	theyAreMarked := target.RoomOwner() != ""

	f.TheyAreHost = target.IsHost()
	if f.TheyAreHost {
		host := target
		f.Host = &host
	} else if host, ok := p.roster.Find(target.RoomOwner()); ok {
		f.Host = &host
	}

	f.TheyAreInAChat = theyAreMarked && f.Host != nil

	// A host that excluded the target leaves the target marked but not
	// actually sharing a room with anyone.
	removed := f.Host != nil && f.Host.HasRemoved(target.ID)
	f.MeIsInAChat = meIsMarked && !removed

	f.TheyAreInAChatWithMe = f.MeIsInAChat && f.TheyAreInAChat &&
		self.RoomOwner() == target.RoomOwner()
	f.TheirHostsChatIsLocked = f.Host != nil && p.videoLocked(f.Host.ID)
	f.TheirChatIsLocked = p.videoLocked(target.ID)
	return f
}

// For returns the menu for the participant with the given uid. It reports
// false when uid is the local user or not on the roster.
func (p *Presenter) For(uid string) (Menu, bool) {
	if uid == p.selfUID {
		return Menu{}, false
	}
	target, ok := p.roster.Find(uid)
	if !ok {
		return Menu{}, false
	}
	return p.forParticipant(target), true
}

func (p *Presenter) forParticipant(target venue.Participant) Menu {
	f := p.Flags(target)
	name := target.PartyName
	viewProfile := Choice{Text: "View profile & message them", Action: ViewProfile(target.ID)}

	info := func(prompt string) Menu {
		return Menu{Prompt: prompt, Choices: []Choice{viewProfile}, Cancelable: true}
	}

	switch {
	case f.TheirChatIsLocked:
		return info(fmt.Sprintf("%s: not allowing video chat", name))
	case f.MeIsInAChat && f.TheyAreInAChat && f.TheyAreInAChatWithMe:
		return info(fmt.Sprintf("%s: currently chatting with this person", name))
	case f.TheyAreInAChat && f.TheirHostsChatIsLocked:
		return info(fmt.Sprintf("%s: in a locked chat hosted by %s", name, hostName(f)))
	case f.TheyAreInAChat:
		room := target.RoomOwner()
		if room == "" {
			room = target.ID
		}
		return Menu{
			Prompt: fmt.Sprintf("%s: in an open chat hosted by %s", name, hostName(f)),
			Choices: []Choice{
				viewProfile,
				{
					Text: fmt.Sprintf("Ask to join them in %s's chat", name),
					Action: Action{
						Kind:         ActionCreateChatRequest,
						UID:          target.ID,
						RoomOwnerUID: room,
						Type:         venue.JoinTheirChat,
					},
				},
			},
			Cancelable: true,
		}
	default:
		return Menu{
			Prompt: fmt.Sprintf("%s: open to chat", name),
			Choices: []Choice{
				viewProfile,
				{
					Text: "Invite them to chat",
					Action: Action{
						Kind:         ActionCreateChatRequest,
						UID:          target.ID,
						RoomOwnerUID: p.selfUID,
						Type:         venue.JoinMyChat,
					},
				},
			},
			Cancelable: true,
		}
	}
}

func hostName(f Flags) string {
	if f.TheyAreHost || f.Host == nil {
		return "them"
	}
	return f.Host.PartyName
}

// Self returns the local user's own menu. videoState is the local user's
// current video flag.
func (p *Presenter) Self(videoState string) Menu {
	self, _ := p.roster.Find(p.selfUID)

	toggle := "Disallow"
	if videoState == protocol.VideoLocked {
		toggle = "Allow"
	}

	m := Menu{
		Prompt: fmt.Sprintf("%s (you) - available actions:", self.PartyName),
		Choices: []Choice{
			{Text: toggle + " video chat requests", Action: Action{Kind: ActionToggleVideoLock}},
			{Text: "View My Profile", Action: ViewProfile(p.selfUID)},
		},
		Cancelable: true,
	}
	if !self.IsHost() {
		m.Choices = append(m.Choices, Choice{
			Text:   "Start a video chat\n(you can invite others)",
			Action: Action{Kind: ActionStartVideoChat, UID: p.selfUID},
		})
	}
	return m
}
