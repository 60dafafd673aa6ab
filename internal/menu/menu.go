// Package menu derives the contextual action menus shown for participants.
// Menus are plain data: every choice carries an Action descriptor that the
// caller dispatches through a single handler, so nothing captures state that
// may be stale by the time the user picks.
package menu

import (
	"fmt"

	"github.com/playa/presence/internal/venue"
)

// ActionKind names what a choice does.
type ActionKind string

const (
	ActionViewProfile       ActionKind = "view_profile"
	ActionCreateChatRequest ActionKind = "create_chat_request"
	ActionSetRequestState   ActionKind = "set_request_state"
	ActionAckRemoval        ActionKind = "ack_removal"
	ActionToggleVideoLock   ActionKind = "toggle_video_lock"
	ActionStartVideoChat    ActionKind = "start_video_chat"
)

// Action is a command descriptor. Only the fields relevant to Kind are set.
type Action struct {
	Kind         ActionKind
	UID          string                 // profile to view, request target, or remover
	RoomOwnerUID string                 // room to join for ActionCreateChatRequest
	Type         venue.ChatRequestType  // for ActionCreateChatRequest
	RequestID    string                 // for ActionSetRequestState
	State        venue.ChatRequestState // for ActionSetRequestState
}

// Choice is one selectable entry.
type Choice struct {
	Text   string
	Action Action
}

// Menu is a prompt with its choices. OnHide, when set, is dispatched if the
// menu is dismissed without a choice.
type Menu struct {
	Prompt     string
	Choices    []Choice
	Cancelable bool
	OnHide     *Action
}

// ViewProfile returns the action that opens uid's profile.
func ViewProfile(uid string) Action {
	return Action{Kind: ActionViewProfile, UID: uid}
}

// SetRequestState returns the action that moves request id to state.
func SetRequestState(id string, state venue.ChatRequestState) Action {
	return Action{Kind: ActionSetRequestState, RequestID: id, State: state}
}

// AckRemoval returns the action that acknowledges a removal by remover.
func AckRemoval(remover string) Action {
	return Action{Kind: ActionAckRemoval, UID: remover}
}

// RemovalNotice is the blocking notice shown when remover has excluded the
// local user from their chat. It cannot be cancelled; hiding it acknowledges.
func RemovalNotice(remover venue.Participant) Menu {
	ack := AckRemoval(remover.ID)
	return Menu{
		Prompt:     fmt.Sprintf("%s removed you from the chat.", remover.PartyName),
		Choices:    []Choice{{Text: "OK", Action: ack}},
		Cancelable: false,
		OnHide:     &ack,
	}
}

// IncomingRequest asks the recipient of an Asked request to accept or
// decline. Dismissal declines.
func IncomingRequest(r venue.ChatRequest, from venue.Participant) Menu {
	prompt := fmt.Sprintf("%s asked to join your chat", from.PartyName)
	accept := "Let them in!"
	if r.Type == venue.JoinTheirChat {
		prompt = fmt.Sprintf("%s invited you to join their chat", from.PartyName)
		accept = "Join them!"
	}

	decline := SetRequestState(r.ID, venue.Declined)
	return Menu{
		Prompt: prompt,
		Choices: []Choice{
			{Text: accept, Action: SetRequestState(r.ID, venue.Accepted)},
			{Text: "Refuse politely", Action: decline},
		},
		OnHide: &decline,
	}
}

// RequestDeclined tells the requester their request was declined. Both the
// choice and dismissal complete the request.
func RequestDeclined(r venue.ChatRequest, to venue.Participant) Menu {
	done := SetRequestState(r.ID, venue.Completed)
	return Menu{
		Prompt:  fmt.Sprintf("%s declined your request.", to.PartyName),
		Choices: []Choice{{Text: "OK", Action: done}},
		OnHide:  &done,
	}
}
