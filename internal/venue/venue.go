// Package venue holds the document-store side of the Playa: the roster of
// participants with their video-room membership, the chat-request log and
// the shouts feed. Roster and shouts live in Redis, the chat-request log in
// PostgreSQL, and every write is announced on NATS so that clients can
// re-evaluate.
package venue

import "slices"

// Participant is one roster entry.
type Participant struct {
	ID        string `json:"id"`
	PartyName string `json:"party_name"`
	Video     *Video `json:"video,omitempty"`
}

// Video is the persisted video-room membership of a participant.
type Video struct {
	InRoomOwnedBy          string   `json:"in_room_owned_by,omitempty"`
	RemovedParticipantUIDs []string `json:"removed_participant_uids,omitempty"`
}

// RoomOwner returns the id of the room the participant is in, or "".
func (p Participant) RoomOwner() string {
	if p.Video == nil {
		return ""
	}
	return p.Video.InRoomOwnedBy
}

// IsHost reports whether the participant owns the room they are in.
func (p Participant) IsHost() bool {
	return p.Video != nil && p.Video.InRoomOwnedBy != "" && p.Video.InRoomOwnedBy == p.ID
}

// HasRemoved reports whether uid is excluded from this participant's room.
func (p Participant) HasRemoved(uid string) bool {
	return p.Video != nil && slices.Contains(p.Video.RemovedParticipantUIDs, uid)
}

// Roster is the ordered list of venue participants.
type Roster []Participant

// Find returns the participant with the given id.
func (r Roster) Find(id string) (Participant, bool) {
	if id == "" {
		return Participant{}, false
	}
	for _, p := range r {
		if p.ID == id {
			return p, true
		}
	}
	return Participant{}, false
}

// ChatRequestType distinguishes who owns the room being joined.
type ChatRequestType string

const (
	JoinMyChat    ChatRequestType = "JoinMyChat"
	JoinTheirChat ChatRequestType = "JoinTheirChat"
)

// Valid reports whether t is a known request type.
func (t ChatRequestType) Valid() bool {
	return t == JoinMyChat || t == JoinTheirChat
}

// ChatRequestState is the lifecycle state of a chat request.
type ChatRequestState string

const (
	Asked     ChatRequestState = "Asked"
	Accepted  ChatRequestState = "Accepted"
	Declined  ChatRequestState = "Declined"
	Completed ChatRequestState = "Completed"
)

// ChatRequest is an invitation between two participants to share the video
// room owned by ToJoinRoomOwnedByUID. CreatedAt is unix milliseconds.
type ChatRequest struct {
	ID                   string           `json:"id"`
	FromUID              string           `json:"from_uid"`
	ToUID                string           `json:"to_uid"`
	ToJoinRoomOwnedByUID string           `json:"to_join_room_owned_by_uid"`
	Type                 ChatRequestType  `json:"type"`
	State                ChatRequestState `json:"state"`
	CreatedAt            int64            `json:"created_at"`
}

// Shout is a short-lived message attributed to a participant. CreatedAt is
// unix milliseconds.
type Shout struct {
	CreatedBy string `json:"created_by"`
	Text      string `json:"text"`
	CreatedAt int64  `json:"created_at"`
}
