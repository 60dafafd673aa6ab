package venue

// Change kinds published on venue.<id>.<kind> subjects.
const (
	KindParticipants = "participants"
	KindChatRequests = "chatrequests"
	KindShouts       = "shouts"
)

// Change is the payload published to NATS after every venue write.
type Change struct {
	Kind  string `json:"kind"`            // participants | chatrequests | shouts
	ID    string `json:"id"`              // participant uid or request id
	Shout *Shout `json:"shout,omitempty"` // for shouts
	Ts    int64  `json:"ts"`              // unix milliseconds
}
