package venue

import "context"

// Store bundles the venue collaborators behind the write operations the
// chat-request coordinator needs.
type Store struct {
	Roster   *RosterStore
	Requests *RequestLog
	Shouts   *ShoutStore
}

// UpdateVideo overwrites a participant's video record.
func (s *Store) UpdateVideo(ctx context.Context, uid string, v Video) error {
	return s.Roster.UpdateVideo(ctx, uid, v)
}

// AddChatRequest appends a request and returns its id.
func (s *Store) AddChatRequest(ctx context.Context, r ChatRequest) (string, error) {
	stored, err := s.Requests.Add(ctx, r)
	if err != nil {
		return "", err
	}
	return stored.ID, nil
}

// SetChatRequestState moves a request to a new state.
func (s *Store) SetChatRequestState(ctx context.Context, id string, state ChatRequestState) error {
	return s.Requests.SetState(ctx, id, state)
}

// Load reads the roster and every request that is not yet Completed.
func (s *Store) Load(ctx context.Context) (Roster, []ChatRequest, error) {
	roster, err := s.Roster.List(ctx)
	if err != nil {
		return nil, nil, err
	}
	requests, err := s.Requests.ListOpen(ctx)
	if err != nil {
		return nil, nil, err
	}
	return roster, requests, nil
}
