package main

import (
	"strconv"
	"time"

	"github.com/playa/presence/internal/protocol"
)

// presenceUpdate walks simulated user lane along the x axis, stamping the
// heartbeat at now.
func presenceUpdate(lane, step float64, now time.Time) protocol.UserState {
	return protocol.UserState{
		X: step,
		Y: lane,
		State: map[protocol.StateKey]string{
			protocol.StateHeartbeat: strconv.FormatInt(now.UnixMilli(), 10),
		},
	}
}
