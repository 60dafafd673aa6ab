package venue

import "testing"

func TestParticipant_IsHost(t *testing.T) {
	cases := []struct {
		name string
		p    Participant
		want bool
	}{
		{"no video", Participant{ID: "a"}, false},
		{"empty room", Participant{ID: "a", Video: &Video{}}, false},
		{"own room", Participant{ID: "a", Video: &Video{InRoomOwnedBy: "a"}}, true},
		{"other room", Participant{ID: "a", Video: &Video{InRoomOwnedBy: "b"}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.p.IsHost(); got != tc.want {
				t.Errorf("IsHost() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestParticipant_HasRemoved(t *testing.T) {
	host := Participant{ID: "h", Video: &Video{InRoomOwnedBy: "h", RemovedParticipantUIDs: []string{"p1", "p2"}}}
	if !host.HasRemoved("p2") {
		t.Error("expected p2 to be removed")
	}
	if host.HasRemoved("p3") {
		t.Error("expected p3 not to be removed")
	}
	if (Participant{ID: "x"}).HasRemoved("p1") {
		t.Error("participant without video cannot have removed anyone")
	}
}

func TestRoster_Find(t *testing.T) {
	r := Roster{{ID: "a", PartyName: "Ann"}, {ID: "b", PartyName: "Ben"}}

	p, ok := r.Find("b")
	if !ok || p.PartyName != "Ben" {
		t.Fatalf("Find(b) = %+v, %v", p, ok)
	}
	if _, ok := r.Find("zzz"); ok {
		t.Error("expected Find(zzz) to miss")
	}
	if _, ok := r.Find(""); ok {
		t.Error("expected Find(\"\") to miss")
	}
}

func TestChatRequestType_Valid(t *testing.T) {
	if !JoinMyChat.Valid() || !JoinTheirChat.Valid() {
		t.Error("known types must be valid")
	}
	if ChatRequestType("JoinEveryone").Valid() {
		t.Error("unknown type must not be valid")
	}
}
