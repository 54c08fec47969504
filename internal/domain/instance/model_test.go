package instance

import (
	"encoding/json"
	"testing"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{"provisioning to active", StatusProvisioning, StatusActive, true},
		{"provisioning to failed", StatusProvisioning, StatusFailed, true},
		{"provisioning to settling", StatusProvisioning, StatusSettling, false},
		{"active to settling", StatusActive, StatusSettling, true},
		{"active to terminated", StatusActive, StatusTerminated, true},
		{"active to failed", StatusActive, StatusFailed, false},
		{"settling to active", StatusSettling, StatusActive, true},
		{"settling to terminated", StatusSettling, StatusTerminated, true},
		{"settling to failed", StatusSettling, StatusFailed, true},
		{"failed to provisioning", StatusFailed, StatusProvisioning, true},
		{"failed to active", StatusFailed, StatusActive, false},
		{"terminated is terminal", StatusTerminated, StatusProvisioning, false},
		{"terminated to active", StatusTerminated, StatusActive, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CanTransition(tc.from, tc.to); got != tc.want {
				t.Fatalf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
			}
		})
	}
}

func TestStatusRoundTrip(t *testing.T) {
	for _, s := range []Status{StatusProvisioning, StatusActive, StatusSettling, StatusTerminated, StatusFailed} {
		if got := ParseStatus(s.String()); got != s {
			t.Fatalf("ParseStatus(%q) = %v, want %v", s.String(), got, s)
		}
	}
	if got := ParseStatus("running"); got != StatusActive {
		t.Fatalf("legacy alias: got %v, want active", got)
	}
}

func TestStatusJSON(t *testing.T) {
	data, err := json.Marshal(StatusSettling)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `"settling"` {
		t.Fatalf("marshal = %s", data)
	}

	var s Status
	if err := json.Unmarshal([]byte(`"active"`), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if s != StatusActive {
		t.Fatalf("unmarshal = %v, want active", s)
	}
}

func TestAcceptsEvents(t *testing.T) {
	if !StatusActive.AcceptsEvents() || !StatusSettling.AcceptsEvents() {
		t.Fatal("active and settling instances must accept events")
	}
	for _, s := range []Status{StatusUnknown, StatusProvisioning, StatusTerminated, StatusFailed} {
		if s.AcceptsEvents() {
			t.Fatalf("%s must not accept events", s)
		}
	}
}
