package model

import (
	"testing"
	"time"
)

func TestStatusOrder(t *testing.T) {
	order := []MessageStatus{StatusFailed, StatusPending, StatusSent, StatusDelivered, StatusRead}
	for i := 1; i < len(order); i++ {
		if order[i-1].Rank() >= order[i].Rank() {
			t.Errorf("%s rank %d should be below %s rank %d", order[i-1], order[i-1].Rank(), order[i], order[i].Rank())
		}
	}
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		in     string
		want   MessageStatus
		wantOK bool
	}{
		{"READ", StatusRead, true},
		{"delivered", StatusDelivered, true},
		{" PENDING ", StatusPending, true},
		{"FAILED", StatusFailed, true},
		{"SEEN", StatusSent, false},
		{"", StatusSent, false},
	}
	for _, tt := range tests {
		got, ok := ParseStatus(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ParseStatus(%q) = %s, %v; want %s, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestApplyStatusNeverDowngrades(t *testing.T) {
	m := Message{Status: StatusPending}
	seq := []MessageStatus{StatusSent, StatusRead, StatusDelivered, StatusPending, StatusSent, StatusFailed, StatusRead}
	prev := m.Status.Rank()
	for _, st := range seq {
		m.ApplyStatus(st, nil, nil)
		if m.Status.Rank() < prev {
			t.Fatalf("status went from rank %d to %s", prev, m.Status)
		}
		prev = m.Status.Rank()
	}
	if m.Status != StatusRead {
		t.Errorf("final status = %s, want READ", m.Status)
	}
}

func TestApplyStatusFillsTimestamps(t *testing.T) {
	m := Message{Status: StatusSent}
	now := time.Now()
	if !m.ApplyStatus(StatusRead, nil, &now) {
		t.Fatal("ApplyStatus() = false, want true")
	}
	if m.ReadAt == nil || !m.ReadAt.Equal(now) {
		t.Errorf("ReadAt = %v, want %v", m.ReadAt, now)
	}
}

func TestIDHelpers(t *testing.T) {
	tmp := NewTempID()
	if !tmp.IsTemp() {
		t.Errorf("%q should be temp", tmp)
	}
	if ID("42").IsTemp() {
		t.Error("server id reported as temp")
	}
	for _, id := range []ID{"", "0"} {
		if !id.IsZero() {
			t.Errorf("ID(%q).IsZero() = false", id)
		}
	}
}

func TestParsePresence(t *testing.T) {
	if got := ParsePresence("away"); got != PresenceAway {
		t.Errorf("ParsePresence(away) = %s", got)
	}
	if got := ParsePresence("busy"); got != PresenceOffline {
		t.Errorf("ParsePresence(busy) = %s, want OFFLINE", got)
	}
}
