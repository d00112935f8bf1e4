package relay

import (
	"testing"
	"time"
)

func TestNewIDSortable(t *testing.T) {
	prev := NewID()
	for i := 0; i < 50; i++ {
		time.Sleep(time.Millisecond)
		id := NewID()
		if id <= prev {
			t.Fatalf("IDs not time-sortable: %s then %s", prev, id)
		}
		prev = id
	}
}

func TestDeadline(t *testing.T) {
	if !Deadline(0).IsZero() {
		t.Error("zero timeout should produce no deadline")
	}
	if !Deadline(-time.Second).IsZero() {
		t.Error("negative timeout should produce no deadline")
	}
	d := Deadline(time.Hour)
	if d.IsZero() || Expired(d) {
		t.Error("future deadline should not be expired")
	}
}

func TestExpired(t *testing.T) {
	if Expired(time.Time{}) {
		t.Error("zero time never expires")
	}
	if !Expired(time.Now().Add(-time.Second)) {
		t.Error("past deadline should be expired")
	}
}
