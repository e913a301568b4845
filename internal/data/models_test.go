package data

import (
	"testing"
	"time"
)

func TestCursorAfter(t *testing.T) {
	now := time.Now()
	c := Cursor{CreatedAt: now, ID: "b"}

	cases := []struct {
		msg  *Message
		want bool
	}{
		{&Message{ID: "a", CreatedAt: now}, false},
		{&Message{ID: "b", CreatedAt: now}, false},
		{&Message{ID: "c", CreatedAt: now}, true},
		{&Message{ID: "a", CreatedAt: now.Add(time.Millisecond)}, true},
		{&Message{ID: "z", CreatedAt: now.Add(-time.Millisecond)}, false},
	}
	for _, tc := range cases {
		if got := c.After(tc.msg); got != tc.want {
			t.Fatalf("After(%s@%v) = %v, want %v", tc.msg.ID, tc.msg.CreatedAt.Sub(now), got, tc.want)
		}
	}

	if !(Cursor{}).After(&Message{ID: "x", CreatedAt: now}) {
		t.Fatal("zero cursor should precede every message")
	}
}
