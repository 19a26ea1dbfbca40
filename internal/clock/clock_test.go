package clock

import (
	"testing"
	"time"
)

func TestFakeAdvance(t *testing.T) {
	start := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	c := Fake(start)

	if !c.Now().Equal(start) {
		t.Fatalf("Now() = %v, want %v", c.Now(), start)
	}
	got := c.Advance(2 * time.Minute)
	if want := start.Add(2 * time.Minute); !got.Equal(want) || !c.Now().Equal(want) {
		t.Fatalf("Advance() = %v, want %v", got, want)
	}

	next := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	c.Set(next)
	if !c.Now().Equal(next) {
		t.Fatalf("Set() not applied: %v", c.Now())
	}
}

func TestRealMovesForward(t *testing.T) {
	c := Real()
	a := c.Now()
	time.Sleep(time.Millisecond)
	if !c.Now().After(a) {
		t.Fatal("real clock did not advance")
	}
}
