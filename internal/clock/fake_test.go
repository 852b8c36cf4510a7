package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeNow(t *testing.T) {
	c := Fake(epoch)
	if !c.Now().Equal(epoch) {
		t.Fatalf("Now() = %v, want %v", c.Now(), epoch)
	}
	c.Advance(3 * time.Second)
	if got := c.Now().Sub(epoch); got != 3*time.Second {
		t.Errorf("advanced %v, want 3s", got)
	}
}

func TestFakeAfterFuncFiresOnce(t *testing.T) {
	c := Fake(epoch)
	calls := 0
	c.AfterFunc(time.Second, func() { calls++ })

	c.Advance(500 * time.Millisecond)
	if calls != 0 {
		t.Fatalf("fired early: %d", calls)
	}
	c.Advance(time.Second)
	c.Advance(time.Second)
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestFakeAfterFuncStop(t *testing.T) {
	c := Fake(epoch)
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })
	if !timer.Stop() {
		t.Fatal("Stop on pending timer returned false")
	}
	if timer.Stop() {
		t.Error("second Stop returned true")
	}
	c.Advance(2 * time.Second)
	if fired {
		t.Error("stopped timer fired")
	}
}

func TestFakeTicker(t *testing.T) {
	c := Fake(epoch)
	ticker := c.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	c.Advance(100 * time.Millisecond)
	select {
	case <-ticker.C:
	default:
		t.Fatal("expected a tick")
	}

	select {
	case <-ticker.C:
		t.Fatal("unexpected second tick")
	default:
	}

	if c.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", c.Pending())
	}
	ticker.Stop()
	if c.Pending() != 0 {
		t.Errorf("Pending() after Stop = %d, want 0", c.Pending())
	}
}

func TestFakeTickerPanicsOnZero(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	Fake(epoch).NewTicker(0)
}
