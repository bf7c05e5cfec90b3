package clock

import (
	"testing"
	"time"
)

func TestFakeAdvanceFiresAfterFunc(t *testing.T) {
	f := NewFake(time.Unix(0, 0))

	fired := false
	f.AfterFunc(100*time.Millisecond, func() { fired = true })

	f.Advance(50 * time.Millisecond)
	if fired {
		t.Fatal("timer fired before its deadline")
	}

	f.Advance(50 * time.Millisecond)
	if !fired {
		t.Fatal("timer did not fire at its deadline")
	}
}

func TestFakeTimerStop(t *testing.T) {
	f := NewFake(time.Unix(0, 0))

	fired := false
	timer := f.AfterFunc(time.Second, func() { fired = true })

	if !timer.Stop() {
		t.Error("first Stop returned false, want true")
	}
	if timer.Stop() {
		t.Error("second Stop returned true, want false")
	}

	f.Advance(2 * time.Second)
	if fired {
		t.Error("stopped timer fired")
	}
}

func TestFakeTickerQueuesTicks(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	ticker := f.NewTicker(time.Second)
	defer ticker.Stop()

	f.Advance(time.Second)
	select {
	case <-ticker.C():
	default:
		t.Fatal("no tick queued after one interval")
	}

	// Multiple missed intervals coalesce into one queued tick.
	f.Advance(5 * time.Second)
	select {
	case <-ticker.C():
	default:
		t.Fatal("no tick queued after several intervals")
	}
	select {
	case <-ticker.C():
		t.Fatal("more than one tick queued")
	default:
	}
}

func TestFakeTickerStop(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	ticker := f.NewTicker(time.Second)
	ticker.Stop()

	f.Advance(3 * time.Second)
	select {
	case <-ticker.C():
		t.Fatal("stopped ticker produced a tick")
	default:
	}
}

func TestFakeNow(t *testing.T) {
	start := time.Unix(100, 0)
	f := NewFake(start)
	if got := f.Now(); !got.Equal(start) {
		t.Errorf("got %v, want %v", got, start)
	}
	f.Advance(90 * time.Second)
	if got, want := f.Now(), start.Add(90*time.Second); !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSystemClockNow(t *testing.T) {
	c := New()
	before := time.Now()
	got := c.Now()
	after := time.Now()
	if got.Before(before) || got.After(after) {
		t.Errorf("Now() = %v outside [%v, %v]", got, before, after)
	}
}
