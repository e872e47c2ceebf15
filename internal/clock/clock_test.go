package clock

import (
	"testing"
	"time"
)

func TestSystemClockNowAdvances(t *testing.T) {
	c := SystemClock{}
	first := c.Now()
	time.Sleep(time.Millisecond)
	second := c.Now()
	if !second.After(first) {
		t.Fatalf("expected time to advance, got %v then %v", first, second)
	}
}

func TestSystemClockAtFiresAndCancels(t *testing.T) {
	c := SystemClock{}
	fired := make(chan struct{}, 1)
	cancel := c.At(c.Now().Add(10*time.Millisecond), func() { fired <- struct{}{} })
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("callback did not fire")
	}
	cancel()

	fired2 := make(chan struct{}, 1)
	cancel2 := c.At(c.Now().Add(time.Hour), func() { fired2 <- struct{}{} })
	cancel2()
	select {
	case <-fired2:
		t.Fatal("cancelled callback fired")
	case <-time.After(20 * time.Millisecond):
	}
}
