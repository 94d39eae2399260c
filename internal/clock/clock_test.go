package clock

import (
	"testing"
	"time"
)

func TestFakeAdvanceAndSet(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	f := NewFake(start)
	if got := f.Now(); !got.Equal(start) {
		t.Fatalf("Now()=%v want %v", got, start)
	}
	f.Advance(121 * time.Second)
	if got := f.Now(); !got.Equal(start.Add(121 * time.Second)) {
		t.Fatalf("Now() after advance=%v", got)
	}
	f.Set(start)
	if got := f.Now(); !got.Equal(start) {
		t.Fatalf("Now() after set=%v", got)
	}
}

func TestOrSystemFallsBack(t *testing.T) {
	if OrSystem(nil) != System {
		t.Fatal("expected system time source for nil input")
	}
	f := NewFake(time.Unix(0, 0))
	if OrSystem(f) != f {
		t.Fatal("expected provided time source to be kept")
	}
}
