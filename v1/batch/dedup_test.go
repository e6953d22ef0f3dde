package batch

import (
	"context"
	"testing"
	"time"

	"github.com/mirkobrombin/go-terra/v1/executor"
)

func TestDedupRejectsRepeatedKeys(t *testing.T) {
	d, err := NewDedup(func(s string) string { return s }, time.Minute, 100)
	if err != nil {
		t.Fatalf("new dedup: %v", err)
	}
	defer d.Close()

	if !d.Accepts("a") {
		t.Fatal("first a refused")
	}
	if d.Accepts("a") {
		t.Fatal("duplicate a accepted")
	}
	if !d.Accepts("b") {
		t.Fatal("first b refused")
	}
}

func TestDedupAsBufferPredicate(t *testing.T) {
	d, err := NewDedup(func(s string) string { return s }, time.Minute, 100)
	if err != nil {
		t.Fatalf("new dedup: %v", err)
	}
	defer d.Close()

	sink := newRecordingSink[string]()
	b := New[string](sink, Config{FlushInterval: -1},
		WithAccepts[string](d.Accepts), WithExecutor[string](executor.Inline()))
	for _, s := range []string{"x", "y", "x", "z", "y"} {
		b.Submit(context.Background(), s)
	}
	_ = b.Shutdown(context.Background())

	got, _ := sink.snapshot()
	if len(got) != 1 || len(got[0]) != 3 {
		t.Fatalf("expected [x y z], got %v", got)
	}
}
