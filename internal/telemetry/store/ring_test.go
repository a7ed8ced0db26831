package store_test

import (
	"testing"

	"github.com/ardenmoss/bdg/internal/telemetry/store"
)

func TestRing_AppendWithinCapacity(t *testing.T) {
	t.Parallel()
	r := store.NewRing[int](3)

	for i := 0; i < 3; i++ {
		ok, warn := r.Append(i)
		if !ok || warn {
			t.Fatalf("Append(%d) = (%v, %v), want (true, false)", i, ok, warn)
		}
	}
	if r.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", r.Len())
	}
}

func TestRing_DropsOnFullWithSingleWarning(t *testing.T) {
	t.Parallel()
	r := store.NewRing[int](2)

	r.Append(1)
	r.Append(2)

	ok, warn := r.Append(3)
	if ok || !warn {
		t.Fatalf("first overflow Append = (%v, %v), want (false, true)", ok, warn)
	}

	ok, warn = r.Append(4)
	if ok || warn {
		t.Fatalf("second overflow Append = (%v, %v), want (false, false)", ok, warn)
	}

	if got := r.Slice(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("Slice() = %v, want earliest two entries preserved", got)
	}
	if r.Dropped() != 2 {
		t.Fatalf("Dropped() = %d, want 2", r.Dropped())
	}
}

func TestRing_TailAndOffset(t *testing.T) {
	t.Parallel()
	r := store.NewRing[int](10)
	for i := 1; i <= 5; i++ {
		r.Append(i)
	}

	got, hasMore := r.Tail(2, 0)
	if len(got) != 2 || got[0] != 4 || got[1] != 5 {
		t.Fatalf("Tail(2,0) = %v, want [4 5]", got)
	}
	if !hasMore {
		t.Fatal("Tail(2,0) hasMore = false, want true")
	}

	got, hasMore = r.Tail(10, 0)
	if len(got) != 5 {
		t.Fatalf("Tail(10,0) len = %d, want 5", len(got))
	}
	if hasMore {
		t.Fatal("Tail(10,0) hasMore = true, want false")
	}

	got, _ = r.Tail(2, 1)
	if len(got) != 2 || got[0] != 3 || got[1] != 4 {
		t.Fatalf("Tail(2,1) = %v, want [3 4]", got)
	}
}

func TestRing_At(t *testing.T) {
	t.Parallel()
	r := store.NewRing[string](4)
	r.Append("a")
	r.Append("b")

	if v, ok := r.At(1); !ok || v != "b" {
		t.Fatalf("At(1) = (%q, %v), want (\"b\", true)", v, ok)
	}
	if _, ok := r.At(5); ok {
		t.Fatal("At(5) ok = true, want false")
	}
}
