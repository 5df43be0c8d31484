package forktide

import (
	"errors"
	"testing"
)

func TestWorkerRegistry_SetGetDelete(t *testing.T) {
	reg := NewWorkerRegistry[string]()
	reg.Set(1, "alpha")
	reg.Set(2, "beta")

	v, ok := reg.Get(1)
	if !ok || v != "alpha" {
		t.Fatalf("expected alpha, got %q (ok=%v)", v, ok)
	}

	reg.Delete(1)
	if _, ok := reg.Get(1); ok {
		t.Fatal("expected entry to be deleted")
	}

	snap := reg.Snapshot()
	if len(snap) != 1 || snap[2] != "beta" {
		t.Fatalf("unexpected snapshot: %v", snap)
	}
}

func TestBroadcast_CollectsValuesAndErrors(t *testing.T) {
	ids := []int{1, 2, 3}
	values, errs := Broadcast(ids, func(workerID int) (int, error) {
		if workerID == 2 {
			return 0, errors.New("worker 2 unreachable")
		}
		return workerID * 10, nil
	})

	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %d", len(errs))
	}
	if values[1] != 10 || values[3] != 30 {
		t.Fatalf("unexpected values: %v", values)
	}
	if _, ok := values[2]; ok {
		t.Fatal("expected no value for the failed worker")
	}
}
