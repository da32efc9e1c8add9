package model

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func TestStoreStartsInStartingState(t *testing.T) {
	store := NewStore("weights.onnx", "meta.json", 2, zap.NewNop())
	if got := store.State(); got != StateStarting {
		t.Fatalf("expected state %s, got %s", StateStarting, got)
	}
	if store.Ready() {
		t.Fatal("store must not be ready before Load")
	}
}

func TestPredictBeforeLoadReturnsNotReady(t *testing.T) {
	store := NewStore("weights.onnx", "meta.json", 2, zap.NewNop())
	_, err := store.Predict(context.Background(), make([]float32, 4))
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}

func TestLoadMissingMetadataFails(t *testing.T) {
	store := NewStore("weights.onnx", filepath.Join(t.TempDir(), "absent.json"), 2, zap.NewNop())

	if err := store.Load(context.Background()); err == nil {
		t.Fatal("expected load to fail")
	}
	if got := store.State(); got != StateFailed {
		t.Fatalf("expected state %s, got %s", StateFailed, got)
	}
	if store.LoadError() == nil {
		t.Fatal("expected load error to be recorded")
	}

	// Predictions after a failed load must keep returning not-ready, never
	// crash or serve a default result.
	_, err := store.Predict(context.Background(), make([]float32, 4))
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady after failed load, got %v", err)
	}
}

func TestLoadCorruptMetadataFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.json")
	if err := os.WriteFile(path, []byte(`{"input_shape": [1]}`), 0o644); err != nil {
		t.Fatalf("failed to write metadata: %v", err)
	}
	store := NewStore("weights.onnx", path, 2, zap.NewNop())

	if err := store.Load(context.Background()); err == nil {
		t.Fatal("expected load to fail on corrupt metadata")
	}
	if got := store.State(); got != StateFailed {
		t.Fatalf("expected state %s, got %s", StateFailed, got)
	}
}

func TestLoadIsEffectiveOnce(t *testing.T) {
	store := NewStore("weights.onnx", filepath.Join(t.TempDir(), "absent.json"), 2, zap.NewNop())

	first := store.Load(context.Background())
	second := store.Load(context.Background())
	if first == nil || second == nil {
		t.Fatal("expected both loads to report failure")
	}
	if first.Error() != second.Error() {
		t.Fatalf("second load should report the first outcome, got %q vs %q", first, second)
	}
	if got := store.State(); got != StateFailed {
		t.Fatalf("expected terminal state %s, got %s", StateFailed, got)
	}
}

func TestMarkDegradedOnlyFromReady(t *testing.T) {
	store := NewStore("weights.onnx", "meta.json", 2, zap.NewNop())

	// Still starting: degradation signal is ignored.
	store.markDegraded(errors.New("replenish failed"))
	if got := store.State(); got != StateStarting {
		t.Fatalf("expected state %s, got %s", StateStarting, got)
	}

	store.mu.Lock()
	store.state = StateReady
	store.mu.Unlock()

	store.markDegraded(errors.New("replenish failed"))
	if got := store.State(); got != StateDegraded {
		t.Fatalf("expected state %s, got %s", StateDegraded, got)
	}
	if store.Ready() {
		t.Fatal("degraded store must not report ready")
	}
}
