package model

import (
	"context"
	"errors"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

// State classifies the store lifecycle. The only transitions are
// starting -> ready, starting -> failed (both exactly once, at Load) and
// ready -> degraded when the session pool can no longer replenish itself.
// A single failed prediction never changes the state.
type State string

const (
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateDegraded State = "degraded"
	StateFailed   State = "failed"
)

// ErrNotReady is returned by Predict while the store is not serving.
var ErrNotReady = errors.New("model is not ready")

// Store owns the trained model for the lifetime of the process. The weights
// are loaded exactly once and used read-only; concurrency safety comes from
// the session pool handing out exclusive sessions per call.
type Store struct {
	modelPath    string
	metadataPath string
	poolSize     int
	logger       *zap.Logger

	loadOnce sync.Once

	mu      sync.RWMutex
	state   State
	loadErr error
	meta    *Metadata
	pool    *sessionPool
	ortInit bool
}

// NewStore builds a store in the starting state. Call Load to read the
// artifact.
func NewStore(modelPath, metadataPath string, poolSize int, logger *zap.Logger) *Store {
	return &Store{
		modelPath:    modelPath,
		metadataPath: metadataPath,
		poolSize:     poolSize,
		logger:       logger.Named("model_store"),
		state:        StateStarting,
	}
}

// Load reads the artifact descriptor, initializes the ONNX runtime and warms
// the session pool. It transitions the store to ready on success or failed on
// any error; it never panics past this boundary. Load is effective once: a
// second call returns the outcome of the first.
func (s *Store) Load(ctx context.Context) error {
	s.loadOnce.Do(func() {
		meta, pool, err := s.initialize(ctx)

		s.mu.Lock()
		defer s.mu.Unlock()
		if err != nil {
			s.state = StateFailed
			s.loadErr = err
			s.logger.Error("model load failed", zap.Error(err),
				zap.String("model_path", s.modelPath))
			return
		}

		s.meta = meta
		s.pool = pool
		s.state = StateReady
		s.logger.Info("model loaded",
			zap.String("model_path", s.modelPath),
			zap.Strings("classes", meta.Classes),
			zap.Int("image_size", meta.ImageSize),
			zap.Int("pool_size", s.poolSize))
	})
	return s.LoadError()
}

func (s *Store) initialize(ctx context.Context) (*Metadata, *sessionPool, error) {
	meta, err := LoadMetadata(s.metadataPath)
	if err != nil {
		return nil, nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	if err := ort.InitializeEnvironment(); err != nil {
		return nil, nil, fmt.Errorf("initialize onnx runtime: %w", err)
	}
	s.mu.Lock()
	s.ortInit = true
	s.mu.Unlock()

	pool, err := newSessionPool(s.modelPath, meta, s.poolSize, s.markDegraded)
	if err != nil {
		return nil, nil, err
	}
	return meta, pool, nil
}

// markDegraded is invoked by the pool when it can no longer rebuild sessions.
func (s *Store) markDegraded(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady {
		return
	}
	s.state = StateDegraded
	s.logger.Error("model store degraded", zap.Error(cause))
}

// State reports the current lifecycle state. Cheap and safe for concurrent
// health probes.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Ready reports whether predictions are currently accepted.
func (s *Store) Ready() bool {
	return s.State() == StateReady
}

// LoadError returns the cause recorded by a failed Load, if any.
func (s *Store) LoadError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadErr
}

// Metadata returns the artifact descriptor, or nil before a successful Load.
func (s *Store) Metadata() *Metadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta
}

// Predict runs the forward pass over a flattened NCHW input and returns the
// raw model outputs. The returned slice is owned by the caller; session
// buffers are copied out before the session goes back to the pool, so
// concurrent calls cannot corrupt each other's results.
func (s *Store) Predict(ctx context.Context, input []float32) ([]float32, error) {
	s.mu.RLock()
	state := s.state
	meta := s.meta
	pool := s.pool
	s.mu.RUnlock()

	if state != StateReady {
		return nil, ErrNotReady
	}
	if len(input) != meta.InputLen() {
		return nil, fmt.Errorf("input has %d values, model expects %d", len(input), meta.InputLen())
	}

	sess, err := pool.acquire(ctx)
	if err != nil {
		return nil, err
	}

	copy(sess.input.GetData(), input)
	if err := sess.sess.Run(); err != nil {
		// A session that failed mid-run may hold inconsistent native state.
		// Drop it; the pool health check rebuilds capacity.
		pool.discard(sess)
		return nil, fmt.Errorf("inference: %w", err)
	}

	output := make([]float32, meta.OutputLen())
	copy(output, sess.output.GetData())
	pool.release(sess)

	return output, nil
}

// Close releases the pool and the ONNX runtime environment.
func (s *Store) Close() {
	s.mu.Lock()
	pool := s.pool
	s.pool = nil
	ortInit := s.ortInit
	s.ortInit = false
	s.mu.Unlock()

	if pool != nil {
		pool.destroy()
	}
	if ortInit {
		ort.DestroyEnvironment() //nolint:errcheck
	}
}
