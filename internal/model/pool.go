package model

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	ort "github.com/yalue/onnxruntime_go"
)

const (
	acquireTimeout    = 5 * time.Second
	healthCheckPeriod = 60 * time.Second

	// maxReplenishFailures is how many consecutive failed replenish rounds
	// the pool tolerates before reporting itself unhealthy.
	maxReplenishFailures = 3
)

// ErrPoolClosed is returned when a session is requested after shutdown.
var ErrPoolClosed = errors.New("session pool is closed")

// session bundles an ONNX runtime session with the tensors it was bound to.
// The tensors are reused across calls, which is why a session must never be
// shared by two in-flight predictions.
type session struct {
	sess   *ort.AdvancedSession
	input  *ort.Tensor[float32]
	output *ort.Tensor[float32]
}

func (s *session) destroy() {
	if s.input != nil {
		s.input.Destroy()
	}
	if s.output != nil {
		s.output.Destroy()
	}
	if s.sess != nil {
		s.sess.Destroy()
	}
}

// sessionPool keeps a fixed number of inference sessions warm. Acquire/Release
// hand out exclusive ownership, so concurrent predictions never write into the
// same input buffer.
type sessionPool struct {
	sessions  chan *session
	size      int
	modelPath string
	meta      *Metadata

	mu       sync.Mutex
	closed   bool
	lost     int
	failures int

	unhealthy func(error)
	stopCh    chan struct{}
}

func newSessionPool(modelPath string, meta *Metadata, size int, unhealthy func(error)) (*sessionPool, error) {
	if size <= 0 {
		size = 1
	}

	pool := &sessionPool{
		sessions:  make(chan *session, size),
		size:      size,
		modelPath: modelPath,
		meta:      meta,
		unhealthy: unhealthy,
		stopCh:    make(chan struct{}),
	}

	for i := 0; i < size; i++ {
		sess, err := newSession(modelPath, meta)
		if err != nil {
			pool.destroy()
			return nil, fmt.Errorf("initialize session %d: %w", i, err)
		}
		pool.sessions <- sess
	}

	go pool.healthCheck()

	return pool, nil
}

func newSession(modelPath string, meta *Metadata) (*session, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	defer options.Destroy()

	options.SetIntraOpNumThreads(runtime.NumCPU())
	options.SetInterOpNumThreads(runtime.NumCPU())

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}

	sess, err := ort.NewAdvancedSession(
		modelPath,
		[]string{meta.InputName},
		[]string{meta.OutputName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("create session: %w", err)
	}

	return &session{sess: sess, input: inputTensor, output: outputTensor}, nil
}

func (p *sessionPool) acquire(ctx context.Context) (*session, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	select {
	case sess := <-p.sessions:
		if sess == nil {
			return nil, ErrPoolClosed
		}
		return sess, nil
	case <-time.After(acquireTimeout):
		return nil, errors.New("timeout waiting for an inference session")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// release returns a session to the pool. The send happens under the mutex:
// destroy marks the pool closed under the same mutex before closing the
// channel, so a send can never hit a closed channel. The buffer holds the
// full pool size and the session was checked out, so the send cannot block.
func (p *sessionPool) release(sess *session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		sess.destroy()
		return
	}
	p.sessions <- sess
}

// discard destroys a session that failed mid-run instead of returning it to
// the pool. The health check rebuilds the lost capacity.
func (p *sessionPool) discard(sess *session) {
	sess.destroy()
	p.mu.Lock()
	p.lost++
	p.mu.Unlock()
}

func (p *sessionPool) destroy() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stopCh)
	p.mu.Unlock()

	close(p.sessions)
	for sess := range p.sessions {
		sess.destroy()
	}
}

// healthCheck replenishes sessions that were destroyed during shutdown races
// or dropped after runtime errors. Repeated replenish failures mean the
// artifact on disk is no longer loadable and the pool reports unhealthy.
func (p *sessionPool) healthCheck() {
	ticker := time.NewTicker(healthCheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
		}

		p.mu.Lock()
		closed := p.closed
		missing := p.lost
		p.mu.Unlock()
		if closed {
			return
		}
		if missing <= 0 {
			continue
		}

		rebuilt, err := p.replenish(missing)
		p.mu.Lock()
		p.lost -= rebuilt
		if err != nil {
			p.failures++
		} else {
			p.failures = 0
		}
		exhausted := p.failures >= maxReplenishFailures
		p.mu.Unlock()
		if exhausted && p.unhealthy != nil {
			p.unhealthy(err)
		}
	}
}

func (p *sessionPool) replenish(count int) (int, error) {
	var lastErr error
	rebuilt := 0
	for i := 0; i < count; i++ {
		sess, err := newSession(p.modelPath, p.meta)
		if err != nil {
			lastErr = err
			continue
		}
		// Same locking discipline as release: never send once closed.
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			sess.destroy()
			return rebuilt, lastErr
		}
		p.sessions <- sess
		p.mu.Unlock()
		rebuilt++
	}
	return rebuilt, lastErr
}
