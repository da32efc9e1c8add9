package predictor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/pet-classifier/internal/logging"
	"github.com/example/pet-classifier/internal/metrics"
	"github.com/example/pet-classifier/internal/model"
	"github.com/example/pet-classifier/internal/requestlog"
	"github.com/example/pet-classifier/internal/transform"
)

// Error taxonomy exposed to the HTTP layer. Nothing below this package
// propagates raw, untranslated errors upward.
var (
	// ErrInvalidImage marks undecodable payloads (client error).
	ErrInvalidImage = errors.New("invalid image")
	// ErrModelNotReady means the model is still loading or failed to load.
	ErrModelNotReady = errors.New("model not ready")
	// ErrInternalInference covers unexpected failures in the forward pass.
	// Internal detail is logged server-side; callers only see this sentinel.
	ErrInternalInference = errors.New("internal inference error")
)

// ModelBackend is the slice of the model store the predictor needs. Tests
// substitute a stub.
type ModelBackend interface {
	State() model.State
	Metadata() *model.Metadata
	Predict(ctx context.Context, input []float32) ([]float32, error)
}

// Transformer turns raw upload bytes into a model input tensor.
type Transformer interface {
	Transform(raw []byte) (*transform.Tensor, error)
}

// Result is an immutable prediction outcome: the winning label, its
// confidence and the full normalized distribution over all classes.
type Result struct {
	RequestID     string             `json:"request_id"`
	Label         string             `json:"predicted_class"`
	ClassIndex    int                `json:"class_index"`
	Confidence    float64            `json:"confidence"`
	Probabilities map[string]float64 `json:"probabilities"`
	Duration      time.Duration      `json:"-"`
	CacheHit      bool               `json:"-"`
}

// Predictor composes the image transform with the model store and owns
// per-request bookkeeping: outcome counters, latency, the request log and the
// optional result cache. It does not retry; a failed prediction is reported
// immediately.
type Predictor struct {
	backend  ModelBackend
	pipeline Transformer
	registry *metrics.Registry
	reqLog   requestlog.Writer
	cache    Cache
	cacheTTL time.Duration
	logger   *zap.Logger
}

// NewPredictor constructs a predictor. cache may be nil to disable result
// caching.
func NewPredictor(
	backend ModelBackend,
	pipeline Transformer,
	registry *metrics.Registry,
	reqLog requestlog.Writer,
	cache Cache,
	cacheTTL time.Duration,
	logger *zap.Logger,
) *Predictor {
	return &Predictor{
		backend:  backend,
		pipeline: pipeline,
		registry: registry,
		reqLog:   reqLog,
		cache:    cache,
		cacheTTL: cacheTTL,
		logger:   logger.Named("predictor"),
	}
}

// State reports the model lifecycle state for health probes.
func (p *Predictor) State() model.State {
	return p.backend.State()
}

// Metadata exposes the loaded artifact descriptor, nil before a successful
// load.
func (p *Predictor) Metadata() *model.Metadata {
	return p.backend.Metadata()
}

// Predict classifies one uploaded image. Every call records exactly one
// outcome in the metrics registry and one request log line, regardless of how
// it ends.
func (p *Predictor) Predict(ctx context.Context, endpoint string, raw []byte) (*Result, error) {
	start := time.Now()
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(p.logger, "predictor.predict", requestID)

	finish := func(outcome metrics.Outcome, res *Result, cause error) {
		duration := time.Since(start)
		p.registry.RecordRequest(outcome)
		entry := requestlog.Entry{
			RequestID: requestID,
			Endpoint:  endpoint,
			Outcome:   string(outcome),
			Duration:  duration,
		}
		if res != nil {
			res.Duration = duration
			entry.Label = res.Label
			entry.Confidence = res.Confidence
			p.registry.ObserveInference(duration)
			p.registry.RecordPrediction(res.Label)
		}
		if cause != nil {
			entry.Error = cause.Error()
		}
		p.reqLog.Append(entry)
	}

	if state := p.backend.State(); state != model.StateReady {
		finish(metrics.OutcomeModelNotReady, nil, ErrModelNotReady)
		return nil, fmt.Errorf("%w: model state is %s", ErrModelNotReady, state)
	}

	if cached, ok := p.cacheLookup(ctx, requestID, raw); ok {
		cached.RequestID = requestID
		cached.CacheHit = true
		finish(metrics.OutcomeSuccess, cached, nil)
		return cached, nil
	}

	tensor, err := p.pipeline.Transform(raw)
	if err != nil {
		if errors.Is(err, transform.ErrInvalidImage) {
			finish(metrics.OutcomeInvalidImage, nil, err)
			return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
		}
		wrapped := logging.NewOperationError("predictor.transform", requestID, err)
		opLogger.Error("transform failed", zap.Error(wrapped))
		finish(metrics.OutcomeInternalError, nil, wrapped)
		return nil, ErrInternalInference
	}

	outputs, err := p.backend.Predict(ctx, tensor.Data)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrNotReady):
			finish(metrics.OutcomeModelNotReady, nil, err)
			return nil, ErrModelNotReady
		case ctx.Err() != nil:
			finish(metrics.OutcomeCancelled, nil, ctx.Err())
			return nil, ctx.Err()
		default:
			wrapped := logging.NewOperationError("predictor.forward_pass", requestID, err)
			opLogger.Error("inference failed", zap.Error(wrapped))
			finish(metrics.OutcomeInternalError, nil, wrapped)
			return nil, ErrInternalInference
		}
	}

	// A request abandoned by its caller must not be accounted as a success.
	if err := ctx.Err(); err != nil {
		finish(metrics.OutcomeCancelled, nil, err)
		return nil, err
	}

	result, err := p.buildResult(requestID, outputs)
	if err != nil {
		wrapped := logging.NewOperationError("predictor.postprocess", requestID, err)
		opLogger.Error("postprocessing failed", zap.Error(wrapped))
		finish(metrics.OutcomeInternalError, nil, wrapped)
		return nil, ErrInternalInference
	}

	p.cacheStore(ctx, requestID, raw, result)

	finish(metrics.OutcomeSuccess, result, nil)
	opLogger.Info("prediction served",
		zap.String("predicted_class", result.Label),
		zap.Float64("confidence", result.Confidence),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// buildResult normalizes raw model outputs into a probability distribution.
// The softmax lives here, not in the model: raw outputs are logits.
func (p *Predictor) buildResult(requestID string, outputs []float32) (*Result, error) {
	meta := p.backend.Metadata()
	if meta == nil {
		return nil, errors.New("model metadata unavailable")
	}
	if len(outputs) != len(meta.Classes) {
		return nil, fmt.Errorf("model returned %d outputs for %d classes",
			len(outputs), len(meta.Classes))
	}

	probs := softmax(outputs)
	best := 0
	for i := 1; i < len(probs); i++ {
		if probs[i] > probs[best] {
			best = i
		}
	}

	distribution := make(map[string]float64, len(meta.Classes))
	for i, class := range meta.Classes {
		distribution[class] = probs[i]
	}

	return &Result{
		RequestID:     requestID,
		Label:         meta.Classes[best],
		ClassIndex:    best,
		Confidence:    probs[best],
		Probabilities: distribution,
	}, nil
}

// softmax computes a numerically stable normalized distribution.
func softmax(logits []float32) []float64 {
	maxLogit := float64(logits[0])
	for _, v := range logits[1:] {
		if float64(v) > maxLogit {
			maxLogit = float64(v)
		}
	}

	exps := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		exps[i] = math.Exp(float64(v) - maxLogit)
		sum += exps[i]
	}
	for i := range exps {
		exps[i] /= sum
	}
	return exps
}
