package requestlog

import (
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Entry is one line in the request log: what was asked, how long it took and
// how it ended. Failure entries carry the error kind, success entries the
// predicted label.
type Entry struct {
	RequestID  string
	Endpoint   string
	Outcome    string
	Label      string
	Confidence float64
	Duration   time.Duration
	Error      string
}

// Writer appends request records. Implementations must never fail the request
// being logged; sink problems are reported through the service's own logger,
// not to the client.
type Writer interface {
	Append(e Entry)
}

// FileWriter appends one JSON record per request to a line-oriented log file,
// ordered by call sequence, ready for an external log shipper.
type FileWriter struct {
	sink *zap.Logger
}

// NewFileWriter opens (or creates) the request log at path.
func NewFileWriter(path string) (*FileWriter, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	encoderCfg := zapcore.EncoderConfig{
		TimeKey:    "ts",
		EncodeTime: zapcore.ISO8601TimeEncoder,
		LineEnding: zapcore.DefaultLineEnding,
	}
	// Lock serializes concurrent Append calls so records never interleave
	// mid-line.
	sink := zapcore.Lock(zapcore.AddSync(file))
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), sink, zap.InfoLevel)
	return &FileWriter{sink: zap.New(core)}, nil
}

// Append writes one record. Write failures are swallowed by the underlying
// core; they never reach the request path.
func (w *FileWriter) Append(e Entry) {
	fields := []zap.Field{
		zap.String("request_id", e.RequestID),
		zap.String("endpoint", e.Endpoint),
		zap.String("outcome", e.Outcome),
		zap.Float64("duration_ms", float64(e.Duration.Microseconds())/1000.0),
	}
	if e.Label != "" {
		fields = append(fields,
			zap.String("predicted_class", e.Label),
			zap.Float64("confidence", e.Confidence))
	}
	if e.Error != "" {
		fields = append(fields, zap.String("error", e.Error))
	}
	w.sink.Info("", fields...)
}

// Sync flushes buffered records to the sink.
func (w *FileWriter) Sync() error {
	return w.sink.Sync()
}

// NopWriter drops every entry. Used when the log sink cannot be opened so the
// service keeps serving without request logging.
type NopWriter struct{}

// Append implements Writer.
func (NopWriter) Append(Entry) {}
