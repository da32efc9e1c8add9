package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/pet-classifier/internal/model"
	"github.com/example/pet-classifier/internal/predictor"
)

// DefaultMaxUploadSize caps the accepted image payload at 10 MiB when no
// limit is configured.
const DefaultMaxUploadSize = 10 << 20

// PredictionService is the slice of the predictor the HTTP layer uses.
type PredictionService interface {
	Predict(ctx context.Context, endpoint string, raw []byte) (*predictor.Result, error)
	State() model.State
	Metadata() *model.Metadata
}

// RegisterRoutes wires the HTTP handlers to the Gin router. maxUploadBytes
// bounds the accepted image payload; non-positive values fall back to
// DefaultMaxUploadSize.
func RegisterRoutes(router *gin.Engine, svc PredictionService, metricsHandler http.Handler, maxUploadBytes int64, logger *zap.Logger) {
	if maxUploadBytes <= 0 {
		maxUploadBytes = DefaultMaxUploadSize
	}

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service": "cats-vs-dogs classifier",
			"endpoints": gin.H{
				"health":     "/health",
				"predict":    "/predict",
				"metrics":    "/metrics",
				"model_info": "/model-info",
			},
		})
	})

	router.GET("/health", handleHealth(svc))
	router.POST("/predict", handlePredict(svc, maxUploadBytes, logger))
	router.GET("/metrics", gin.WrapH(metricsHandler))
	router.GET("/model-info", handleModelInfo(svc))
}

func handleHealth(svc PredictionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		state := svc.State()
		if state == model.StateReady {
			c.JSON(http.StatusOK, gin.H{
				"status":       string(state),
				"model_loaded": true,
				"timestamp":    time.Now().UTC().Format(time.RFC3339),
			})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":       string(state),
			"model_loaded": false,
			"timestamp":    time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func handlePredict(svc PredictionService, maxUploadBytes int64, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		file, err := c.FormFile("image")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
			return
		}

		if file.Size > maxUploadBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload size limit"})
			return
		}

		if declared := file.Header.Get("Content-Type"); declared != "" && !strings.HasPrefix(declared, "image/") {
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "file must be an image"})
			return
		}

		src, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
			return
		}
		defer src.Close()

		data, err := io.ReadAll(src)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
			return
		}

		result, err := svc.Predict(c.Request.Context(), c.FullPath(), data)
		if err != nil {
			status, message := translateError(err)
			if status == http.StatusInternalServerError {
				logger.Error("prediction failed", zap.Error(err))
			}
			c.JSON(status, gin.H{"error": message})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"request_id":        result.RequestID,
			"predicted_class":   result.Label,
			"class_index":       result.ClassIndex,
			"confidence":        result.Confidence,
			"probabilities":     result.Probabilities,
			"inference_time_ms": float64(result.Duration.Microseconds()) / 1000.0,
			"cached":            result.CacheHit,
		})
	}
}

// translateError maps the predictor taxonomy onto HTTP statuses. Internal
// failures stay opaque; their detail is only logged server-side.
func translateError(err error) (int, string) {
	switch {
	case errors.Is(err, predictor.ErrInvalidImage):
		return http.StatusBadRequest, "invalid image file"
	case errors.Is(err, predictor.ErrModelNotReady):
		return http.StatusServiceUnavailable, "model is not ready"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "request cancelled"
	default:
		return http.StatusInternalServerError, "prediction failed"
	}
}

func handleModelInfo(svc PredictionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		meta := svc.Metadata()
		if meta == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "model is not ready"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"format_version": meta.FormatVersion,
			"classes":        meta.Classes,
			"input_size":     meta.ImageSize,
			"input_shape":    meta.InputShape,
		})
	}
}
