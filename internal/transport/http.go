package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-kit/kit/endpoint"
	httptransport "github.com/go-kit/kit/transport/http"
	"go.uber.org/zap"

	"github.com/mmadfox/geoview"
)

type noContent struct{}

func (noContent) StatusCode() int { return http.StatusNoContent }

type created struct {
	ID string `json:"id"`
}

func (created) StatusCode() int { return http.StatusCreated }

// errorLogger reports server side failures. Client errors are left to
// the endpoint logging middleware.
type errorLogger struct {
	logger *zap.Logger
}

func (l errorLogger) Handle(_ context.Context, err error) {
	if statusCode(err) >= http.StatusInternalServerError {
		l.logger.Error("request failed", zap.Error(err))
	}
}

func NewHTTPHandler(set Set, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []httptransport.ServerOption{
		httptransport.ServerErrorEncoder(encodeError),
		httptransport.ServerErrorHandler(errorLogger{logger: logger}),
	}
	handle := func(m *http.ServeMux, pattern string, ep endpoint.Endpoint, dec httptransport.DecodeRequestFunc) {
		m.Handle(pattern, httptransport.NewServer(ep, dec, httptransport.EncodeJSONResponse, opts...))
	}

	m := http.NewServeMux()
	handle(m, "POST /features/rendered", set.RenderedFeaturesEndpoint, decodeRenderedFeaturesRequest)
	handle(m, "POST /sources/{id}/features", set.SourceFeaturesEndpoint, decodeSourceFeaturesRequest)
	handle(m, "POST /sources/{id}/extensions", set.FeatureExtensionsEndpoint, decodeFeatureExtensionsRequest)
	handle(m, "GET /feature-state", set.GetFeatureStateEndpoint, decodeFeatureStateQuery)
	handle(m, "PUT /feature-state", set.SetFeatureStateEndpoint, decodeFeatureStateBody)
	handle(m, "DELETE /feature-state", set.RemoveFeatureStateEndpoint, decodeFeatureStateQuery)
	handle(m, "POST /tile-cover", set.TileCoverEndpoint, decodeTileCoverRequest)
	handle(m, "GET /camera", set.GetCameraEndpoint, decodeNothing)
	handle(m, "PUT /camera", set.SetCameraEndpoint, decodeCameraRequest)
	handle(m, "PUT /memory-budget", set.MemoryBudgetEndpoint, decodeMemoryBudgetRequest)
	handle(m, "POST /annotations", set.AddAnnotationEndpoint, decodeAnnotationBody)
	handle(m, "GET /annotations/{id}", set.GetAnnotationEndpoint, decodeAnnotationID)
	handle(m, "PATCH /annotations/{id}", set.UpdateAnnotationEndpoint, decodeAnnotationBody)
	handle(m, "DELETE /annotations/{id}", set.RemoveAnnotationEndpoint, decodeAnnotationID)
	handle(m, "GET /stats", set.StatsEndpoint, decodeNothing)
	handle(m, "DELETE /stats", set.ResetStatsEndpoint, decodeNothing)
	return m
}

func decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", geoview.ErrInvalidRequest, err)
	}
	return nil
}

func decodeNothing(_ context.Context, _ *http.Request) (interface{}, error) {
	return nil, nil
}

func decodeRenderedFeaturesRequest(_ context.Context, r *http.Request) (interface{}, error) {
	var req RenderedFeaturesRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	return req, nil
}

func decodeSourceFeaturesRequest(_ context.Context, r *http.Request) (interface{}, error) {
	var req SourceFeaturesRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	req.SourceID = r.PathValue("id")
	return req, nil
}

func decodeFeatureExtensionsRequest(_ context.Context, r *http.Request) (interface{}, error) {
	var req FeatureExtensionsRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	req.SourceID = r.PathValue("id")
	return req, nil
}

func decodeFeatureStateQuery(_ context.Context, r *http.Request) (interface{}, error) {
	q := r.URL.Query()
	var req FeatureStateRequest
	req.SourceID = q.Get("sourceId")
	req.SourceLayerID = q.Get("sourceLayerId")
	req.FeatureID = q.Get("featureId")
	req.StateKey = q.Get("stateKey")
	return req, nil
}

func decodeFeatureStateBody(_ context.Context, r *http.Request) (interface{}, error) {
	var req FeatureStateRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	return req, nil
}

func decodeTileCoverRequest(_ context.Context, r *http.Request) (interface{}, error) {
	var req TileCoverRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	return req, nil
}

func decodeCameraRequest(_ context.Context, r *http.Request) (interface{}, error) {
	var req CameraRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	return req, nil
}

func decodeMemoryBudgetRequest(_ context.Context, r *http.Request) (interface{}, error) {
	var req MemoryBudgetRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	return req, nil
}

func decodeAnnotationBody(_ context.Context, r *http.Request) (interface{}, error) {
	var req AnnotationRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	if id := r.PathValue("id"); id != "" {
		req.ID = id
	}
	return req, nil
}

func decodeAnnotationID(_ context.Context, r *http.Request) (interface{}, error) {
	return AnnotationRequest{ID: r.PathValue("id")}, nil
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, geoview.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, geoview.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, geoview.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, geoview.ErrUnknownExtension):
		return http.StatusUnprocessableEntity
	case errors.Is(err, geoview.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, geoview.ErrCanceled):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func encodeError(_ context.Context, err error, w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode(err))
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": err.Error(),
	})
}
