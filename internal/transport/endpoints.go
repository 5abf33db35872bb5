package transport

import (
	"context"
	"time"

	"github.com/go-kit/kit/endpoint"
	"github.com/tidwall/geojson/geometry"
	"go.uber.org/zap"

	"github.com/mmadfox/geoview"
)

// Engine is the part of *geoview.Engine exposed over HTTP.
type Engine interface {
	QueryRenderedFeatures(geom geoview.RenderedQueryGeometry, opts geoview.RenderedQueryOptions, cb func(geoview.Result[[]geoview.QueriedRenderedFeature])) *geoview.Cancelable
	QuerySourceFeatures(sourceID string, opts geoview.SourceQueryOptions, cb func(geoview.Result[[]geoview.QueriedFeature])) *geoview.Cancelable
	QueryFeatureExtensions(sourceID string, feature *geoview.Feature, extension, field string, args map[string]interface{}, cb func(geoview.Result[geoview.FeatureExtensionValue])) *geoview.Cancelable
	GetFeatureState(sourceID, sourceLayerID, featureID string, cb func(geoview.Result[geoview.StateMap])) *geoview.Cancelable
	SetFeatureState(sourceID, sourceLayerID, featureID string, state geoview.StateMap) error
	RemoveFeatureState(sourceID, sourceLayerID, featureID, stateKey string) error
	TileCover(opts geoview.TileCoverOptions, camera *geoview.CameraOptions) ([]geoview.CanonicalTileID, error)
	SetCamera(opts geoview.CameraOptions) error
	Camera() geoview.Camera
	SetMemoryBudget(b *geoview.MemoryBudget) error
	AddViewAnnotation(id string, opts geoview.ViewAnnotationOptions) error
	UpdateViewAnnotation(id string, opts geoview.ViewAnnotationOptions) error
	RemoveViewAnnotation(id string) error
	GetViewAnnotationOptions(id string) (geoview.ViewAnnotationOptions, error)
	Stats() geoview.Stats
	ResetStats() geoview.Stats
}

type Set struct {
	RenderedFeaturesEndpoint   endpoint.Endpoint
	SourceFeaturesEndpoint     endpoint.Endpoint
	FeatureExtensionsEndpoint  endpoint.Endpoint
	GetFeatureStateEndpoint    endpoint.Endpoint
	SetFeatureStateEndpoint    endpoint.Endpoint
	RemoveFeatureStateEndpoint endpoint.Endpoint
	TileCoverEndpoint          endpoint.Endpoint
	GetCameraEndpoint          endpoint.Endpoint
	SetCameraEndpoint          endpoint.Endpoint
	MemoryBudgetEndpoint       endpoint.Endpoint
	AddAnnotationEndpoint      endpoint.Endpoint
	UpdateAnnotationEndpoint   endpoint.Endpoint
	RemoveAnnotationEndpoint   endpoint.Endpoint
	GetAnnotationEndpoint      endpoint.Endpoint
	StatsEndpoint              endpoint.Endpoint
	ResetStatsEndpoint         endpoint.Endpoint
}

func NewEndpointSet(e Engine, logger *zap.Logger) Set {
	if logger == nil {
		logger = zap.NewNop()
	}
	wrap := func(name string, ep endpoint.Endpoint) endpoint.Endpoint {
		return loggingMiddleware(logger.With(zap.String("endpoint", name)))(ep)
	}
	return Set{
		RenderedFeaturesEndpoint:   wrap("rendered_features", makeRenderedFeaturesEndpoint(e)),
		SourceFeaturesEndpoint:     wrap("source_features", makeSourceFeaturesEndpoint(e)),
		FeatureExtensionsEndpoint:  wrap("feature_extensions", makeFeatureExtensionsEndpoint(e)),
		GetFeatureStateEndpoint:    wrap("get_feature_state", makeGetFeatureStateEndpoint(e)),
		SetFeatureStateEndpoint:    wrap("set_feature_state", makeSetFeatureStateEndpoint(e)),
		RemoveFeatureStateEndpoint: wrap("remove_feature_state", makeRemoveFeatureStateEndpoint(e)),
		TileCoverEndpoint:          wrap("tile_cover", makeTileCoverEndpoint(e)),
		GetCameraEndpoint:          wrap("get_camera", makeGetCameraEndpoint(e)),
		SetCameraEndpoint:          wrap("set_camera", makeSetCameraEndpoint(e)),
		MemoryBudgetEndpoint:       wrap("memory_budget", makeMemoryBudgetEndpoint(e)),
		AddAnnotationEndpoint:      wrap("add_annotation", makeAddAnnotationEndpoint(e)),
		UpdateAnnotationEndpoint:   wrap("update_annotation", makeUpdateAnnotationEndpoint(e)),
		RemoveAnnotationEndpoint:   wrap("remove_annotation", makeRemoveAnnotationEndpoint(e)),
		GetAnnotationEndpoint:      wrap("get_annotation", makeGetAnnotationEndpoint(e)),
		StatsEndpoint:              wrap("stats", makeStatsEndpoint(e)),
		ResetStatsEndpoint:         wrap("reset_stats", makeResetStatsEndpoint(e)),
	}
}

func loggingMiddleware(logger *zap.Logger) endpoint.Middleware {
	return func(next endpoint.Endpoint) endpoint.Endpoint {
		return func(ctx context.Context, request interface{}) (response interface{}, err error) {
			defer func(begin time.Time) {
				if err != nil {
					logger.Debug("request failed", zap.Error(err), zap.Duration("took", time.Since(begin)))
					return
				}
				logger.Debug("request served", zap.Duration("took", time.Since(begin)))
			}(time.Now())
			return next(ctx, request)
		}
	}
}

// await blocks until the request delivers its result. When ctx ends
// first the request is canceled and its final outcome is returned.
func await[T any](ctx context.Context, request func(cb func(geoview.Result[T])) *geoview.Cancelable) (T, error) {
	ch := make(chan geoview.Result[T], 1)
	h := request(func(res geoview.Result[T]) { ch <- res })
	select {
	case res := <-ch:
		return res.Value, res.Err
	case <-ctx.Done():
		h.Cancel()
		res := <-ch
		return res.Value, res.Err
	}
}

type RenderedFeaturesRequest struct {
	Geometry geoview.RenderedQueryGeometry `json:"geometry"`
	Options  geoview.RenderedQueryOptions  `json:"options"`
}

type FeaturesResponse struct {
	Features interface{} `json:"features"`
}

func makeRenderedFeaturesEndpoint(e Engine) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(RenderedFeaturesRequest)
		features, err := await(ctx, func(cb func(geoview.Result[[]geoview.QueriedRenderedFeature])) *geoview.Cancelable {
			return e.QueryRenderedFeatures(req.Geometry, req.Options, cb)
		})
		if err != nil {
			return nil, err
		}
		return FeaturesResponse{Features: features}, nil
	}
}

type SourceFeaturesRequest struct {
	SourceID string                     `json:"-"`
	Options  geoview.SourceQueryOptions `json:"options"`
}

func makeSourceFeaturesEndpoint(e Engine) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(SourceFeaturesRequest)
		features, err := await(ctx, func(cb func(geoview.Result[[]geoview.QueriedFeature])) *geoview.Cancelable {
			return e.QuerySourceFeatures(req.SourceID, req.Options, cb)
		})
		if err != nil {
			return nil, err
		}
		return FeaturesResponse{Features: features}, nil
	}
}

type FeatureExtensionsRequest struct {
	SourceID  string                 `json:"-"`
	Feature   *geoview.Feature       `json:"feature"`
	Extension string                 `json:"extension"`
	Field     string                 `json:"field"`
	Args      map[string]interface{} `json:"args,omitempty"`
}

func makeFeatureExtensionsEndpoint(e Engine) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(FeatureExtensionsRequest)
		value, err := await(ctx, func(cb func(geoview.Result[geoview.FeatureExtensionValue])) *geoview.Cancelable {
			return e.QueryFeatureExtensions(req.SourceID, req.Feature, req.Extension, req.Field, req.Args, cb)
		})
		if err != nil {
			return nil, err
		}
		return value, nil
	}
}

type FeatureStateRequest struct {
	geoview.FeatureKey
	State    geoview.StateMap `json:"state,omitempty"`
	StateKey string           `json:"stateKey,omitempty"`
}

type FeatureStateResponse struct {
	State geoview.StateMap `json:"state"`
}

func makeGetFeatureStateEndpoint(e Engine) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(FeatureStateRequest)
		state, err := await(ctx, func(cb func(geoview.Result[geoview.StateMap])) *geoview.Cancelable {
			return e.GetFeatureState(req.SourceID, req.SourceLayerID, req.FeatureID, cb)
		})
		if err != nil {
			return nil, err
		}
		return FeatureStateResponse{State: state}, nil
	}
}

func makeSetFeatureStateEndpoint(e Engine) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(FeatureStateRequest)
		if err := e.SetFeatureState(req.SourceID, req.SourceLayerID, req.FeatureID, req.State); err != nil {
			return nil, err
		}
		return noContent{}, nil
	}
}

func makeRemoveFeatureStateEndpoint(e Engine) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(FeatureStateRequest)
		if err := e.RemoveFeatureState(req.SourceID, req.SourceLayerID, req.FeatureID, req.StateKey); err != nil {
			return nil, err
		}
		return noContent{}, nil
	}
}

type TileCoverRequest struct {
	Options geoview.TileCoverOptions `json:"options"`
	Camera  *CameraRequest           `json:"camera,omitempty"`
}

type TileCoverResponse struct {
	Tiles []geoview.CanonicalTileID `json:"tiles"`
}

func makeTileCoverEndpoint(e Engine) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(TileCoverRequest)
		var camera *geoview.CameraOptions
		if req.Camera != nil {
			opts := req.Camera.options()
			camera = &opts
		}
		tiles, err := e.TileCover(req.Options, camera)
		if err != nil {
			return nil, err
		}
		return TileCoverResponse{Tiles: tiles}, nil
	}
}

// CameraRequest carries camera overrides with the center as [lon, lat].
type CameraRequest struct {
	Center  *[2]float64 `json:"center,omitempty"`
	Zoom    *float64    `json:"zoom,omitempty"`
	Bearing *float64    `json:"bearing,omitempty"`
	Pitch   *float64    `json:"pitch,omitempty"`
}

func (r CameraRequest) options() geoview.CameraOptions {
	opts := geoview.CameraOptions{Zoom: r.Zoom, Bearing: r.Bearing, Pitch: r.Pitch}
	if r.Center != nil {
		opts.Center = &geometry.Point{X: r.Center[0], Y: r.Center[1]}
	}
	return opts
}

type CameraResponse struct {
	Center  [2]float64 `json:"center"`
	Zoom    float64    `json:"zoom"`
	Bearing float64    `json:"bearing"`
	Pitch   float64    `json:"pitch"`
}

func cameraResponse(c geoview.Camera) CameraResponse {
	return CameraResponse{
		Center:  [2]float64{c.Center.X, c.Center.Y},
		Zoom:    c.Zoom,
		Bearing: c.Bearing,
		Pitch:   c.Pitch,
	}
}

func makeGetCameraEndpoint(e Engine) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		return cameraResponse(e.Camera()), nil
	}
}

func makeSetCameraEndpoint(e Engine) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(CameraRequest)
		if err := e.SetCamera(req.options()); err != nil {
			return nil, err
		}
		return cameraResponse(e.Camera()), nil
	}
}

type MemoryBudgetRequest struct {
	Budget *geoview.MemoryBudget `json:"budget"`
}

func makeMemoryBudgetEndpoint(e Engine) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(MemoryBudgetRequest)
		if err := e.SetMemoryBudget(req.Budget); err != nil {
			return nil, err
		}
		return noContent{}, nil
	}
}

// AnnotationRequest carries an annotation with its anchor coordinate as
// [lon, lat].
type AnnotationRequest struct {
	ID       string                        `json:"id"`
	Geometry *[2]float64                   `json:"geometry,omitempty"`
	Options  geoview.ViewAnnotationOptions `json:"options"`
}

func (r AnnotationRequest) options() geoview.ViewAnnotationOptions {
	opts := r.Options
	if r.Geometry != nil {
		opts.Geometry = &geometry.Point{X: r.Geometry[0], Y: r.Geometry[1]}
	}
	return opts
}

type AnnotationResponse struct {
	ID      string                        `json:"id"`
	Options geoview.ViewAnnotationOptions `json:"options"`
}

func makeAddAnnotationEndpoint(e Engine) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(AnnotationRequest)
		if err := e.AddViewAnnotation(req.ID, req.options()); err != nil {
			return nil, err
		}
		return created{ID: req.ID}, nil
	}
}

func makeUpdateAnnotationEndpoint(e Engine) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(AnnotationRequest)
		if err := e.UpdateViewAnnotation(req.ID, req.options()); err != nil {
			return nil, err
		}
		return noContent{}, nil
	}
}

func makeRemoveAnnotationEndpoint(e Engine) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(AnnotationRequest)
		if err := e.RemoveViewAnnotation(req.ID); err != nil {
			return nil, err
		}
		return noContent{}, nil
	}
}

func makeGetAnnotationEndpoint(e Engine) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(AnnotationRequest)
		opts, err := e.GetViewAnnotationOptions(req.ID)
		if err != nil {
			return nil, err
		}
		return AnnotationResponse{ID: req.ID, Options: opts}, nil
	}
}

func makeStatsEndpoint(e Engine) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		return e.Stats(), nil
	}
}

func makeResetStatsEndpoint(e Engine) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		return e.ResetStats(), nil
	}
}
