package geoview

type LayerType string

const (
	LayerTypeFill   LayerType = "fill"
	LayerTypeLine   LayerType = "line"
	LayerTypeCircle LayerType = "circle"
	LayerTypeSymbol LayerType = "symbol"
)

const (
	defaultCircleRadius = 5
	defaultSymbolRadius = 12
	defaultLineWidth    = 1
)

// Layer is a style layer. Layers are painted in the order they were
// added; the last one is on top.
type Layer struct {
	ID          string    `json:"id" yaml:"id"`
	Type        LayerType `json:"type" yaml:"type"`
	Source      string    `json:"source" yaml:"source"`
	SourceLayer string    `json:"sourceLayer,omitempty" yaml:"sourceLayer"`
	Filter      string    `json:"filter,omitempty" yaml:"filter"`
	MinZoom     float64   `json:"minZoom,omitempty" yaml:"minZoom"`
	MaxZoom     float64   `json:"maxZoom,omitempty" yaml:"maxZoom"`
	// Radius of circle and symbol layers in pixels.
	Radius float64 `json:"radius,omitempty" yaml:"radius"`
	// Width of line layers in pixels.
	Width float64 `json:"width,omitempty" yaml:"width"`
}

func (l Layer) validate() error {
	if len(l.ID) == 0 {
		return invalidf("layer", "id not specified")
	}
	if len(l.Source) == 0 {
		return invalidf("layer", "%s: source not specified", l.ID)
	}
	switch l.Type {
	case LayerTypeFill, LayerTypeLine, LayerTypeCircle, LayerTypeSymbol:
	default:
		return invalidf("layer", "%s: unknown type %q", l.ID, l.Type)
	}
	if l.MaxZoom != 0 && l.MinZoom > l.MaxZoom {
		return invalidf("layer", "%s: minZoom %.2f > maxZoom %.2f", l.ID, l.MinZoom, l.MaxZoom)
	}
	if l.Radius < 0 || l.Width < 0 {
		return invalidf("layer", "%s: negative size", l.ID)
	}
	return nil
}

func (l Layer) visibleAt(zoom float64) bool {
	if zoom < l.MinZoom {
		return false
	}
	if l.MaxZoom > 0 && zoom >= l.MaxZoom {
		return false
	}
	return true
}

// tolerance is the screen distance in pixels within which a query point
// hits a feature of the layer.
func (l Layer) tolerance() float64 {
	switch l.Type {
	case LayerTypeCircle:
		if l.Radius > 0 {
			return l.Radius
		}
		return defaultCircleRadius
	case LayerTypeSymbol:
		if l.Radius > 0 {
			return l.Radius
		}
		return defaultSymbolRadius
	case LayerTypeLine:
		if l.Width > 0 {
			return l.Width / 2
		}
		return defaultLineWidth / 2.0
	default:
		return 0
	}
}

// compiledLayer is a layer with its filter ready for evaluation.
type compiledLayer struct {
	Layer
	filter *Filter
	order  int
}

// RenderedQueryOptions narrows a rendered features query.
type RenderedQueryOptions struct {
	LayerIDs []string `json:"layerIds,omitempty"`
	Filter   string   `json:"filter,omitempty"`
}

func (o RenderedQueryOptions) clone() RenderedQueryOptions {
	out := RenderedQueryOptions{Filter: o.Filter}
	if len(o.LayerIDs) > 0 {
		out.LayerIDs = append([]string(nil), o.LayerIDs...)
	}
	return out
}
