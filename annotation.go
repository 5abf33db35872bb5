package geoview

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tidwall/geojson/geometry"
)

type ViewAnnotationAnchor string

const (
	AnchorCenter      ViewAnnotationAnchor = "center"
	AnchorTop         ViewAnnotationAnchor = "top"
	AnchorBottom      ViewAnnotationAnchor = "bottom"
	AnchorLeft        ViewAnnotationAnchor = "left"
	AnchorRight       ViewAnnotationAnchor = "right"
	AnchorTopLeft     ViewAnnotationAnchor = "top-left"
	AnchorTopRight    ViewAnnotationAnchor = "top-right"
	AnchorBottomLeft  ViewAnnotationAnchor = "bottom-left"
	AnchorBottomRight ViewAnnotationAnchor = "bottom-right"
)

func (a ViewAnnotationAnchor) valid() bool {
	switch a {
	case AnchorCenter, AnchorTop, AnchorBottom, AnchorLeft, AnchorRight,
		AnchorTopLeft, AnchorTopRight, AnchorBottomLeft, AnchorBottomRight:
		return true
	}
	return false
}

// leftTop returns the top left corner of a w x h box placed at p.
func (a ViewAnnotationAnchor) leftTop(p ScreenCoordinate, w, h float64) ScreenCoordinate {
	switch a {
	case AnchorTop:
		return ScreenCoordinate{X: p.X - w/2, Y: p.Y}
	case AnchorBottom:
		return ScreenCoordinate{X: p.X - w/2, Y: p.Y - h}
	case AnchorLeft:
		return ScreenCoordinate{X: p.X, Y: p.Y - h/2}
	case AnchorRight:
		return ScreenCoordinate{X: p.X - w, Y: p.Y - h/2}
	case AnchorTopLeft:
		return ScreenCoordinate{X: p.X, Y: p.Y}
	case AnchorTopRight:
		return ScreenCoordinate{X: p.X - w, Y: p.Y}
	case AnchorBottomLeft:
		return ScreenCoordinate{X: p.X, Y: p.Y - h}
	case AnchorBottomRight:
		return ScreenCoordinate{X: p.X - w, Y: p.Y - h}
	default:
		return ScreenCoordinate{X: p.X - w/2, Y: p.Y - h/2}
	}
}

// ViewAnnotationOptions configures a view annotation. Unset fields keep
// their current value on update. An annotation is anchored either to a
// coordinate or to a source feature.
type ViewAnnotationOptions struct {
	Geometry     *geometry.Point       `json:"geometry,omitempty"`
	Feature      *FeatureRef           `json:"feature,omitempty"`
	Size         *Size                 `json:"size,omitempty"`
	Priority     *int                  `json:"priority,omitempty"`
	AllowOverlap *bool                 `json:"allowOverlap,omitempty"`
	Visible      *bool                 `json:"visible,omitempty"`
	Anchor       *ViewAnnotationAnchor `json:"anchor,omitempty"`
	// Positive OffsetX moves right, positive OffsetY moves up.
	OffsetX  *float64 `json:"offsetX,omitempty"`
	OffsetY  *float64 `json:"offsetY,omitempty"`
	Selected *bool    `json:"selected,omitempty"`
}

func (o ViewAnnotationOptions) clone() ViewAnnotationOptions {
	out := ViewAnnotationOptions{}
	if o.Geometry != nil {
		v := *o.Geometry
		out.Geometry = &v
	}
	if o.Feature != nil {
		v := *o.Feature
		out.Feature = &v
	}
	if o.Size != nil {
		v := *o.Size
		out.Size = &v
	}
	if o.Priority != nil {
		v := *o.Priority
		out.Priority = &v
	}
	if o.AllowOverlap != nil {
		v := *o.AllowOverlap
		out.AllowOverlap = &v
	}
	if o.Visible != nil {
		v := *o.Visible
		out.Visible = &v
	}
	if o.Anchor != nil {
		v := *o.Anchor
		out.Anchor = &v
	}
	if o.OffsetX != nil {
		v := *o.OffsetX
		out.OffsetX = &v
	}
	if o.OffsetY != nil {
		v := *o.OffsetY
		out.OffsetY = &v
	}
	if o.Selected != nil {
		v := *o.Selected
		out.Selected = &v
	}
	return out
}

// merge returns o with the fields set in u applied. Setting one kind of
// anchor clears the other.
func (o ViewAnnotationOptions) merge(u ViewAnnotationOptions) ViewAnnotationOptions {
	out := o.clone()
	u = u.clone()
	if u.Geometry != nil {
		out.Geometry = u.Geometry
		out.Feature = nil
	}
	if u.Feature != nil {
		out.Feature = u.Feature
		out.Geometry = nil
	}
	if u.Size != nil {
		out.Size = u.Size
	}
	if u.Priority != nil {
		out.Priority = u.Priority
	}
	if u.AllowOverlap != nil {
		out.AllowOverlap = u.AllowOverlap
	}
	if u.Visible != nil {
		out.Visible = u.Visible
	}
	if u.Anchor != nil {
		out.Anchor = u.Anchor
	}
	if u.OffsetX != nil {
		out.OffsetX = u.OffsetX
	}
	if u.OffsetY != nil {
		out.OffsetY = u.OffsetY
	}
	if u.Selected != nil {
		out.Selected = u.Selected
	}
	return out
}

func (o ViewAnnotationOptions) validate() error {
	if o.Size == nil {
		return invalidf("annotation", "size not specified")
	}
	if !isFinite(o.Size.Width) || !isFinite(o.Size.Height) || o.Size.Width < 0 || o.Size.Height < 0 {
		return invalidf("annotation", "malformed size %vx%v", o.Size.Width, o.Size.Height)
	}
	if o.Anchor != nil && !o.Anchor.valid() {
		return invalidf("annotation", "unknown anchor %q", *o.Anchor)
	}
	if o.OffsetX != nil && !isFinite(*o.OffsetX) {
		return invalidf("annotation", "offsetX is not finite")
	}
	if o.OffsetY != nil && !isFinite(*o.OffsetY) {
		return invalidf("annotation", "offsetY is not finite")
	}
	switch {
	case o.Geometry != nil && o.Feature != nil:
		return fmt.Errorf("geoview/annotation: %w - both geometry and feature set", ErrInvalidAnchor)
	case o.Geometry == nil && o.Feature == nil:
		return fmt.Errorf("geoview/annotation: %w - anchor not specified", ErrInvalidAnchor)
	case o.Geometry != nil && !validLonLat(*o.Geometry):
		return fmt.Errorf("geoview/annotation: %w - coordinate %v out of range", ErrInvalidAnchor, *o.Geometry)
	}
	return nil
}

func (o ViewAnnotationOptions) priority() int {
	if o.Priority == nil {
		return 0
	}
	return *o.Priority
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

// ViewAnnotationPositionDescriptor is the computed screen placement of a
// visible annotation.
type ViewAnnotationPositionDescriptor struct {
	Identifier        string           `json:"identifier"`
	Width             float64          `json:"width"`
	Height            float64          `json:"height"`
	LeftTopCoordinate ScreenCoordinate `json:"leftTopCoordinate"`
}

type ViewAnnotationPositionsUpdateListener interface {
	OnViewAnnotationPositionsUpdate(positions []ViewAnnotationPositionDescriptor)
}

type ViewAnnotationPositionsUpdateFunc func(positions []ViewAnnotationPositionDescriptor)

func (fn ViewAnnotationPositionsUpdateFunc) OnViewAnnotationPositionsUpdate(positions []ViewAnnotationPositionDescriptor) {
	fn(positions)
}

// anchorResolver returns the geographic anchor of a source feature.
type anchorResolver func(ref FeatureRef) (geometry.Point, error)

type viewAnnotation struct {
	id      string
	options ViewAnnotationOptions
	seq     uint64
}

// annotationManager owns the live view annotations and pushes their
// positions to the listener, one batch per recomputation.
type annotationManager struct {
	mu       sync.Mutex
	items    map[string]*viewAnnotation
	seq      uint64
	listener ViewAnnotationPositionsUpdateListener
	last     []ViewAnnotationPositionDescriptor
	sent     bool
	camera   Camera
	size     Size
	resolve  anchorResolver
	mailbox  *mailbox
	stats    *StatsCollector
}

func newAnnotationManager(resolve anchorResolver, mb *mailbox, stats *StatsCollector) *annotationManager {
	return &annotationManager{
		items:   make(map[string]*viewAnnotation),
		resolve: resolve,
		mailbox: mb,
		stats:   stats,
	}
}

func (m *annotationManager) add(id string, opts ViewAnnotationOptions) error {
	if len(id) == 0 {
		return invalidf("annotation", "identifier not specified")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; ok {
		return fmt.Errorf("geoview/annotation: %w - %s", ErrAlreadyExists, id)
	}
	opts = opts.clone()
	if err := opts.validate(); err != nil {
		return err
	}
	if err := m.checkAnchor(opts); err != nil {
		return err
	}
	m.seq++
	m.items[id] = &viewAnnotation{id: id, options: opts, seq: m.seq}
	m.stats.IncrAnnotations()
	m.recomputeLocked()
	return nil
}

func (m *annotationManager) update(id string, opts ViewAnnotationOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return fmt.Errorf("geoview/annotation: %w - %s", ErrAnnotationNotFound, id)
	}
	next := item.options.merge(opts)
	if err := next.validate(); err != nil {
		return err
	}
	if err := m.checkAnchor(next); err != nil {
		return err
	}
	item.options = next
	m.recomputeLocked()
	return nil
}

func (m *annotationManager) remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return fmt.Errorf("geoview/annotation: %w - %s", ErrAnnotationNotFound, id)
	}
	delete(m.items, id)
	m.stats.DecrAnnotations()
	m.recomputeLocked()
	return nil
}

func (m *annotationManager) options(id string) (ViewAnnotationOptions, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return ViewAnnotationOptions{}, fmt.Errorf("geoview/annotation: %w - %s", ErrAnnotationNotFound, id)
	}
	return item.options.clone(), nil
}

func (m *annotationManager) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// setListener replaces the listener; nil clears it. A new listener gets
// the current positions.
func (m *annotationManager) setListener(l ViewAnnotationPositionsUpdateListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listener = l
	m.last = nil
	m.sent = false
	m.recomputeLocked()
}

// setView records the camera and recomputes positions.
func (m *annotationManager) setView(camera Camera, size Size) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.camera = camera
	m.size = size
	m.recomputeLocked()
}

// refresh recomputes positions after anchor geometry may have changed.
func (m *annotationManager) refresh() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recomputeLocked()
}

func (m *annotationManager) checkAnchor(opts ViewAnnotationOptions) error {
	if opts.Feature == nil {
		return nil
	}
	_, err := m.resolve(*opts.Feature)
	return err
}

func (m *annotationManager) anchorOf(opts ViewAnnotationOptions) (geometry.Point, bool) {
	if opts.Geometry != nil {
		return *opts.Geometry, true
	}
	p, err := m.resolve(*opts.Feature)
	return p, err == nil
}

// placement order: selected first, then higher priority, then the
// order of addition.
func (m *annotationManager) ordered() []*viewAnnotation {
	items := make([]*viewAnnotation, 0, len(m.items))
	for _, item := range m.items {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i].options, items[j].options
		sa, sb := boolOr(a.Selected, false), boolOr(b.Selected, false)
		if sa != sb {
			return sa
		}
		if a.priority() != b.priority() {
			return a.priority() > b.priority()
		}
		return items[i].seq < items[j].seq
	})
	return items
}

func (m *annotationManager) positions() []ViewAnnotationPositionDescriptor {
	out := make([]ViewAnnotationPositionDescriptor, 0, len(m.items))
	if !m.size.valid() {
		return out
	}
	proj := newProjector(m.camera, m.size)
	viewport := proj.viewport()
	var placed []ScreenBox
	for _, item := range m.ordered() {
		opts := item.options
		if !boolOr(opts.Visible, true) {
			continue
		}
		anchor, ok := m.anchorOf(opts)
		if !ok {
			continue
		}
		w, h := opts.Size.Width, opts.Size.Height
		at := proj.project(anchor)
		kind := AnchorCenter
		if opts.Anchor != nil {
			kind = *opts.Anchor
		}
		lt := kind.leftTop(at, w, h)
		lt.X += floatOr(opts.OffsetX, 0)
		lt.Y -= floatOr(opts.OffsetY, 0)
		box := ScreenBox{Min: lt, Max: ScreenCoordinate{X: lt.X + w, Y: lt.Y + h}}
		if !visibleIn(box, viewport) {
			continue
		}
		if !boolOr(opts.AllowOverlap, false) && collides(box, placed) {
			continue
		}
		placed = append(placed, box)
		out = append(out, ViewAnnotationPositionDescriptor{
			Identifier:        item.id,
			Width:             w,
			Height:            h,
			LeftTopCoordinate: lt,
		})
	}
	return out
}

func visibleIn(box, viewport ScreenBox) bool {
	return box.Min.X <= viewport.Max.X && viewport.Min.X <= box.Max.X &&
		box.Min.Y <= viewport.Max.Y && viewport.Min.Y <= box.Max.Y
}

func collides(box ScreenBox, placed []ScreenBox) bool {
	for _, other := range placed {
		if box.intersects(other) {
			return true
		}
	}
	return false
}

// recomputeLocked posts the new batch to the listener unless it equals
// the batch sent last.
func (m *annotationManager) recomputeLocked() {
	if m.listener == nil {
		return
	}
	batch := m.positions()
	if m.sent && equalPositions(batch, m.last) {
		return
	}
	m.last = batch
	m.sent = true
	listener := m.listener
	snapshot := make([]ViewAnnotationPositionDescriptor, len(batch))
	copy(snapshot, batch)
	// batches computed after close are dropped
	m.mailbox.tryPost(func() {
		listener.OnViewAnnotationPositionsUpdate(snapshot)
	})
}

func equalPositions(a, b []ViewAnnotationPositionDescriptor) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
