package objects

import (
	"github.com/google/uuid"

	"github.com/seglab/annowire/pkg/annowire/wire"
)

// Object is one annotation object in the local collection. ContourID is
// the backend's durable identifier and the join key used to deduplicate
// pushed events; LocalID is assigned by the client the first time the
// object is known. The collection holds at most one Object per
// ContourID.
type Object struct {
	LocalID    string
	ContourID  int64
	X          []float64
	Y          []float64
	Path       string
	Label      string
	LabelID    int64
	ParentID   int64
	Confidence float64
	ReviewedBy []string
}

// newObject builds an Object from a pushed contour payload, applying
// the documented defaults for missing optional fields: empty
// coordinates, confidence 1.0, empty reviewer list.
func newObject(p wire.ContourPayload) *Object {
	obj := &Object{
		LocalID:    uuid.NewString(),
		ContourID:  p.Key(),
		X:          append([]float64(nil), p.X...),
		Y:          append([]float64(nil), p.Y...),
		Path:       p.Path,
		Label:      p.Label,
		LabelID:    p.LabelID,
		ParentID:   p.ParentID,
		Confidence: 1.0,
		ReviewedBy: append([]string(nil), p.ReviewedBy...),
	}
	if p.Confidence != nil {
		obj.Confidence = *p.Confidence
	}
	return obj
}

// applyPartial merges the fields present in a modified push into the
// object in place. Absent fields are left untouched. New coordinates
// invalidate the cached path, which was derived from the old ones.
func (o *Object) applyPartial(p wire.ContourPayload) {
	if p.HasCoordinates() {
		o.X = append([]float64(nil), p.X...)
		o.Y = append([]float64(nil), p.Y...)
		o.Path = ""
	}
	if p.Path != "" {
		o.Path = p.Path
	}
	if p.Label != "" {
		o.Label = p.Label
	}
	if p.LabelID != 0 {
		o.LabelID = p.LabelID
	}
	if p.ParentID != 0 {
		o.ParentID = p.ParentID
	}
	if p.Confidence != nil {
		o.Confidence = *p.Confidence
	}
	if p.ReviewedBy != nil {
		o.ReviewedBy = append([]string(nil), p.ReviewedBy...)
	}
}

// Clone returns a deep copy.
func (o *Object) Clone() *Object {
	clone := *o
	clone.X = append([]float64(nil), o.X...)
	clone.Y = append([]float64(nil), o.Y...)
	clone.ReviewedBy = append([]string(nil), o.ReviewedBy...)
	return &clone
}

// payloadMap renders the object's wire-visible fields as a generic map,
// the form used for computing modify deltas.
func (o *Object) payloadMap() map[string]any {
	return map[string]any{
		"contour_id":  o.ContourID,
		"x":           append([]float64(nil), o.X...),
		"y":           append([]float64(nil), o.Y...),
		"path":        o.Path,
		"label":       o.Label,
		"label_id":    o.LabelID,
		"parent_id":   o.ParentID,
		"confidence":  o.Confidence,
		"reviewed_by": append([]string(nil), o.ReviewedBy...),
	}
}
