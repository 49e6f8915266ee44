package wire

// SessionInitializedPayload carries the result of the session handshake:
// the partition of backend services into running and failed, plus an
// optional pre-existing object hierarchy for the image.
type SessionInitializedPayload struct {
	Running []string     `json:"running"`
	Failed  []string     `json:"failed"`
	Objects *ContourNode `json:"objects,omitempty"`
}

// ContourPayload is the contour-like record carried by object-added and
// object-modified pushes and by client-initiated object mutations. Some
// backend pushes key the record by "id" instead of "contour_id", so both
// are accepted; Key resolves the join key.
type ContourPayload struct {
	ContourID  int64     `json:"contour_id,omitempty"`
	ID         int64     `json:"id,omitempty"`
	X          []float64 `json:"x,omitempty"`
	Y          []float64 `json:"y,omitempty"`
	Path       string    `json:"path,omitempty"`
	Label      string    `json:"label,omitempty"`
	LabelID    int64     `json:"label_id,omitempty"`
	ParentID   int64     `json:"parent_id,omitempty"`
	Confidence *float64  `json:"confidence,omitempty"`
	ReviewedBy []string  `json:"reviewed_by,omitempty"`
}

// Key returns the server-assigned contour identifier, preferring the
// contour_id field over the alternate id field.
func (p *ContourPayload) Key() int64 {
	if p.ContourID != 0 {
		return p.ContourID
	}
	return p.ID
}

// HasCoordinates reports whether the payload carries full coordinate
// data. A modified push for an unknown object is treated as an implicit
// add only when this is true.
func (p *ContourPayload) HasCoordinates() bool {
	return len(p.X) > 0 && len(p.X) == len(p.Y)
}

// ContourNode is one node of the object hierarchy delivered with the
// session handshake.
type ContourNode struct {
	ContourPayload
	Children []*ContourNode `json:"children,omitempty"`
}

// RemovedPayload is carried by object-removed pushes.
type RemovedPayload struct {
	DeletedContours []int64 `json:"deleted_contours"`
}

// SegmentationPayload is carried by run-segmentation requests: a point
// prompt (or box prompt) in image coordinates.
type SegmentationPayload struct {
	X       []float64 `json:"x"`
	Y       []float64 `json:"y"`
	Label   string    `json:"label,omitempty"`
	LabelID int64     `json:"label_id,omitempty"`
}

// ModelSelectionPayload is carried by select-*-model notifications.
type ModelSelectionPayload struct {
	Model string `json:"model"`
}

// RefinementPayload identifies the object targeted by select/unselect
// refinement notifications.
type RefinementPayload struct {
	ContourID int64 `json:"contour_id"`
}
