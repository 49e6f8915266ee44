package objects

import (
	"context"
	"fmt"

	"github.com/tsarna/go-structdiff"
	"go.uber.org/zap"
)

// ModifySender carries a correlated modify request to the backend. The
// delta holds only the fields that changed relative to the pre-edit
// snapshot.
type ModifySender interface {
	ModifyObject(ctx context.Context, contourID int64, delta map[string]any) error
}

// Draft is an in-progress optimistic edit of one object's contour. The
// pristine pre-edit snapshot is captured up front and retained until
// the corresponding network result is known; edits mutate only the
// working copy.
//
// To keep interactive editing responsive on dense contours, only every
// Nth vertex is exposed as a draggable handle (N targets roughly 30
// handles). Moving a handle linearly interpolates the displacement
// across the hidden vertices between it and its neighboring handles, so
// the coordinates committed are always the full-resolution interpolated
// set, never the decimated handle subset.
type Draft struct {
	store     *Store
	contourID int64
	snapshot  *Object
	working   *Object
	stride    int
}

// DefaultHandleTarget is the number of draggable handles decimation
// aims for.
const DefaultHandleTarget = 30

// DecimationStride returns the handle stride for a contour of the given
// length: max(1, vertexCount/target).
func DecimationStride(vertexCount, target int) int {
	if target <= 0 {
		target = DefaultHandleTarget
	}
	stride := vertexCount / target
	if stride < 1 {
		stride = 1
	}
	return stride
}

// BeginEdit opens an edit draft for the object with the given contour
// id, capturing the rollback snapshot before the first mutation.
func (s *Store) BeginEdit(ctx context.Context, contourID int64) (*Draft, error) {
	obj, ok := s.Get(ctx, contourID)
	if !ok {
		return nil, fmt.Errorf("unknown object %d", contourID)
	}
	return &Draft{
		store:     s,
		contourID: contourID,
		snapshot:  obj,
		working:   obj.Clone(),
		stride:    DecimationStride(len(obj.X), DefaultHandleTarget),
	}, nil
}

// WithStride overrides the decimation stride. Intended for callers that
// tune handle density to zoom level.
func (d *Draft) WithStride(stride int) *Draft {
	if stride >= 1 {
		d.stride = stride
	}
	return d
}

// Stride returns the current decimation stride.
func (d *Draft) Stride() int {
	return d.stride
}

// Handles returns the vertex indices exposed as draggable handles:
// every strideth vertex of the working contour.
func (d *Draft) Handles() []int {
	handles := make([]int, 0, len(d.working.X)/d.stride+1)
	for i := 0; i < len(d.working.X); i += d.stride {
		handles = append(handles, i)
	}
	return handles
}

// MoveHandle displaces the handle at the given vertex index by (dx, dy)
// and spreads the displacement across the hidden vertices between it
// and its neighboring handles with linearly decaying fractions. The
// neighboring handles themselves do not move.
func (d *Draft) MoveHandle(index int, dx, dy float64) error {
	n := len(d.working.X)
	if index < 0 || index >= n {
		return fmt.Errorf("handle index %d out of range [0,%d)", index, n)
	}
	if index%d.stride != 0 {
		return fmt.Errorf("vertex %d is not a handle (stride %d)", index, d.stride)
	}

	for i := index - d.stride + 1; i < index+d.stride; i++ {
		if i < 0 || i >= n {
			continue
		}
		offset := i - index
		if offset < 0 {
			offset = -offset
		}
		frac := 1.0 - float64(offset)/float64(d.stride)
		d.working.X[i] += dx * frac
		d.working.Y[i] += dy * frac
	}
	return nil
}

// Coordinates returns copies of the full-resolution working
// coordinates.
func (d *Draft) Coordinates() ([]float64, []float64) {
	return append([]float64(nil), d.working.X...), append([]float64(nil), d.working.Y...)
}

// Snapshot returns a copy of the pristine pre-edit object.
func (d *Draft) Snapshot() *Object {
	return d.snapshot.Clone()
}

// Commit applies the edit optimistically (the local object reflects the
// new coordinates immediately) and sends the correlated modify request
// in the background. If the backend rejects the change, or the request
// errors or times out, the local object is reverted to the pre-edit
// snapshot. Either way the outcome is reported on the store's Events
// channel.
func (d *Draft) Commit(ctx context.Context, sender ModifySender) error {
	diff, err := structdiff.Diff(d.snapshot.payloadMap(), d.working.payloadMap())
	if err != nil {
		return fmt.Errorf("failed to compute modify delta: %w", err)
	}
	delta, ok := diff.(map[string]any)
	if !ok && diff != nil {
		return fmt.Errorf("unexpected modify delta type %T", diff)
	}
	if len(delta) == 0 {
		d.store.logger.Debug("commit of unchanged draft skipped",
			zap.Int64("contourId", d.contourID))
		return nil
	}

	x, y := d.Coordinates()
	d.store.query(ctx, storeCommand{
		kind:    cmdSetCoords,
		payload: coordsUpdate{contourID: d.contourID, x: x, y: y},
	})

	snapshot := d.snapshot.Clone()
	go func() {
		err := sender.ModifyObject(context.Background(), d.contourID, delta)
		if err != nil {
			d.store.logger.Warn("optimistic edit rejected, rolling back",
				zap.Int64("contourId", d.contourID),
				zap.Error(err))
			d.store.query(context.Background(), storeCommand{
				kind:    cmdRevert,
				payload: revertRequest{contourID: d.contourID, snapshot: snapshot},
			})
		}
		d.store.emit(EditResult{ContourID: d.contourID, Err: err})
	}()

	return nil
}
