package objects

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seglab/annowire/pkg/annowire/wire"
)

type fakeSender struct {
	mu     sync.Mutex
	err    error
	calls  int
	lastID int64
	delta  map[string]any
}

func (f *fakeSender) ModifyObject(ctx context.Context, contourID int64, delta map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastID = contourID
	f.delta = delta
	return f.err
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func seedContour(t *testing.T, s *Store, id int64, n int) {
	t.Helper()
	x := make([]float64, n)
	y := make([]float64, n)
	for i := range x {
		x[i] = float64(i)
		y[i] = float64(i) * 2
	}
	s.accept(storeCommand{kind: cmdAdded, payload: wire.ContourPayload{ContourID: id, X: x, Y: y}})
	require.Equal(t, 1, s.Len(context.Background()))
}

func TestDecimationStride(t *testing.T) {
	assert.Equal(t, 1, DecimationStride(10, 30))
	assert.Equal(t, 1, DecimationStride(30, 30))
	assert.Equal(t, 3, DecimationStride(100, 30))
	assert.Equal(t, 33, DecimationStride(1000, 30))
	// Zero target falls back to the default.
	assert.Equal(t, 3, DecimationStride(100, 0))
}

func TestBeginEdit(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown object fails", func(t *testing.T) {
		s := newTestStore(t)
		_, err := s.BeginEdit(ctx, 42)
		assert.Error(t, err)
	})

	t.Run("stride derives from contour length", func(t *testing.T) {
		s := newTestStore(t)
		seedContour(t, s, 1, 100)

		d, err := s.BeginEdit(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, 3, d.Stride())
	})

	t.Run("handles are every strideth vertex", func(t *testing.T) {
		s := newTestStore(t)
		seedContour(t, s, 1, 10)

		d, err := s.BeginEdit(ctx, 1)
		require.NoError(t, err)
		d.WithStride(4)

		assert.Equal(t, []int{0, 4, 8}, d.Handles())
	})
}

func TestMoveHandle(t *testing.T) {
	ctx := context.Background()

	t.Run("interpolates between neighboring handles", func(t *testing.T) {
		s := newTestStore(t)
		seedContour(t, s, 1, 100)

		d, err := s.BeginEdit(ctx, 1)
		require.NoError(t, err)
		d.WithStride(4)

		require.NoError(t, d.MoveHandle(8, 4.0, 0))

		x, _ := d.Coordinates()
		// Displacement decays linearly from the moved handle out to the
		// adjacent handles, which stay fixed.
		assert.InDelta(t, 4.0, x[8]-8.0, 1e-9)
		assert.InDelta(t, 3.0, x[7]-7.0, 1e-9)
		assert.InDelta(t, 3.0, x[9]-9.0, 1e-9)
		assert.InDelta(t, 2.0, x[6]-6.0, 1e-9)
		assert.InDelta(t, 2.0, x[10]-10.0, 1e-9)
		assert.InDelta(t, 1.0, x[5]-5.0, 1e-9)
		assert.InDelta(t, 1.0, x[11]-11.0, 1e-9)
		assert.InDelta(t, 0.0, x[4]-4.0, 1e-9)
		assert.InDelta(t, 0.0, x[12]-12.0, 1e-9)
	})

	t.Run("non-handle index is rejected", func(t *testing.T) {
		s := newTestStore(t)
		seedContour(t, s, 1, 100)

		d, err := s.BeginEdit(ctx, 1)
		require.NoError(t, err)
		d.WithStride(4)

		assert.Error(t, d.MoveHandle(6, 1, 1))
		assert.Error(t, d.MoveHandle(-4, 1, 1))
		assert.Error(t, d.MoveHandle(1000, 1, 1))
	})

	t.Run("does not touch the snapshot", func(t *testing.T) {
		s := newTestStore(t)
		seedContour(t, s, 1, 20)

		d, err := s.BeginEdit(ctx, 1)
		require.NoError(t, err)
		d.WithStride(2)

		require.NoError(t, d.MoveHandle(4, 10, 10))
		snap := d.Snapshot()
		assert.Equal(t, 4.0, snap.X[4])
	})
}

func TestCommit(t *testing.T) {
	ctx := context.Background()

	t.Run("applies optimistically and confirms", func(t *testing.T) {
		s := newTestStore(t)
		seedContour(t, s, 1, 20)
		sender := &fakeSender{}

		d, err := s.BeginEdit(ctx, 1)
		require.NoError(t, err)
		d.WithStride(2)
		require.NoError(t, d.MoveHandle(4, 5.0, 0))

		require.NoError(t, d.Commit(ctx, sender))

		// Local state reflects the edit before the backend confirms.
		obj, ok := s.Get(ctx, 1)
		require.True(t, ok)
		assert.InDelta(t, 9.0, obj.X[4], 1e-9)

		select {
		case res := <-s.Events():
			assert.Equal(t, int64(1), res.ContourID)
			assert.NoError(t, res.Err)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for edit result")
		}

		sender.mu.Lock()
		defer sender.mu.Unlock()
		assert.Equal(t, int64(1), sender.lastID)
		assert.Contains(t, sender.delta, "x")
	})

	t.Run("rejection rolls back to snapshot", func(t *testing.T) {
		s := newTestStore(t)
		seedContour(t, s, 1, 20)
		sender := &fakeSender{err: errors.New("contour intersects itself")}

		d, err := s.BeginEdit(ctx, 1)
		require.NoError(t, err)
		d.WithStride(2)
		require.NoError(t, d.MoveHandle(4, 5.0, 0))
		require.NoError(t, d.Commit(ctx, sender))

		select {
		case res := <-s.Events():
			assert.Equal(t, int64(1), res.ContourID)
			assert.Error(t, res.Err)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for edit result")
		}

		obj, ok := s.Get(ctx, 1)
		require.True(t, ok)
		assert.Equal(t, 4.0, obj.X[4])
	})

	t.Run("unchanged draft sends nothing", func(t *testing.T) {
		s := newTestStore(t)
		seedContour(t, s, 1, 20)
		sender := &fakeSender{}

		d, err := s.BeginEdit(ctx, 1)
		require.NoError(t, err)
		require.NoError(t, d.Commit(ctx, sender))

		assert.Equal(t, 0, sender.callCount())
	})

	t.Run("rollback of removed object is a no-op", func(t *testing.T) {
		s := newTestStore(t)
		seedContour(t, s, 1, 20)
		sender := &fakeSender{err: errors.New("rejected")}

		d, err := s.BeginEdit(ctx, 1)
		require.NoError(t, err)
		d.WithStride(2)
		require.NoError(t, d.MoveHandle(4, 5.0, 0))
		require.NoError(t, d.Commit(ctx, sender))

		// A push deletes the object while the modify is in flight.
		s.accept(storeCommand{kind: cmdRemoved, payload: wire.RemovedPayload{DeletedContours: []int64{1}}})

		select {
		case res := <-s.Events():
			assert.Error(t, res.Err)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for edit result")
		}

		_, ok := s.Get(ctx, 1)
		assert.False(t, ok)
	})
}
