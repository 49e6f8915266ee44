package conn

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/seglab/annowire/pkg/annowire/wire"
)

func TestDispatcherExactMatch(t *testing.T) {
	d := NewDispatcher()
	ctx := context.Background()

	var added, removed int
	d.On(wire.TypeObjectAdded, func(ctx context.Context, msg wire.Message) {
		added++
	})
	d.On(wire.TypeObjectRemoved, func(ctx context.Context, msg wire.Message) {
		removed++
	})

	d.Dispatch(ctx, wire.Message{Type: wire.TypeObjectAdded})
	d.Dispatch(ctx, wire.Message{Type: wire.TypeObjectAdded})
	d.Dispatch(ctx, wire.Message{Type: wire.TypeObjectRemoved})

	assert.Equal(t, 2, added)
	assert.Equal(t, 1, removed)
}

func TestDispatcherCatchAll(t *testing.T) {
	d := NewDispatcher()
	ctx := context.Background()

	var order []string
	d.OnAny(func(ctx context.Context, msg wire.Message) {
		order = append(order, "any")
	})
	d.On(wire.TypeObjectAdded, func(ctx context.Context, msg wire.Message) {
		order = append(order, "typed")
	})

	d.Dispatch(ctx, wire.Message{Type: wire.TypeObjectAdded})

	// Type-specific handlers run before catch-all handlers regardless
	// of registration order.
	assert.Equal(t, []string{"typed", "any"}, order)
}

func TestDispatcherPatterns(t *testing.T) {
	d := NewDispatcher()
	ctx := context.Background()

	var got []string
	d.On("object-+", func(ctx context.Context, msg wire.Message) {
		got = append(got, msg.Type)
	})

	d.Dispatch(ctx, wire.Message{Type: "object-added"})
	d.Dispatch(ctx, wire.Message{Type: "object-removed"})
	d.Dispatch(ctx, wire.Message{Type: "run-segmentation"})

	assert.Equal(t, []string{"object-added", "object-removed"}, got)

	// "+" spans exactly one hyphen segment.
	assert.True(t, patternMatches("run-+", "run-completion"))
	assert.False(t, patternMatches("select-+", "select-refinement-object"))
	assert.True(t, patternMatches("select-#", "select-refinement-object"))
}

func TestDispatcherUnsubscribe(t *testing.T) {
	d := NewDispatcher()
	ctx := context.Background()

	var count int
	unsub := d.On(wire.TypeObjectAdded, func(ctx context.Context, msg wire.Message) {
		count++
	})

	d.Dispatch(ctx, wire.Message{Type: wire.TypeObjectAdded})
	unsub()
	d.Dispatch(ctx, wire.Message{Type: wire.TypeObjectAdded})

	assert.Equal(t, 1, count)
	assert.Equal(t, 0, d.Len())

	// Unsubscribing twice is safe.
	unsub()
}

func TestDispatcherUnsubscribeDuringDispatch(t *testing.T) {
	d := NewDispatcher()
	ctx := context.Background()

	var count int
	var unsub func()
	unsub = d.On(wire.TypeObjectAdded, func(ctx context.Context, msg wire.Message) {
		count++
		unsub()
	})

	d.Dispatch(ctx, wire.Message{Type: wire.TypeObjectAdded})
	d.Dispatch(ctx, wire.Message{Type: wire.TypeObjectAdded})

	assert.Equal(t, 1, count)
}

func TestDispatcherMultipleSubscribersRunInOrder(t *testing.T) {
	d := NewDispatcher()
	ctx := context.Background()

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		d.On(wire.TypeObjectAdded, func(ctx context.Context, msg wire.Message) {
			order = append(order, i)
		})
	}

	d.Dispatch(ctx, wire.Message{Type: wire.TypeObjectAdded})
	assert.Equal(t, []int{0, 1, 2}, order)
}
