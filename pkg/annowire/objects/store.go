// Package objects keeps a local collection of annotation objects
// consistent with both server push events and locally-initiated
// optimistic edits. All mutations flow through a single processing
// goroutine so a push-driven delete and an in-flight optimistic edit of
// the same object cannot interleave into an inconsistent state.
package objects

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/heimdalr/dag"
	"go.uber.org/zap"

	"github.com/seglab/annowire/pkg/annowire/conn"
	"github.com/seglab/annowire/pkg/annowire/o11y"
	"github.com/seglab/annowire/pkg/annowire/wire"
)

// EditResult reports the outcome of an optimistic edit once the backend
// has confirmed or rejected it. A nil Err means the optimistic state is
// authoritative; a non-nil Err means the local object was rolled back
// to its pre-edit snapshot.
type EditResult struct {
	ContourID int64
	Err       error
}

type cmdKind int

const (
	cmdAdded cmdKind = iota
	cmdModified
	cmdRemoved
	cmdSeed
	cmdGet
	cmdList
	cmdChildren
	cmdRoots
	cmdSetCoords
	cmdRevert
	cmdClear
)

type storeCommand struct {
	kind    cmdKind
	payload any
	resp    chan any
}

type coordsUpdate struct {
	contourID int64
	x, y      []float64
}

type revertRequest struct {
	contourID int64
	snapshot  *Object
}

// Store is the local annotation object collection.
type Store struct {
	ch      chan storeCommand
	ctx     context.Context
	cancel  context.CancelFunc
	started int32
	doneCh  chan struct{}
	logger  *zap.Logger

	objects   map[int64]*Object
	hierarchy *dag.DAG

	events chan EditResult

	objectGauge o11y.Gauge
}

// StoreBuilder provides a fluent interface for building stores.
type StoreBuilder struct {
	logger          *zap.Logger
	bufferSize      int
	eventBufferSize int
	metricsProvider o11y.MetricsProvider
}

// NewStore creates a new store builder.
func NewStore() *StoreBuilder {
	return &StoreBuilder{
		logger:          zap.NewNop(),
		bufferSize:      256,
		eventBufferSize: 16,
	}
}

// WithLogger sets the logger for the store.
func (b *StoreBuilder) WithLogger(logger *zap.Logger) *StoreBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithBufferSize sets the command channel buffer size.
func (b *StoreBuilder) WithBufferSize(size int) *StoreBuilder {
	if size > 0 {
		b.bufferSize = size
	}
	return b
}

// WithMetrics sets an optional metrics provider.
func (b *StoreBuilder) WithMetrics(provider o11y.MetricsProvider) *StoreBuilder {
	b.metricsProvider = provider
	return b
}

// Build creates the store. Call Start before use.
func (b *StoreBuilder) Build() *Store {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		ch:        make(chan storeCommand, b.bufferSize),
		ctx:       ctx,
		cancel:    cancel,
		doneCh:    make(chan struct{}),
		logger:    b.logger,
		objects:   make(map[int64]*Object),
		hierarchy: dag.NewDAG(),
		events:    make(chan EditResult, b.eventBufferSize),
	}
	if b.metricsProvider != nil {
		s.objectGauge = b.metricsProvider.Gauge("annowire_objects")
	}
	return s
}

// Start begins the store's processing goroutine.
func (s *Store) Start() error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return fmt.Errorf("store already started")
	}

	go func() {
		defer close(s.doneCh)
		for {
			select {
			case cmd := <-s.ch:
				s.process(cmd)
			case <-s.ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop shuts the store down.
func (s *Store) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.started, 1, 0) {
		return fmt.Errorf("store not started")
	}
	s.cancel()
	<-s.doneCh
	return nil
}

// Events delivers the outcome of optimistic edits. UI layers consume
// this instead of branching on errors at every mutation call site.
func (s *Store) Events() <-chan EditResult {
	return s.events
}

// Bind subscribes the store's reconciliation handlers to the three
// object push types on the given dispatcher and returns an unsubscribe
// function covering all of them.
func (s *Store) Bind(d *conn.Dispatcher) func() {
	unsubAdded := d.On(wire.TypeObjectAdded, func(ctx context.Context, msg wire.Message) {
		var p wire.ContourPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			s.logger.Warn("ignoring malformed object-added payload", zap.Error(err))
			return
		}
		s.accept(storeCommand{kind: cmdAdded, payload: p})
	})
	unsubModified := d.On(wire.TypeObjectModified, func(ctx context.Context, msg wire.Message) {
		var p wire.ContourPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			s.logger.Warn("ignoring malformed object-modified payload", zap.Error(err))
			return
		}
		s.accept(storeCommand{kind: cmdModified, payload: p})
	})
	unsubRemoved := d.On(wire.TypeObjectRemoved, func(ctx context.Context, msg wire.Message) {
		var p wire.RemovedPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			s.logger.Warn("ignoring malformed object-removed payload", zap.Error(err))
			return
		}
		s.accept(storeCommand{kind: cmdRemoved, payload: p})
	})

	return func() {
		unsubAdded()
		unsubModified()
		unsubRemoved()
	}
}

// Seed loads a pre-existing object hierarchy, as delivered with the
// session handshake, into the collection.
func (s *Store) Seed(ctx context.Context, root *wire.ContourNode) {
	if root == nil {
		return
	}
	s.accept(storeCommand{kind: cmdSeed, payload: root})
}

// Get returns a copy of the object with the given contour id.
func (s *Store) Get(ctx context.Context, contourID int64) (*Object, bool) {
	resp := s.query(ctx, storeCommand{kind: cmdGet, payload: contourID})
	if resp == nil {
		return nil, false
	}
	obj, ok := resp.(*Object)
	return obj, ok && obj != nil
}

// List returns copies of all objects in the collection.
func (s *Store) List(ctx context.Context) []*Object {
	resp := s.query(ctx, storeCommand{kind: cmdList})
	objs, _ := resp.([]*Object)
	return objs
}

// Len returns the number of objects in the collection.
func (s *Store) Len(ctx context.Context) int {
	return len(s.List(ctx))
}

// Children returns copies of the direct children of the given object in
// the annotation hierarchy.
func (s *Store) Children(ctx context.Context, contourID int64) []*Object {
	resp := s.query(ctx, storeCommand{kind: cmdChildren, payload: contourID})
	objs, _ := resp.([]*Object)
	return objs
}

// Roots returns copies of all top-level objects.
func (s *Store) Roots(ctx context.Context) []*Object {
	resp := s.query(ctx, storeCommand{kind: cmdRoots})
	objs, _ := resp.([]*Object)
	return objs
}

// Clear empties the collection. Used when the active image changes:
// session state is replaced, not merged.
func (s *Store) Clear(ctx context.Context) {
	s.query(ctx, storeCommand{kind: cmdClear})
}

// accept enqueues a mutation command without blocking the caller; used
// by dispatch handlers which must not stall the dispatch loop.
func (s *Store) accept(cmd storeCommand) {
	if atomic.LoadInt32(&s.started) == 0 {
		s.logger.Warn("store not started, command ignored")
		return
	}
	select {
	case s.ch <- cmd:
	case <-s.ctx.Done():
	default:
		s.logger.Warn("store command channel full, command dropped")
	}
}

// query sends a command and waits for its response.
func (s *Store) query(ctx context.Context, cmd storeCommand) any {
	if atomic.LoadInt32(&s.started) == 0 {
		return nil
	}
	cmd.resp = make(chan any, 1)
	select {
	case s.ch <- cmd:
	case <-ctx.Done():
		return nil
	case <-s.ctx.Done():
		return nil
	}
	select {
	case resp := <-cmd.resp:
		return resp
	case <-ctx.Done():
		return nil
	case <-s.ctx.Done():
		return nil
	}
}

func (s *Store) process(cmd storeCommand) {
	switch cmd.kind {
	case cmdAdded:
		s.doAdded(cmd.payload.(wire.ContourPayload))
	case cmdModified:
		s.doModified(cmd.payload.(wire.ContourPayload))
	case cmdRemoved:
		s.doRemoved(cmd.payload.(wire.RemovedPayload))
	case cmdSeed:
		s.doSeed(cmd.payload.(*wire.ContourNode), 0)
		s.updateGauge()
	case cmdGet:
		id := cmd.payload.(int64)
		if obj, ok := s.objects[id]; ok {
			cmd.resp <- obj.Clone()
		} else {
			cmd.resp <- (*Object)(nil)
		}
	case cmdList:
		objs := make([]*Object, 0, len(s.objects))
		for _, obj := range s.objects {
			objs = append(objs, obj.Clone())
		}
		cmd.resp <- objs
	case cmdChildren:
		cmd.resp <- s.doChildren(cmd.payload.(int64))
	case cmdRoots:
		cmd.resp <- s.doRoots()
	case cmdSetCoords:
		s.doSetCoords(cmd.payload.(coordsUpdate))
		if cmd.resp != nil {
			cmd.resp <- struct{}{}
		}
	case cmdRevert:
		s.doRevert(cmd.payload.(revertRequest))
		if cmd.resp != nil {
			cmd.resp <- struct{}{}
		}
	case cmdClear:
		s.objects = make(map[int64]*Object)
		s.hierarchy = dag.NewDAG()
		s.updateGauge()
		if cmd.resp != nil {
			cmd.resp <- struct{}{}
		}
	default:
		s.logger.Debug("store received unknown command", zap.Int("kind", int(cmd.kind)))
	}
}

// doAdded inserts a pushed object. Duplicate add notifications for a
// contour id already known locally are ignored so they cannot create
// duplicates.
func (s *Store) doAdded(p wire.ContourPayload) {
	id := p.Key()
	if id == 0 {
		s.logger.Warn("ignoring object-added without contour id")
		return
	}
	if _, exists := s.objects[id]; exists {
		s.logger.Debug("ignoring duplicate object-added", zap.Int64("contourId", id))
		return
	}

	obj := newObject(p)
	s.insert(obj)
	s.updateGauge()
}

// doModified applies a partial update. An update for an object not
// known locally that carries full coordinate data is treated as an
// implicit add, reconciling against a missed added event.
func (s *Store) doModified(p wire.ContourPayload) {
	id := p.Key()
	obj, ok := s.objects[id]
	if !ok {
		if p.HasCoordinates() {
			s.logger.Info("object-modified for unknown object, treating as add",
				zap.Int64("contourId", id))
			s.doAdded(p)
		} else {
			s.logger.Debug("dropping object-modified for unknown object",
				zap.Int64("contourId", id))
		}
		return
	}

	oldParent := obj.ParentID
	obj.applyPartial(p)
	if obj.ParentID != oldParent {
		s.relink(obj, oldParent)
	}
}

// doRemoved deletes each listed id; ids not known locally are already
// consistent and silently ignored.
func (s *Store) doRemoved(p wire.RemovedPayload) {
	for _, id := range p.DeletedContours {
		if _, ok := s.objects[id]; !ok {
			continue
		}
		delete(s.objects, id)
		if err := s.hierarchy.DeleteVertex(vertexKey(id)); err != nil {
			s.logger.Debug("hierarchy vertex already gone", zap.Int64("contourId", id))
		}
	}
	s.updateGauge()
}

func (s *Store) doSeed(node *wire.ContourNode, parentID int64) {
	payload := node.ContourPayload
	if payload.ParentID == 0 {
		payload.ParentID = parentID
	}
	s.doAdded(payload)
	for _, child := range node.Children {
		s.doSeed(child, payload.Key())
	}
}

func (s *Store) doChildren(contourID int64) []*Object {
	children, err := s.hierarchy.GetChildren(vertexKey(contourID))
	if err != nil {
		return nil
	}
	objs := make([]*Object, 0, len(children))
	for key := range children {
		if obj := s.lookupKey(key); obj != nil {
			objs = append(objs, obj.Clone())
		}
	}
	return objs
}

func (s *Store) doRoots() []*Object {
	roots := s.hierarchy.GetRoots()
	objs := make([]*Object, 0, len(roots))
	for key := range roots {
		if obj := s.lookupKey(key); obj != nil {
			objs = append(objs, obj.Clone())
		}
	}
	return objs
}

// doSetCoords is the optimistic apply: the object's coordinates are
// replaced immediately and the cached path derived from the old
// coordinates is invalidated. A missing object is a no-op.
func (s *Store) doSetCoords(u coordsUpdate) {
	obj, ok := s.objects[u.contourID]
	if !ok {
		return
	}
	obj.X = append([]float64(nil), u.x...)
	obj.Y = append([]float64(nil), u.y...)
	obj.Path = ""
}

// doRevert restores the pre-edit snapshot. An object concurrently
// removed by a push is a no-op, not an error.
func (s *Store) doRevert(r revertRequest) {
	if _, ok := s.objects[r.contourID]; !ok {
		return
	}
	s.objects[r.contourID] = r.snapshot.Clone()
}

func (s *Store) insert(obj *Object) {
	s.objects[obj.ContourID] = obj
	key := vertexKey(obj.ContourID)
	if err := s.hierarchy.AddVertexByID(key, obj.ContourID); err != nil {
		s.logger.Warn("failed to add hierarchy vertex",
			zap.Int64("contourId", obj.ContourID), zap.Error(err))
		return
	}
	s.linkParent(obj)
}

func (s *Store) linkParent(obj *Object) {
	if obj.ParentID == 0 {
		return
	}
	if _, ok := s.objects[obj.ParentID]; !ok {
		return
	}
	if err := s.hierarchy.AddEdge(vertexKey(obj.ParentID), vertexKey(obj.ContourID)); err != nil {
		s.logger.Warn("rejecting hierarchy link",
			zap.Int64("parentId", obj.ParentID),
			zap.Int64("contourId", obj.ContourID),
			zap.Error(err))
	}
}

func (s *Store) relink(obj *Object, oldParent int64) {
	if oldParent != 0 {
		if err := s.hierarchy.DeleteEdge(vertexKey(oldParent), vertexKey(obj.ContourID)); err != nil {
			s.logger.Debug("old hierarchy link already gone",
				zap.Int64("parentId", oldParent),
				zap.Int64("contourId", obj.ContourID))
		}
	}
	s.linkParent(obj)
}

func (s *Store) lookupKey(key string) *Object {
	id, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return nil
	}
	return s.objects[id]
}

func (s *Store) updateGauge() {
	if s.objectGauge != nil {
		s.objectGauge.Set(context.Background(), float64(len(s.objects)))
	}
}

func (s *Store) emit(result EditResult) {
	select {
	case s.events <- result:
	default:
		s.logger.Warn("edit result dropped, event channel full",
			zap.Int64("contourId", result.ContourID))
	}
}

func vertexKey(id int64) string {
	return strconv.FormatInt(id, 10)
}
