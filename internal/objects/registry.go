// Package objects keeps the persistent placed objects that give clusters
// an identity across clustering passes.
package objects

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/groundtrack/internal/perception"
)

// ErrUnknownObject is returned when an id is not in the registry.
var ErrUnknownObject = errors.New("unknown placed object")

// PlacedObject is a cluster hypothesis that persists across passes. Its
// position and size follow the last matched cluster.
type PlacedObject struct {
	ID      int64
	Label   perception.Label
	X, Z    float64
	W, H    float64
	Points  int // point count of the last matched cluster
	Hits    int
	Created time.Time
	Updated time.Time
}

// Snapshot is a copyable view of a placed object.
type Snapshot struct {
	ID      int64     `json:"id"`
	Label   int       `json:"label"`
	X       float64   `json:"x"`
	Z       float64   `json:"z"`
	W       float64   `json:"w"`
	H       float64   `json:"h"`
	Points  int       `json:"points"`
	Hits    int       `json:"hits"`
	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

// Snapshot copies the object.
func (o *PlacedObject) Snapshot() Snapshot {
	return Snapshot{
		ID:      o.ID,
		Label:   int(o.Label),
		X:       o.X,
		Z:       o.Z,
		W:       o.W,
		H:       o.H,
		Points:  o.Points,
		Hits:    o.Hits,
		Created: o.Created,
		Updated: o.Updated,
	}
}

func (o *PlacedObject) apply(c perception.Cluster, now time.Time) {
	o.X = c.CenterX
	o.Z = c.CenterZ
	o.W = c.W
	o.H = c.H
	o.Points = c.PointCount
	o.Hits++
	o.Updated = now
}

// Registry is an id-keyed arena of placed objects for one label.
type Registry struct {
	mu      sync.RWMutex
	label   perception.Label
	nextID  int64
	objects map[int64]*PlacedObject
	order   []int64
}

// NewRegistry creates an empty registry for label.
func NewRegistry(label perception.Label) *Registry {
	return &Registry{
		label:   label,
		nextID:  1,
		objects: make(map[int64]*PlacedObject),
	}
}

// Label returns the detection class held by the registry.
func (r *Registry) Label() perception.Label { return r.label }

// Spawn places a new object on cluster c.
func (r *Registry) Spawn(c perception.Cluster, now time.Time) *PlacedObject {
	r.mu.Lock()
	defer r.mu.Unlock()

	o := &PlacedObject{ID: r.nextID, Label: r.label, Created: now}
	o.apply(c, now)
	r.nextID++
	r.objects[o.ID] = o
	r.order = append(r.order, o.ID)
	return o
}

// Update moves object id onto cluster c and refreshes its timestamp.
func (r *Registry) Update(id int64, c perception.Cluster, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.objects[id]
	if !ok {
		return ErrUnknownObject
	}
	o.apply(c, now)
	return nil
}

// Get returns object id.
func (r *Registry) Get(id int64) (*PlacedObject, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.objects[id]
	return o, ok
}

// Remove deletes object id and reports whether it existed.
func (r *Registry) Remove(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(id)
}

func (r *Registry) removeLocked(id int64) bool {
	if _, ok := r.objects[id]; !ok {
		return false
	}
	delete(r.objects, id)
	i := sort.Search(len(r.order), func(i int) bool { return r.order[i] >= id })
	if i < len(r.order) && r.order[i] == id {
		r.order = append(r.order[:i], r.order[i+1:]...)
	}
	return true
}

// Len returns the number of placed objects.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.objects)
}

// Objects returns the placed objects in ascending id order.
func (r *Registry) Objects() []*PlacedObject {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*PlacedObject, len(r.order))
	for i, id := range r.order {
		out[i] = r.objects[id]
	}
	return out
}

// Snapshots returns a snapshot of every object in ascending id order.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, len(r.order))
	for i, id := range r.order {
		out[i] = r.objects[id].Snapshot()
	}
	return out
}

// PruneIdle removes objects not updated within lifetime of now and
// returns their ids.
func (r *Registry) PruneIdle(now time.Time, lifetime time.Duration) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []int64
	for _, id := range append([]int64(nil), r.order...) {
		if now.Sub(r.objects[id].Updated) > lifetime {
			r.removeLocked(id)
			removed = append(removed, id)
		}
	}
	return removed
}
