package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/terminal-bench/crisisdispatch/pkg/messaging"
)

// Status is a volunteer's presence state.
type Status string

const (
	StatusActive  Status = "ACTIVE"
	StatusBusy    Status = "BUSY"
	StatusOffline Status = "OFFLINE"
)

// burnoutCutoff disqualifies volunteers at or above this burnout score.
const burnoutCutoff = 0.7

var (
	// ErrConflict is returned when a reservation loses the race for the
	// volunteer's last open slot.
	ErrConflict = errors.New("volunteer no longer available")
	// ErrNotFound is returned for unknown volunteer ids.
	ErrNotFound = errors.New("volunteer not found")
)

// Volunteer is the cached view of one volunteer. The registry exclusively
// owns CurrentLoad; everything else comes from the backing store.
type Volunteer struct {
	ID                 uuid.UUID `json:"id"`
	AnonymousID        string    `json:"anonymous_id"`
	Status             Status    `json:"status"`
	IsActive           bool      `json:"is_active"`
	Specializations    []string  `json:"specializations"`
	Languages          []string  `json:"languages"`
	CurrentLoad        int       `json:"current_load"`
	MaxConcurrent      int       `json:"max_concurrent"`
	AverageRating      float64   `json:"average_rating"`
	ResponseRate       float64   `json:"response_rate"`
	EmergencyResponder bool      `json:"emergency_responder"`
	BurnoutScore       float64   `json:"burnout_score"`
	PriorityScore      float64   `json:"priority_score"`
	LastActiveAt       time.Time `json:"last_active_at"`
}

// Available reports whether the volunteer can take another session.
func (v *Volunteer) Available() bool {
	return v.Status == StatusActive &&
		v.IsActive &&
		v.CurrentLoad < v.MaxConcurrent &&
		v.BurnoutScore < burnoutCutoff
}

// SpeaksAny reports whether the volunteer speaks any of the given languages.
func (v *Volunteer) SpeaksAny(languages []string) bool {
	for _, want := range languages {
		for _, have := range v.Languages {
			if strings.EqualFold(want, have) {
				return true
			}
		}
	}
	return false
}

// HasSpecialization reports whether the volunteer carries the given tag.
func (v *Volunteer) HasSpecialization(tag string) bool {
	for _, s := range v.Specializations {
		if strings.EqualFold(s, tag) {
			return true
		}
	}
	return false
}

func (v *Volunteer) clone() Volunteer {
	c := *v
	c.Specializations = append([]string(nil), v.Specializations...)
	c.Languages = append([]string(nil), v.Languages...)
	return c
}

// BackingStore loads the durable volunteer records the cache is built from.
type BackingStore interface {
	LoadVolunteers(ctx context.Context) ([]Volunteer, error)
}

type reservationKey struct {
	volunteerID uuid.UUID
	sessionID   uuid.UUID
}

// Registry maintains the in-memory volunteer index. One mutex guards the
// map and the emergency priority list; reservations are linearizable per
// volunteer through that critical section.
type Registry struct {
	store              BackingStore
	msg                *messaging.Client
	ttl                time.Duration
	reservationTimeout time.Duration

	mu          sync.Mutex
	volunteers  map[uuid.UUID]*Volunteer
	emergency   []uuid.UUID
	lastRefresh time.Time
	timers      map[reservationKey]*time.Timer
	onChange    []func()
	sink        SnapshotSink
}

// SnapshotSink receives volunteer records after registry mutations, for
// the persisted volunteers_snapshot view. Writes are best-effort; the
// cache is authoritative.
type SnapshotSink interface {
	SaveVolunteerSnapshot(ctx context.Context, v Volunteer) error
}

// New creates a registry over the backing store. ttl bounds cache staleness;
// reservationTimeout bounds how long a reserved slot may sit unattached.
func New(store BackingStore, msg *messaging.Client, ttl, reservationTimeout time.Duration) *Registry {
	return &Registry{
		store:              store,
		msg:                msg,
		ttl:                ttl,
		reservationTimeout: reservationTimeout,
		volunteers:         make(map[uuid.UUID]*Volunteer),
		timers:             make(map[reservationKey]*time.Timer),
	}
}

// OnChange registers a callback invoked after every state mutation. The
// matcher uses this to drain its wait queue.
func (r *Registry) OnChange(fn func()) {
	r.mu.Lock()
	r.onChange = append(r.onChange, fn)
	r.mu.Unlock()
}

// SetSnapshotSink installs the persisted snapshot writer.
func (r *Registry) SetSnapshotSink(sink SnapshotSink) {
	r.mu.Lock()
	r.sink = sink
	r.mu.Unlock()
}

func (r *Registry) persistSnapshot(v Volunteer) {
	r.mu.Lock()
	sink := r.sink
	r.mu.Unlock()
	if sink == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sink.SaveVolunteerSnapshot(ctx, v)
	}()
}

// Refresh reloads the cache from the backing store. CurrentLoad of known
// volunteers is preserved: the registry, not the store, owns load.
func (r *Registry) Refresh(ctx context.Context) error {
	loaded, err := r.store.LoadVolunteers(ctx)
	if err != nil {
		return fmt.Errorf("failed to load volunteers: %w", err)
	}

	r.mu.Lock()
	fresh := make(map[uuid.UUID]*Volunteer, len(loaded))
	for i := range loaded {
		v := loaded[i]
		if prev, ok := r.volunteers[v.ID]; ok {
			v.CurrentLoad = prev.CurrentLoad
		}
		fresh[v.ID] = &v
	}
	r.volunteers = fresh
	r.lastRefresh = time.Now()
	r.rebuildEmergencyList()
	r.mu.Unlock()

	if r.msg != nil {
		r.msg.Publish(ctx, messaging.SubjectRegistryRefreshed, map[string]int{"volunteers": len(loaded)})
	}
	r.notifyChange()
	return nil
}

// Stale reports whether the cache is older than its TTL.
func (r *Registry) Stale() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Since(r.lastRefresh) > r.ttl
}

// Snapshot returns a consistent copy of every cached volunteer.
func (r *Registry) Snapshot() []Volunteer {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Volunteer, 0, len(r.volunteers))
	for _, v := range r.volunteers {
		out = append(out, v.clone())
	}
	return out
}

// EmergencySnapshot returns available emergency responders ordered by
// priority score descending.
func (r *Registry) EmergencySnapshot() []Volunteer {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Volunteer, 0, len(r.emergency))
	for _, id := range r.emergency {
		if v, ok := r.volunteers[id]; ok && v.Available() {
			out = append(out, v.clone())
		}
	}
	return out
}

// Get returns a copy of one volunteer.
func (r *Registry) Get(id uuid.UUID) (Volunteer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.volunteers[id]
	if !ok {
		return Volunteer{}, false
	}
	return v.clone(), true
}

// Reserve atomically claims one slot on the volunteer if the availability
// predicate still holds. The slot is reclaimed automatically if Confirm is
// not called within the reservation timeout.
func (r *Registry) Reserve(ctx context.Context, volunteerID, sessionID uuid.UUID) error {
	r.mu.Lock()
	v, ok := r.volunteers[volunteerID]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if !v.Available() {
		r.mu.Unlock()
		return ErrConflict
	}

	v.CurrentLoad++
	load := v.CurrentLoad

	key := reservationKey{volunteerID: volunteerID, sessionID: sessionID}
	if r.reservationTimeout > 0 {
		r.timers[key] = time.AfterFunc(r.reservationTimeout, func() {
			r.reclaim(key)
		})
	}
	r.rebuildEmergencyList()
	r.mu.Unlock()

	if r.msg != nil {
		r.msg.Publish(ctx, messaging.SubjectVolunteerReserved, messaging.VolunteerEvent{
			VolunteerID: volunteerID,
			SessionID:   sessionID,
			CurrentLoad: load,
			Timestamp:   time.Now(),
		})
	}
	return nil
}

// Confirm marks a reservation as attached, cancelling the reclaim timer.
func (r *Registry) Confirm(volunteerID, sessionID uuid.UUID) {
	r.mu.Lock()
	key := reservationKey{volunteerID: volunteerID, sessionID: sessionID}
	if t, ok := r.timers[key]; ok {
		t.Stop()
		delete(r.timers, key)
	}
	r.mu.Unlock()
}

// Release returns a slot. Safe to call for already-released volunteers.
func (r *Registry) Release(ctx context.Context, volunteerID, sessionID uuid.UUID) {
	r.mu.Lock()
	key := reservationKey{volunteerID: volunteerID, sessionID: sessionID}
	if t, ok := r.timers[key]; ok {
		t.Stop()
		delete(r.timers, key)
	}

	v, ok := r.volunteers[volunteerID]
	if !ok || v.CurrentLoad == 0 {
		r.mu.Unlock()
		return
	}
	v.CurrentLoad--
	load := v.CurrentLoad
	r.rebuildEmergencyList()
	r.mu.Unlock()

	if r.msg != nil {
		r.msg.Publish(ctx, messaging.SubjectVolunteerReleased, messaging.VolunteerEvent{
			VolunteerID: volunteerID,
			SessionID:   sessionID,
			CurrentLoad: load,
			Timestamp:   time.Now(),
		})
	}
	r.notifyChange()
}

// reclaim frees a reserved slot whose session never attached.
func (r *Registry) reclaim(key reservationKey) {
	r.mu.Lock()
	if _, ok := r.timers[key]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.timers, key)

	v, ok := r.volunteers[key.volunteerID]
	if !ok || v.CurrentLoad == 0 {
		r.mu.Unlock()
		return
	}
	v.CurrentLoad--
	r.rebuildEmergencyList()
	r.mu.Unlock()

	r.notifyChange()
}

// SetStatus updates a volunteer's presence. Unknown ids are ignored.
func (r *Registry) SetStatus(volunteerID uuid.UUID, status Status, isActive bool) {
	r.mu.Lock()
	var snapshot *Volunteer
	if v, ok := r.volunteers[volunteerID]; ok {
		v.Status = status
		v.IsActive = isActive
		v.LastActiveAt = time.Now()
		r.rebuildEmergencyList()
		vc := v.clone()
		snapshot = &vc
	}
	r.mu.Unlock()

	if snapshot != nil {
		r.persistSnapshot(*snapshot)
	}
	r.notifyChange()
}

// Upsert inserts or replaces a volunteer record directly, preserving the
// live load of an existing entry.
func (r *Registry) Upsert(v Volunteer) {
	r.mu.Lock()
	if prev, ok := r.volunteers[v.ID]; ok {
		v.CurrentLoad = prev.CurrentLoad
	}
	vc := v.clone()
	r.volunteers[v.ID] = &vc
	r.rebuildEmergencyList()
	r.mu.Unlock()

	r.persistSnapshot(vc)
	r.notifyChange()
}

// AvailableCount returns how many volunteers can currently take a session.
func (r *Registry) AvailableCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, v := range r.volunteers {
		if v.Available() {
			n++
		}
	}
	return n
}

// rebuildEmergencyList must be called with r.mu held.
func (r *Registry) rebuildEmergencyList() {
	ids := r.emergency[:0]
	for id, v := range r.volunteers {
		if v.EmergencyResponder && v.Available() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return r.volunteers[ids[i]].PriorityScore > r.volunteers[ids[j]].PriorityScore
	})
	r.emergency = ids
}

func (r *Registry) notifyChange() {
	r.mu.Lock()
	callbacks := append([]func(){}, r.onChange...)
	r.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}
