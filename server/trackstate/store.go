package trackstate

import (
	"sort"
	"sync"
	"time"

	"github.com/cyclopcam/wardwatch/pkg/idgen"
	"github.com/cyclopcam/wardwatch/pkg/nn"
	"github.com/cyclopcam/wardwatch/server/tracker"
)

// Store holds per-track application state, layered on top of the tracker output.
// It is the only writer of authorization and cooldown fields.
// The processing loop is the only writer. The mutex exists so that the HTTP API can
// take consistent snapshots while the loop is running.
type Store struct {
	PersonGrace  time.Duration // Absent persons are kept for this long, to absorb short occlusions
	VehicleGrace time.Duration // Same for vehicles

	lock       sync.RWMutex
	persons    map[int64]*PersonState
	vehicles   map[int64]*VehicleState
	personIDs  idgen.Display
	vehicleIDs idgen.Display
}

func NewStore() *Store {
	return &Store{
		PersonGrace:  5 * time.Second,
		VehicleGrace: 10 * time.Second,
		persons:      map[int64]*PersonState{},
		vehicles:     map[int64]*VehicleState{},
		personIDs:    idgen.Display{Prefix: "P"},
		vehicleIDs:   idgen.Display{Prefix: "V"},
	}
}

// MergePersons merges this frame's person tracks into the store, and returns the
// state objects of the persons seen in this frame, in the same order as 'tracked'.
func (s *Store) MergePersons(tracked []tracker.Tracked, now time.Time) []*PersonState {
	s.lock.Lock()
	defer s.lock.Unlock()
	out := make([]*PersonState, 0, len(tracked))
	for _, t := range tracked {
		p := s.persons[t.TrackID]
		if p == nil {
			p = &PersonState{
				TrackID:   t.TrackID,
				DisplayID: s.personIDs.Next(),
				FirstSeen: now,
				Auth:      AuthUnknown,
			}
			s.persons[t.TrackID] = p
		}
		p.Box = t.Box
		p.LastSeen = now
		out = append(out, p)
	}
	return out
}

// MergeVehicles does the same as MergePersons, for vehicles.
// Detections whose class is not a vehicle are ignored.
func (s *Store) MergeVehicles(tracked []tracker.Tracked, now time.Time) []*VehicleState {
	s.lock.Lock()
	defer s.lock.Unlock()
	out := make([]*VehicleState, 0, len(tracked))
	for _, t := range tracked {
		vtype, ok := nn.VehicleTypeOf(t.Class)
		if !ok {
			continue
		}
		v := s.vehicles[t.TrackID]
		if v == nil {
			v = &VehicleState{
				TrackID:   t.TrackID,
				DisplayID: s.vehicleIDs.Next(),
				FirstSeen: now,
			}
			s.vehicles[t.TrackID] = v
		} else {
			dt := now.Sub(v.LastSeen).Seconds()
			if dt > 0 {
				v.Speed = v.Box.CenterDistance(t.Box) / float32(dt)
			}
		}
		v.Type = vtype
		v.Box = t.Box
		v.LastSeen = now
		out = append(out, v)
	}
	return out
}

// Prune deletes state that has been absent for longer than the grace period.
// Returns the deleted states, so that the caller can release anything keyed by them.
func (s *Store) Prune(now time.Time) (persons []*PersonState, vehicles []*VehicleState) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for id, p := range s.persons {
		if now.Sub(p.LastSeen) > s.PersonGrace {
			delete(s.persons, id)
			persons = append(persons, p)
		}
	}
	for id, v := range s.vehicles {
		if now.Sub(v.LastSeen) > s.VehicleGrace {
			delete(s.vehicles, id)
			vehicles = append(vehicles, v)
		}
	}
	return
}

func (s *Store) Person(id int64) *PersonState {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.persons[id]
}

func (s *Store) Vehicle(id int64) *VehicleState {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.vehicles[id]
}

// ApplyVerdict records an authorization verdict. Returns false if the person is no longer in the store.
func (s *Store) ApplyVerdict(id int64, v Verdict, now time.Time) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	p := s.persons[id]
	if p == nil {
		return false
	}
	p.ApplyVerdict(v, now)
	return true
}

// Mutate runs f while holding the write lock.
// Changes to the state objects returned by MergePersons and MergeVehicles must happen inside f.
func (s *Store) Mutate(f func()) {
	s.lock.Lock()
	defer s.lock.Unlock()
	f()
}

// PersonSnapshot returns copies of all person states, sorted by track ID
func (s *Store) PersonSnapshot() []PersonState {
	s.lock.RLock()
	defer s.lock.RUnlock()
	out := make([]PersonState, 0, len(s.persons))
	for _, p := range s.persons {
		c := *p
		c.cooldowns = nil
		c.Embedding = nil
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TrackID < out[j].TrackID })
	return out
}

// VehicleSnapshot returns copies of all vehicle states, sorted by track ID
func (s *Store) VehicleSnapshot() []VehicleState {
	s.lock.RLock()
	defer s.lock.RUnlock()
	out := make([]VehicleState, 0, len(s.vehicles))
	for _, v := range s.vehicles {
		c := *v
		c.cooldowns = nil
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TrackID < out[j].TrackID })
	return out
}

// Counts returns the number of persons and vehicles in the store
func (s *Store) Counts() (persons, vehicles int) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.persons), len(s.vehicles)
}

// Reset drops all state. Display IDs keep counting.
func (s *Store) Reset() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.persons = map[int64]*PersonState{}
	s.vehicles = map[int64]*VehicleState{}
}
