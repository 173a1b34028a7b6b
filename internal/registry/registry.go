// Package registry tracks which identities are connected right now and their
// live watch state.
//
// Every method runs under a single lock and returns copies, so callers never
// hold a reference into the table. Multi-step updates that must not interleave
// with a disconnect (Announce) are single methods.
package registry

import (
	"sort"
	"sync"

	"peekrelay/internal/model"
)

type State int

const (
	Unidentified State = iota
	Identified
	Watching
)

func (s State) String() string {
	switch s {
	case Identified:
		return "identified"
	case Watching:
		return "watching"
	default:
		return "unidentified"
	}
}

// FriendRef points at the connection of a friend that was online when the
// owning entry last announced.
type FriendRef struct {
	ConnectionID string
	IdentityKey  string
}

type Entry struct {
	ConnectionID     string
	IdentityKey      string
	CurrentWatch     *model.CurrentWatch
	OnlineFriendRefs []FriendRef
}

func (e Entry) State() State {
	if e.CurrentWatch != nil {
		return Watching
	}
	return Identified
}

func (e *Entry) clone() Entry {
	out := Entry{
		ConnectionID:     e.ConnectionID,
		IdentityKey:      e.IdentityKey,
		OnlineFriendRefs: append([]FriendRef(nil), e.OnlineFriendRefs...),
	}
	if e.CurrentWatch != nil {
		w := *e.CurrentWatch
		out.CurrentWatch = &w
	}
	return out
}

// OnlineFriend is a friend found online during Announce.
type OnlineFriend struct {
	ConnectionID string
	IdentityKey  string
	CurrentWatch *model.CurrentWatch
}

type AnnounceResult struct {
	Entry         Entry
	OnlineFriends []OnlineFriend
	// Replaced is set when another connection held the same identity and
	// was dropped from the registry in favour of this one.
	Replaced *Entry
	Created  bool
}

type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

func New() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Upsert inserts an entry for connID. If one exists only its friend refs are
// replaced; the identity of a connection never changes.
func (r *Registry) Upsert(connID, identityKey string, refs []FriendRef) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, created := r.upsertLocked(connID, identityKey, refs)
	return e.clone(), created
}

func (r *Registry) upsertLocked(connID, identityKey string, refs []FriendRef) (*Entry, bool) {
	if e, ok := r.entries[connID]; ok {
		e.OnlineFriendRefs = normalizeRefs(connID, refs)
		return e, false
	}
	e := &Entry{
		ConnectionID:     connID,
		IdentityKey:      identityKey,
		OnlineFriendRefs: normalizeRefs(connID, refs),
	}
	r.entries[connID] = e
	return e, true
}

func (r *Registry) Get(connID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[connID]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

func (r *Registry) Contains(connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[connID]
	return ok
}

// SetCurrentWatch does nothing and returns false when the connection already
// went away.
func (r *Registry) SetCurrentWatch(connID string, watch model.CurrentWatch) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[connID]
	if !ok {
		return false
	}
	e.CurrentWatch = &watch
	return true
}

func (r *Registry) Remove(connID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[connID]
	if !ok {
		return Entry{}, false
	}
	delete(r.entries, connID)
	return e.clone(), true
}

func (r *Registry) FindByIdentity(identityKey string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e := r.findByIdentityLocked(identityKey, ""); e != nil {
		return e.clone(), true
	}
	return Entry{}, false
}

func (r *Registry) findByIdentityLocked(identityKey, exceptConnID string) *Entry {
	for id, e := range r.entries {
		if id != exceptConnID && e.IdentityKey == identityKey {
			return e
		}
	}
	return nil
}

// SnapshotAll returns a point-in-time copy of every entry ordered by
// connection id.
func (r *Registry) SnapshotAll() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		result = append(result, e.clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ConnectionID < result[j].ConnectionID })
	return result
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) State(connID string) State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[connID]
	if !ok {
		return Unidentified
	}
	return e.State()
}

// Announce registers identityKey on connID and recomputes its online friends
// from friendKeys, all in one critical section:
//
//   - another connection holding identityKey is dropped (returned as Replaced)
//   - the online friend refs are rebuilt from the current table
//   - connID is linked into the refs of every online friend
func (r *Registry) Announce(connID, identityKey string, friendKeys []string) AnnounceResult {
	wanted := make(map[string]struct{}, len(friendKeys))
	for _, k := range friendKeys {
		if k != "" && k != identityKey {
			wanted[k] = struct{}{}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var result AnnounceResult
	if stale := r.findByIdentityLocked(identityKey, connID); stale != nil {
		replaced := stale.clone()
		result.Replaced = &replaced
		delete(r.entries, stale.ConnectionID)
	}

	var refs []FriendRef
	var friends []*Entry
	for id, e := range r.entries {
		if id == connID {
			continue
		}
		if _, ok := wanted[e.IdentityKey]; !ok {
			continue
		}
		refs = append(refs, FriendRef{ConnectionID: id, IdentityKey: e.IdentityKey})
		friends = append(friends, e)
	}
	sort.Slice(friends, func(i, j int) bool { return friends[i].ConnectionID < friends[j].ConnectionID })

	e, created := r.upsertLocked(connID, identityKey, refs)
	result.Created = created

	for _, f := range friends {
		f.OnlineFriendRefs = normalizeRefs(f.ConnectionID, append(f.OnlineFriendRefs, FriendRef{ConnectionID: connID, IdentityKey: identityKey}))
		of := OnlineFriend{ConnectionID: f.ConnectionID, IdentityKey: f.IdentityKey}
		if f.CurrentWatch != nil {
			w := *f.CurrentWatch
			of.CurrentWatch = &w
		}
		result.OnlineFriends = append(result.OnlineFriends, of)
	}

	result.Entry = e.clone()
	return result
}

// normalizeRefs drops self references and duplicate connection ids and sorts
// the rest by connection id.
func normalizeRefs(self string, refs []FriendRef) []FriendRef {
	seen := make(map[string]struct{}, len(refs))
	out := make([]FriendRef, 0, len(refs))
	for _, ref := range refs {
		if ref.ConnectionID == "" || ref.ConnectionID == self {
			continue
		}
		if _, dup := seen[ref.ConnectionID]; dup {
			continue
		}
		seen[ref.ConnectionID] = struct{}{}
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionID < out[j].ConnectionID })
	return out
}
