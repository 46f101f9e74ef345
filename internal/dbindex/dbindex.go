// Package dbindex implements DbIndex, the tenant's in-memory registry of
// known databases, global schema, and system configuration. Reads
// (GetDB/IterDBs/GetGlobalSchema/GetSysConfig) never block behind writes:
// the whole table is an immutable snapshot swapped atomically, so readers
// never observe torn state.
package dbindex

import (
	"sync"
	"sync/atomic"

	"github.com/tenantcore/tenantd/internal/tenanterrors"
)

// ProtocolVersion identifies a client protocol revision, used to key
// per-version artifacts like state serializers and reported-config blobs.
type ProtocolVersion struct {
	Major int
	Minor int
}

// AtLeast reports whether v is the same as or newer than other.
func (v ProtocolVersion) AtLeast(other ProtocolVersion) bool {
	if v.Major != other.Major {
		return v.Major > other.Major
	}
	return v.Minor >= other.Minor
}

// DatabaseEntry is everything the tenant knows about one registered
// database. The schema and config artifacts are opaque to DbIndex itself
// (schema compilation is an external collaborator's concern; DbIndex only
// stores and hands back whatever it is given). UserSchema and DBConfig may
// be nil for an entry produced by early introspection, which only learns
// the extension set.
type DatabaseEntry struct {
	Name              string
	DBVer             int64
	UserSchema        any
	ReflectionCache   map[string][]string
	BackendIDs        map[string]string
	DBConfig          any
	Extensions        map[string]struct{}
	ExtConfigSettings any

	StateSerializers map[ProtocolVersion]any
	Views            map[int64]*View
}

// View is one live client session's handle into a DatabaseEntry: its
// query-cache preference and protocol version, tracked so DbIndex can
// report how many sessions are open against a given database.
type View struct {
	ID              int64
	DBName          string
	QueryCache      bool
	ProtocolVersion ProtocolVersion
}

type indexSnapshot struct {
	dbs                map[string]*DatabaseEntry
	globalSchema       any
	sysConfig          any
	defaultSysConfig   any
	configSettingsSpec any
	stdSchema          any
	nextViewID         int64
}

// Params seeds a DbIndex with the cluster-wide artifacts loaded during
// tenant initialization.
type Params struct {
	StdSchema          any
	GlobalSchema       any
	SysConfig          any
	DefaultSysConfig   any
	ConfigSettingsSpec any
}

// DbIndex is the tenant's registry of known databases, lock-free on the
// read path.
type DbIndex struct {
	snap atomic.Value // *indexSnapshot
	wmu  sync.Mutex
}

// New creates a DbIndex holding the given cluster-wide artifacts and no
// database entries.
func New(p Params) *DbIndex {
	idx := &DbIndex{}
	idx.snap.Store(&indexSnapshot{
		dbs:                make(map[string]*DatabaseEntry),
		globalSchema:       p.GlobalSchema,
		sysConfig:          p.SysConfig,
		defaultSysConfig:   p.DefaultSysConfig,
		configSettingsSpec: p.ConfigSettingsSpec,
		stdSchema:          p.StdSchema,
	})
	return idx
}

func (idx *DbIndex) load() *indexSnapshot {
	return idx.snap.Load().(*indexSnapshot)
}

// cloneSnap returns a mutable copy of the current snapshot. Must be called
// with wmu held. DatabaseEntry values are shared, not copied: entries are
// replaced wholesale on update, never mutated in place once published.
func (idx *DbIndex) cloneSnap() *indexSnapshot {
	cur := idx.load()
	dbs := make(map[string]*DatabaseEntry, len(cur.dbs))
	for name, e := range cur.dbs {
		dbs[name] = e
	}
	snap := *cur
	snap.dbs = dbs
	return &snap
}

// RegisterDB adds or replaces a database entry. On replacement the entry
// inherits the live views of its predecessor and its DBVer advances, so a
// re-introspection is observable as a version bump without invalidating
// open sessions.
func (idx *DbIndex) RegisterDB(entry *DatabaseEntry) *DatabaseEntry {
	idx.wmu.Lock()
	defer idx.wmu.Unlock()
	if entry.Views == nil {
		entry.Views = make(map[int64]*View)
	}
	if entry.Extensions == nil {
		entry.Extensions = make(map[string]struct{})
	}
	s := idx.cloneSnap()
	if existing, ok := s.dbs[entry.Name]; ok {
		entry.Views = existing.Views
		entry.DBVer = existing.DBVer + 1
		if entry.StateSerializers == nil {
			entry.StateSerializers = existing.StateSerializers
		}
	} else {
		entry.DBVer = 1
	}
	s.dbs[entry.Name] = entry
	idx.snap.Store(s)
	return entry
}

// SetStateSerializer records the state serializer for one protocol version
// on an entry, published as a fresh entry copy. A no-op if the database
// was dropped in the meantime.
func (idx *DbIndex) SetStateSerializer(name string, ver ProtocolVersion, serializer any) {
	idx.wmu.Lock()
	defer idx.wmu.Unlock()
	cur := idx.load()
	entry, ok := cur.dbs[name]
	if !ok {
		return
	}
	s := idx.cloneSnap()
	newEntry := *entry
	serializers := make(map[ProtocolVersion]any, len(entry.StateSerializers)+1)
	for v, sz := range entry.StateSerializers {
		serializers[v] = sz
	}
	serializers[ver] = serializer
	newEntry.StateSerializers = serializers
	s.dbs[name] = &newEntry
	idx.snap.Store(s)
}

// UnregisterDB removes a database entry. Returns false if it was not
// registered. All views of the entry become invalid with it.
func (idx *DbIndex) UnregisterDB(name string) bool {
	idx.wmu.Lock()
	defer idx.wmu.Unlock()
	cur := idx.load()
	if _, ok := cur.dbs[name]; !ok {
		return false
	}
	s := idx.cloneSnap()
	delete(s.dbs, name)
	idx.snap.Store(s)
	return true
}

// HasDB reports whether name is currently registered. Lock-free.
func (idx *DbIndex) HasDB(name string) bool {
	_, ok := idx.load().dbs[name]
	return ok
}

// GetDB returns the entry for name, or an error if it is not registered.
// Lock-free.
func (idx *DbIndex) GetDB(name string) (*DatabaseEntry, error) {
	e, ok := idx.load().dbs[name]
	if !ok {
		return nil, tenanterrors.NewExecutionError("database %q is not registered", name)
	}
	return e, nil
}

// MaybeGetDB returns the entry for name and whether it was found, without
// an error for the not-found case. Lock-free.
func (idx *DbIndex) MaybeGetDB(name string) (*DatabaseEntry, bool) {
	e, ok := idx.load().dbs[name]
	return e, ok
}

// IterDBs returns a snapshot slice of every registered database entry.
// Lock-free; the slice reflects the index at call time and is unaffected
// by subsequent registrations.
func (idx *DbIndex) IterDBs() []*DatabaseEntry {
	snap := idx.load()
	out := make([]*DatabaseEntry, 0, len(snap.dbs))
	for _, e := range snap.dbs {
		out = append(out, e)
	}
	return out
}

// UpdateGlobalSchema replaces the cached global (cluster-wide) schema
// artifact.
func (idx *DbIndex) UpdateGlobalSchema(schema any) {
	idx.wmu.Lock()
	defer idx.wmu.Unlock()
	s := idx.cloneSnap()
	s.globalSchema = schema
	idx.snap.Store(s)
}

// GetGlobalSchema returns the cached global schema artifact. Lock-free.
func (idx *DbIndex) GetGlobalSchema() any {
	return idx.load().globalSchema
}

// UpdateSysConfig replaces the cached system configuration artifact.
func (idx *DbIndex) UpdateSysConfig(cfg any) {
	idx.wmu.Lock()
	defer idx.wmu.Unlock()
	s := idx.cloneSnap()
	s.sysConfig = cfg
	idx.snap.Store(s)
}

// GetSysConfig returns the most recently committed system configuration.
// Lock-free.
func (idx *DbIndex) GetSysConfig() any {
	return idx.load().sysConfig
}

// GetDefaultSysConfig returns the default system configuration loaded at
// initialization. Lock-free.
func (idx *DbIndex) GetDefaultSysConfig() any {
	return idx.load().defaultSysConfig
}

// GetConfigSettingsSpec returns the config settings specification.
// Lock-free.
func (idx *DbIndex) GetConfigSettingsSpec() any {
	return idx.load().configSettingsSpec
}

// GetStdSchema returns the standard-library schema artifact. Lock-free.
func (idx *DbIndex) GetStdSchema() any {
	return idx.load().stdSchema
}

// NewView allocates a View against dbname and registers it on that
// database's entry. Returns an error if dbname is not registered.
func (idx *DbIndex) NewView(dbname string, queryCache bool, ver ProtocolVersion) (*View, error) {
	idx.wmu.Lock()
	defer idx.wmu.Unlock()
	cur := idx.load()
	entry, ok := cur.dbs[dbname]
	if !ok {
		return nil, tenanterrors.NewExecutionError("database %q is not registered", dbname)
	}

	s := idx.cloneSnap()
	s.nextViewID++
	v := &View{
		ID:              s.nextViewID,
		DBName:          dbname,
		QueryCache:      queryCache,
		ProtocolVersion: ver,
	}

	newEntry := *entry
	newViews := make(map[int64]*View, len(entry.Views)+1)
	for id, ev := range entry.Views {
		newViews[id] = ev
	}
	newViews[v.ID] = v
	newEntry.Views = newViews
	s.dbs[dbname] = &newEntry

	idx.snap.Store(s)
	return v, nil
}

// RemoveView unregisters a view from its database, if both still exist.
func (idx *DbIndex) RemoveView(v *View) {
	idx.wmu.Lock()
	defer idx.wmu.Unlock()
	cur := idx.load()
	entry, ok := cur.dbs[v.DBName]
	if !ok {
		return
	}
	if _, ok := entry.Views[v.ID]; !ok {
		return
	}

	s := idx.cloneSnap()
	newEntry := *entry
	newViews := make(map[int64]*View, len(entry.Views))
	for id, ev := range entry.Views {
		if id != v.ID {
			newViews[id] = ev
		}
	}
	newEntry.Views = newViews
	s.dbs[v.DBName] = &newEntry
	idx.snap.Store(s)
}

// CountConnections returns the number of open views against dbname.
// Lock-free.
func (idx *DbIndex) CountConnections(dbname string) int {
	e, ok := idx.load().dbs[dbname]
	if !ok {
		return 0
	}
	return len(e.Views)
}
