package connections

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maxpert/branchsync/clock"
	"github.com/maxpert/branchsync/id"
	"github.com/maxpert/branchsync/records"
	"github.com/maxpert/branchsync/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

const connLockShards = 256

// Options configures a Registry
type Options struct {
	Clock clock.Clock
	// ExpireGrace is how long an expired connection keeps its subscription
	// bookkeeping and authorizations.
	ExpireGrace time.Duration
	// AuthorizationTTL bounds ScopeUpdateData entries
	AuthorizationTTL time.Duration
	// AuthorizationCacheSize caps cached authorization entries across connections
	AuthorizationCacheSize int
}

// connState is guarded by the connection's lock shard
type connState struct {
	conn Connection
	// expiresAt is zero while the connection is live
	expiresAt int64
	// subs is the reverse index, namespace to subscription
	subs              map[string]BranchConnection
	rateLimitExceeded *int64
	auth              map[authKey]struct{}
}

// Registry keeps four indices over connections that move together under a
// per-connection lock:
//   - the live connection set
//   - per-branch subscriber sets
//   - per-connection subscription sets
//   - rate-limit timestamps and the authorization cache
type Registry struct {
	clock       clock.Clock
	grace       time.Duration
	authTTL     time.Duration
	locks       [connLockShards]sync.Mutex
	conns       *xsync.MapOf[string, *connState]
	live        *xsync.MapOf[string, struct{}]
	subscribers *xsync.MapOf[string, map[string]BranchConnection]
	// auth values are expiry deadlines in unix millis, zero for none
	auth *lru.Cache[authKey, int64]

	janitorStop chan struct{}
	janitorOnce sync.Once
	wg          sync.WaitGroup
}

// NewRegistry creates an empty registry
func NewRegistry(opts Options) (*Registry, error) {
	if opts.Clock == nil {
		opts.Clock = clock.NewSystem()
	}
	if opts.ExpireGrace < 0 {
		return nil, fmt.Errorf("expire grace must be >= 0, got %s", opts.ExpireGrace)
	}
	if opts.AuthorizationTTL <= 0 {
		opts.AuthorizationTTL = time.Minute
	}
	if opts.AuthorizationCacheSize <= 0 {
		opts.AuthorizationCacheSize = 100_000
	}

	auth, err := lru.New[authKey, int64](opts.AuthorizationCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create authorization cache: %w", err)
	}

	return &Registry{
		clock:       opts.Clock,
		grace:       opts.ExpireGrace,
		authTTL:     opts.AuthorizationTTL,
		conns:       xsync.NewMapOf[string, *connState](),
		live:        xsync.NewMapOf[string, struct{}](),
		subscribers: xsync.NewMapOf[string, map[string]BranchConnection](),
		auth:        auth,
		janitorStop: make(chan struct{}),
	}, nil
}

func (r *Registry) lock(connID string) func() {
	mu := &r.locks[xxhash.Sum64String(connID)%connLockShards]
	mu.Lock()
	return mu.Unlock
}

// active reports whether a state is live or inside its grace window
func (r *Registry) active(st *connState, now int64) bool {
	return st.expiresAt == 0 || now < st.expiresAt
}

// SaveConnection registers a connection in the live set. Saving a connection
// inside its grace window revives it together with its subscriptions.
func (r *Registry) SaveConnection(conn Connection) error {
	if conn.ServerConnectionID == "" {
		return fmt.Errorf("connection has no server connection id")
	}
	unlock := r.lock(conn.ServerConnectionID)
	defer unlock()

	if conn.ConnectedAt == 0 {
		conn.ConnectedAt = r.clock.NowMillis()
	}
	r.saveLocked(conn)
	telemetry.ConnectionEventsTotal.With("save").Inc()
	return nil
}

// Connect registers a new connection under a freshly generated server
// connection id and returns it as stored.
func (r *Registry) Connect(conn Connection) (Connection, error) {
	now := r.clock.Now()
	conn.ServerConnectionID = id.NewConnectionIDAt(now)
	if conn.ConnectedAt == 0 {
		conn.ConnectedAt = now.UnixMilli()
	}
	if err := r.SaveConnection(conn); err != nil {
		return Connection{}, err
	}
	return conn, nil
}

func (r *Registry) saveLocked(conn Connection) *connState {
	now := r.clock.NowMillis()
	st, ok := r.conns.Load(conn.ServerConnectionID)
	if ok && !r.active(st, now) {
		r.purgeLocked(conn.ServerConnectionID, st)
		ok = false
	}
	if !ok {
		st = &connState{
			subs: make(map[string]BranchConnection),
			auth: make(map[authKey]struct{}),
		}
		r.conns.Store(conn.ServerConnectionID, st)
	}

	st.conn = conn
	if st.expiresAt != 0 {
		st.expiresAt = 0
		for ns, bc := range st.subs {
			bc.Connection = conn
			st.subs[ns] = bc
			r.addSubscriber(ns, bc)
		}
	}
	r.live.Store(conn.ServerConnectionID, struct{}{})
	return st
}

// SaveBranchConnection subscribes a connection to a branch. Unknown
// connections are registered on the way.
func (r *Registry) SaveBranchConnection(bc BranchConnection) error {
	if bc.ServerConnectionID == "" {
		return fmt.Errorf("connection has no server connection id")
	}
	if !bc.Mode.Valid() {
		return fmt.Errorf("invalid connection mode %s", bc.Mode)
	}
	if bc.Inst == "" || bc.Branch == "" {
		return fmt.Errorf("branch connection needs an inst and a branch")
	}
	if err := records.ValidateInstKey(bc.RecordName, bc.Inst); err != nil {
		return err
	}

	unlock := r.lock(bc.ServerConnectionID)
	defer unlock()

	now := r.clock.NowMillis()
	st, ok := r.conns.Load(bc.ServerConnectionID)
	if !ok || !r.active(st, now) || st.expiresAt != 0 {
		conn := bc.Connection
		if ok && r.active(st, now) {
			conn = st.conn
		}
		if conn.ConnectedAt == 0 {
			conn.ConnectedAt = now
		}
		st = r.saveLocked(conn)
	}

	bc.Connection = st.conn
	ns := bc.Namespace()
	st.subs[ns] = bc
	r.addSubscriber(ns, bc)
	return nil
}

// DeleteBranchConnection drops one subscription. Missing entries are a no-op.
func (r *Registry) DeleteBranchConnection(connID string, mode id.Mode, recordName, inst, branch string) {
	unlock := r.lock(connID)
	defer unlock()

	ns := id.BranchNamespace(mode, recordName, inst, branch)
	if st, ok := r.conns.Load(connID); ok {
		delete(st.subs, ns)
	}
	r.removeSubscriber(ns, connID)
}

// subscriber sets are copied on write so readers can range without locks
func (r *Registry) addSubscriber(ns string, bc BranchConnection) {
	r.subscribers.Compute(ns, func(old map[string]BranchConnection, _ bool) (map[string]BranchConnection, bool) {
		next := make(map[string]BranchConnection, len(old)+1)
		for k, v := range old {
			next[k] = v
		}
		next[bc.ServerConnectionID] = bc
		return next, false
	})
}

func (r *Registry) removeSubscriber(ns, connID string) {
	r.subscribers.Compute(ns, func(old map[string]BranchConnection, loaded bool) (map[string]BranchConnection, bool) {
		if !loaded {
			return nil, true
		}
		if _, ok := old[connID]; !ok {
			return old, false
		}
		if len(old) == 1 {
			return nil, true
		}
		next := make(map[string]BranchConnection, len(old)-1)
		for k, v := range old {
			if k != connID {
				next[k] = v
			}
		}
		return next, false
	})
}

// GetConnectionsByBranch lists subscribers of a branch ordered by connect time
func (r *Registry) GetConnectionsByBranch(mode id.Mode, recordName, inst, branch string) []BranchConnection {
	set, ok := r.subscribers.Load(id.BranchNamespace(mode, recordName, inst, branch))
	if !ok {
		return []BranchConnection{}
	}
	out := make([]BranchConnection, 0, len(set))
	for _, bc := range set {
		out = append(out, bc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt != out[j].ConnectedAt {
			return out[i].ConnectedAt < out[j].ConnectedAt
		}
		return out[i].ServerConnectionID < out[j].ServerConnectionID
	})
	return out
}

// CountConnectionsByBranch counts subscribers of a branch
func (r *Registry) CountConnectionsByBranch(mode id.Mode, recordName, inst, branch string) int {
	set, _ := r.subscribers.Load(id.BranchNamespace(mode, recordName, inst, branch))
	return len(set)
}

// CountConnections counts live connections
func (r *Registry) CountConnections() int {
	return r.live.Size()
}

// GetConnection returns a live connection or one inside its grace window
func (r *Registry) GetConnection(connID string) (Connection, bool) {
	unlock := r.lock(connID)
	defer unlock()

	st, ok := r.conns.Load(connID)
	if !ok || !r.active(st, r.clock.NowMillis()) {
		return Connection{}, false
	}
	return st.conn, true
}

// GetConnections lists the subscriptions a connection holds
func (r *Registry) GetConnections(connID string) []BranchConnection {
	unlock := r.lock(connID)
	defer unlock()

	st, ok := r.conns.Load(connID)
	if !ok || !r.active(st, r.clock.NowMillis()) {
		return []BranchConnection{}
	}
	out := make([]BranchConnection, 0, len(st.subs))
	for _, bc := range st.subs {
		out = append(out, bc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Namespace() < out[j].Namespace() })
	return out
}

// GetConnectionRateLimitExceededTime returns when the connection last
// exceeded its rate limit, in unix millis.
func (r *Registry) GetConnectionRateLimitExceededTime(connID string) (int64, bool) {
	unlock := r.lock(connID)
	defer unlock()

	st, ok := r.conns.Load(connID)
	if !ok || st.rateLimitExceeded == nil || !r.active(st, r.clock.NowMillis()) {
		return 0, false
	}
	return *st.rateLimitExceeded, true
}

// SetConnectionRateLimitExceededTime records the time in unix millis. Nil clears it.
func (r *Registry) SetConnectionRateLimitExceededTime(connID string, exceededAt *int64) {
	unlock := r.lock(connID)
	defer unlock()

	st, ok := r.conns.Load(connID)
	if !ok {
		return
	}
	if exceededAt == nil {
		st.rateLimitExceeded = nil
		return
	}
	v := *exceededAt
	st.rateLimitExceeded = &v
}

// SaveAuthorizedInst caches that the connection may access the inst in a scope.
// ScopeUpdateData entries expire after the authorization TTL.
func (r *Registry) SaveAuthorizedInst(connID, recordName, inst string, scope Scope) error {
	if scope != ScopeToken && scope != ScopeUpdateData {
		return fmt.Errorf("invalid authorization %s", scope)
	}
	unlock := r.lock(connID)
	defer unlock()

	st, ok := r.conns.Load(connID)
	if !ok || !r.active(st, r.clock.NowMillis()) {
		return fmt.Errorf("connection %s is not registered", connID)
	}

	var deadline int64
	if scope == ScopeUpdateData {
		deadline = r.clock.Now().Add(r.authTTL).UnixMilli()
	}
	key := authKey{connID: connID, recordName: recordName, inst: inst, scope: scope}
	r.auth.Add(key, deadline)
	st.auth[key] = struct{}{}
	return nil
}

// IsAuthorizedInst reports whether a cached authorization is still valid
func (r *Registry) IsAuthorizedInst(connID, recordName, inst string, scope Scope) bool {
	key := authKey{connID: connID, recordName: recordName, inst: inst, scope: scope}
	unlock := r.lock(connID)
	defer unlock()
	now := r.clock.NowMillis()

	deadline, ok := r.auth.Get(key)
	if ok && deadline != 0 && now >= deadline {
		r.auth.Remove(key)
		ok = false
	}
	if ok {
		// authorizations die with the connection's grace window
		st, found := r.conns.Load(connID)
		ok = found && r.active(st, now)
	}

	result := "miss"
	if ok {
		result = "hit"
	}
	telemetry.AuthCacheLookups.With(scope.String(), result).Inc()
	return ok
}

// ClearConnection removes every trace of a connection. Idempotent.
func (r *Registry) ClearConnection(connID string) {
	unlock := r.lock(connID)
	defer unlock()

	st, ok := r.conns.Load(connID)
	if !ok {
		return
	}
	r.purgeLocked(connID, st)
	telemetry.ConnectionEventsTotal.With("clear").Inc()
}

func (r *Registry) purgeLocked(connID string, st *connState) {
	for ns := range st.subs {
		r.removeSubscriber(ns, connID)
	}
	for key := range st.auth {
		r.auth.Remove(key)
	}
	r.live.Delete(connID)
	r.conns.Delete(connID)
}

// ExpireConnection drops the connection from presence right away and keeps
// its subscription set and authorizations for the grace window so a quick
// reconnect picks them up. Idempotent.
func (r *Registry) ExpireConnection(connID string) {
	unlock := r.lock(connID)
	defer unlock()

	st, ok := r.conns.Load(connID)
	if !ok || st.expiresAt != 0 {
		return
	}

	r.live.Delete(connID)
	for ns := range st.subs {
		r.removeSubscriber(ns, connID)
	}
	if r.grace == 0 {
		r.purgeLocked(connID, st)
	} else {
		st.expiresAt = r.clock.Now().Add(r.grace).UnixMilli()
	}
	telemetry.ConnectionEventsTotal.With("expire").Inc()
}

// Sweep purges connections whose grace window elapsed and authorizations
// past their TTL. Returns the number of connections purged.
func (r *Registry) Sweep() int {
	now := r.clock.NowMillis()

	ids := make([]string, 0)
	r.conns.Range(func(connID string, _ *connState) bool {
		ids = append(ids, connID)
		return true
	})

	purged := 0
	for _, connID := range ids {
		unlock := r.lock(connID)
		if st, ok := r.conns.Load(connID); ok && st.expiresAt != 0 && now >= st.expiresAt {
			r.purgeLocked(connID, st)
			purged++
		}
		unlock()
	}

	for _, key := range r.auth.Keys() {
		if deadline, ok := r.auth.Peek(key); ok && deadline != 0 && now >= deadline {
			r.auth.Remove(key)
		}
	}

	if purged > 0 {
		telemetry.ConnectionEventsTotal.With("sweep").Add(float64(purged))
		log.Debug().Int("purged", purged).Msg("Swept expired connections")
	}
	return purged
}

// StartJanitor sweeps on an interval until Stop
func (r *Registry) StartJanitor(interval time.Duration) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.Sweep()
			case <-r.janitorStop:
				return
			}
		}
	}()
}

// Stop halts the janitor. Safe to call more than once.
func (r *Registry) Stop() {
	r.janitorOnce.Do(func() { close(r.janitorStop) })
	r.wg.Wait()
}
