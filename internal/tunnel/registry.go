package tunnel

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/sancsoft/localtunnel-server/internal/obs"
)

// IDPattern is the validated shape of a ClientId: lowercase alphanumeric,
// 4-63 characters. Upstream (the management API) is expected to reject
// anything that doesn't match before calling Create; Create itself only
// trusts generated ids implicitly satisfy it.
var IDPattern = regexp.MustCompile(`^[a-z0-9]{4,63}$`)

const generatedIDLength = 8

var idAlphabet = []byte("abcdefghijklmnopqrstuvwxyz0123456789")

// Registry is the process-wide (or, with a Reservations backend, cluster-
// wide) mapping from client id to ClientTunnel. It is an explicit,
// independently constructed service rather than a package global, so
// every test gets a fresh instance.
type Registry struct {
	mu      sync.Mutex
	tunnels map[string]*ClientTunnel
	pending map[string]struct{} // ids reserved by a Create() call still starting

	maxSockets int
	log        obs.Logger

	// IdleTimeout, when positive, overrides each new tunnel's
	// idle-destroy duration. WaiterTimeout, when positive, bounds how
	// long a request may wait for a tunnel socket (see Pool.WaiterTimeout).
	IdleTimeout   time.Duration
	WaiterTimeout time.Duration

	// Reservations, if set, backs id uniqueness with a cluster-wide store
	// (see registry_redis.go) instead of only this process's memory.
	Reservations Reservations
}

// Reservations lets a Registry share id uniqueness across multiple server
// instances. Reserve must be atomic: it succeeds only if id was not already
// held. Release frees a reservation this instance holds, after its tunnel
// failed to start or ended.
type Reservations interface {
	Reserve(id string) (bool, error)
	Release(id string) error
}

// NewRegistry constructs an empty registry. maxSockets<=0 uses
// ClientTunnel's own default (10).
func NewRegistry(maxSockets int, log obs.Logger) *Registry {
	if log == nil {
		log = obs.NopLogger{}
	}
	return &Registry{
		tunnels:    make(map[string]*ClientTunnel),
		pending:    make(map[string]struct{}),
		maxSockets: maxSockets,
		log:        obs.Named(log, "registry"),
	}
}

// CreateResult is the outcome of Create: the (possibly substituted) id, the
// port the tunnel client should dial, and the per-tunnel socket cap.
type CreateResult struct {
	ID           string
	Port         int
	MaxConnCount int
}

// Create allocates a ClientTunnel for requestedID, substituting a fresh
// random id if requestedID is already in use (or empty). The id is
// reserved in the map before the tunnel is started so two concurrent
// Create calls for the same id can never both win it.
func (r *Registry) Create(requestedID string) (CreateResult, error) {
	id, err := r.reserve(requestedID)
	if err != nil {
		return CreateResult{}, err
	}

	t := NewClientTunnel(id, r.maxSockets, r.log)
	if r.IdleTimeout > 0 {
		t.IdleTimeout = r.IdleTimeout
	}
	if r.WaiterTimeout > 0 {
		t.Pool.WaiterTimeout = r.WaiterTimeout
	}
	t.OnEnd(func() { r.remove(id) })
	port, maxConn, err := t.Start()
	if err != nil {
		r.unreserve(id)
		return CreateResult{}, err
	}

	r.mu.Lock()
	r.tunnels[id] = t
	delete(r.pending, id)
	r.mu.Unlock()
	obs.ActiveTunnels.Set(float64(r.Count()))

	return CreateResult{ID: id, Port: port, MaxConnCount: maxConn}, nil
}

// reserve picks a final id and atomically marks it pending (taken) under
// the registry lock, falling back to a fresh generated id on collision.
func (r *Registry) reserve(requestedID string) (string, error) {
	r.mu.Lock()
	id := requestedID
	if id == "" || r.takenLocked(id) {
		if requestedID != "" {
			obs.IdSubstitutionsTotal.Inc()
		}
		var genErr error
		id, genErr = r.generateFreeIDLocked()
		if genErr != nil {
			r.mu.Unlock()
			return "", genErr
		}
	}
	r.pending[id] = struct{}{}
	r.mu.Unlock()

	if r.Reservations != nil {
		ok, err := r.Reservations.Reserve(id)
		if err != nil {
			r.unreserve(id)
			return "", fmt.Errorf("registry: reservation backend: %w", err)
		}
		if !ok {
			// Cluster-wide collision this instance couldn't see locally;
			// retry once with a freshly generated id. The reservation
			// belongs to another instance, so only the local pending
			// entry is dropped.
			r.mu.Lock()
			delete(r.pending, id)
			freshID, genErr := r.generateFreeIDLocked()
			if genErr != nil {
				r.mu.Unlock()
				return "", genErr
			}
			r.pending[freshID] = struct{}{}
			r.mu.Unlock()
			if ok2, err2 := r.Reservations.Reserve(freshID); err2 != nil || !ok2 {
				r.mu.Lock()
				delete(r.pending, freshID)
				r.mu.Unlock()
				if err2 != nil {
					return "", err2
				}
				return "", fmt.Errorf("registry: could not reserve id %q cluster-wide", freshID)
			}
			obs.IdSubstitutionsTotal.Inc()
			return freshID, nil
		}
	}
	return id, nil
}

func (r *Registry) unreserve(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
	if r.Reservations != nil {
		_ = r.Reservations.Release(id)
	}
}

func (r *Registry) takenLocked(id string) bool {
	if _, ok := r.tunnels[id]; ok {
		return true
	}
	_, ok := r.pending[id]
	return ok
}

func (r *Registry) generateFreeIDLocked() (string, error) {
	for {
		id, err := randomID(generatedIDLength)
		if err != nil {
			return "", err
		}
		if !r.takenLocked(id) {
			return id, nil
		}
	}
}

func randomID(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = idAlphabet[int(b[i])%len(idAlphabet)]
	}
	return string(b), nil
}

// Lookup returns the ClientTunnel registered under id, or nil.
func (r *Registry) Lookup(id string) *ClientTunnel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tunnels[id]
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.tunnels, id)
	r.mu.Unlock()
	if r.Reservations != nil {
		_ = r.Reservations.Release(id)
	}
	obs.ActiveTunnels.Set(float64(r.Count()))
}

// CloseAll tears down every registered tunnel. Used on process shutdown;
// each Close drains that tunnel's waiters and triggers removal via OnEnd.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	tunnels := make([]*ClientTunnel, 0, len(r.tunnels))
	for _, t := range r.tunnels {
		tunnels = append(tunnels, t)
	}
	r.mu.Unlock()
	for _, t := range tunnels {
		_ = t.Close()
	}
}

// IDs returns the ids of all currently active tunnels.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.tunnels))
	for id := range r.tunnels {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of currently active tunnels.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tunnels)
}

// Stats is a registry-wide snapshot: tunnel count plus pool aggregate
// counts used for periodic metrics collection.
type Stats struct {
	Tunnels int
	Idle    int
	Waiters int
}

// Stats computes an aggregate snapshot across every tunnel's pool.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	tunnels := make([]*ClientTunnel, 0, len(r.tunnels))
	for _, t := range r.tunnels {
		tunnels = append(tunnels, t)
	}
	r.mu.Unlock()

	st := Stats{Tunnels: len(tunnels)}
	for _, t := range tunnels {
		idle, waiters := t.Pool.Stats()
		st.Idle += idle
		st.Waiters += waiters
	}
	return st
}
