// Package registry tracks live editor sessions and answers file-routing
// queries. Entries are process-local and in-memory; a restart loses them all.
package registry

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/amoylab/rendez/pkg/metrics"
	"go.uber.org/zap"
)

// Session describes one running editor session.
type Session struct {
	// Endpoint is the local address the session listens on, typically a unix
	// socket path. Unique within the registry.
	Endpoint string `json:"endpoint"`
	// Workspace holds the folders the session currently serves. May be empty.
	Workspace []string `json:"workspace"`
	// CreatedAt is set at registration and never changes.
	CreatedAt time.Time `json:"created_at"`
}

type entry struct {
	session Session
	seq     uint64 // registration order, newer entries have larger values
}

// Registry is an in-memory directory of live sessions keyed by endpoint.
type Registry struct {
	logger  *zap.Logger
	prober  Prober
	metrics *metrics.Metrics

	mu      sync.Mutex
	entries map[string]*entry
	seq     uint64
}

// New creates an empty registry. The prober is used by BestLiveSessionForFile
// to verify that a candidate endpoint still has a listener.
func New(logger *zap.Logger, prober Prober, m *metrics.Metrics) *Registry {
	return &Registry{
		logger:  logger.Named("registry"),
		prober:  prober,
		metrics: m,
		entries: make(map[string]*entry),
	}
}

// Register inserts the session, replacing any prior entry with the same
// endpoint. CreatedAt is stamped here if the caller left it zero.
func (r *Registry) Register(s Session) {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	s.Workspace = append([]string(nil), s.Workspace...)

	r.mu.Lock()
	r.seq++
	r.entries[s.Endpoint] = &entry{session: s, seq: r.seq}
	n := len(r.entries)
	r.mu.Unlock()

	r.metrics.SetSessions(n)
	r.logger.Info("session registered",
		zap.String("endpoint", s.Endpoint),
		zap.Strings("workspace", s.Workspace))
}

// Unregister removes the entry for endpoint if present.
func (r *Registry) Unregister(endpoint string) {
	r.mu.Lock()
	_, ok := r.entries[endpoint]
	if ok {
		delete(r.entries, endpoint)
	}
	n := len(r.entries)
	r.mu.Unlock()

	if ok {
		r.metrics.SetSessions(n)
		r.logger.Info("session unregistered", zap.String("endpoint", endpoint))
	}
}

// Get returns a copy of the entry for endpoint.
func (r *Registry) Get(endpoint string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[endpoint]
	if !ok {
		return Session{}, false
	}
	return copySession(e.session), true
}

// List returns every entry, most recently registered first.
func (r *Registry) List() []Session {
	r.mu.Lock()
	es := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		es = append(es, e)
	}
	r.mu.Unlock()

	sort.Slice(es, func(i, j int) bool { return es[i].seq > es[j].seq })
	out := make([]Session, len(es))
	for i, e := range es {
		out[i] = copySession(e.session)
	}
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// CandidatesForFile returns every entry ordered by suitability for opening
// path: sessions whose workspace contains a folder that is a path prefix of
// path come first, most recently registered first within each group.
func (r *Registry) CandidatesForFile(path string) []Session {
	type candidate struct {
		e       *entry
		matched bool
	}

	r.mu.Lock()
	// The prefix test runs once per entry here, not inside the sort
	// comparator.
	cs := make([]candidate, 0, len(r.entries))
	for _, e := range r.entries {
		cs = append(cs, candidate{e: e, matched: workspaceContains(e.session.Workspace, path)})
	}
	r.mu.Unlock()

	sort.Slice(cs, func(i, j int) bool {
		if cs[i].matched != cs[j].matched {
			return cs[i].matched
		}
		return cs[i].e.seq > cs[j].e.seq
	})

	out := make([]Session, len(cs))
	for i, c := range cs {
		out[i] = copySession(c.e.session)
	}
	return out
}

// BestLiveSessionForFile walks the candidates for path and returns the
// endpoint of the first one whose liveness probe succeeds. Candidates that
// fail the probe are unreachable and therefore stale: they are unregistered
// on the spot. Returns false when no live candidate exists.
func (r *Registry) BestLiveSessionForFile(ctx context.Context, path string) (string, bool) {
	for _, s := range r.CandidatesForFile(path) {
		if err := r.prober.Probe(ctx, s.Endpoint); err != nil {
			r.metrics.ProbeDone("dead")
			r.logger.Debug("liveness probe failed, pruning session",
				zap.String("endpoint", s.Endpoint),
				zap.Error(err))
			r.Unregister(s.Endpoint)
			continue
		}
		r.metrics.ProbeDone("live")
		return s.Endpoint, true
	}
	return "", false
}

// SweepExpired removes every entry older than maxAge and returns how many
// were removed. This bounds memory for sessions that are never queried again,
// which on-query pruning alone would leave resident forever.
func (r *Registry) SweepExpired(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	r.mu.Lock()
	var removed int
	for endpoint, e := range r.entries {
		if e.session.CreatedAt.Before(cutoff) {
			delete(r.entries, endpoint)
			removed++
		}
	}
	n := len(r.entries)
	r.mu.Unlock()

	if removed > 0 {
		r.metrics.SetSessions(n)
		r.metrics.Swept(removed)
		r.logger.Info("swept expired sessions", zap.Int("removed", removed))
	}
	return removed
}

// RunSweeper runs SweepExpired every interval until ctx is done.
func (r *Registry) RunSweeper(ctx context.Context, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepExpired(ttl)
		}
	}
}

func copySession(s Session) Session {
	s.Workspace = append([]string(nil), s.Workspace...)
	return s
}

// workspaceContains reports whether any workspace folder is a path prefix of
// path. "/home/a/project" contains "/home/a/project/src/x.go" but not
// "/home/a/project-other/x.go".
func workspaceContains(workspace []string, path string) bool {
	path = filepath.Clean(path)
	for _, folder := range workspace {
		folder = filepath.Clean(folder)
		if path == folder || strings.HasPrefix(path, folder+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
