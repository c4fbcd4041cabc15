// Package serverpool implements tiered failover over a set of configured
// NNTP servers: acquiring a connection at a given failover level, caching
// idle connections for reuse, and temporarily blocklisting a server (and
// every server equivalent to it) after repeated failures.
package serverpool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/robfig/cron/v3"

	"github.com/javi11/nzbcore/internal/control"
	"github.com/javi11/nzbcore/internal/model"
	"github.com/javi11/nzbcore/internal/nntp"
)

// idleConnCacheSize bounds the number of warm connections kept around across
// all servers; beyond this the LRU evicts and closes the coldest one.
const idleConnCacheSize = 256

// blockDuration is how long a server (and its equivalence group, per
// model.NewsServer.EquivalentFor) is skipped after it is blocked.
const blockDuration = 10 * time.Minute

type idleConn struct {
	conn     *nntp.Conn
	serverID int64
}

// Pool is the connection pool manager for the configured server set: it
// replaces the upload side's nntppool.UsenetConnectionPool wrapper with a
// download-oriented equivalent that understands failover tiers.
type Pool struct {
	log *slog.Logger

	mu       sync.RWMutex
	servers  []*model.NewsServer // sorted by NormLevel ascending
	byID     map[int64]*model.NewsServer
	blocked  map[int64]time.Time // server id -> unblock time
	inUse    map[int64]int       // server id -> active lease count
	generation int

	idle *lru.Cache[int64, *idleConn]

	sweep    *cron.Cron
	closed   bool
}

// New builds a pool over servers and starts its maintenance sweep. Each
// server's NormLevel must already be computed by the caller (config layer).
func New(servers []*model.NewsServer, log *slog.Logger) (*Pool, error) {
	if log == nil {
		log = slog.Default()
	}
	idle, err := lru.NewWithEvict[int64, *idleConn](idleConnCacheSize, func(_ int64, v *idleConn) {
		if v != nil && v.conn != nil {
			_ = v.conn.Quit()
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nzbcore: building idle connection cache: %w", err)
	}

	byID := make(map[int64]*model.NewsServer, len(servers))
	sorted := append([]*model.NewsServer(nil), servers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].NormLevel < sorted[j].NormLevel })
	for _, s := range sorted {
		byID[s.ID] = s
	}

	p := &Pool{
		log:     log.With("component", "serverpool"),
		servers: sorted,
		byID:    byID,
		blocked: make(map[int64]time.Time),
		inUse:   make(map[int64]int),
		idle:    idle,
		sweep:   cron.New(),
	}

	if _, err := p.sweep.AddFunc("@every 30s", p.sweepBlocklist); err != nil {
		return nil, fmt.Errorf("nzbcore: scheduling blocklist sweep: %w", err)
	}
	p.sweep.Start()

	return p, nil
}

// Lease is a connection checked out from the pool, tagged with the server it
// came from so Release/Block know where to file it back.
type Lease struct {
	Conn     *nntp.Conn
	ServerID int64
	Level    int
}

// Acquire returns a connection at the lowest available failover tier at or
// above minLevel, skipping blocked servers. It reuses an idle connection
// when one is cached, otherwise dials a fresh one with retry.
func (p *Pool) Acquire(ctx context.Context, tok *control.CancelToken, minLevel int, excluded map[int64]bool) (*Lease, error) {
	candidate, err := p.pickServer(minLevel, excluded)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if cached, ok := p.idle.Get(candidate.ID); ok {
		p.idle.Remove(candidate.ID)
		p.inUse[candidate.ID]++
		p.mu.Unlock()
		return &Lease{Conn: cached.conn, ServerID: candidate.ID, Level: candidate.NormLevel}, nil
	}
	p.inUse[candidate.ID]++
	p.mu.Unlock()

	conn := nntp.New(nntp.Config{
		Host: candidate.Host, Port: candidate.Port, TLS: candidate.TLS,
		User: candidate.User, Password: candidate.Password, Timeout: 30 * time.Second,
	}, p.log)

	if err := nntp.ConnectWithRetry(ctx, conn, tok, 3); err != nil {
		p.mu.Lock()
		p.inUse[candidate.ID]--
		p.mu.Unlock()
		p.recordFailure(candidate)
		return nil, fmt.Errorf("%w: server %q: %w", model.ErrNoConnection, candidate.Name, err)
	}
	if candidate.JoinGroup {
		// Group is joined lazily per-article by the downloader once it
		// knows which group the current file belongs to.
		_ = conn
	}

	return &Lease{Conn: conn, ServerID: candidate.ID, Level: candidate.NormLevel}, nil
}

// Release returns a healthy connection to the idle cache, or closes it if
// healthy is false (the caller observed a protocol error on it).
func (p *Pool) Release(lease *Lease, healthy bool) {
	if lease == nil || lease.Conn == nil {
		return
	}
	p.mu.Lock()
	p.inUse[lease.ServerID]--
	p.mu.Unlock()

	if !healthy {
		_ = lease.Conn.Quit()
		return
	}
	p.idle.Add(lease.ServerID, &idleConn{conn: lease.Conn, serverID: lease.ServerID})
}

// Block removes server (and every server equivalent to it, per
// model.NewsServer.EquivalentFor) from the candidate pool for blockDuration.
func (p *Pool) Block(serverID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	target, ok := p.byID[serverID]
	if !ok {
		return
	}
	until := time.Now().Add(blockDuration)
	for _, s := range p.servers {
		if s.ID == target.ID || target.EquivalentFor(s) {
			p.blocked[s.ID] = until
		}
	}
	p.generation++
	p.log.Warn("blocked server group", "server", target.Name, "until", until)
}

// recordFailure is a lighter version of Block used for a single connect
// failure: it blocks only the failing server, not its whole equivalence
// group, since a single dial failure may be a transient local issue.
func (p *Pool) recordFailure(s *model.NewsServer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blocked[s.ID] = time.Now().Add(blockDuration / 5)
}

// Generation returns a counter bumped every time Block is called.
func (p *Pool) Generation() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.generation
}

// pickServer distinguishes two empty-handed outcomes: every candidate
// blocked/excluded (ErrServerBlocked, the caller escalates the failover
// level) versus candidates existing but all at their connection limit
// (ErrServerBusy, the caller waits for a slot and retries).
func (p *Pool) pickServer(minLevel int, excluded map[int64]bool) (*model.NewsServer, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	now := time.Now()
	busy := false
	for _, s := range p.servers {
		if s.NormLevel < minLevel || !s.Active {
			continue
		}
		if excluded[s.ID] {
			continue
		}
		peerFailed := false
		for id, failed := range excluded {
			if f, ok := p.byID[id]; ok && failed && f.GroupID != 0 && f.EquivalentFor(s) {
				peerFailed = true
				break
			}
		}
		if peerFailed {
			continue
		}
		if until, blocked := p.blocked[s.ID]; blocked && now.Before(until) {
			continue
		}
		if s.MaxConnections > 0 && p.inUse[s.ID] >= s.MaxConnections {
			busy = true
			continue
		}
		return s, nil
	}
	if busy {
		return nil, fmt.Errorf("%w: every server at level >= %d is at its connection limit", model.ErrServerBusy, minLevel)
	}
	return nil, fmt.Errorf("%w: no server available at level >= %d", model.ErrServerBlocked, minLevel)
}

// MaxLevel returns the highest NormLevel configured across all servers, the
// bound the ArticleDownloader's level-advance loop (step 13) stops at.
func (p *Pool) MaxLevel() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	max := 0
	for _, s := range p.servers {
		if s.NormLevel > max {
			max = s.NormLevel
		}
	}
	return max
}

// ServerByID returns the configured server for id, if any.
func (p *Pool) ServerByID(id int64) (*model.NewsServer, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.byID[id]
	return s, ok
}

// sweepBlocklist drops expired blocklist entries. It runs on a low-frequency
// cron schedule, distinct from the scheduler's tight per-connection hang
// detection ticker.
func (p *Pool) sweepBlocklist() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for id, until := range p.blocked {
		if now.After(until) {
			delete(p.blocked, id)
		}
	}
}

// Close stops the maintenance sweep and closes every idle connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.sweep.Stop()
	p.idle.Purge()
	return nil
}
