// Package election decides which replica drives the scheduler.
package election

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"disburse/internal/store"
)

type Elector interface {
	IsLeader(ctx context.Context) (bool, error)
}

// Identity is the default name a replica campaigns under.
func Identity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "disburse"
	}
	return host
}

// Always is the elector of a single-replica deployment.
type Always struct{}

func (Always) IsLeader(context.Context) (bool, error) { return true, nil }

// Lease holds leadership through a row in leader_lease that the holder keeps
// renewing. Another replica takes over once the row has expired.
type Lease struct {
	db       store.Querier
	name     string
	identity string
	ttl      time.Duration
	now      func() time.Time
}

func NewLease(db store.Querier, name, identity string, ttl time.Duration) *Lease {
	return &Lease{db: db, name: name, identity: identity, ttl: ttl, now: time.Now}
}

// IsLeader renews the lease when held or expired, and claims it when no
// replica has yet.
func (l *Lease) IsLeader(ctx context.Context) (bool, error) {
	now := l.now().UTC()
	expires := now.Add(l.ttl)

	res, err := l.db.ExecContext(ctx, `
UPDATE leader_lease SET holder = ?, expires_at = ?
WHERE name = ? AND (holder = ? OR expires_at < ?)`,
		l.identity, expires, l.name, l.identity, now)
	if err != nil {
		return false, fmt.Errorf("renew lease %s: %w", l.name, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, err
	} else if n > 0 {
		return true, nil
	}

	_, err = l.db.ExecContext(ctx, `INSERT INTO leader_lease (name, holder, expires_at) VALUES (?, ?, ?)`,
		l.name, l.identity, expires)
	if store.IsUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim lease %s: %w", l.name, err)
	}
	return true, nil
}

// Release gives the lease up so another replica can take over without
// waiting for it to expire.
func (l *Lease) Release(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM leader_lease WHERE name = ? AND holder = ?`, l.name, l.identity)
	return err
}

// HTTP asks a leader-election sidecar who leads; the sidecar answers
// {"name": "<holder>"}.
type HTTP struct {
	url      string
	identity string
	client   *http.Client
}

func NewHTTP(url, identity string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTP{url: url, identity: identity, client: &http.Client{Timeout: timeout}}
}

func (h *HTTP) IsLeader(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("query elector: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("elector answered HTTP %d", resp.StatusCode)
	}

	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("invalid elector response: %w", err)
	}
	return strings.TrimSpace(body.Name) == h.identity, nil
}

// Cached remembers the answer of an elector for ttl. Errors are not cached.
type Cached struct {
	inner Elector
	cache *ttlcache.Cache[string, bool]
}

const leaderKey = "leader"

func NewCached(inner Elector, ttl time.Duration) *Cached {
	return &Cached{
		inner: inner,
		cache: ttlcache.New(
			ttlcache.WithTTL[string, bool](ttl),
			ttlcache.WithDisableTouchOnHit[string, bool](),
		),
	}
}

func (c *Cached) IsLeader(ctx context.Context) (bool, error) {
	if item := c.cache.Get(leaderKey); item != nil {
		return item.Value(), nil
	}
	leader, err := c.inner.IsLeader(ctx)
	if err != nil {
		return false, err
	}
	c.cache.Set(leaderKey, leader, ttlcache.DefaultTTL)
	return leader, nil
}

// Forget drops the cached answer, e.g. after the lease was released.
func (c *Cached) Forget() { c.cache.Delete(leaderKey) }
