// Package whitelist maintains an IP allow-list derived from DNS resolution
// of configured domain names. Resolved IP sets are cached with a TTL and
// refreshed as a whole; a domain that fails to resolve keeps its previous
// entry so transient resolver errors never shrink the whitelist.
package whitelist

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const DefaultTTL = 5 * time.Minute

type resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

type Cache struct {
	domains        []string
	ttl            time.Duration
	resolveTimeout time.Duration
	resolver       resolver
	log            *logrus.Entry

	group singleflight.Group

	mu         sync.RWMutex
	entries    map[string]map[string]struct{}
	lastUpdate time.Time
}

func NewCache(logger *logrus.Logger, domains []string, ttl, resolveTimeout time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if resolveTimeout <= 0 {
		resolveTimeout = 5 * time.Second
	}
	return &Cache{
		domains:        domains,
		ttl:            ttl,
		resolveTimeout: resolveTimeout,
		resolver:       net.DefaultResolver,
		log:            logger.WithField("component", "whitelist"),
		entries:        make(map[string]map[string]struct{}),
	}
}

// Enabled reports whether any domains are configured. With no domains the
// whitelist gate is skipped entirely.
func (c *Cache) Enabled() bool {
	return len(c.domains) > 0
}

func (c *Cache) valid() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.lastUpdate.IsZero() && time.Since(c.lastUpdate) < c.ttl
}

// Refresh resolves every configured domain and replaces the cached IP sets.
// It is a no-op while the cache is within its TTL unless force is set.
// Concurrent callers share a single resolution pass.
func (c *Cache) Refresh(ctx context.Context, force bool) error {
	if !force && c.valid() {
		return nil
	}

	_, err, _ := c.group.Do("refresh", func() (interface{}, error) {
		// Re-check under the flight: a waiter queued behind a finished
		// refresh should not trigger another resolution pass.
		if !force && c.valid() {
			return nil, nil
		}
		return nil, c.refresh(ctx)
	})
	return err
}

func (c *Cache) refresh(ctx context.Context) error {
	resolved := make([]map[string]struct{}, len(c.domains))

	g, gctx := errgroup.WithContext(ctx)
	for i, domain := range c.domains {
		i, domain := i, domain
		g.Go(func() error {
			lctx, cancel := context.WithTimeout(gctx, c.resolveTimeout)
			defer cancel()

			addrs, err := c.resolver.LookupHost(lctx, domain)
			if err != nil {
				c.log.WithFields(logrus.Fields{
					"domain": domain,
					"error":  err,
				}).Warn("Domain resolution failed, keeping cached IPs")
				return nil
			}

			ips := make(map[string]struct{}, len(addrs))
			for _, addr := range addrs {
				ips[addr] = struct{}{}
			}
			resolved[i] = ips
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	next := make(map[string]map[string]struct{}, len(c.domains))
	for i, domain := range c.domains {
		if resolved[i] != nil {
			next[domain] = resolved[i]
		} else if prev, ok := c.entries[domain]; ok {
			next[domain] = prev
		}
	}
	c.entries = next
	c.lastUpdate = time.Now()

	total := 0
	for _, ips := range c.entries {
		total += len(ips)
	}
	c.log.WithFields(logrus.Fields{
		"domains": len(c.domains),
		"ips":     total,
	}).Info("Whitelist cache refreshed")

	return nil
}

func (c *Cache) contains(clientIP string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, ips := range c.entries {
		if _, ok := ips[clientIP]; ok {
			return true
		}
	}
	return false
}

// IsWhitelisted checks membership of the client IP across all cached IP
// sets, refreshing first when the cache is stale. On a miss it forces one
// extra refresh before answering, so a just-rotated DNS record is picked up
// without waiting out the TTL.
func (c *Cache) IsWhitelisted(ctx context.Context, clientIP string) bool {
	if err := c.Refresh(ctx, false); err != nil {
		c.log.WithError(err).Warn("Whitelist refresh failed")
	}
	if c.contains(clientIP) {
		return true
	}

	if err := c.Refresh(ctx, true); err != nil {
		c.log.WithError(err).Warn("Forced whitelist refresh failed")
	}
	if c.contains(clientIP) {
		c.log.WithField("client_ip", clientIP).Info("IP matched after forced refresh")
		return true
	}

	return false
}

// IPs returns every currently whitelisted IP, for diagnostics.
func (c *Cache) IPs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var all []string
	for _, ips := range c.entries {
		for ip := range ips {
			all = append(all, ip)
		}
	}
	return all
}
