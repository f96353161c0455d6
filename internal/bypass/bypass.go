// Package bypass implements the learned-bypass cache: once a QNAME has failed against the primary
// resolver enough times in a row, queries for it skip straight to the fallback chain for a cool-off
// period. A small default allowlist of CDN suffixes is pre-seeded so common multi-CNAME domains
// never have to earn their way into the bypass list from cold.
package bypass

import (
	"strings"
	"sync"
	"time"
)

// defaultCDNSuffixes is pre-seeded into every new Cache so well-known CDN domains bypass the
// primary resolver immediately rather than accumulating failures first.
var defaultCDNSuffixes = []string{
	"cloudfront.net",
	"fastly.com",
	"amazonaws.com",
	"akamai.net",
	"cloudflare.com",
	"jsdelivr.net",
	"unpkg.com",
}

// record tracks one QNAME's recent primary-resolver history.
type record struct {
	consecutiveFailures int
	totalQueries        int
	bypassUntil         time.Time // zero means not currently bypassed
}

// EventFunc receives learned-bypass state-change notifications. qname is the domain that just
// tripped a new bypass window and seconds is how long it lasts.
type EventFunc func(qname string, seconds int)

// minQueriesForBypass is the total_queries floor below which a streak of failures never triggers a
// bypass: a domain seen only two or three times ever is more likely cold-start noise than a
// genuinely broken primary path.
const minQueriesForBypass = 5

// Cache is the learned-bypass store. It is safe for concurrent use.
type Cache struct {
	mu sync.Mutex

	enabled     bool
	maxEntries  int
	threshold   int
	bypassFor   time.Duration
	cdnSuffixes []string
	entries     map[string]*record

	onEvent EventFunc
}

// New builds a Cache. threshold is the number of consecutive primary failures required before a
// name is bypassed; bypassFor is how long the bypass lasts once triggered. onEvent may be nil.
func New(enabled bool, maxEntries, threshold int, bypassFor time.Duration, onEvent EventFunc) *Cache {
	if onEvent == nil {
		onEvent = func(string, int) {}
	}
	return &Cache{
		enabled:     enabled,
		maxEntries:  maxEntries,
		threshold:   threshold,
		bypassFor:   bypassFor,
		cdnSuffixes: append([]string(nil), defaultCDNSuffixes...),
		entries:     make(map[string]*record),
		onEvent:     onEvent,
	}
}

// ShouldBypass reports whether qname (already lower-cased) should skip the primary resolver:
// either because it matches a default CDN suffix, or because it has an active learned bypass.
func (c *Cache) ShouldBypass(qname string, now time.Time) bool {
	if !c.enabled {
		return false
	}

	if c.matchesCDNSuffix(qname) {
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.entries[qname]
	if !ok {
		return false
	}
	return !rec.bypassUntil.IsZero() && now.Before(rec.bypassUntil)
}

func (c *Cache) matchesCDNSuffix(qname string) bool {
	for _, suffix := range c.cdnSuffixes {
		if qname == suffix || strings.HasSuffix(qname, "."+suffix) {
			return true
		}
	}
	return false
}

// RecordPrimaryResult updates qname's failure streak after a primary-resolver attempt. success
// resets the streak and clears any active bypass; failure increments the streak and, once it
// reaches threshold with at least minQueriesForBypass total observations, starts a new bypass
// window and emits a DOMAIN_BYPASSED event.
func (c *Cache) RecordPrimaryResult(qname string, success bool, now time.Time) {
	if !c.enabled {
		return
	}

	c.mu.Lock()

	rec, ok := c.entries[qname]
	if !ok {
		rec = &record{}
		c.evictIfFullLocked()
		c.entries[qname] = rec
	}

	rec.totalQueries++
	if success {
		rec.consecutiveFailures = 0
		rec.bypassUntil = time.Time{}
		c.mu.Unlock()
		return
	}

	rec.consecutiveFailures++
	trigger := rec.consecutiveFailures >= c.threshold && rec.totalQueries >= minQueriesForBypass
	if trigger {
		rec.bypassUntil = now.Add(c.bypassFor)
	}
	c.mu.Unlock()

	if trigger {
		c.onEvent(qname, int(c.bypassFor/time.Second))
	}
}

// evictIfFullLocked removes the entry with the lowest total_queries when the cache is at
// capacity. Callers must hold c.mu. This is an approximate LRU: true recency isn't tracked, but
// evicting the least-queried entry achieves the same goal of keeping the cache full of names that
// actually matter.
func (c *Cache) evictIfFullLocked() {
	if len(c.entries) < c.maxEntries {
		return
	}

	var victim string
	min := -1
	for name, rec := range c.entries {
		if min < 0 || rec.totalQueries < min {
			min = rec.totalQueries
			victim = name
		}
	}
	if len(victim) > 0 {
		delete(c.entries, victim)
	}
}

// Len returns the current number of tracked names, for metrics/tests.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// TopFailing returns up to n QNAMEs ordered by descending consecutive primary-failure count, for
// the metrics snapshot's top-failing-domains list.
func (c *Cache) TopFailing(n int) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	type pair struct {
		name    string
		streak  int
	}
	all := make([]pair, 0, len(c.entries))
	for name, rec := range c.entries {
		if rec.consecutiveFailures > 0 {
			all = append(all, pair{name, rec.consecutiveFailures})
		}
	}

	// Simple selection of the top n; the bypass cache is small enough (bounded by
	// maxEntries) that this doesn't need a heap.
	out := make([]string, 0, n)
	for len(out) < n && len(all) > 0 {
		best := 0
		for i := range all {
			if all[i].streak > all[best].streak {
				best = i
			}
		}
		out = append(out, all[best].name)
		all = append(all[:best], all[best+1:]...)
	}
	return out
}
