// Package selector tracks which upstream resolver is currently "active" (primary or one of an
// ordered fallback list). In-band query failures are only a hint: two consecutive failures on the
// active resolver trigger an out-of-band confirming probe, and only that probe's verdict demotes
// it. Promotion back towards the primary likewise only happens when a background probe confirms a
// higher-priority server is healthy again - never as a side effect of a client query succeeding.
package selector

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/markdingo/dnsfallback/internal/config"
	"github.com/markdingo/dnsfallback/internal/transport"
	"github.com/markdingo/dnsfallback/internal/wire"
)

const (
	minProbeInterval = 2 * time.Second
	maxProbeInterval = 30 * time.Second
	probeBackoffStep = 2 * time.Second

	// confirmFailureStreak is how many consecutive in-band query failures on the active
	// resolver it takes to trigger an out-of-band confirming probe. The probe's result, not
	// the streak itself, decides whether the resolver actually gets demoted.
	confirmFailureStreak = 2

	// probeSampleSize is how many probe queries probeOne sends per health check.
	probeSampleSize = 3
)

// Event tokens emitted to EventFunc, matching the external event-sink vocabulary.
const (
	eventPrimaryDown     = "PRIMARY_DOWN"
	eventPrimaryRestored = "PRIMARY_RESTORED"
	eventSwitchingTo     = "SWITCHING_TO"
	eventAllDown         = "ALL_DOWN"
)

// EventFunc receives selector state-change notifications: promotions, demotions, and the
// all-down condition. tag is the resolver's configured Name for SWITCHING_TO and PRIMARY_RESTORED,
// and empty for PRIMARY_DOWN and ALL_DOWN.
type EventFunc func(event, tag string)

// Selector holds the ordered resolver list and the index of the currently active one.
type Selector struct {
	mu        sync.RWMutex
	endpoints []config.ResolverEndpoint
	active    int  // index into endpoints; -1 means ALL_DOWN
	allDown   bool

	// failureStreak counts consecutive in-band NoteFailure calls against the active
	// resolver. It resets on NoteSuccess, on a confirming probe that finds the resolver
	// still healthy, and whenever the active resolver changes.
	failureStreak int

	probeDomains  []string
	probeInterval time.Duration
	probeTimeout  time.Duration

	onEvent EventFunc

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a Selector starting with the primary (index 0) active.
func New(endpoints []config.ResolverEndpoint, probeDomains []string, probeInterval, probeTimeout time.Duration, onEvent EventFunc) *Selector {
	if onEvent == nil {
		onEvent = func(string, string) {}
	}
	return &Selector{
		endpoints:     endpoints,
		active:        0,
		probeDomains:  probeDomains,
		probeInterval: probeInterval,
		probeTimeout:  probeTimeout,
		onEvent:       onEvent,
		stopCh:        make(chan struct{}),
	}
}

// Active returns the currently active resolver and whether any resolver is usable at all.
func (s *Selector) Active() (config.ResolverEndpoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.allDown || s.active < 0 {
		return config.ResolverEndpoint{}, false
	}
	return s.endpoints[s.active], true
}

// ActiveIndex returns the index of the active resolver, or -1 when all are down.
func (s *Selector) ActiveIndex() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.allDown {
		return -1
	}
	return s.active
}

// Endpoints returns the full ordered resolver list.
func (s *Selector) Endpoints() []config.ResolverEndpoint {
	return s.endpoints
}

// NoteFailure records that the resolver at index idx failed to answer a client query. It is a
// pure hook: a single in-band failure never demotes anything by itself. Only after
// confirmFailureStreak consecutive in-band failures on the active resolver does it fire an
// out-of-band confirming probe (in the background, so the caller's own query is never delayed);
// demotion happens only if that probe also finds the resolver unhealthy.
func (s *Selector) NoteFailure(idx int) {
	s.mu.Lock()
	if s.allDown || idx != s.active {
		s.mu.Unlock()
		return
	}

	s.failureStreak++
	trigger := s.failureStreak >= confirmFailureStreak
	if trigger {
		s.failureStreak = 0
	}
	s.mu.Unlock()

	if !trigger {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.confirmAndDemote(idx)
	}()
}

// NoteSuccess records that the resolver at index idx answered a client query successfully,
// resetting its consecutive-failure streak if it is still the active resolver.
func (s *Selector) NoteSuccess(idx int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx == s.active {
		s.failureStreak = 0
	}
}

// confirmAndDemote issues one out-of-band probe against the resolver at idx. A healthy result
// means the in-band failures were transient, so the streak is simply cleared. An unhealthy result
// confirms the demotion.
func (s *Selector) confirmAndDemote(idx int) {
	s.mu.RLock()
	ep := s.endpoints[idx]
	s.mu.RUnlock()

	if s.probeOne(ep) {
		s.mu.Lock()
		if idx == s.active {
			s.failureStreak = 0
		}
		s.mu.Unlock()
		return
	}

	s.demote(idx)
}

// demote moves the active resolver past idx to the next candidate, or to ALL_DOWN if idx was the
// last one. Called only after a confirming probe, never directly off a single in-band failure.
func (s *Selector) demote(idx int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.allDown || idx != s.active {
		return // overtaken by a concurrent promotion or demotion while the confirm probe ran
	}

	wasPrimary := idx == 0
	s.failureStreak = 0

	next := idx + 1
	if next >= len(s.endpoints) {
		s.allDown = true
		s.active = -1
		s.onEvent(eventAllDown, "")
		return
	}

	s.active = next
	if wasPrimary {
		s.onEvent(eventPrimaryDown, "")
	}
	s.onEvent(eventSwitchingTo, s.endpoints[next].Name)
}

// promote forces the active resolver to idx. Used only by the probe loop - never by the client
// query path - since fail-back must be confirmed out of band.
func (s *Selector) promote(idx int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasAllDown := s.allDown
	if !wasAllDown && idx == s.active {
		return
	}

	s.allDown = false
	s.active = idx
	s.failureStreak = 0
	if idx == 0 {
		s.onEvent(eventPrimaryRestored, s.endpoints[idx].Name)
	} else {
		s.onEvent(eventSwitchingTo, s.endpoints[idx].Name)
	}
}

// Start launches the background probe loop. It returns immediately; call Stop to shut it down.
func (s *Selector) Start() {
	s.wg.Add(1)
	go s.probeLoop()
}

// Stop halts the probe loop and waits for it to exit.
func (s *Selector) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// probeLoop periodically checks every resolver from the primary down to and including the active
// one (the whole list when all are down), promoting the highest-priority healthy server found. The
// interval grows linearly with consecutive rounds in which none of those resolvers answered and
// resets to the configured base on any successful round, so a flapping network doesn't get
// hammered with probes.
func (s *Selector) probeLoop() {
	defer s.wg.Done()

	interval := s.probeInterval
	if interval < minProbeInterval {
		interval = minProbeInterval
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-timer.C:
			if s.runProbeRound() {
				interval = s.probeInterval
				if interval < minProbeInterval {
					interval = minProbeInterval
				}
			} else {
				interval += probeBackoffStep
				if interval > maxProbeInterval {
					interval = maxProbeInterval
				}
			}
			timer.Reset(interval)
		}
	}
}

// runProbeRound checks every resolver at or above the currently-active priority and, if one
// answers successfully, promotes the highest-priority responder. Returns true if a resolver
// answered.
func (s *Selector) runProbeRound() bool {
	upper := s.ActiveIndex()
	if upper < 0 {
		upper = len(s.endpoints) - 1 // ALL_DOWN: probe the whole list
	}

	for idx := 0; idx <= upper; idx++ {
		if s.probeOne(s.endpoints[idx]) {
			s.promote(idx)
			return true
		}
	}
	return false
}

// probeOne issues probeSampleSize probe queries against ep, each for a randomly sampled probe
// domain, and reports ep healthy iff a majority (>= ceil(2n/3)) succeeded. A single sample is
// prone to one dropped packet or a sampled domain with its own transient issue; the majority vote
// absorbs that noise.
func (s *Selector) probeOne(ep config.ResolverEndpoint) bool {
	if len(s.probeDomains) == 0 {
		return false
	}

	successes := 0
	for i := 0; i < probeSampleSize; i++ {
		if s.probeQueryOnce(ep) {
			successes++
		}
	}
	// successes >= ceil(2n/3)  <=>  3*successes >= 2*n
	return successes*3 >= probeSampleSize*2
}

func (s *Selector) probeQueryOnce(ep config.ResolverEndpoint) bool {
	name := s.probeDomains[rand.Intn(len(s.probeDomains))]

	query, err := wire.ParseQuery(buildProbeQuery(name))
	if err != nil {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.probeTimeout)
	defer cancel()

	resp, _, err := transport.Query(ctx, query, ep.Addr(), s.probeTimeout)
	if err != nil {
		return false
	}
	return resp.IsSuccess()
}

func buildProbeQuery(name string) []byte {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)
	m.Id = dns.Id()
	raw, _ := m.Pack()
	return raw
}
