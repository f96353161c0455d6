// Package pipeline implements the per-query decision flow: deduplicate, consult the learned-bypass
// cache, try the primary resolver, fall through an ordered list of fallbacks, and finally
// synthesize SERVFAIL if every resolver failed. Every step is a plain sequential fall-through -
// there are no nonlocal exits - and every outcome is reported to an event sink.
package pipeline

import (
	"context"
	"net"
	"time"

	"github.com/markdingo/dnsfallback/internal/bypass"
	"github.com/markdingo/dnsfallback/internal/config"
	"github.com/markdingo/dnsfallback/internal/constants"
	"github.com/markdingo/dnsfallback/internal/dedupe"
	"github.com/markdingo/dnsfallback/internal/selector"
	"github.com/markdingo/dnsfallback/internal/transport"
	"github.com/markdingo/dnsfallback/internal/wire"
)

// Event describes one noteworthy occurrence during query processing, fed to an EventSink.
type Event struct {
	Time        time.Time
	QName       string
	QType       uint16
	Client      string // client's address, as reported by the listener
	Kind        string // "attempt", "bypass", "dedupe_join", "dedupe_independent", "servfail", "state_change"
	ResolverTag string
	Success     bool
	Latency     time.Duration
	Err         string
	Message     string // set only on "state_change" events: the literal state-change token
}

// EventSink receives pipeline events. Implementations must not block the calling goroutine for
// long; internal/sink's implementation is non-blocking with a drop counter.
type EventSink interface {
	Emit(Event)
}

type nopSink struct{}

func (nopSink) Emit(Event) {}

// Pipeline wires together the selector, learned-bypass cache, and deduper into the query flow
// described in the design notes.
type Pipeline struct {
	selector *selector.Selector
	bypass   *bypass.Cache
	dedupe   *dedupe.Group
	sink     EventSink

	endpoints       []config.ResolverEndpoint
	primaryTimeout  time.Duration
	fallbackTimeout time.Duration
	dedupeEnabled   bool
}

// New builds a Pipeline. sink may be nil, in which case events are discarded.
func New(sel *selector.Selector, bypassCache *bypass.Cache, dedupeGroup *dedupe.Group, sink EventSink,
	primaryTimeout, fallbackTimeout time.Duration, dedupeEnabled bool) *Pipeline {
	if sink == nil {
		sink = nopSink{}
	}
	return &Pipeline{
		selector:        sel,
		bypass:          bypassCache,
		dedupe:          dedupeGroup,
		sink:            sink,
		endpoints:       sel.Endpoints(),
		primaryTimeout:  primaryTimeout,
		fallbackTimeout: fallbackTimeout,
		dedupeEnabled:   dedupeEnabled,
	}
}

// Handle runs one client query (raw wire bytes) through the pipeline and returns the raw response
// bytes to send back. client identifies the requesting client for the event sink; it may be nil if
// the caller has no address to report. Handle never returns a nil response for a well-formed
// query: if every resolver fails, a synthesized SERVFAIL is returned instead of an error.
func (p *Pipeline) Handle(ctx context.Context, client net.Addr, raw []byte) ([]byte, error) {
	query, err := wire.ParseQuery(raw)
	if err != nil {
		return nil, err
	}
	clientAddr := ""
	if client != nil {
		clientAddr = client.String()
	}

	if !p.dedupeEnabled {
		resp := p.process(ctx, clientAddr, query)
		return resp.Raw, nil
	}

	key := dedupe.Key(query.QName, query.QType)
	resultIface, _, outcome := p.dedupe.Do(key, func() (interface{}, error) {
		return p.process(ctx, clientAddr, query), nil
	})

	resp := resultIface.(*wire.Message)
	if outcome == dedupe.Joined {
		p.sink.Emit(Event{Time: time.Now(), QName: query.QName, QType: query.QType, Client: clientAddr, Kind: "dedupe_join"})
		return resp.WithID(query.ID()), nil
	}
	if outcome == dedupe.Independent {
		p.sink.Emit(Event{Time: time.Now(), QName: query.QName, QType: query.QType, Client: clientAddr, Kind: "dedupe_independent"})
	}
	return resp.Raw, nil
}

// process runs the bypass/primary/fallback/servfail sequence for one already-parsed query. The
// primary resolver is always attempted first unless the bypass cache says to skip it; selector
// state only decides where the fallback scan resumes afterward, never whether primary is tried.
// It always returns a usable *wire.Message (either a genuine upstream reply or a synthesized
// SERVFAIL).
func (p *Pipeline) process(ctx context.Context, client string, query *wire.Message) *wire.Message {
	now := time.Now()
	consts := constants.Get()

	if p.bypass.ShouldBypass(query.QName, now) {
		p.sink.Emit(Event{Time: now, QName: query.QName, QType: query.QType, Client: client, Kind: "bypass", ResolverTag: consts.ResolverTagBypassed})
	} else if resp, ok := p.attempt(ctx, client, query, 0, p.primaryTimeout, consts.ResolverTagPrimary, now); ok {
		return resp
	}

	start := 1
	if active := p.selector.ActiveIndex(); active > start {
		start = active
	}

	for i := start; i < len(p.endpoints); i++ {
		if resp, ok := p.attempt(ctx, client, query, i, p.fallbackTimeout, consts.ResolverTagFallback, now); ok {
			return resp
		}
	}

	p.sink.Emit(Event{Time: time.Now(), QName: query.QName, QType: query.QType, Client: client, Kind: "servfail", ResolverTag: consts.ResolverTagServfail})
	return &wire.Message{Raw: wire.SynthesizeServfail(query), QName: query.QName, QType: query.QType}
}

// attempt queries the endpoint at index i, reports the outcome to the event sink and selector
// (and, for the primary, the bypass cache), and returns the response with ok=true on success.
func (p *Pipeline) attempt(ctx context.Context, client string, query *wire.Message, i int, timeout time.Duration, tag string, now time.Time) (*wire.Message, bool) {
	ep := p.endpoints[i]

	attemptStart := time.Now()
	resp, _, err := transport.Query(ctx, query, ep.Addr(), timeout)
	latency := time.Since(attemptStart)

	success := err == nil && resp.IsSuccess()
	if i == 0 {
		p.bypass.RecordPrimaryResult(query.QName, success, now)
	}

	p.sink.Emit(Event{
		Time: attemptStart, QName: query.QName, QType: query.QType, Client: client,
		Kind: "attempt", ResolverTag: tag, Success: success, Latency: latency,
		Err: errString(err),
	})

	if !success {
		p.selector.NoteFailure(i)
		return nil, false
	}

	p.selector.NoteSuccess(i)
	return resp, true
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
