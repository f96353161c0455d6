// Package transport performs a single DNS exchange against an upstream resolver over UDP, with
// automatic promotion to TCP when the UDP response is truncated, per RFC 7766.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/miekg/dns"

	"github.com/markdingo/dnsfallback/internal/constants"
	"github.com/markdingo/dnsfallback/internal/wire"
)

// Kind classifies why an exchange failed, so callers (selector, bypass, pipeline) can react
// without string-matching errors.
type Kind int

const (
	// KindNone marks a successful exchange.
	KindNone Kind = iota
	// KindTimeout means the resolver did not answer within the configured timeout.
	KindTimeout
	// KindNetwork means the UDP/TCP round trip itself failed (connection refused, unreachable).
	KindNetwork
	// KindMismatch means a reply arrived but didn't match the outstanding query.
	KindMismatch
	// KindParse means the decoded reply could not be packed back into wire bytes. A reply that
	// fails to decode is reported by the exchange itself and classified KindNetwork.
	KindParse
)

// Error wraps a transport failure with its Kind so callers can branch on it.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("transport: %s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindNetwork:
		return "network"
	case KindMismatch:
		return "mismatch"
	case KindParse:
		return "parse"
	default:
		return "none"
	}
}

// tcpRetryFactor enlarges the timeout given to the TCP retry over a truncated UDP reply: a
// resolver that's slow enough to need TCP at all shouldn't be held to the UDP budget too.
const tcpRetryFactor = 2

// Query exchanges query with the resolver at addr within timeout, promoting to TCP if the UDP
// reply is truncated. It returns the parsed response and how long the exchange took. Per the
// truncation-retry contract, a TCP retry that itself fails is not a hard failure: the truncated
// but valid UDP response is still usable and is returned instead.
func Query(ctx context.Context, query *wire.Message, addr string, timeout time.Duration) (*wire.Message, time.Duration, error) {
	consts := constants.Get()

	start := time.Now()
	udpResp, rtt, err := exchange(ctx, query, addr, timeout, consts.DNSUDPTransport)
	if err != nil {
		return nil, time.Since(start), err
	}

	resp := udpResp
	if udpResp.IsTruncated() {
		tcpResp, tcpRTT, tcpErr := exchange(ctx, query, addr, timeout*tcpRetryFactor, consts.DNSTCPTransport)
		if tcpErr != nil {
			resp, rtt = udpResp, time.Since(start)
		} else {
			resp, rtt = tcpResp, tcpRTT
		}
	}

	if !wire.ValidateResponseMatches(query, resp) {
		return nil, time.Since(start), &Error{Kind: KindMismatch, Err: errors.New("response does not match query")}
	}

	return resp, rtt, nil
}

func exchange(ctx context.Context, query *wire.Message, addr string, timeout time.Duration, net string) (*wire.Message, time.Duration, error) {
	client := &dns.Client{Net: net, Timeout: timeout}

	reply, rtt, err := client.ExchangeContext(ctx, query.Msg, addr)
	if err != nil {
		var te interface{ Timeout() bool }
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &te) && te.Timeout()) {
			return nil, rtt, &Error{Kind: KindTimeout, Err: err}
		}
		return nil, rtt, &Error{Kind: KindNetwork, Err: err}
	}
	if reply == nil {
		return nil, rtt, &Error{Kind: KindNetwork, Err: errors.New("nil reply with no error")}
	}

	raw, err := reply.Pack()
	if err != nil {
		return nil, rtt, &Error{Kind: KindParse, Err: err}
	}

	resp := &wire.Message{Raw: raw, Msg: reply}
	if len(reply.Question) > 0 {
		resp.QType = reply.Question[0].Qtype
	}

	return resp, rtt, nil
}
