// Package wire parses, classifies and synthesizes the DNS messages that pass through the fallback
// proxy. It is deliberately thin: callers get ID/QNAME/QTYPE/RCODE/TC plus the wire bytes (verbatim
// for parsed messages, a re-encoding of the decoded reply for upstream answers), never a modified
// message - EDNS OPT and every other RR is forwarded unchanged.
package wire

import (
	"errors"
	"strings"

	"github.com/miekg/dns"

	"github.com/markdingo/dnsfallback/internal/constants"
)

var (
	// ErrTooShort is returned by Parse when raw is shorter than a DNS header.
	ErrTooShort = errors.New("wire: message shorter than a dns header")

	// ErrNoQuestion is returned by ParseQuery when a message carries zero questions.
	ErrNoQuestion = errors.New("wire: message has no question section")
)

// Message is a parsed view over one DNS message. Raw holds its wire bytes: exactly the bytes it was
// parsed from when built by Parse/ParseQuery, or the re-packed reply when built by
// internal/transport (which leaves QName empty). Msg is the fully decoded form; WithID works on a
// copy of Raw rather than repacking Msg.
type Message struct {
	Raw   []byte
	Msg   *dns.Msg
	QName string // lower-cased, trailing dot stripped
	QType uint16
}

// Parse decodes raw into a Message. It requires at least a well-formed header; a message with no
// question is accepted (QName and QType stay empty) and is rejected only by ParseQuery.
func Parse(raw []byte) (*Message, error) {
	consts := constants.Get()
	if uint(len(raw)) < consts.MinimumViableDNSMessage {
		return nil, ErrTooShort
	}

	m := new(dns.Msg)
	if err := m.Unpack(raw); err != nil {
		return nil, err
	}

	msg := &Message{Raw: raw, Msg: m}
	if len(m.Question) > 0 {
		q := m.Question[0]
		msg.QName = normalizeName(q.Name)
		msg.QType = q.Qtype
	}

	return msg, nil
}

// ParseQuery is Parse with the additional requirement that the message carry a question section,
// as any query forwarded through the pipeline must.
func ParseQuery(raw []byte) (*Message, error) {
	msg, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	if len(msg.Msg.Question) == 0 {
		return nil, ErrNoQuestion
	}
	return msg, nil
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}

// IsTruncated reports whether the message's TC bit is set, signalling that a UDP response must be
// retried over TCP per RFC 7766.
func (m *Message) IsTruncated() bool {
	return m.Msg.Truncated
}

// IsSuccess classifies a response RCODE per the proxy's fallback-trigger rule: NOERROR and
// NXDOMAIN are both treated as an authoritative, trustworthy answer (NXDOMAIN is the resolver
// correctly reporting "this name does not exist", not a resolver failure); SERVFAIL and REFUSED
// indicate the resolver itself failed to produce an answer and should trigger fallback; every
// other RCODE is forwarded to the client unchanged and counted as success so the proxy never masks
// a legitimate non-error response (e.g. NOTIMP from an authoritative-style responder).
func (m *Message) IsSuccess() bool {
	switch m.Msg.Rcode {
	case dns.RcodeSuccess, dns.RcodeNameError:
		return true
	case dns.RcodeServerFailure, dns.RcodeRefused:
		return false
	default:
		return true
	}
}

// ID returns the message's 16-bit transaction ID.
func (m *Message) ID() uint16 {
	return m.Msg.Id
}

// WithID returns a copy of the message's raw bytes with the transaction ID rewritten to id,
// leaving every other byte untouched. Used by the deduper to hand each waiter a response carrying
// its own original query ID.
func (m *Message) WithID(id uint16) []byte {
	out := make([]byte, len(m.Raw))
	copy(out, m.Raw)
	out[0] = byte(id >> 8)
	out[1] = byte(id)
	return out
}

// ValidateResponseMatches reports whether response is a plausible answer to query: same
// transaction ID and, when the query carried a question, the same QNAME/QTYPE/QCLASS. Mismatches
// happen when a stale or spoofed datagram arrives on a connected UDP socket.
func ValidateResponseMatches(query, response *Message) bool {
	if query.Msg.Id != response.Msg.Id {
		return false
	}
	if len(query.Msg.Question) == 0 {
		return true
	}
	if len(response.Msg.Question) == 0 {
		return false
	}
	qq := query.Msg.Question[0]
	rq := response.Msg.Question[0]
	return strings.EqualFold(qq.Name, rq.Name) && qq.Qtype == rq.Qtype && qq.Qclass == rq.Qclass
}

// SynthesizeServfail builds a SERVFAIL response to query, used when every resolver in the
// fallback chain has failed. The response echoes the query's question section and sets RA so
// clients don't treat the proxy as a non-recursive server.
func SynthesizeServfail(query *Message) []byte {
	m := new(dns.Msg)
	m.SetRcode(query.Msg, dns.RcodeServerFailure)
	m.RecursionAvailable = true

	raw, err := m.Pack()
	if err != nil {
		// A hand-built SERVFAIL with no records cannot fail to pack; if it somehow does,
		// fall back to the smallest valid header-only SERVFAIL reply.
		return minimalServfail(query.Msg.Id)
	}
	return raw
}

func minimalServfail(id uint16) []byte {
	hdr := make([]byte, 12)
	hdr[0] = byte(id >> 8)
	hdr[1] = byte(id)
	hdr[2] = 0x81 // QR=1, RD=1
	hdr[3] = 0x82 // RA=1, RCODE=SERVFAIL(2)
	return hdr
}
