/*
Package constants provides common values used across all dnsfallback packages. Usage is to call the
global Get() function which returns the Constants by value ensuring that any modifications made
(accidental or otherwise) will not affect other modules when they call Get().

Typically usage:

    consts := constants.Get()
    fmt.Println("I am", consts.ProgramName, "based on", consts.RFC)

The primary reason for making this a constructed struct rather than the more typical const () block
is so that it can be fed directly into templating packages for printing usage messages.
*/
package constants

// Constants contains the system-wide constants
type Constants struct {
	ProgramName string
	Version     string
	PackageURL  string
	RFC         string

	DNSDefaultPort          string // DNS Related constants
	MinimumViableDNSMessage uint   // Header only - no question
	DNSTruncateThreshold    int    // A message larger than this size may be truncated unless EDNS0
	MaximumViableDNSMessage uint   // Largest message a TCP length prefix can carry

	DNSUDPTransport string // Suitable for the "net" package, but just to make sure we're
	DNSTCPTransport string // consistent across the whole package.

	ResolverTagPrimary  string // Historical token retained for dashboard compatibility, see DESIGN.md
	ResolverTagFallback string
	ResolverTagBypassed string
	ResolverTagServfail string
}

var readOnlyConstants *Constants

// createReadOnlyConstants creates a read-only copy of the Constants which is copied whenever a
// caller asks for the constants set. The main reason for returning a struct is so that callers can
// inspect and/or use packages that introspect - particularly */template packages.
func createReadOnlyConstants() {
	readOnlyConstants = &Constants{
		ProgramName: "dnsfallbackd",
		Version:     "v0.1.0",
		PackageURL:  "https://github.com/markdingo/dnsfallback",
		RFC:         "RFC1035/RFC7766",

		DNSDefaultPort:          "53",
		MinimumViableDNSMessage: 12, // Header only - no question
		DNSTruncateThreshold:    512,
		MaximumViableDNSMessage: 65535,

		DNSUDPTransport: "udp",
		DNSTCPTransport: "tcp",

		ResolverTagPrimary:  "unbound",
		ResolverTagFallback: "fallback",
		ResolverTagBypassed: "bypassed",
		ResolverTagServfail: "servfail",
	}
}

func init() {
	createReadOnlyConstants()
}

// Get returns a copy of the Constant struct. Return by value so internal values cannot be
// inadvertently changed by callers.
func Get() Constants {
	return *readOnlyConstants
}
