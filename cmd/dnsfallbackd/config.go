package main

import (
	"github.com/markdingo/dnsfallback/internal/flagutil"
)

// cliConfig holds the command-line flags layered over the file-based internal/config.Config.
type cliConfig struct {
	help    bool
	version bool
	verbose bool

	configFile string

	listenAddress flagutil.StringValue // overrides [Proxy] listen_address/dns_port
	fallbackAddrs flagutil.StringValue // appended to the configured fallback list
	probeDomains  flagutil.StringValue // overrides [Proxy] health_check_domains

	jsonLog bool
	pidFile string

	setuidName string // Constrain process privileges after binding privileged ports
	setgidName string
	chrootDir  string
}
