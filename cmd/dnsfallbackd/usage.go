package main

import (
	"fmt"
	"io"
	"text/template"

	"github.com/markdingo/dnsfallback/internal/constants"
)

const usageMessageTemplate = `
NAME
          {{.ProgramName}} -- a DNS fallback proxy

SYNOPSIS
          {{.ProgramName}} -c config-file [options]

DESCRIPTION
          {{.ProgramName}} listens for inbound DNS queries and forwards them to a primary resolver,
          automatically falling through an ordered list of backup resolvers when the primary is
          unreachable or returns SERVFAIL/REFUSED. A background probe periodically checks
          higher-priority resolvers and promotes the highest-priority one that answers, so the
          proxy returns to the primary as soon as it's healthy again rather than staying pinned to
          whichever resolver last worked.

          Domains that repeatedly fail against the primary are remembered and sent straight to the
          fallback chain for a cool-off period, and a small built-in allowlist of CDN domains
          bypasses the primary from the first query, since those domains are routinely served by
          multi-provider DNS already. Both kinds of bypass are off when intelligent_caching is
          disabled. Concurrent identical queries are collapsed into a single upstream exchange.

OPTIONS
`

var usageData = constants.Get()

func usage(out io.Writer) {
	t := template.Must(template.New("usage").Parse(usageMessageTemplate))
	t.Execute(out, usageData)
	flagSet.SetOutput(out)
	flagSet.PrintDefaults()
	fmt.Fprintln(out)
}
