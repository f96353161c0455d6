// dnsfallbackd listens for inbound DNS queries and forwards them to a primary resolver, falling
// through an ordered list of backup resolvers when the primary is unreachable or answers
// SERVFAIL/REFUSED. See usage.go for the full description.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zapcore"

	"github.com/markdingo/dnsfallback/internal/bypass"
	"github.com/markdingo/dnsfallback/internal/config"
	"github.com/markdingo/dnsfallback/internal/constants"
	"github.com/markdingo/dnsfallback/internal/dedupe"
	"github.com/markdingo/dnsfallback/internal/listener"
	"github.com/markdingo/dnsfallback/internal/metrics"
	"github.com/markdingo/dnsfallback/internal/osutil"
	"github.com/markdingo/dnsfallback/internal/pipeline"
	"github.com/markdingo/dnsfallback/internal/reporter"
	"github.com/markdingo/dnsfallback/internal/selector"
	"github.com/markdingo/dnsfallback/internal/sink"
	"github.com/markdingo/dnsfallback/internal/supervisor"
)

// Program-wide variables, mirroring the split the teacher uses to keep main() itself a one-liner
// testable via mainInit/mainExecute.
var (
	consts = constants.Get()
	cfg    *cliConfig

	stdout io.Writer
	stderr io.Writer

	startTime                = time.Now()
	mainStarted, mainStopped bool
	flagSet                  *flag.FlagSet
	stopChannel              chan os.Signal // Buffered so stopMain() never blocks a test
)

// Exit codes, per the documented contract: 0 orderly shutdown, 1 config error, 2 bind failure,
// 3 another instance already holds the PID lock.
const (
	exitOK             = 0
	exitConfigError    = 1
	exitBindFailure    = 2
	exitAlreadyRunning = 3
)

const selectorEventAllDown = "ALL_DOWN"
const selectorEventSwitchingTo = "SWITCHING_TO"

func fatal(code int, args ...interface{}) int {
	fmt.Fprint(stderr, "Fatal: ", consts.ProgramName, ": ")
	fmt.Fprintln(stderr, args...)
	return code
}

func uptime() string {
	return time.Since(startTime).Truncate(time.Second).String()
}

// mainInit resets program state so mainExecute can be called multiple times in one process, which
// is what lets the test suite drive the whole program without forking a subprocess.
func mainInit(out, err io.Writer) {
	cfg = &cliConfig{}
	stdout = out
	stderr = err
	mainStarted = false
	mainStopped = false
	stopChannel = make(chan os.Signal, 4)
}

// stopMain asks a running mainExecute loop to shut down, as if it had received SIGINT. Used by
// tests that start the server and then need to terminate it cleanly.
func stopMain() {
	stopChannel <- os.Interrupt
}

func main() {
	mainInit(os.Stdout, os.Stderr)
	os.Exit(mainExecute(os.Args))
}

func parseCommandLine(args []string) error {
	flagSet.BoolVar(&cfg.help, "h", false, "Print usage and exit")
	flagSet.BoolVar(&cfg.version, "V", false, "Print version and exit")
	flagSet.BoolVar(&cfg.verbose, "v", false, "Print startup and periodic status reports")
	flagSet.StringVar(&cfg.configFile, "c", "", "Path to config file (INI-shaped, [Proxy] section)")
	flagSet.Var(&cfg.listenAddress, "listen", "Override listen_address (last occurrence wins)")
	flagSet.Var(&cfg.fallbackAddrs, "fallback", "Additional fallback resolver address (repeatable)")
	flagSet.Var(&cfg.probeDomains, "probe-domain", "Override a health-check probe domain (repeatable)")
	flagSet.BoolVar(&cfg.jsonLog, "json-log", false, "Emit structured JSON logs instead of text lines")
	flagSet.StringVar(&cfg.pidFile, "pid-file", "", "Override pid_file path")
	flagSet.StringVar(&cfg.setuidName, "setuid", "", "Drop to this user after binding the listen socket")
	flagSet.StringVar(&cfg.setgidName, "setgid", "", "Drop to this group after binding the listen socket")
	flagSet.StringVar(&cfg.chrootDir, "chroot", "", "Chroot to this directory after binding the listen socket")

	return flagSet.Parse(args[1:])
}

func mainExecute(args []string) int {
	flagSet = flag.NewFlagSet(args[0], flag.ContinueOnError)
	flagSet.SetOutput(stderr)
	if err := parseCommandLine(args); err != nil {
		return exitConfigError // Error already printed by the flag package
	}
	if cfg.help {
		usage(stdout)
		return exitOK
	}
	if cfg.version {
		fmt.Fprintln(stdout, consts.ProgramName, "Version:", consts.Version)
		return exitOK
	}

	fc, err := config.Load(cfg.configFile)
	if err != nil {
		return fatal(exitConfigError, err)
	}
	if err := applyOverrides(fc); err != nil {
		return fatal(exitConfigError, err)
	}

	sup := supervisor.New(fc.PIDFile)
	if err := sup.Lock(); err != nil {
		if err == supervisor.ErrAlreadyRunning {
			return fatal(exitAlreadyRunning, err)
		}
		return fatal(exitConfigError, err)
	}
	defer sup.Unlock()

	logWriter, closeLog, err := openLogWriter(fc.LogFile)
	if err != nil {
		return fatal(exitConfigError, err)
	}
	if closeLog != nil {
		defer closeLog()
	}

	var evSink *sink.Sink
	if fc.StructuredLogging {
		evSink = sink.NewJSON(logWriter, zapcore.InfoLevel)
	} else {
		evSink = sink.NewText(logWriter)
	}
	defer evSink.Stop()

	reg := prometheus.NewRegistry()

	// fanout is declared before bypassCache/metricsCollector because onBypassEvent needs to
	// emit into it, but it's only populated with its real sinks after metricsCollector exists.
	fanout := &multiSink{}

	onBypassEvent := func(qname string, seconds int) {
		msg := fmt.Sprintf("DOMAIN_BYPASSED %s %d", qname, seconds)
		if cfg.verbose {
			fmt.Fprintln(stdout, "Bypass:", msg)
		}
		fanout.Emit(sink.StateChangeEvent(msg))
	}
	bypassCache := bypass.New(fc.LearnedBypassEnabled, fc.LearnedBypassMaxEntries, fc.FailureThreshold, fc.BypassDuration, onBypassEvent)
	metricsCollector := metrics.NewCollector(reg, bypassCache)
	fanout.sinks = []pipeline.EventSink{evSink, metricsSink{metricsCollector}}

	onSelectorEvent := func(event, tag string) {
		msg := event
		if event == selectorEventSwitchingTo {
			msg = event + " " + tag
		}
		if cfg.verbose {
			fmt.Fprintln(stdout, "Selector:", msg)
		}
		fanout.Emit(sink.StateChangeEvent(msg))
		if event == selectorEventAllDown {
			metricsCollector.ObserveAllDown()
		}
	}
	sel := selector.New(fc.Endpoints(), fc.ProbeDomains, fc.ProbeInterval, fc.PrimaryTimeout, onSelectorEvent)
	sel.Start()
	defer sel.Stop()

	dedupeGroup := dedupe.New(dedupe.DefaultMaxWait, dedupe.DefaultGrace)
	pipe := pipeline.New(sel, bypassCache, dedupeGroup, fanout, fc.PrimaryTimeout, fc.FallbackTimeout, fc.DedupeEnabled)

	lsn := listener.New(pipe, fc.WorkerPoolSize, fc.BufferSize)
	listenAddr := fc.ListenAddress
	if !strings.Contains(listenAddr, ":") {
		listenAddr = listenAddr + ":" + fc.DNSPort
	}
	if err := lsn.Start(listenAddr); err != nil {
		return fatal(exitBindFailure, err)
	}

	// Constrain runs after the (possibly privileged) listen sockets are open, same ordering the
	// teacher uses: bind first while we still have the power to, then drop it irreversibly.
	if err := osutil.Constrain(cfg.setuidName, cfg.setgidName, cfg.chrootDir); err != nil {
		return fatal(exitBindFailure, err)
	}
	if cfg.verbose {
		fmt.Fprintln(stdout, "Constraints:", osutil.ConstraintReport())
	}

	reporters := []reporter.Reporter{
		&statsReporter{metrics: metricsCollector, sink: evSink, listener: lsn},
		lsn.ConnTracker(),
	}

	if cfg.verbose {
		fmt.Fprintln(stdout, consts.ProgramName, consts.Version, "Listening on", listenAddr)
		fmt.Fprintln(stdout, "Primary:", fc.Primary, "Fallbacks:", fc.Fallbacks)
	}

	// Forward the supervisor's one-shot OS signal onto stopChannel so tests can also drive shutdown
	// directly via stopMain() without sending a real signal.
	go func() {
		stopChannel <- <-sup.Signals()
	}()
	mainStarted = true
	statusInterval := 60 * time.Second
	nextStatusIn := nextInterval(time.Now(), statusInterval)

Running:
	for {
		select {
		case s := <-stopChannel:
			if cfg.verbose {
				fmt.Fprintln(stdout, "\nSignal", s)
			}
			break Running

		case <-time.After(nextStatusIn):
			if cfg.verbose {
				statusReport("Status", true, reporters)
			}
			nextStatusIn = nextInterval(time.Now(), statusInterval)
		}
	}

	lsn.Stop()
	mainStopped = true

	if cfg.verbose {
		statusReport("Status", true, reporters)
		fmt.Fprintln(stdout, consts.ProgramName, consts.Version, "Exiting after", uptime())
	}

	return exitOK
}

// applyOverrides layers command-line flags over the file-loaded Config. Flags win when present;
// an absent flag leaves the file's value untouched.
func applyOverrides(fc *config.Config) error {
	if n := cfg.listenAddress.NArg(); n > 0 {
		fc.ListenAddress = cfg.listenAddress.Args()[n-1]
	}
	for i, raw := range cfg.fallbackAddrs.Args() {
		host, port, err := splitHostPortDefault(raw, fc.DNSPort)
		if err != nil {
			return fmt.Errorf("--fallback %q: %w", raw, err)
		}
		fc.Fallbacks = append(fc.Fallbacks, config.ResolverEndpoint{
			Host: host, Port: port, Name: fmt.Sprintf("cli-fallback-%d", i),
		})
	}
	if n := cfg.probeDomains.NArg(); n > 0 {
		fc.ProbeDomains = cfg.probeDomains.Args()
	}
	if len(cfg.pidFile) > 0 {
		fc.PIDFile = cfg.pidFile
	}
	if cfg.jsonLog {
		fc.StructuredLogging = true
	}
	return nil
}

// splitHostPortDefault accepts "host", "host:port" or "[ipv6]:port", applying defaultPort when no
// port is present. config.Load has equivalent logic but keeps it unexported, so CLI overrides get
// their own copy here.
func splitHostPortDefault(raw, defaultPort string) (host, port string, err error) {
	raw = strings.TrimSpace(raw)
	if len(raw) == 0 {
		return "", "", fmt.Errorf("empty address")
	}
	idx := strings.LastIndex(raw, ":")
	if idx >= 0 {
		if p, convErr := strconv.Atoi(raw[idx+1:]); convErr == nil {
			return strings.Trim(raw[:idx], "[]"), strconv.Itoa(p), nil
		}
	}
	return strings.Trim(raw, "[]"), defaultPort, nil
}

func openLogWriter(path string) (io.Writer, func(), error) {
	if len(path) == 0 {
		return stdout, nil, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("log_file: %w", err)
	}
	return f, func() { f.Close() }, nil
}

// nextInterval calculates the duration to the next modulo interval boundary: if now is 00:01:17
// and interval is 60s, the result is 43s, the time until 00:02:00.
func nextInterval(now time.Time, interval time.Duration) time.Duration {
	return now.Truncate(interval).Add(interval).Sub(now)
}

func statusReport(what string, resetCounters bool, reporters []reporter.Reporter) {
	fmt.Fprintln(stdout, "Status Up:", consts.ProgramName, consts.Version, uptime())
	for _, r := range reporters {
		for _, line := range strings.Split(r.Report(resetCounters), "\n") {
			if len(line) > 0 {
				fmt.Fprintf(stdout, "%s %s: %s\n", what, r.Name(), line)
			}
		}
	}
}
