// Package sink streams pipeline events to a log destination, either as structured JSON (via zap)
// or as plain text lines. Emit never blocks the calling goroutine: a full internal queue causes the
// event to be dropped and counted, rather than stalling query processing.
package sink

import (
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/markdingo/dnsfallback/internal/pipeline"
)

// queueSize is how many pending events Sink buffers before it starts dropping.
const queueSize = 4096

// KindStateChange marks an Event carrying a selector/bypass state-change record (PRIMARY_DOWN,
// PRIMARY_RESTORED, SWITCHING_TO <endpoint>, DOMAIN_BYPASSED <name> <seconds>, ALL_DOWN) rather
// than a per-query outcome. Event.Message holds the literal token (plus any detail) verbatim.
const KindStateChange = "state_change"

// StateChangeEvent builds the pipeline.Event for a selector/bypass state-change token, ready to
// hand to an EventSink alongside ordinary per-query events.
func StateChangeEvent(message string) pipeline.Event {
	return pipeline.Event{Time: time.Now(), Kind: KindStateChange, Message: message}
}

// Sink implements pipeline.EventSink, fanning events out to a zap-backed JSON logger or a
// hand-rolled plain-text line writer depending on how it was built.
type Sink struct {
	events  chan pipeline.Event
	dropped int64
	done    chan struct{}

	logger *zap.Logger
	text   io.Writer // non-nil only in text mode
}

// NewJSON builds a Sink that writes one JSON object per event via zap, at the given level.
func NewJSON(w io.Writer, level zapcore.Level) *Sink {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(w), zap.NewAtomicLevelAt(level))
	s := &Sink{
		events: make(chan pipeline.Event, queueSize),
		done:   make(chan struct{}),
		logger: zap.New(core),
	}
	go s.drain()
	return s
}

// NewText builds a Sink that writes "<ISO8601> [LEVEL] msg key=value ..." lines. No zapcore
// encoder in the ecosystem produces exactly this historical log shape, so it's hand-rolled.
func NewText(w io.Writer) *Sink {
	s := &Sink{
		events: make(chan pipeline.Event, queueSize),
		done:   make(chan struct{}),
		text:   w,
	}
	go s.drain()
	return s
}

// Emit queues e for writing. If the internal queue is full, the event is dropped and the drop
// counter is incremented instead of blocking the caller.
func (s *Sink) Emit(e pipeline.Event) {
	select {
	case s.events <- e:
	default:
		atomic.AddInt64(&s.dropped, 1)
	}
}

// Dropped returns the number of events dropped so far because the queue was full.
func (s *Sink) Dropped() int64 {
	return atomic.LoadInt64(&s.dropped)
}

// Stop closes the event queue and waits for the drain goroutine to flush remaining events.
func (s *Sink) Stop() {
	close(s.events)
	<-s.done
	if s.logger != nil {
		s.logger.Sync()
	}
}

func (s *Sink) drain() {
	defer close(s.done)
	for e := range s.events {
		if s.logger != nil {
			s.writeJSON(e)
		} else {
			s.writeText(e)
		}
	}
}

func (s *Sink) writeJSON(e pipeline.Event) {
	level := levelFor(e)

	if e.Kind == KindStateChange {
		fields := []zap.Field{zap.String("message", e.Message)}
		if level == zapcore.WarnLevel {
			s.logger.Warn(e.Kind, fields...)
		} else {
			s.logger.Info(e.Kind, fields...)
		}
		return
	}

	fields := []zap.Field{
		zap.String("qname", e.QName),
		zap.Uint16("qtype", e.QType),
		zap.String("client", e.Client),
		zap.String("resolver", e.ResolverTag),
		zap.Bool("success", e.Success),
		zap.Duration("latency", e.Latency),
	}
	if len(e.Err) > 0 {
		fields = append(fields, zap.String("error", e.Err))
	}

	switch level {
	case zapcore.WarnLevel:
		s.logger.Warn(e.Kind, fields...)
	default:
		s.logger.Info(e.Kind, fields...)
	}
}

// stateChangeWarnPrefixes lists the state-change tokens severe enough to log at WARN instead of
// INFO: the primary going down and every resolver being simultaneously unreachable.
var stateChangeWarnPrefixes = []string{"PRIMARY_DOWN", "ALL_DOWN"}

func levelFor(e pipeline.Event) zapcore.Level {
	if e.Kind == KindStateChange {
		for _, prefix := range stateChangeWarnPrefixes {
			if strings.HasPrefix(e.Message, prefix) {
				return zapcore.WarnLevel
			}
		}
		return zapcore.InfoLevel
	}
	if e.Kind == "servfail" || (e.Kind == "attempt" && !e.Success) {
		return zapcore.WarnLevel
	}
	return zapcore.InfoLevel
}

func (s *Sink) writeText(e pipeline.Event) {
	level := "INFO"
	if levelFor(e) == zapcore.WarnLevel {
		level = "WARN"
	}

	if e.Kind == KindStateChange {
		fmt.Fprintf(s.text, "%s [%s] %s\n", e.Time.Format(time.RFC3339), level, e.Message)
		return
	}

	line := fmt.Sprintf("%s [%s] %s qname=%s qtype=%d client=%s resolver=%s success=%t latency=%s",
		e.Time.Format(time.RFC3339), level, e.Kind, e.QName, e.QType, e.Client, e.ResolverTag, e.Success, e.Latency)
	if len(e.Err) > 0 {
		line += " error=" + e.Err
	}
	fmt.Fprintln(s.text, line)
}
