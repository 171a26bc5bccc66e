// Package otlp exports a reconstructed timeline as OpenTelemetry spans.
//
// Each block group becomes one trace: a root span covering everything the
// block recorded, with a child span per closed begin/end pair and a span
// event per instant marker. Device ticks are added to Epoch as nanoseconds.
package otlp

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/ALTree/kprof/internal/tag"
	"github.com/ALTree/kprof/internal/timeline"
)

const scopeName = "github.com/ALTree/kprof/internal/otlp"

// Config configures Dial.
type Config struct {
	Endpoint    string
	ServiceName string
	Timeout     time.Duration
	Epoch       time.Time
}

// Sink buffers the timeline and emits spans on Flush.
type Sink struct {
	Epoch   time.Time
	Timeout time.Duration

	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
	groups []*group
}

type span struct {
	name       string
	info       timeline.TrackInfo
	start, end uint32
}

type instant struct {
	name string
	info timeline.TrackInfo
	ts   uint32
}

type group struct {
	label    string
	spans    []span
	instants []instant
	seen     bool
	lo, hi   uint32
}

type track struct {
	g     *group
	info  timeline.TrackInfo
	open  bool
	name  string
	start uint32
}

// Dial creates a Sink exporting over OTLP/HTTP to cfg.Endpoint.
func Dial(ctx context.Context, cfg Config) (*Sink, error) {
	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(cfg.Endpoint),
	)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("otlp resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	s := New(tp)
	s.Epoch = cfg.Epoch
	if cfg.Timeout > 0 {
		s.Timeout = cfg.Timeout
	}
	return s, nil
}

// New creates a Sink on top of an existing provider. The caller owns tp and
// must shut it down.
func New(tp *sdktrace.TracerProvider) *Sink {
	return &Sink{
		Epoch:   time.Unix(0, 0),
		Timeout: 30 * time.Second,
		tp:      tp,
		tracer:  tp.Tracer(scopeName),
	}
}

// Shutdown flushes and stops the underlying provider.
func (s *Sink) Shutdown(ctx context.Context) error {
	return s.tp.Shutdown(ctx)
}

func (s *Sink) at(ts uint32) time.Time {
	return s.Epoch.Add(time.Duration(ts))
}

func (s *Sink) CreateGroup(label string) timeline.Group {
	g := &group{label: label}
	s.groups = append(s.groups, g)
	return g
}

func (g *group) observe(ts uint32) {
	if !g.seen {
		g.lo, g.hi, g.seen = ts, ts, true
		return
	}
	g.lo = min(g.lo, ts)
	g.hi = max(g.hi, ts)
}

func (g *group) CreateTrack(info timeline.TrackInfo) timeline.Track {
	return &track{g: g, info: info}
}

func (t *track) Open(ts uint32, name string) {
	t.open, t.name, t.start = true, name, ts
	t.g.observe(ts)
}

// Close ends the open span. Spans still open at Flush are not exported.
func (t *track) Close(ts uint32) {
	if !t.open {
		return
	}
	t.open = false
	t.g.spans = append(t.g.spans, span{name: t.name, info: t.info, start: t.start, end: ts})
	t.g.observe(ts)
}

func (t *track) Instant(ts uint32, name string) {
	t.g.instants = append(t.g.instants, instant{name: name, info: t.info, ts: ts})
	t.g.observe(ts)
}

func attrs(info timeline.TrackInfo) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64("kprof.block", int64(info.Block)),
		attribute.Int64("kprof.category", int64(info.Category)),
		attribute.String("kprof.family", tag.Family(info.Category)),
	}
}

func (s *Sink) Flush() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.Timeout)
	defer cancel()

	for _, g := range s.groups {
		if !g.seen {
			continue
		}
		gctx, root := s.tracer.Start(ctx, g.label,
			trace.WithNewRoot(),
			trace.WithTimestamp(s.at(g.lo)),
		)
		for _, sp := range g.spans {
			_, child := s.tracer.Start(gctx, sp.name,
				trace.WithTimestamp(s.at(sp.start)),
				trace.WithAttributes(attrs(sp.info)...),
			)
			child.End(trace.WithTimestamp(s.at(sp.end)))
		}
		for _, in := range g.instants {
			root.AddEvent(in.name,
				trace.WithTimestamp(s.at(in.ts)),
				trace.WithAttributes(attrs(in.info)...),
			)
		}
		root.End(trace.WithTimestamp(s.at(g.hi)))
	}

	if err := s.tp.ForceFlush(ctx); err != nil {
		return fmt.Errorf("otlp flush: %w", err)
	}
	return nil
}
