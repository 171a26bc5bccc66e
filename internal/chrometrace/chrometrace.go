// Package chrometrace writes timelines in the Chrome Trace Event Format, the
// JSON format understood by chrome://tracing and the Perfetto UI.
package chrometrace

import (
	"encoding/json"
	"io"

	"github.com/ALTree/kprof/internal/tag"
	"github.com/ALTree/kprof/internal/timeline"
)

// Phase is the "ph" discriminator of a trace event.
type Phase string

const (
	PhaseBegin    Phase = "B"
	PhaseEnd      Phase = "E"
	PhaseInstant  Phase = "i"
	PhaseMetadata Phase = "M"
)

// Event is a single entry of the traceEvents array. Timestamps are written
// as-is; viewers interpret them as microseconds.
type Event struct {
	Name      string         `json:"name,omitempty"`
	Category  string         `json:"cat,omitempty"`
	Phase     Phase          `json:"ph"`
	Timestamp uint64         `json:"ts"`
	ProcessID int            `json:"pid"`
	ThreadID  int            `json:"tid"`
	Scope     string         `json:"s,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
}

// File is the top-level JSON object.
type File struct {
	TraceEvents     []Event           `json:"traceEvents"`
	DisplayTimeUnit string            `json:"displayTimeUnit,omitempty"`
	OtherData       map[string]string `json:"otherData,omitempty"`
}

// Sink maps each group to a pid and each track to a tid within it, and
// writes the JSON document on Flush.
type Sink struct {
	File File
	W    io.Writer

	pids int
	tids int
}

func NewSink(w io.Writer) *Sink {
	return &Sink{
		File: File{
			TraceEvents: []Event{},
			OtherData:   map[string]string{"generator": "kprof"},
		},
		W: w,
	}
}

type group struct {
	s   *Sink
	pid int
}

type track struct {
	s        *Sink
	pid, tid int
	category string
}

func (s *Sink) add(e Event) {
	s.File.TraceEvents = append(s.File.TraceEvents, e)
}

func (s *Sink) CreateGroup(label string) timeline.Group {
	s.pids++
	s.add(Event{
		Name:      "process_name",
		Phase:     PhaseMetadata,
		ProcessID: s.pids,
		Args:      map[string]any{"name": label},
	})
	return &group{s: s, pid: s.pids}
}

func (g *group) CreateTrack(info timeline.TrackInfo) timeline.Track {
	g.s.tids++
	g.s.add(Event{
		Name:      "thread_name",
		Phase:     PhaseMetadata,
		ProcessID: g.pid,
		ThreadID:  g.s.tids,
		Args:      map[string]any{"name": info.Name},
	})
	return &track{s: g.s, pid: g.pid, tid: g.s.tids, category: tag.Family(info.Category)}
}

func (t *track) event(ph Phase, ts uint32, name string) Event {
	return Event{
		Name:      name,
		Category:  t.category,
		Phase:     ph,
		Timestamp: uint64(ts),
		ProcessID: t.pid,
		ThreadID:  t.tid,
	}
}

func (t *track) Open(ts uint32, name string) {
	t.s.add(t.event(PhaseBegin, ts, name))
}

func (t *track) Close(ts uint32) {
	e := t.event(PhaseEnd, ts, "")
	e.Category = ""
	t.s.add(e)
}

func (t *track) Instant(ts uint32, name string) {
	e := t.event(PhaseInstant, ts, name)
	e.Scope = "t"
	t.s.add(e)
}

func (s *Sink) Flush() error {
	return json.NewEncoder(s.W).Encode(&s.File)
}
