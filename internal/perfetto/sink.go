package perfetto

import (
	"io"

	"github.com/ALTree/kprof/internal/tag"
	"github.com/ALTree/kprof/internal/timeline"
)

// Sink collects a timeline into a Trace and encodes it to W on Flush.
// Each group becomes a process track; each track a child of it.
type Sink struct {
	Trace Trace
	W     io.Writer

	procs int32
}

func NewSink(w io.Writer) *Sink {
	return &Sink{Trace: Trace{SequenceID: 1}, W: w}
}

type sinkGroup struct {
	s  *Sink
	tr *Track
}

type sinkTrack struct {
	s        *Sink
	tr       *Track
	category string
}

func (s *Sink) CreateGroup(label string) timeline.Group {
	s.procs++
	return &sinkGroup{s: s, tr: s.Trace.AddProcess(s.procs, label)}
}

func (g *sinkGroup) CreateTrack(info timeline.TrackInfo) timeline.Track {
	return &sinkTrack{
		s:        g.s,
		tr:       g.s.Trace.AddTrack(g.tr, info.Name),
		category: tag.Family(info.Category),
	}
}

func (t *sinkTrack) Open(ts uint32, name string) {
	t.s.Trace.AddEvent(t.tr.StartSlice(uint64(ts), name, t.category))
}

func (t *sinkTrack) Close(ts uint32) {
	t.s.Trace.AddEvent(t.tr.EndSlice(uint64(ts)))
}

func (t *sinkTrack) Instant(ts uint32, name string) {
	t.s.Trace.AddEvent(t.tr.Instant(uint64(ts), name, t.category))
}

func (s *Sink) Flush() error {
	return s.Trace.Encode(s.W)
}
