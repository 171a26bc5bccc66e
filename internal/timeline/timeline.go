// Package timeline replays a kernel profiling buffer into nested spans and
// instant markers, one track per (block, event category) pair.
package timeline

import (
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/ALTree/kprof/internal/tag"
)

// Op is the kind of a trace instruction.
type Op uint8

const (
	OpCreateGroup Op = iota + 1
	OpCreateTrack
	OpOpenSpan
	OpCloseSpan
	OpInstant
)

func (op Op) String() string {
	switch op {
	case OpCreateGroup:
		return "create_group"
	case OpCreateTrack:
		return "create_track"
	case OpOpenSpan:
		return "open_span"
	case OpCloseSpan:
		return "close_span"
	case OpInstant:
		return "instant"
	default:
		return fmt.Sprintf("op(%d)", uint8(op))
	}
}

// Instruction is one step of the reconstructed timeline. Group and Track are
// dense indices assigned in creation order.
type Instruction struct {
	Op        Op
	Group     int
	Track     int
	Block     uint32
	Category  uint32
	Timestamp uint32
	// Name is the group label for OpCreateGroup and the event name for
	// every other op except OpCloseSpan.
	Name string
	// Offset is the word index of the record that caused the instruction,
	// or 0 for eagerly created groups.
	Offset int
}

func (in Instruction) String() string {
	switch in.Op {
	case OpCreateGroup:
		return fmt.Sprintf("create_group(%d, %q)", in.Group, in.Name)
	case OpCreateTrack:
		return fmt.Sprintf("create_track(%d, group=%d, %q)", in.Track, in.Group, in.Name)
	case OpOpenSpan:
		return fmt.Sprintf("open_span(track=%d, %d, %q)", in.Track, in.Timestamp, in.Name)
	case OpCloseSpan:
		return fmt.Sprintf("close_span(track=%d, %d)", in.Track, in.Timestamp)
	case OpInstant:
		return fmt.Sprintf("instant(track=%d, %d, %q)", in.Track, in.Timestamp, in.Name)
	default:
		return in.Op.String()
	}
}

// Timed reports whether the instruction carries a timestamp.
func (in Instruction) Timed() bool {
	return in.Op == OpOpenSpan || in.Op == OpCloseSpan || in.Op == OpInstant
}

// Stats summarizes a decode pass.
type Stats struct {
	Records      int
	PaddingWords int
	Dropped      int
	Groups       int
	Tracks       int
}

// Result is the output of Reconstruct. When Reconstruct also returns an
// error, Result holds everything decoded before the failure.
type Result struct {
	NumBlocks    uint32
	Instructions []Instruction
	Diagnostics  []Diagnostic
	Stats        Stats
}

// Options tunes Reconstruct. The zero value is usable.
type Options struct {
	// Strict turns the first protocol violation into a fatal error.
	Strict bool
	// EagerGroups creates block_0 .. block_{n-1} up front, in numeric
	// order, instead of on first reference.
	EagerGroups bool
	Metrics     *Metrics
	Logger      log.Logger
}

type trackKey struct {
	block, category uint32
}

type track struct {
	id       int
	block    uint32
	category uint32
	name     string
	open     bool
	openedAt int
	openTs   uint32
}

type reconstructor struct {
	opts   Options
	logger log.Logger
	res    *Result
	groups map[uint32]int
	tracks map[trackKey]*track
	order  []*track
}

// Reconstruct decodes words in a single forward pass. Word 0 holds the block
// count; the rest is a sequence of tag/timestamp pairs, where a zero tag word
// is padding and is skipped on its own.
func Reconstruct(words []uint32, opts Options) (*Result, error) {
	if len(words) < 1 {
		return nil, &DecodeError{Offset: 0, Err: fmt.Errorf("%w: empty buffer", ErrMalformedHeader)}
	}
	if n := int32(words[0]); n < 0 {
		return nil, &DecodeError{Offset: 0, Err: fmt.Errorf("%w: block count %d", ErrMalformedHeader, n)}
	}

	r := &reconstructor{
		opts:   opts,
		logger: opts.Logger,
		res:    &Result{NumBlocks: words[0]},
		groups: make(map[uint32]int),
		tracks: make(map[trackKey]*track),
	}
	if r.logger == nil {
		r.logger = log.NewNopLogger()
	}

	if opts.EagerGroups {
		n := min(r.res.NumBlocks, tag.BlockMask+1)
		for b := uint32(0); b < n; b++ {
			r.group(b, 0)
		}
	}

	for i := 1; i < len(words); {
		t := words[i]
		if t == 0 {
			r.res.Stats.PaddingWords++
			if m := r.opts.Metrics; m != nil {
				m.PaddingWords.Inc()
			}
			i++
			continue
		}
		if i+1 >= len(words) {
			r.finish(false)
			return r.res, &DecodeError{Offset: i, Err: ErrTruncatedRecord}
		}
		if err := r.record(i, t, words[i+1]); err != nil {
			r.finish(false)
			return r.res, err
		}
		i += 2
	}

	r.finish(true)
	return r.res, nil
}

func (r *reconstructor) record(off int, t, ts uint32) error {
	block, category, phase := tag.Decode(t)
	r.res.Stats.Records++
	if m := r.opts.Metrics; m != nil {
		m.Records.WithLabelValues(phase.String()).Inc()
	}
	level.Debug(r.logger).Log("msg", "record", "offset", off, "block", block, "category", category, "phase", phase, "ts", ts)

	d := Diagnostic{Offset: off, Block: block, Category: category, Phase: phase, Timestamp: ts}
	g := r.group(block, off)

	name, err := tag.Name(category)
	if err != nil {
		d.Kind = UnknownCategory
		d.Msg = err.Error()
		r.diag(d)
		r.drop()
		return nil
	}
	if !phase.Valid() {
		if err := r.violation(d, "undefined phase"); err != nil {
			return err
		}
		r.drop()
		return nil
	}

	tr := r.track(g, block, category, name, off)
	in := Instruction{
		Group:     g,
		Track:     tr.id,
		Block:     block,
		Category:  category,
		Timestamp: ts,
		Name:      name,
		Offset:    off,
	}

	switch phase {
	case tag.Begin:
		if tr.open {
			msg := fmt.Sprintf("begin while span opened at word %d (ts %d) is still open", tr.openedAt, tr.openTs)
			if err := r.violation(d, msg); err != nil {
				return err
			}
			// Close the previous span where the new one starts.
			closing := in
			closing.Op = OpCloseSpan
			closing.Name = ""
			r.emit(closing)
		}
		tr.open, tr.openedAt, tr.openTs = true, off, ts
		in.Op = OpOpenSpan
	case tag.End:
		if !tr.open {
			if err := r.violation(d, "end without open span"); err != nil {
				return err
			}
			r.drop()
			return nil
		}
		tr.open = false
		in.Op = OpCloseSpan
		in.Name = ""
	case tag.Instant:
		in.Op = OpInstant
	}
	r.emit(in)
	return nil
}

func (r *reconstructor) group(block uint32, off int) int {
	if id, ok := r.groups[block]; ok {
		return id
	}
	if block >= r.res.NumBlocks {
		r.diag(Diagnostic{
			Kind:   OutOfRangeBlock,
			Offset: off,
			Block:  block,
			Msg:    fmt.Sprintf("header declares %d blocks", r.res.NumBlocks),
		})
	}
	id := len(r.groups)
	r.groups[block] = id
	r.emit(Instruction{
		Op:     OpCreateGroup,
		Group:  id,
		Block:  block,
		Name:   fmt.Sprintf("block_%d", block),
		Offset: off,
	})
	return id
}

func (r *reconstructor) track(group int, block, category uint32, name string, off int) *track {
	key := trackKey{block, category}
	if tr, ok := r.tracks[key]; ok {
		return tr
	}
	tr := &track{
		id:       len(r.order),
		block:    block,
		category: category,
		name:     name,
	}
	r.tracks[key] = tr
	r.order = append(r.order, tr)
	r.emit(Instruction{
		Op:       OpCreateTrack,
		Group:    group,
		Track:    tr.id,
		Block:    block,
		Category: category,
		Name:     name,
		Offset:   off,
	})
	return tr
}

func (r *reconstructor) violation(d Diagnostic, msg string) error {
	d.Kind = ProtocolViolation
	d.Msg = msg
	r.diag(d)
	if r.opts.Strict {
		return &DecodeError{Offset: d.Offset, Err: fmt.Errorf("%w: %s", ErrProtocolViolation, msg)}
	}
	return nil
}

func (r *reconstructor) diag(d Diagnostic) {
	r.res.Diagnostics = append(r.res.Diagnostics, d)
	if m := r.opts.Metrics; m != nil {
		m.Diagnostics.WithLabelValues(d.Kind.String()).Inc()
	}
}

func (r *reconstructor) drop() {
	r.res.Stats.Dropped++
	if m := r.opts.Metrics; m != nil {
		m.Dropped.Inc()
	}
}

func (r *reconstructor) emit(in Instruction) {
	r.res.Instructions = append(r.res.Instructions, in)
}

// finish fills in the summary. Open spans are only reported for a pass that
// reached the end of the buffer.
func (r *reconstructor) finish(complete bool) {
	if complete {
		for _, tr := range r.order {
			if !tr.open {
				continue
			}
			r.diag(Diagnostic{
				Kind:      UnclosedSpan,
				Offset:    tr.openedAt,
				Block:     tr.block,
				Category:  tr.category,
				Phase:     tag.Begin,
				Timestamp: tr.openTs,
				Msg:       fmt.Sprintf("%s never closed", tr.name),
			})
		}
	}

	r.res.Stats.Groups = len(r.groups)
	r.res.Stats.Tracks = len(r.order)
	if m := r.opts.Metrics; m != nil {
		m.Groups.Set(float64(len(r.groups)))
		m.Tracks.Set(float64(len(r.order)))
	}
}
