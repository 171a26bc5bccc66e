package timeline

import (
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ALTree/kprof/internal/tag"
)

// recorder is a Sink that logs every call as a line of text.
type recorder struct {
	calls   []string
	groups  int
	tracks  int
	flushed int
	err     error
}

type recGroup struct {
	r  *recorder
	id int
}

type recTrack struct {
	r  *recorder
	id int
}

func (r *recorder) CreateGroup(label string) Group {
	id := r.groups
	r.groups++
	r.calls = append(r.calls, fmt.Sprintf("create_group(%s)", label))
	return &recGroup{r, id}
}

func (r *recorder) Flush() error {
	r.flushed++
	return r.err
}

func (g *recGroup) CreateTrack(info TrackInfo) Track {
	id := g.r.tracks
	g.r.tracks++
	g.r.calls = append(g.r.calls, fmt.Sprintf("create_track(g%d, %s) -> t%d", g.id, info.Name, id))
	return &recTrack{g.r, id}
}

func (t *recTrack) Open(ts uint32, name string) {
	t.r.calls = append(t.r.calls, fmt.Sprintf("open_span(t%d, %d, %s)", t.id, ts, name))
}

func (t *recTrack) Close(ts uint32) {
	t.r.calls = append(t.r.calls, fmt.Sprintf("close_span(t%d, %d)", t.id, ts))
}

func (t *recTrack) Instant(ts uint32, name string) {
	t.r.calls = append(t.r.calls, fmt.Sprintf("instant(t%d, %d, %s)", t.id, ts, name))
}

func rec(block, category uint32, phase tag.Phase, ts uint32) []uint32 {
	return []uint32{tag.Encode(block, category, phase), ts}
}

func buffer(numBlocks uint32, records ...[]uint32) []uint32 {
	words := []uint32{numBlocks}
	for _, r := range records {
		words = append(words, r...)
	}
	return words
}

func ops(res *Result) []Op {
	var out []Op
	for _, in := range res.Instructions {
		out = append(out, in.Op)
	}
	return out
}

func TestReconstruct_ReductionSpan(t *testing.T) {
	words := buffer(1,
		rec(0, 2301, tag.Begin, 100),
		rec(0, 2301, tag.End, 150),
	)
	res, err := Reconstruct(words, Options{})
	require.NoError(t, err)
	require.Empty(t, res.Diagnostics)

	var sink recorder
	require.NoError(t, Replay(&sink, res.Instructions))
	assert.Equal(t, []string{
		"create_group(block_0)",
		"create_track(g0, TB_REDUCTION_0_OP) -> t0",
		"open_span(t0, 100, TB_REDUCTION_0_OP)",
		"close_span(t0, 150)",
	}, sink.calls)
	assert.Equal(t, 1, sink.flushed)
}

func TestReconstruct_BeginEndSameTrack(t *testing.T) {
	words := buffer(2,
		rec(1, 2003, tag.Begin, 7),
		rec(1, 2003, tag.End, 42),
	)
	res, err := Reconstruct(words, Options{})
	require.NoError(t, err)
	assert.Equal(t, uint32(2), res.NumBlocks)
	assert.Equal(t, []Op{OpCreateGroup, OpCreateTrack, OpOpenSpan, OpCloseSpan}, ops(res))

	open, end := res.Instructions[2], res.Instructions[3]
	assert.Equal(t, open.Track, end.Track)
	assert.Equal(t, uint32(7), open.Timestamp)
	assert.Equal(t, uint32(42), end.Timestamp)
	assert.Equal(t, "TB_MATMUL_OP", open.Name)
	assert.Equal(t, 2, res.Stats.Records)
}

func TestReconstruct_SingleInstant(t *testing.T) {
	res, err := Reconstruct(buffer(4, rec(3, 2999, tag.Instant, 9)), Options{})
	require.NoError(t, err)
	assert.Equal(t, []Op{OpCreateGroup, OpCreateTrack, OpInstant}, ops(res))
	assert.Equal(t, "TB_CUSTOMIZED_OP", res.Instructions[2].Name)
	assert.Empty(t, res.Diagnostics)
}

func TestReconstruct_AllPadding(t *testing.T) {
	for n := 1; n <= 5; n++ {
		words := make([]uint32, n+1)
		words[0] = 3
		res, err := Reconstruct(words, Options{})
		require.NoError(t, err)
		assert.Empty(t, res.Instructions)
		assert.Empty(t, res.Diagnostics)
		assert.Equal(t, n, res.Stats.PaddingWords)
	}

	res, err := Reconstruct([]uint32{8}, Options{})
	require.NoError(t, err)
	assert.Empty(t, res.Instructions)
}

func TestReconstruct_PaddingIsPerWord(t *testing.T) {
	// An odd run of padding shifts the pairing by one word.
	words := []uint32{1, 0, tag.Encode(0, 2201, tag.Instant), 0, 0, tag.Encode(0, 2201, tag.Instant), 5}
	res, err := Reconstruct(words, Options{})
	require.NoError(t, err)

	var ts []uint32
	for _, in := range res.Instructions {
		if in.Op == OpInstant {
			ts = append(ts, in.Timestamp)
		}
	}
	// The zero after the first tag is its timestamp, not padding.
	assert.Equal(t, []uint32{0, 5}, ts)
	assert.Equal(t, 2, res.Stats.PaddingWords)
}

func TestReconstruct_Truncated(t *testing.T) {
	words := buffer(1,
		rec(0, 2301, tag.Begin, 100),
		rec(0, 2301, tag.End, 150),
	)
	words = append(words, tag.Encode(0, 2001, tag.Instant))

	res, err := Reconstruct(words, Options{})
	require.ErrorIs(t, err, ErrTruncatedRecord)

	var derr *DecodeError
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, 5, derr.Offset)

	require.NotNil(t, res)
	assert.Equal(t, []Op{OpCreateGroup, OpCreateTrack, OpOpenSpan, OpCloseSpan}, ops(res))
}

func TestReconstruct_MalformedHeader(t *testing.T) {
	_, err := Reconstruct(nil, Options{})
	assert.ErrorIs(t, err, ErrMalformedHeader)

	_, err = Reconstruct([]uint32{0x80000000}, Options{})
	assert.ErrorIs(t, err, ErrMalformedHeader)
}

func TestReconstruct_UnknownCategory(t *testing.T) {
	words := buffer(1,
		rec(0, 2300, tag.Begin, 1),
		rec(0, 1234, tag.Instant, 2),
		rec(0, 2001, tag.Instant, 3),
	)
	res, err := Reconstruct(words, Options{})
	require.NoError(t, err)
	require.Len(t, res.Diagnostics, 2)
	for _, d := range res.Diagnostics {
		assert.Equal(t, UnknownCategory, d.Kind)
	}
	assert.Equal(t, uint32(2300), res.Diagnostics[0].Category)
	assert.Contains(t, res.Diagnostics[0].Msg, "reserved marker TB_REDUCTION_FIRST_OP_ID")
	assert.Equal(t, "unknown event category", res.Diagnostics[1].Msg)
	assert.Equal(t, 2, res.Stats.Dropped)
	// The group exists, but only the known category gets a track.
	assert.Equal(t, []Op{OpCreateGroup, OpCreateTrack, OpInstant}, ops(res))
	assert.Equal(t, uint32(3), res.Instructions[2].Timestamp)
}

func TestReconstruct_ReentrantBegin(t *testing.T) {
	words := buffer(1,
		rec(0, 2104, tag.Begin, 10),
		rec(0, 2104, tag.Begin, 20),
		rec(0, 2104, tag.End, 30),
	)
	res, err := Reconstruct(words, Options{})
	require.NoError(t, err)
	require.Len(t, res.Diagnostics, 1)
	assert.Equal(t, ProtocolViolation, res.Diagnostics[0].Kind)
	assert.Equal(t, 3, res.Diagnostics[0].Offset)

	assert.Equal(t, []Op{OpCreateGroup, OpCreateTrack, OpOpenSpan, OpCloseSpan, OpOpenSpan, OpCloseSpan}, ops(res))
	assert.Equal(t, uint32(20), res.Instructions[3].Timestamp)
}

func TestReconstruct_UnmatchedEnd(t *testing.T) {
	words := buffer(1,
		rec(0, 2104, tag.End, 10),
		rec(0, 2104, tag.Begin, 20),
		rec(0, 2104, tag.End, 30),
	)
	res, err := Reconstruct(words, Options{})
	require.NoError(t, err)
	require.Len(t, res.Diagnostics, 1)
	assert.Equal(t, ProtocolViolation, res.Diagnostics[0].Kind)
	assert.Equal(t, 1, res.Stats.Dropped)
	assert.Equal(t, []Op{OpCreateGroup, OpCreateTrack, OpOpenSpan, OpCloseSpan}, ops(res))
}

func TestReconstruct_UndefinedPhase(t *testing.T) {
	res, err := Reconstruct(buffer(1, rec(0, 2104, tag.Phase(3), 10)), Options{})
	require.NoError(t, err)
	require.Len(t, res.Diagnostics, 1)
	assert.Equal(t, ProtocolViolation, res.Diagnostics[0].Kind)
	assert.Equal(t, []Op{OpCreateGroup}, ops(res))
}

func TestReconstruct_Strict(t *testing.T) {
	words := buffer(1,
		rec(0, 2104, tag.Instant, 5),
		rec(0, 2104, tag.End, 10),
		rec(0, 2104, tag.Instant, 15),
	)
	res, err := Reconstruct(words, Options{Strict: true})
	require.ErrorIs(t, err, ErrProtocolViolation)
	assert.Equal(t, []Op{OpCreateGroup, OpCreateTrack, OpInstant}, ops(res))
}

func TestReconstruct_OutOfRangeBlock(t *testing.T) {
	words := buffer(2,
		rec(5, 2001, tag.Instant, 1),
		rec(5, 2002, tag.Instant, 2),
	)
	res, err := Reconstruct(words, Options{})
	require.NoError(t, err)
	require.Len(t, res.Diagnostics, 1)
	assert.Equal(t, OutOfRangeBlock, res.Diagnostics[0].Kind)
	assert.Equal(t, uint32(5), res.Diagnostics[0].Block)
	assert.Equal(t, "block_5", res.Instructions[0].Name)
	assert.Equal(t, 1, res.Stats.Groups)
	assert.Equal(t, 2, res.Stats.Tracks)
}

func TestReconstruct_UnclosedSpan(t *testing.T) {
	res, err := Reconstruct(buffer(1, rec(0, 2350, tag.Begin, 10)), Options{})
	require.NoError(t, err)
	require.Len(t, res.Diagnostics, 1)
	assert.Equal(t, UnclosedSpan, res.Diagnostics[0].Kind)
	assert.Equal(t, uint32(10), res.Diagnostics[0].Timestamp)
}

func TestReconstruct_GroupOrder(t *testing.T) {
	words := buffer(4,
		rec(2, 2001, tag.Instant, 1),
		rec(0, 2001, tag.Instant, 2),
		rec(3, 2001, tag.Instant, 3),
		rec(0, 2002, tag.Instant, 4),
	)
	res, err := Reconstruct(words, Options{})
	require.NoError(t, err)

	var labels []string
	var tracks []int
	for _, in := range res.Instructions {
		switch in.Op {
		case OpCreateGroup:
			labels = append(labels, in.Name)
		case OpInstant:
			tracks = append(tracks, in.Track)
		}
	}
	assert.Equal(t, []string{"block_2", "block_0", "block_3"}, labels)
	assert.Equal(t, []int{0, 1, 2, 3}, tracks)
	assert.Equal(t, 3, res.Stats.Groups)
	assert.Equal(t, 4, res.Stats.Tracks)
}

func TestReconstruct_EagerGroups(t *testing.T) {
	words := buffer(3, rec(2, 2001, tag.Instant, 1))
	res, err := Reconstruct(words, Options{EagerGroups: true})
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(res.Instructions), 3)
	for i := 0; i < 3; i++ {
		assert.Equal(t, OpCreateGroup, res.Instructions[i].Op)
		assert.Equal(t, fmt.Sprintf("block_%d", i), res.Instructions[i].Name)
	}
	assert.Equal(t, 2, res.Instructions[3].Group)
}

func TestReconstruct_ScanOrderKept(t *testing.T) {
	words := buffer(2,
		rec(0, 2001, tag.Instant, 50),
		rec(1, 2001, tag.Instant, 10),
		rec(0, 2001, tag.Instant, 30),
	)
	res, err := Reconstruct(words, Options{})
	require.NoError(t, err)

	var ts []uint32
	for _, in := range res.Instructions {
		if in.Timed() {
			ts = append(ts, in.Timestamp)
		}
	}
	assert.Equal(t, []uint32{50, 10, 30}, ts)
}

func TestReconstruct_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	words := buffer(1,
		rec(0, 2301, tag.Begin, 1),
		[]uint32{0},
		rec(0, 2301, tag.End, 2),
		rec(0, 2300, tag.Instant, 3),
		rec(4, 2001, tag.Instant, 4),
	)
	_, err := Reconstruct(words, Options{Metrics: m})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Records.WithLabelValues("begin")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Records.WithLabelValues("end")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Records.WithLabelValues("instant")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PaddingWords))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Dropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Diagnostics.WithLabelValues("unknown_category")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Diagnostics.WithLabelValues("out_of_range_block")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Groups))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Tracks))
}

func TestReplay_Errors(t *testing.T) {
	var sink recorder
	err := Replay(&sink, []Instruction{{Op: OpOpenSpan, Track: 0, Timestamp: 1}})
	assert.Error(t, err)

	err = Replay(&sink, []Instruction{{Op: OpCreateTrack, Group: 3}})
	assert.Error(t, err)

	sink = recorder{err: errors.New("disk full")}
	err = Replay(&sink, nil)
	assert.ErrorContains(t, err, "disk full")
}

func TestDiagnostic_Error(t *testing.T) {
	d := Diagnostic{Kind: UnknownCategory, Offset: 3, Block: 1, Category: 7, Phase: tag.End, Timestamp: 9, Msg: "x"}
	assert.Equal(t, "word 3: unknown_category: block 1 category 7 end@9: x", d.Error())
}

func FuzzReconstruct(f *testing.F) {
	f.Add([]byte{1, 0, 0, 0, 4, 36, 0, 0, 100, 0, 0, 0})
	f.Add([]byte{})
	f.Fuzz(func(t *testing.T, in []byte) {
		words := make([]uint32, len(in)/4)
		for i := range words {
			words[i] = uint32(in[4*i]) | uint32(in[4*i+1])<<8 | uint32(in[4*i+2])<<16 | uint32(in[4*i+3])<<24
		}
		res, err := Reconstruct(words, Options{})
		if err != nil && res == nil {
			return
		}
		var sink recorder
		if err := Replay(&sink, res.Instructions); err != nil {
			t.Fatalf("replay of reconstructed timeline failed: %v", err)
		}
	})
}
