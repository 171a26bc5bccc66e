package timeline

import "fmt"

// Sink receives a reconstructed timeline. Implementations may buffer
// everything and only write at Flush.
type Sink interface {
	CreateGroup(label string) Group
	Flush() error
}

// Group is the per-block container of tracks.
type Group interface {
	// CreateTrack adds a lane to the group. Sinks that only need a bare
	// lane may ignore info.
	CreateTrack(info TrackInfo) Track
}

// TrackInfo identifies the (block, category) pair behind a track.
type TrackInfo struct {
	Block    uint32
	Category uint32
	// Name is the category's display name.
	Name string
}

// Track is a single timeline lane.
type Track interface {
	Open(ts uint32, name string)
	Close(ts uint32)
	Instant(ts uint32, name string)
}

// Replay hands instructions to sink in order and then flushes it.
func Replay(sink Sink, instrs []Instruction) error {
	var (
		groups []Group
		tracks []Track
	)
	trackFor := func(i int, in Instruction) (Track, error) {
		if in.Track < 0 || in.Track >= len(tracks) {
			return nil, fmt.Errorf("instruction %d: %v on unknown track %d", i, in.Op, in.Track)
		}
		return tracks[in.Track], nil
	}

	for i, in := range instrs {
		switch in.Op {
		case OpCreateGroup:
			if in.Group != len(groups) {
				return fmt.Errorf("instruction %d: group %d created out of order", i, in.Group)
			}
			groups = append(groups, sink.CreateGroup(in.Name))
		case OpCreateTrack:
			if in.Track != len(tracks) {
				return fmt.Errorf("instruction %d: track %d created out of order", i, in.Track)
			}
			if in.Group < 0 || in.Group >= len(groups) {
				return fmt.Errorf("instruction %d: track %d in unknown group %d", i, in.Track, in.Group)
			}
			tracks = append(tracks, groups[in.Group].CreateTrack(TrackInfo{
				Block:    in.Block,
				Category: in.Category,
				Name:     in.Name,
			}))
		case OpOpenSpan, OpCloseSpan, OpInstant:
			tr, err := trackFor(i, in)
			if err != nil {
				return err
			}
			switch in.Op {
			case OpOpenSpan:
				tr.Open(in.Timestamp, in.Name)
			case OpCloseSpan:
				tr.Close(in.Timestamp)
			case OpInstant:
				tr.Instant(in.Timestamp, in.Name)
			}
		default:
			return fmt.Errorf("instruction %d: unknown op %v", i, in.Op)
		}
	}

	if err := sink.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}
