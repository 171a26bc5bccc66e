// Package perfetto writes traces in Perfetto's protobuf format: a flat list
// of TracePackets holding track descriptors and track events.
//
// Only the handful of messages needed for slices and instants on nested
// tracks are supported.
package perfetto

import (
	"bytes"
	"io"

	"github.com/richardartoul/molecule"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers from perfetto/protos/perfetto/trace.
const (
	fieldTracePacket = 1 // Trace.packet

	fieldPacketTimestamp       = 8  // TracePacket.timestamp
	fieldPacketSequenceID      = 10 // TracePacket.trusted_packet_sequence_id
	fieldPacketTrackEvent      = 11 // TracePacket.track_event
	fieldPacketTrackDescriptor = 60 // TracePacket.track_descriptor

	fieldTrackUUID       = 1 // TrackDescriptor.uuid
	fieldTrackName       = 2 // TrackDescriptor.name
	fieldTrackProcess    = 3 // TrackDescriptor.process
	fieldTrackParentUUID = 5 // TrackDescriptor.parent_uuid

	fieldProcessPID  = 1 // ProcessDescriptor.pid
	fieldProcessName = 6 // ProcessDescriptor.process_name

	fieldEventType       = 9  // TrackEvent.type
	fieldEventTrackUUID  = 11 // TrackEvent.track_uuid
	fieldEventCategories = 22 // TrackEvent.categories
	fieldEventName       = 23 // TrackEvent.name
)

// EventType mirrors TrackEvent.Type.
type EventType int32

const (
	TypeSliceBegin EventType = 1
	TypeSliceEnd   EventType = 2
	TypeInstant    EventType = 3
)

// Track is a timeline lane. Process tracks sit at the top level; other
// tracks hang under a parent.
type Track struct {
	UUID   uint64
	Parent uint64
	Name   string
	// PID is set for process tracks only.
	PID     int32
	Process bool
}

// Event is a single TrackEvent packet.
type Event struct {
	Track     uint64
	Timestamp uint64
	Type      EventType
	Name      string
	Category  string
}

// Trace accumulates tracks and events and serializes them in insertion
// order, descriptors first.
type Trace struct {
	// SequenceID is written as trusted_packet_sequence_id on every packet.
	SequenceID uint32

	Tracks []*Track
	Events []Event

	nextUUID uint64
}

func (t *Trace) uuid() uint64 {
	t.nextUUID++
	return t.nextUUID
}

// AddProcess adds a top-level process track.
func (t *Trace) AddProcess(pid int32, name string) *Track {
	tr := &Track{UUID: t.uuid(), Name: name, PID: pid, Process: true}
	t.Tracks = append(t.Tracks, tr)
	return tr
}

// AddTrack adds a track under parent.
func (t *Trace) AddTrack(parent *Track, name string) *Track {
	tr := &Track{UUID: t.uuid(), Parent: parent.UUID, Name: name}
	t.Tracks = append(t.Tracks, tr)
	return tr
}

// AddEvent appends e to the trace.
func (t *Trace) AddEvent(e Event) {
	t.Events = append(t.Events, e)
}

func (tr *Track) StartSlice(ts uint64, name, category string) Event {
	return Event{Track: tr.UUID, Timestamp: ts, Type: TypeSliceBegin, Name: name, Category: category}
}

func (tr *Track) EndSlice(ts uint64) Event {
	return Event{Track: tr.UUID, Timestamp: ts, Type: TypeSliceEnd}
}

func (tr *Track) Instant(ts uint64, name, category string) Event {
	return Event{Track: tr.UUID, Timestamp: ts, Type: TypeInstant, Name: name, Category: category}
}

// Marshal returns the serialized Trace message. Zero-valued fields are
// omitted, except TracePacket.timestamp which is always written on event
// packets.
func (t *Trace) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	if err := t.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Encode streams the serialized Trace message to w.
func (t *Trace) Encode(w io.Writer) error {
	ps := molecule.NewProtoStream(w)
	for _, tr := range t.Tracks {
		err := ps.Embedded(fieldTracePacket, func(ps *molecule.ProtoStream) error {
			if err := ps.Uint32(fieldPacketSequenceID, t.SequenceID); err != nil {
				return err
			}
			return ps.Embedded(fieldPacketTrackDescriptor, tr.encode)
		})
		if err != nil {
			return err
		}
	}
	var body bytes.Buffer
	for _, e := range t.Events {
		body.Reset()
		// timestamp is optional in TracePacket: a missing field means
		// "same as the previous packet", so tick 0 must be written too.
		b := protowire.AppendTag(body.AvailableBuffer(), fieldPacketTimestamp, protowire.VarintType)
		body.Write(protowire.AppendVarint(b, e.Timestamp))

		eps := molecule.NewProtoStream(&body)
		if err := eps.Uint32(fieldPacketSequenceID, t.SequenceID); err != nil {
			return err
		}
		if err := eps.Embedded(fieldPacketTrackEvent, e.encode); err != nil {
			return err
		}
		if err := ps.Bytes(fieldTracePacket, body.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

func (tr *Track) encode(ps *molecule.ProtoStream) error {
	if err := ps.Uint64(fieldTrackUUID, tr.UUID); err != nil {
		return err
	}
	if err := ps.Uint64(fieldTrackParentUUID, tr.Parent); err != nil {
		return err
	}
	if !tr.Process {
		return ps.String(fieldTrackName, tr.Name)
	}
	return ps.Embedded(fieldTrackProcess, func(ps *molecule.ProtoStream) error {
		if err := ps.Int32(fieldProcessPID, tr.PID); err != nil {
			return err
		}
		return ps.String(fieldProcessName, tr.Name)
	})
}

func (e Event) encode(ps *molecule.ProtoStream) error {
	if err := ps.Int32(fieldEventType, int32(e.Type)); err != nil {
		return err
	}
	if err := ps.Uint64(fieldEventTrackUUID, e.Track); err != nil {
		return err
	}
	if err := ps.String(fieldEventCategories, e.Category); err != nil {
		return err
	}
	return ps.String(fieldEventName, e.Name)
}
