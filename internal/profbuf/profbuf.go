// Package profbuf loads raw profiling buffer dumps into the 32-bit word
// model consumed by timeline.Reconstruct.
//
// Two layouts are understood. A words dump is the buffer exactly as the
// decoder sees it: word 0 holds the block count and tag/timestamp pairs
// follow. An entries dump is the device-side array of 64-bit entries,
// where entry 0 packs {nblocks, ngroups} and every later entry packs
// {tag, timestamp}; it is flattened to [nblocks, tag, ts, tag, ts, ...].
//
// Dumps may be gzip, zstd or snappy (framed) compressed; the codec is
// detected from the leading magic bytes.
package profbuf

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Layout names the on-disk arrangement of a dump.
type Layout string

const (
	Words   Layout = "words"
	Entries Layout = "entries"
)

var ErrTrailingBytes = errors.New("trailing bytes")

func ParseLayout(s string) (Layout, error) {
	switch l := Layout(s); l {
	case "":
		return Words, nil
	case Words, Entries:
		return l, nil
	default:
		return "", fmt.Errorf("unknown layout %q", s)
	}
}

// ParseByteOrder maps "little" (the default) and "big" to a binary.ByteOrder.
func ParseByteOrder(s string) (binary.ByteOrder, error) {
	switch s {
	case "", "little":
		return binary.LittleEndian, nil
	case "big":
		return binary.BigEndian, nil
	default:
		return nil, fmt.Errorf("unknown byte order %q", s)
	}
}

// Decode converts an uncompressed dump to words.
func Decode(data []byte, layout Layout, order binary.ByteOrder) ([]uint32, error) {
	switch layout {
	case Words, "":
		if n := len(data) % 4; n != 0 {
			return nil, fmt.Errorf("%w: %d bytes after last word", ErrTrailingBytes, n)
		}
		words := make([]uint32, len(data)/4)
		for i := range words {
			words[i] = order.Uint32(data[4*i:])
		}
		return words, nil

	case Entries:
		if n := len(data) % 8; n != 0 {
			return nil, fmt.Errorf("%w: %d bytes after last entry", ErrTrailingBytes, n)
		}
		n := len(data) / 8
		if n == 0 {
			return []uint32{}, nil
		}
		words := make([]uint32, 0, 2*n-1)
		for i := range n {
			raw := order.Uint64(data[8*i:])
			lo, hi := uint32(raw), uint32(raw>>32)
			if i == 0 {
				// ngroups is not part of the word model
				words = append(words, lo)
				continue
			}
			words = append(words, lo, hi)
		}
		return words, nil

	default:
		return nil, fmt.Errorf("unknown layout %q", layout)
	}
}

var (
	gzipMagic   = []byte{0x1f, 0x8b}
	zstdMagic   = []byte{0x28, 0xb5, 0x2f, 0xfd}
	snappyMagic = []byte("\xff\x06\x00\x00sNaPpY")
)

// Read decompresses r if needed and decodes it.
func Read(r io.Reader, layout Layout, order binary.ByteOrder) ([]uint32, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(len(snappyMagic))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	var src io.Reader = br
	switch {
	case bytes.HasPrefix(head, gzipMagic):
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer zr.Close()
		src = zr
	case bytes.HasPrefix(head, zstdMagic):
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		defer zr.Close()
		src = zr
	case bytes.HasPrefix(head, snappyMagic):
		src = snappy.NewReader(br)
	}

	data, err := io.ReadAll(src)
	if err != nil {
		return nil, err
	}
	return Decode(data, layout, order)
}

// ReadFile is Read on the named file.
func ReadFile(path string, layout Layout, order binary.ByteOrder) ([]uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	words, err := Read(f, layout, order)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return words, nil
}
