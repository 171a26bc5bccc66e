// Package output opens trace destinations, optionally compressed.
package output

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compression selects the stream codec applied to a trace file.
type Compression string

const (
	None   Compression = "none"
	Gzip   Compression = "gzip"
	Zstd   Compression = "zstd"
	Snappy Compression = "snappy"
)

// ParseCompression accepts the names above; the empty string means None.
func ParseCompression(s string) (Compression, error) {
	switch c := Compression(s); c {
	case "":
		return None, nil
	case None, Gzip, Zstd, Snappy:
		return c, nil
	default:
		return "", fmt.Errorf("unknown compression %q", s)
	}
}

// Ext is the conventional file suffix for c.
func (c Compression) Ext() string {
	switch c {
	case Gzip:
		return ".gz"
	case Zstd:
		return ".zst"
	case Snappy:
		return ".sz"
	default:
		return ""
	}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// Wrap returns a writer that compresses into w. Closing it flushes the
// codec but leaves w open.
func Wrap(w io.Writer, c Compression) (io.WriteCloser, error) {
	switch c {
	case None, "":
		return nopCloser{w}, nil
	case Gzip:
		return gzip.NewWriter(w), nil
	case Zstd:
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return enc, nil
	case Snappy:
		return snappy.NewBufferedWriter(w), nil
	default:
		return nil, fmt.Errorf("unknown compression %q", c)
	}
}

type file struct {
	io.WriteCloser
	buf *bufio.Writer
	f   *os.File
}

func (f *file) Close() error {
	err := f.WriteCloser.Close()
	if ferr := f.buf.Flush(); err == nil {
		err = ferr
	}
	return errors.Join(err, f.f.Close())
}

// Create truncates or creates path and returns a writer applying c.
func Create(path string, c Compression) (io.WriteCloser, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	buf := bufio.NewWriter(f)
	w, err := Wrap(buf, c)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &file{WriteCloser: w, buf: buf, f: f}, nil
}
