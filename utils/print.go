package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/ALTree/kprof/internal/profbuf"
	"github.com/ALTree/kprof/internal/tag"
)

type filter struct {
	start, end uint64
	block      int64
	category   int64
}

func (f filter) match(block, category, ts uint32) bool {
	// time
	ok := f.start <= uint64(ts) && uint64(ts) <= f.end

	// block
	ok = ok && (f.block == -1 || int64(block) == f.block)

	// category
	return ok && (f.category == -1 || int64(category) == f.category)
}

// dump prints every record of words accepted by f, without any of the
// span bookkeeping the reconstructor does.
func dump(w io.Writer, words []uint32, f filter) {
	if len(words) == 0 {
		return
	}
	fmt.Fprintf(w, "blocks %d\n", words[0])
	for i := 1; i < len(words); i++ {
		t := words[i]
		if t == 0 {
			continue
		}
		if i+1 >= len(words) {
			fmt.Fprintf(w, "| %6d truncated tag %#08x\n", i, t)
			return
		}
		ts := words[i+1]
		block, category, phase := tag.Decode(t)
		if f.match(block, category, ts) {
			name, err := tag.Name(category)
			if marker, ok := tag.Reserved(category); ok {
				name = "reserved " + marker
			} else if err != nil {
				name = "?"
			}
			fmt.Fprintf(w, "| %6d block=%d category=%d (%s) %v ts=%d\n", i, block, category, name, phase, ts)
		}
		i++
	}
}

// list prints the category table.
func list(w io.Writer) {
	for _, id := range tag.Categories() {
		name, _ := tag.Name(id)
		fmt.Fprintf(w, "%d\t%s\t%s\n", id, tag.Family(id), name)
	}
}

func main() {
	start := flag.Uint64("s", 0, "Start timestamp")
	end := flag.Uint64("e", 1<<32-1, "End timestamp")
	b := flag.Int64("b", -1, "Block")
	c := flag.Int64("c", -1, "Category")
	layout := flag.String("layout", "words", "Dump layout (words or entries)")
	order := flag.String("byte-order", "little", "Dump byte order (little or big)")
	categories := flag.Bool("list", false, "List known categories and exit")
	flag.Parse()

	if *categories {
		list(os.Stdout)
		return
	}

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: print [flags] input.bin")
		os.Exit(2)
	}

	l, err := profbuf.ParseLayout(*layout)
	if err != nil {
		panic(err)
	}
	bo, err := profbuf.ParseByteOrder(*order)
	if err != nil {
		panic(err)
	}
	words, err := profbuf.ReadFile(flag.Arg(0), l, bo)
	if err != nil {
		panic(err)
	}

	dump(os.Stdout, words, filter{start: *start, end: *end, block: *b, category: *c})
}
