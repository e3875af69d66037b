// Command allocbench drives one of this module's allocator engines from a
// plain-text trace: one line per operation, so the same trace can be
// replayed against any engine to compare fragmentation and timing.
//
// Trace grammar, one directive per line:
//
//	% comment                 ignored
//	i,<type>                  init: type is slab, buddy, or bitmap
//	p,<param1>,<param2>       params: (slot_size,num_slots) or (total_size,num_levels)
//	a,<index>[,<size>]        allocate; size is required for buddy/bitmap
//	f,<index>                 free the block previously allocated at index
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
	"unsafe"

	"github.com/kastanomata/ripmalloc-so/allocator"
	"github.com/kastanomata/ripmalloc-so/bitmapbuddy"
	"github.com/kastanomata/ripmalloc-so/buddy"
	"github.com/kastanomata/ripmalloc-so/slab"
)

var (
	oTrace = flag.String("trace", "", "trace file to replay (default stdin)")
	oQuiet = flag.Bool("q", false, "suppress per-line logging")
)

// run holds the engine under construction plus the live pointers a trace
// has allocated, keyed by the index the trace assigns them.
type run struct {
	fixed    allocator.FixedSizeAllocator
	variable allocator.VariableBlockAllocator
	live     map[int]unsafe.Pointer
	engine   string
	start    time.Time
}

func newRun() *run {
	return &run{live: make(map[int]unsafe.Pointer)}
}

func (r *run) init(engineType string) error {
	if r.fixed != nil || r.variable != nil {
		return fmt.Errorf("engine already initialized, a trace may only contain one i directive")
	}
	r.engine = engineType
	return nil
}

func (r *run) params(p1, p2 int64) error {
	switch r.engine {
	case "":
		return fmt.Errorf("p directive before i directive")
	case "slab":
		a, err := slab.New(p1, int(p2))
		if err != nil {
			return err
		}
		r.fixed = a
	case "buddy":
		a, err := buddy.New(p1, int(p2))
		if err != nil {
			return err
		}
		r.variable = a
	case "bitmap", "bitmapbuddy":
		a, err := bitmapbuddy.New(p1, int(p2))
		if err != nil {
			return err
		}
		r.variable = a
	default:
		return fmt.Errorf("unknown engine type %q", r.engine)
	}
	r.start = time.Now()
	return nil
}

func (r *run) allocate(index int, size int64) error {
	if _, exists := r.live[index]; exists {
		return fmt.Errorf("index %d is already live", index)
	}

	var ptr unsafe.Pointer
	var err error
	switch {
	case r.fixed != nil:
		ptr, err = r.fixed.Allocate()
	case r.variable != nil:
		if size <= 0 {
			return fmt.Errorf("a directive for a variable-size engine requires a size")
		}
		ptr, err = r.variable.Allocate(int(size))
	default:
		return fmt.Errorf("a directive before i/p directives")
	}
	if err != nil {
		return err
	}
	r.live[index] = ptr
	return nil
}

func (r *run) free(index int) error {
	ptr, exists := r.live[index]
	if !exists {
		return fmt.Errorf("index %d is not live", index)
	}
	var err error
	switch {
	case r.fixed != nil:
		err = r.fixed.Release(ptr)
	case r.variable != nil:
		err = r.variable.Release(ptr)
	}
	if err != nil {
		return err
	}
	delete(r.live, index)
	return nil
}

func (r *run) destroy() error {
	switch {
	case r.fixed != nil:
		return r.fixed.Destroy()
	case r.variable != nil:
		return r.variable.Destroy()
	}
	return nil
}

func (r *run) report() {
	elapsed := time.Since(r.start)
	fmt.Printf("engine=%s elapsed=%s live=%d\n", r.engine, elapsed, len(r.live))
	if r.variable != nil {
		fmt.Printf("internal_fragmentation=%d sparse_free_memory=%d\n",
			r.variable.InternalFragmentation(), r.variable.SparseFreeMemory())
	}
}

func parseLine(r *run, line string, lineNo int) error {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "%") {
		return nil
	}

	fields := strings.Split(line, ",")
	switch fields[0] {
	case "i":
		if len(fields) != 2 {
			return fmt.Errorf("line %d: i directive wants exactly one argument", lineNo)
		}
		return r.init(strings.TrimSpace(fields[1]))

	case "p":
		if len(fields) != 3 {
			return fmt.Errorf("line %d: p directive wants exactly two arguments", lineNo)
		}
		p1, err := strconv.ParseInt(strings.TrimSpace(fields[1]), 10, 64)
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		p2, err := strconv.ParseInt(strings.TrimSpace(fields[2]), 10, 64)
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		return r.params(p1, p2)

	case "a":
		if len(fields) != 2 && len(fields) != 3 {
			return fmt.Errorf("line %d: a directive wants one or two arguments", lineNo)
		}
		index, err := strconv.Atoi(strings.TrimSpace(fields[1]))
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		var size int64
		if len(fields) == 3 {
			size, err = strconv.ParseInt(strings.TrimSpace(fields[2]), 10, 64)
			if err != nil {
				return fmt.Errorf("line %d: %w", lineNo, err)
			}
		}
		return r.allocate(index, size)

	case "f":
		if len(fields) != 2 {
			return fmt.Errorf("line %d: f directive wants exactly one argument", lineNo)
		}
		index, err := strconv.Atoi(strings.TrimSpace(fields[1]))
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		return r.free(index)

	default:
		return fmt.Errorf("line %d: unrecognized directive %q", lineNo, fields[0])
	}
}

func main() {
	log.SetFlags(0)
	flag.Parse()

	src := os.Stdin
	if *oTrace != "" {
		f, err := os.Open(*oTrace)
		if err != nil {
			log.Fatal(err)
		}
		defer f.Close()
		src = f
	}

	r := newRun()
	scanner := bufio.NewScanner(src)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if err := parseLine(r, line, lineNo); err != nil {
			log.Fatal(err)
		}
		if !*oQuiet {
			log.Printf("ok: %s", line)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Fatal(err)
	}

	r.report()
	if err := r.destroy(); err != nil {
		log.Fatal(err)
	}
}
