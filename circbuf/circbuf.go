// Package circbuf implements the console sink CPUTS writes into: a fixed
// capacity ring buffer that overwrites its oldest bytes once full, so a
// runaway process cannot grow console memory without bound. Grounded on
// circbuf/circbuf.go for the head/tail/wraparound bookkeeping; the
// fdops.Userio_i and mem.Page_i backing-page machinery is dropped since
// this sink owns a plain Go byte slice rather than a pinned physical page,
// and Snapshot is added to return only well-formed UTF-8 using
// golang.org/x/text/runes, since CPUTS bytes may be truncated mid-rune at
// the buffer's bound.
package circbuf

import (
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
)

// Circbuf_t is a fixed-size ring buffer. It is not safe for concurrent use;
// callers (the console device) serialize access themselves.
type Circbuf_t struct {
	buf   []uint8
	bufsz int
	head  int
	tail  int
}

// Cb_init allocates a ring buffer of sz bytes.
func (cb *Circbuf_t) Cb_init(sz int) {
	if sz <= 0 {
		panic("bad circbuf size")
	}
	cb.buf = make([]uint8, sz)
	cb.bufsz = sz
	cb.head, cb.tail = 0, 0
}

// Bufsz returns the configured buffer size.
func (cb *Circbuf_t) Bufsz() int {
	return cb.bufsz
}

// Full returns true when the buffer cannot accept more data without
// overwriting unread bytes.
func (cb *Circbuf_t) Full() bool {
	return cb.head-cb.tail == cb.bufsz
}

// Empty reports whether the buffer contains any data.
func (cb *Circbuf_t) Empty() bool {
	return cb.head == cb.tail
}

// Used returns the current number of bytes held.
func (cb *Circbuf_t) Used() int {
	return cb.head - cb.tail
}

// Write appends src to the buffer. When src would overflow capacity, the
// oldest bytes are dropped by advancing tail, matching a console's
// tail-drops-oldest-line behavior rather than blocking the writer.
func (cb *Circbuf_t) Write(src []uint8) int {
	for _, b := range src {
		if cb.Used() == cb.bufsz {
			cb.tail++
		}
		cb.buf[cb.head%cb.bufsz] = b
		cb.head++
	}
	return len(src)
}

// raw returns the buffer's contents as one or two slices (the latter when
// the data wraps around the end of the backing array).
func (cb *Circbuf_t) raw() ([]uint8, []uint8) {
	if cb.Empty() {
		return nil, nil
	}
	hi := cb.head % cb.bufsz
	ti := cb.tail % cb.bufsz
	if ti < hi {
		return cb.buf[ti:hi], nil
	}
	return cb.buf[ti:], cb.buf[:hi]
}

// Snapshot returns the buffer's current contents as a valid UTF-8 string,
// replacing any incomplete rune left dangling at the truncation boundary
// with utf8.RuneError rather than returning a split code point to a
// terminal.
func (cb *Circbuf_t) Snapshot() string {
	r1, r2 := cb.raw()
	raw := make([]uint8, 0, len(r1)+len(r2))
	raw = append(raw, r1...)
	raw = append(raw, r2...)

	t := runes.ReplaceIllFormed()
	out, _, err := transform.Bytes(t, raw)
	if err != nil {
		return string(utf8.RuneError)
	}
	return string(out)
}

// Drain empties the buffer.
func (cb *Circbuf_t) Drain() {
	cb.head, cb.tail = 0, 0
}
