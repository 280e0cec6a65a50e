package runner

import (
	"bytes"
	"sync"
)

// maxLineBytes caps a single retained line so a command that never prints a
// newline cannot grow the buffer without bound.
const maxLineBytes = 4096

// TailBuffer is an io.Writer that keeps only the last N complete lines.
type TailBuffer struct {
	mu      sync.Mutex
	limit   int
	ring    []string
	next    int
	full    bool
	partial bytes.Buffer
	total   int
}

// NewTailBuffer creates a buffer retaining at most limit lines.
func NewTailBuffer(limit int) *TailBuffer {
	if limit < 1 {
		limit = 1
	}
	return &TailBuffer{
		limit: limit,
		ring:  make([]string, limit),
	}
}

// Write implements io.Writer.
func (t *TailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(p)
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			t.appendPartial(p)
			break
		}
		t.appendPartial(p[:i])
		t.push(t.partial.String())
		t.partial.Reset()
		p = p[i+1:]
	}
	return n, nil
}

func (t *TailBuffer) appendPartial(p []byte) {
	room := maxLineBytes - t.partial.Len()
	if room <= 0 {
		return
	}
	if len(p) > room {
		p = p[:room]
	}
	t.partial.Write(p)
}

func (t *TailBuffer) push(line string) {
	line = trimCR(line)
	t.ring[t.next] = line
	t.next = (t.next + 1) % t.limit
	if t.next == 0 {
		t.full = true
	}
	t.total++
}

// Lines returns the retained lines, oldest first. An unterminated final
// line is included.
func (t *TailBuffer) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []string
	if t.full {
		out = append(out, t.ring[t.next:]...)
	}
	out = append(out, t.ring[:t.next]...)

	if t.partial.Len() > 0 {
		out = append(out, trimCR(t.partial.String()))
		if len(out) > t.limit {
			out = out[len(out)-t.limit:]
		}
	}
	return out
}

// Total returns how many lines the command produced overall.
func (t *TailBuffer) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.partial.Len() > 0 {
		return t.total + 1
	}
	return t.total
}

func trimCR(s string) string {
	if len(s) > 0 && s[len(s)-1] == '\r' {
		return s[:len(s)-1]
	}
	return s
}
