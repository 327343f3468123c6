package gate

import (
	"time"
)

// DefaultLogCapacity is the gate audit ring buffer size.
const DefaultLogCapacity = 1000

// Entry is one admission record.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Tool      string         `json:"toolName"`
	Params    map[string]any `json:"params,omitempty"`
	Decision  Decision       `json:"decision"`
}

// Stats summarizes the entries currently retained by the audit buffer.
type Stats struct {
	Total     int     `json:"total"`
	Blocked   int     `json:"blocked"`
	Warned    int     `json:"warned"`
	Safe      int     `json:"safe"`
	BlockRate float64 `json:"blockRate"`
}

// auditLog is a fixed-capacity FIFO ring. Not safe for concurrent use; the Gate
// serializes access.
type auditLog struct {
	buf   []Entry
	head  int
	count int
}

func newAuditLog(capacity int) *auditLog {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &auditLog{buf: make([]Entry, capacity)}
}

func (l *auditLog) add(e Entry) {
	idx := (l.head + l.count) % len(l.buf)
	if l.count == len(l.buf) {
		l.buf[l.head] = e
		l.head = (l.head + 1) % len(l.buf)
		return
	}
	l.buf[idx] = e
	l.count++
}

// entries returns retained entries oldest first.
func (l *auditLog) entries() []Entry {
	out := make([]Entry, l.count)
	for i := 0; i < l.count; i++ {
		out[i] = l.buf[(l.head+i)%len(l.buf)]
	}
	return out
}

func (l *auditLog) stats() Stats {
	var s Stats
	for i := 0; i < l.count; i++ {
		switch l.buf[(l.head+i)%len(l.buf)].Decision.Severity {
		case SeverityBlock:
			s.Blocked++
		case SeverityWarn:
			s.Warned++
		default:
			s.Safe++
		}
	}
	s.Total = l.count
	if s.Total > 0 {
		s.BlockRate = float64(s.Blocked) / float64(s.Total)
	}
	return s
}

func (l *auditLog) reset() {
	l.buf = make([]Entry, len(l.buf))
	l.head = 0
	l.count = 0
}
