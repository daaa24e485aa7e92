// Package tracker keeps the disposition of every message sent during a run.
package tracker

import (
	"sort"
	"strconv"
	"time"

	"github.com/signalsfoundry/disposition-checker/internal/transport"
)

// Status is the lifecycle state of one message.
type Status int

const (
	StatusSent Status = iota
	StatusAccepted
	StatusReleased
)

func (s Status) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusAccepted:
		return "accepted"
	case StatusReleased:
		return "released"
	default:
		return "unknown"
	}
}

// Record is one tracked message.
type Record struct {
	Tag       string
	Seq       uint64
	Status    Status
	SentAt    time.Time
	SettledAt time.Time
}

// Summary condenses the unsettled records for diagnostics.
type Summary struct {
	Unsettled int
	First     string
	Last      string
	Oldest    time.Time
}

// Tracker maps correlation tags to records. Tags are the decimal form of a
// sequence that starts at zero and only grows. Not safe for concurrent use.
type Tracker struct {
	records  map[string]*Record
	next     uint64
	accepted int
	released int
}

// New returns an empty tracker.
func New() *Tracker {
	return &Tracker{records: make(map[string]*Record)}
}

// Track registers a new message sent at now and returns its tag.
func (t *Tracker) Track(now time.Time) string {
	seq := t.next
	t.next++
	tag := strconv.FormatUint(seq, 10)
	t.records[tag] = &Record{Tag: tag, Seq: seq, Status: StatusSent, SentAt: now}
	return tag
}

// Settle applies a terminal outcome to tag. It returns the updated record and
// true only for the first terminal event of a known tag; duplicates, unknown
// tags and outcomes other than accepted, released or modified are ignored.
func (t *Tracker) Settle(tag string, o transport.Outcome, now time.Time) (Record, bool) {
	rec, ok := t.records[tag]
	if !ok || rec.Status != StatusSent {
		return Record{}, false
	}
	switch {
	case o == transport.Accepted:
		rec.Status = StatusAccepted
		t.accepted++
	case o.Negative():
		rec.Status = StatusReleased
		t.released++
	default:
		return Record{}, false
	}
	rec.SettledAt = now
	return *rec, true
}

// Lookup returns the record for tag.
func (t *Tracker) Lookup(tag string) (Record, bool) {
	rec, ok := t.records[tag]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

func (t *Tracker) Sent() int     { return int(t.next) }
func (t *Tracker) Accepted() int { return t.accepted }
func (t *Tracker) Released() int { return t.released }

// Pending is the number of messages still waiting for a terminal outcome.
func (t *Tracker) Pending() int { return t.Sent() - t.accepted - t.released }

// Settled reports whether every sent message has a terminal outcome.
func (t *Tracker) Settled() bool { return t.Pending() == 0 }

// Unsettled returns the records still in StatusSent, in send order.
func (t *Tracker) Unsettled() []Record {
	var out []Record
	for _, rec := range t.records {
		if rec.Status == StatusSent {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Summary reports the first and last unsettled tags and the oldest send time.
func (t *Tracker) Summary() Summary {
	recs := t.Unsettled()
	if len(recs) == 0 {
		return Summary{}
	}
	return Summary{
		Unsettled: len(recs),
		First:     recs[0].Tag,
		Last:      recs[len(recs)-1].Tag,
		Oldest:    recs[0].SentAt,
	}
}
