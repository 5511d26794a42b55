// Package timeslice records how long each VM lifecycle step takes.
//
// Kinds are registered once at package init. Recorders are cheap and can be
// created per object; they only do work while a Trace is active.
package timeslice

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type TimesliceID uint32

const InvalidTimesliceID = TimesliceID(0)

type SliceFlags uint32

const (
	SliceFlagGuestTime SliceFlags = 1 << iota
)

type SliceInfo struct {
	Name  string
	Flags SliceFlags
}

var (
	kindsMu sync.RWMutex
	kinds   = map[TimesliceID]SliceInfo{}
)

// RegisterKind is meant to be called from package-level var blocks.
func RegisterKind(name string, flags SliceFlags) TimesliceID {
	kindsMu.Lock()
	defer kindsMu.Unlock()

	id := TimesliceID(len(kinds) + 1)
	kinds[id] = SliceInfo{Name: name, Flags: flags}
	return id
}

func kindInfo(id TimesliceID) (SliceInfo, bool) {
	kindsMu.RLock()
	defer kindsMu.RUnlock()

	info, ok := kinds[id]
	return info, ok
}

type record struct {
	id       TimesliceID
	duration time.Duration
}

// Trace collects records between StartRecording and Stop.
type Trace struct {
	mu      sync.Mutex
	records []record
	stopped bool
}

var current atomic.Pointer[Trace]

// StartRecording makes a new trace the destination of all Record calls.
func StartRecording() (*Trace, error) {
	t := &Trace{}
	if !current.CompareAndSwap(nil, t) {
		return nil, fmt.Errorf("timeslice: already recording")
	}
	return t, nil
}

// Stop detaches the trace. Records made afterwards are dropped.
func (t *Trace) Stop() {
	current.CompareAndSwap(t, nil)

	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *Trace) add(r record) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.stopped {
		t.records = append(t.records, r)
	}
}

func Record(id TimesliceID, duration time.Duration) {
	if t := current.Load(); t != nil {
		t.add(record{id: id, duration: duration})
	}
}

// Recorder attributes the time since its previous Record call to a kind.
// It is not safe for concurrent use.
type Recorder struct {
	last time.Time
}

func NewRecorder() *Recorder {
	return &Recorder{last: time.Now()}
}

func (r *Recorder) Record(id TimesliceID) {
	now := time.Now()
	Record(id, now.Sub(r.last))
	r.last = now
}

// Entry is the aggregate of one kind in a trace.
type Entry struct {
	Name  string        `yaml:"name"`
	Guest bool          `yaml:"guest,omitempty"`
	Count int           `yaml:"count"`
	Total time.Duration `yaml:"total"`
}

// Summary aggregates records per kind, in order of first appearance.
func (t *Trace) Summary() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	index := map[TimesliceID]int{}
	var entries []Entry
	for _, r := range t.records {
		i, ok := index[r.id]
		if !ok {
			info, known := kindInfo(r.id)
			if !known {
				info.Name = fmt.Sprintf("unknown(%d)", r.id)
			}
			i = len(entries)
			index[r.id] = i
			entries = append(entries, Entry{
				Name:  info.Name,
				Guest: info.Flags&SliceFlagGuestTime != 0,
			})
		}
		entries[i].Count++
		entries[i].Total += r.duration
	}
	return entries
}

// Document is the YAML form of a trace summary.
type Document struct {
	Total     time.Duration `yaml:"total"`
	GuestTime time.Duration `yaml:"guestTime"`
	Slices    []Entry       `yaml:"slices"`
}

// WriteYAML writes the summary, slowest kind first.
func (t *Trace) WriteYAML(w io.Writer) error {
	doc := Document{Slices: t.Summary()}
	for _, e := range doc.Slices {
		doc.Total += e.Total
		if e.Guest {
			doc.GuestTime += e.Total
		}
	}
	sort.SliceStable(doc.Slices, func(i, j int) bool {
		return doc.Slices[i].Total > doc.Slices[j].Total
	})

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return fmt.Errorf("timeslice: encode summary: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("timeslice: close encoder: %w", err)
	}
	return nil
}

// ReadYAML parses a summary written by WriteYAML.
func ReadYAML(r io.Reader) (Document, error) {
	var doc Document
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return Document{}, fmt.Errorf("timeslice: decode summary: %w", err)
	}
	return doc, nil
}
