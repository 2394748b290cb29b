// Package acmeio wraps 9fans.net/go/acme with the narrow surface the
// router needs: enumerate windows, stream log and per-window events,
// and read/write a window's virtual files in rune addresses.
package acmeio

import (
	"bytes"
	"fmt"
	"sort"

	"9fans.net/go/acme"
	"github.com/pkg/errors"
)

// Win wraps an acme window, adding the convenience operations the
// router and coordination-window renderer both need.
type Win struct {
	*acme.Win
	id int
}

// New creates a new, empty acme window.
func New() (*Win, error) {
	w, err := acme.New()
	if err != nil {
		return nil, errors.Wrap(err, "creating acme window")
	}
	return &Win{Win: w, id: w.ID()}, nil
}

// Open attaches to an existing window by id.
func Open(id int) (*Win, error) {
	w, err := acme.Open(id, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "opening acme window %d", id)
	}
	return &Win{Win: w, id: id}, nil
}

// ID returns the window's acme id.
func (w *Win) ID() int { return w.id }

// Filename reads the window's tag and returns the leading filename
// field (the part before the first space).
func (w *Win) Filename() (string, error) {
	tag, err := w.ReadAll("tag")
	if err != nil {
		return "", errors.Wrap(err, "reading tag")
	}
	i := bytes.IndexRune(tag, ' ')
	if i < 0 {
		i = len(tag)
	}
	return string(tag[:i]), nil
}

// Body reads the window's full body text.
func (w *Win) Body() (string, error) {
	b, err := w.ReadAll("body")
	if err != nil {
		return "", errors.Wrap(err, "reading body")
	}
	return string(b), nil
}

// SetBody replaces the window's entire body text.
func (w *Win) SetBody(text string) error {
	if err := w.Addr(","); err != nil {
		return errors.Wrap(err, "addr ,")
	}
	if _, err := w.Write("data", []byte(text)); err != nil {
		return errors.Wrap(err, "writing body")
	}
	return nil
}

// AppendBody appends text to the end of the body and scrolls to show
// it, the way the coordination window's output area grows.
func (w *Win) AppendBody(text string) error {
	if err := w.Addr("$"); err != nil {
		return errors.Wrap(err, "addr $")
	}
	if _, err := w.Write("data", []byte(text)); err != nil {
		return errors.Wrap(err, "appending body")
	}
	return w.Ctl("dot=addr\nshow")
}

// AppendTag appends words to the window's tag. Writing to the tag file
// always appends, the same idiom the rest of this ecosystem uses to
// add command buttons (e.g. "Reload ") that a user can execute with
// button 2, or button 3 to look the word up the same way.
func (w *Win) AppendTag(words string) error {
	if _, err := w.Write("tag", []byte(words)); err != nil {
		return errors.Wrap(err, "writing tag")
	}
	return nil
}

// CurrentAddr returns the rune address of the current selection.
func (w *Win) CurrentAddr() (q0, q1 int, err error) {
	if _, _, err = w.ReadAddr(); err != nil {
		return 0, 0, errors.Wrap(err, "opening addr")
	}
	if err = w.Ctl("addr=dot"); err != nil {
		return 0, 0, errors.Wrap(err, "addr=dot")
	}
	return w.ReadAddr()
}

// ReplaceRange rewrites the rune range [q0,q1) with text. Used by edit
// application: callers are responsible for applying a batch of edits
// in an order (reverse by start offset) that keeps earlier offsets
// valid as later, non-overlapping edits land.
func (w *Win) ReplaceRange(q0, q1 int, text string) error {
	if err := w.Addr("#%d,#%d", q0, q1); err != nil {
		return errors.Wrapf(err, "addr #%d,#%d", q0, q1)
	}
	if _, err := w.Write("data", []byte(text)); err != nil {
		return errors.Wrap(err, "writing replacement")
	}
	return nil
}

// WithMark brackets fn with Ctl mark/nomark so a batch of edits shows
// up as one undo step.
func (w *Win) WithMark(fn func() error) error {
	if err := w.Ctl("mark"); err != nil {
		return errors.Wrap(err, "ctl mark")
	}
	err := fn()
	if nerr := w.Ctl("nomark"); nerr != nil && err == nil {
		err = errors.Wrap(nerr, "ctl nomark")
	}
	return err
}

// EventReadWriter exposes the window's event file for the router's
// per-window reader goroutine: Read yields acme.Event values, and
// WriteEvent re-injects an event acme should handle by default.
type EventReadWriter struct {
	w *Win
}

// Events returns the window's event reader/writer.
func (w *Win) Events() *EventReadWriter { return &EventReadWriter{w: w} }

// Next blocks for the next event on the window, or returns io.EOF once
// the window is deleted.
func (e *EventReadWriter) Next() (*acme.Event, error) {
	ev, err := e.w.ReadEvent()
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// WriteBack lets acme perform the default action for an event the
// router chose not to intercept.
func (e *EventReadWriter) WriteBack(ev *acme.Event) error {
	return e.w.WriteEvent(ev)
}

// LogEntry is one line from acme's global window log.
type LogEntry struct {
	ID   int
	Op   string // "new", "del", "put", "focus", etc.
	Name string
}

// LogReader streams acme's global window-creation/deletion/focus log.
type LogReader struct {
	l *acme.LogReader
}

// OpenLog opens the global acme log.
func OpenLog() (*LogReader, error) {
	l, err := acme.Log()
	if err != nil {
		return nil, errors.Wrap(err, "opening acme log")
	}
	return &LogReader{l: l}, nil
}

// Next blocks for the next log event.
func (r *LogReader) Next() (LogEntry, error) {
	ev, err := r.l.Read()
	if err != nil {
		return LogEntry{}, err
	}
	return LogEntry{ID: ev.ID, Op: ev.Op, Name: ev.Name}, nil
}

// Windows lists every currently open acme window, sorted by id so a
// startup scan is deterministic.
func Windows() ([]LogEntry, error) {
	wins, err := acme.Windows()
	if err != nil {
		return nil, errors.Wrap(err, "listing acme windows")
	}
	out := make([]LogEntry, 0, len(wins))
	for _, info := range wins {
		out = append(out, LogEntry{ID: info.ID, Name: info.Name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Hijack finds and attaches to an existing window named name, used to
// resume a coordination or diagnostics window left over from a
// previous run instead of creating a duplicate.
func Hijack(name string) (*Win, error) {
	wins, err := acme.Windows()
	if err != nil {
		return nil, errors.Wrapf(err, "hijack %q", name)
	}
	for _, info := range wins {
		if info.Name == name {
			return Open(info.ID)
		}
	}
	return nil, fmt.Errorf("hijack %q: window not found", name)
}
