// Package coordwin renders the bridge's two acme windows: the
// coordination window (per-file command menu plus command output) and
// the diagnostics window (a ticker-batched aggregate of every
// session's published diagnostics).
package coordwin

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/acme-tools/lspbridge/internal/acmeio"
	"github.com/acme-tools/lspbridge/internal/protocol"
)

const coordWindowName = "/LSP/commands"
const diagWindowName = "/LSP/diagnostics"

// CoordWindow is the coordination window: its body holds the per-file
// command menu above a separator line and accumulates command output
// below it.
type CoordWindow struct {
	mu  sync.Mutex
	win *acmeio.Win
}

// NewCoordWindow creates (or reattaches to) the coordination window.
func NewCoordWindow() (*CoordWindow, error) {
	win, err := openOrCreate(coordWindowName)
	if err != nil {
		return nil, err
	}
	if err := win.Ctl("clean"); err != nil {
		return nil, errors.Wrap(err, "ctl clean")
	}
	cw := &CoordWindow{win: win}
	if err := cw.win.SetBody("Get Put\n--\n"); err != nil {
		return nil, err
	}
	return cw, nil
}

func openOrCreate(name string) (*acmeio.Win, error) {
	if w, err := acmeio.Hijack(name); err == nil {
		return w, nil
	}
	w, err := acmeio.New()
	if err != nil {
		return nil, err
	}
	if err := w.Name(name); err != nil {
		return nil, errors.Wrapf(err, "naming window %v", name)
	}
	return w, nil
}

// ID returns the coordination window's acme id.
func (cw *CoordWindow) ID() int { return cw.win.ID() }

// SetMenu rewrites the region above the "--" separator with one line
// per tracked file and its available commands, leaving any existing
// output below the separator untouched.
func (cw *CoordWindow) SetMenu(lines []string) {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	body, err := cw.win.Body()
	if err != nil {
		return
	}
	_, rest := splitOnSeparator(body)
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	b.WriteString("--\n")
	b.WriteString(rest)
	cw.win.SetBody(b.String())
}

// Appendf appends formatted output below the separator.
func (cw *CoordWindow) Appendf(format string, args ...interface{}) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.win.AppendBody(fmt.Sprintf(format, args...))
}

// Clear truncates everything below the separator, the effect of the
// coordination window's "Get" command.
func (cw *CoordWindow) Clear() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	body, err := cw.win.Body()
	if err != nil {
		return
	}
	menu, _ := splitOnSeparator(body)
	cw.win.SetBody(menu + "--\n")
}

func splitOnSeparator(body string) (menu, rest string) {
	i := strings.Index(body, "--\n")
	if i < 0 {
		return body, ""
	}
	return body[:i], body[i+len("--\n"):]
}

// DiagWindow aggregates textDocument/publishDiagnostics notifications
// from every session and flushes them to its body on a short timer
// rather than on every notification, so a noisy server cannot flood
// acme with writes.
type DiagWindow struct {
	mu    sync.Mutex
	win   *acmeio.Win
	diags map[protocol.DocumentURI][]protocol.Diagnostic
	dirty bool
}

// NewDiagWindow creates (or reattaches to) the diagnostics window and
// starts its refresh ticker.
func NewDiagWindow() (*DiagWindow, error) {
	win, err := openOrCreate(diagWindowName)
	if err != nil {
		return nil, err
	}
	dw := &DiagWindow{win: win, diags: make(map[protocol.DocumentURI][]protocol.Diagnostic)}
	go dw.refreshLoop()
	return dw, nil
}

// ID returns the diagnostics window's acme id.
func (dw *DiagWindow) ID() int { return dw.win.ID() }

// Diagnostics implements lspsession.EventSink.
func (dw *DiagWindow) Diagnostics(p protocol.PublishDiagnosticsParams) {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	if len(p.Diagnostics) == 0 {
		delete(dw.diags, p.URI)
	} else {
		dw.diags[p.URI] = p.Diagnostics
	}
	dw.dirty = true
}

// Message implements lspsession.EventSink by rendering
// window/showMessage notifications inline with diagnostics.
func (dw *DiagWindow) Message(p protocol.ShowMessageParams) {
	dw.appendLine(fmt.Sprintf("%v: %v", p.Type, p.Message))
}

// Log implements lspsession.EventSink by rendering window/logMessage
// notifications inline with diagnostics.
func (dw *DiagWindow) Log(p protocol.LogMessageParams) {
	dw.appendLine(fmt.Sprintf("%v: %v", p.Type, p.Message))
}

func (dw *DiagWindow) appendLine(s string) {
	dw.win.AppendBody(s + "\n")
}

func (dw *DiagWindow) refreshLoop() {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for range t.C {
		dw.flush()
	}
}

func (dw *DiagWindow) flush() {
	dw.mu.Lock()
	if !dw.dirty {
		dw.mu.Unlock()
		return
	}
	var b strings.Builder
	for uri, diags := range dw.diags {
		path := strings.TrimPrefix(string(uri), "file://")
		for _, d := range diags {
			fmt.Fprintf(&b, "%v:%v:%v: %v\n", path, d.Range.Start.Line+1, d.Range.Start.Character+1, d.Message)
		}
	}
	dw.dirty = false
	dw.mu.Unlock()

	dw.win.SetBody(b.String())
}
