// Package router implements the single-threaded event reactor that
// ties acme windows to language server sessions: it watches acme's
// window log and per-window event streams, issues LSP requests and
// notifications in response, and renders replies back into acme.
package router

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"9fans.net/go/acme"
	"9fans.net/go/plan9"
	"9fans.net/go/plumb"
	"github.com/pkg/errors"

	"github.com/acme-tools/lspbridge/internal/acmeio"
	"github.com/acme-tools/lspbridge/internal/bridgeconfig"
	"github.com/acme-tools/lspbridge/internal/coordwin"
	"github.com/acme-tools/lspbridge/internal/lineindex"
	"github.com/acme-tools/lspbridge/internal/lspsession"
	"github.com/acme-tools/lspbridge/internal/protocol"
	"github.com/acme-tools/lspbridge/internal/transport"
)

// Debug gates verbose logging in the router, toggled by the bridge's
// -v flag, mirroring the rest of the ecosystem's Debug flags.
var Debug = false

// WindowState tracks one acme window the router has registered.
type WindowState struct {
	ID       int
	Path     string
	Win      *acmeio.Win
	Session  *lspsession.Session
	URI      protocol.DocumentURI
	index    *lineindex.Index
	body     string
}

// commandNames lists every command the coordination menu can show, in
// display order, together with the capability that must be set for it
// to appear.
var commandNames = []struct {
	Name string
	Has  func(protocol.ServerCapabilities) bool
}{
	{"definition", func(c protocol.ServerCapabilities) bool { return c.DefinitionProvider }},
	{"references", func(c protocol.ServerCapabilities) bool { return c.ReferencesProvider }},
	{"hover", func(c protocol.ServerCapabilities) bool { return c.HoverProvider }},
	{"completion", func(c protocol.ServerCapabilities) bool { return c.CompletionProvider != nil }},
	{"signature", func(c protocol.ServerCapabilities) bool { return c.SignatureHelpProvider != nil }},
	{"rename", func(c protocol.ServerCapabilities) bool { return c.RenameProvider }},
}

// responseMsg is pushed onto Router.responses by the goroutine that
// issued the originating request, once the server's reply (or error)
// arrives.
type responseMsg struct {
	action *lspsession.PendingAction
	result interface{}
	err    error
}

// winEventMsg tags a raw acme event with the window it came from.
type winEventMsg struct {
	id  int
	ev  *acme.Event
	err error
}

// sessionErrMsg tags a fatal session error with the session's name.
type sessionErrMsg struct {
	name string
	err  error
}

// Router owns every mutable piece of bridge state and drives the
// single reactor loop.
type Router struct {
	servers         []*bridgeconfig.CompiledServer
	root            string
	hideDiagnostics bool
	rpcTrace        bool

	mu       sync.Mutex
	sessions map[string]*lspsession.Session
	windows  map[int]*WindowState
	focused  int

	coord *coordwin.CoordWindow
	diag  *coordwin.DiagWindow

	logCh      chan acmeio.LogEntry
	responses  chan responseMsg
	winEvents  chan winEventMsg
	sessionErr chan sessionErrMsg
}

// New creates a Router for the given compiled server list and root
// directory (used as each server's default rootUri). hideDiagnostics
// suppresses the diagnostics window entirely; rpcTrace logs every
// request and response on every session's connection to stderr.
func New(servers []*bridgeconfig.CompiledServer, root string, hideDiagnostics, rpcTrace bool) *Router {
	return &Router{
		servers:         servers,
		root:            root,
		hideDiagnostics: hideDiagnostics,
		rpcTrace:        rpcTrace,
		sessions:        make(map[string]*lspsession.Session),
		windows:         make(map[int]*WindowState),
		logCh:           make(chan acmeio.LogEntry, 64),
		responses:       make(chan responseMsg, 64),
		winEvents:       make(chan winEventMsg, 64),
		sessionErr:      make(chan sessionErrMsg, 8),
	}
}

// Run starts the coordination window, scans existing acme windows, and
// drives the reactor loop until ctx is cancelled.
func (r *Router) Run(ctx context.Context) error {
	coord, err := coordwin.NewCoordWindow()
	if err != nil {
		return errors.Wrap(err, "creating coordination window")
	}
	r.coord = coord

	if !r.hideDiagnostics {
		diag, err := coordwin.NewDiagWindow()
		if err != nil {
			return errors.Wrap(err, "creating diagnostics window")
		}
		r.diag = diag
	}

	logReader, err := acmeio.OpenLog()
	if err != nil {
		return errors.Wrap(err, "opening acme log")
	}
	go r.readLog(logReader)

	existing, err := acmeio.Windows()
	if err != nil {
		return errors.Wrap(err, "listing acme windows")
	}
	for _, w := range existing {
		r.registerWindow(w.ID)
	}
	r.refreshMenu()

	for {
		select {
		case <-ctx.Done():
			r.shutdownAll()
			return ctx.Err()

		case entry := <-r.logCh:
			if entry.Op == "del" && r.coord != nil && entry.ID == r.coord.ID() {
				// The user closed the coordination window: the bridge's
				// own quit gesture, the same as acme's "Del" on any window.
				r.shutdownAll()
				return nil
			}
			r.handleLog(ctx, entry)

		case msg := <-r.winEvents:
			r.handleWinEvent(ctx, msg)

		case msg := <-r.responses:
			r.handleResponse(ctx, msg)

		case msg := <-r.sessionErr:
			r.handleSessionError(msg)
		}
	}
}

func (r *Router) readLog(lr *acmeio.LogReader) {
	for {
		entry, err := lr.Next()
		if err != nil {
			return
		}
		r.logCh <- entry
	}
}

func (r *Router) readWinEvents(id int, w *acmeio.Win) {
	events := w.Events()
	for {
		ev, err := events.Next()
		if err != nil {
			r.winEvents <- winEventMsg{id: id, err: err}
			return
		}
		r.winEvents <- winEventMsg{id: id, ev: ev}
	}
}

// --- log event handling -------------------------------------------------

func (r *Router) handleLog(ctx context.Context, entry acmeio.LogEntry) {
	switch entry.Op {
	case "new":
		r.registerWindow(entry.ID)
		r.refreshMenu()
	case "del":
		r.unregisterWindow(ctx, entry.ID)
		r.refreshMenu()
	case "focus":
		r.mu.Lock()
		r.focused = entry.ID
		r.mu.Unlock()
		r.refreshMenu()
	case "put":
		r.handlePut(ctx, entry.ID)
	}
}

func (r *Router) registerWindow(id int) {
	r.mu.Lock()
	if _, ok := r.windows[id]; ok {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	if r.coord != nil && id == r.coord.ID() {
		return
	}
	if r.diag != nil && id == r.diag.ID() {
		return
	}

	w, err := acmeio.Open(id)
	if err != nil {
		return
	}
	path, err := w.Filename()
	if err != nil || path == "" {
		return
	}
	cs := bridgeconfig.MatchFile(path, r.servers)
	if cs == nil {
		return
	}

	sess, err := r.sessionFor(cs)
	if err != nil {
		log.Printf("router: starting server %v for %v: %v", cs.Name, path, err)
		return
	}

	body, err := w.Body()
	if err != nil {
		return
	}
	uri := protocol.DocumentURI("file://" + path)
	lang := strings.TrimPrefix(filepath.Ext(path), ".")

	if err := sess.Open(context.Background(), uri, lang, body); err != nil {
		log.Printf("router: didOpen %v: %v", path, err)
	}

	var cmds []string
	caps := sess.Capabilities()
	for _, c := range commandNames {
		if c.Has(caps) {
			cmds = append(cmds, c.Name)
		}
	}
	if len(cmds) > 0 {
		if err := w.AppendTag(strings.Join(cmds, " ") + " "); err != nil {
			log.Printf("router: tagging %v: %v", path, err)
		}
	}

	ws := &WindowState{
		ID:      id,
		Path:    path,
		Win:     w,
		Session: sess,
		URI:     uri,
		body:    body,
		index:   lineindex.New(body),
	}
	r.mu.Lock()
	r.windows[id] = ws
	r.mu.Unlock()

	go r.readWinEvents(id, w)
}

func (r *Router) unregisterWindow(ctx context.Context, id int) {
	r.mu.Lock()
	ws, ok := r.windows[id]
	if ok {
		delete(r.windows, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	if ws.Session != nil {
		ws.Session.CancelWindow(ws.ID)
		if err := ws.Session.Close(ctx, ws.URI); err != nil {
			log.Printf("router: didClose %v: %v", ws.Path, err)
		}
	}
}

func (r *Router) handlePut(ctx context.Context, id int) {
	r.mu.Lock()
	ws := r.windows[id]
	r.mu.Unlock()
	if ws == nil || ws.Session == nil {
		return
	}

	body, err := ws.Win.Body()
	if err != nil {
		return
	}
	r.syncBody(ws, body)

	if err := ws.Session.Save(ctx, ws.URI, body); err != nil {
		log.Printf("router: didSave %v: %v", ws.Path, err)
		return
	}

	cs := r.serverConfigFor(ws.Session)
	if cs == nil {
		return
	}
	if cs.FormatOnPutOrDefault() {
		r.requestFormat(ctx, ws)
	}
	for _, kind := range cs.ActionsOnPut {
		r.requestCodeAction(ctx, ws, kind)
	}
}

// syncBody updates a window's mirrored body/index if body changed. It
// sends nothing to the server; callers send didChange (directly or via
// Session.Save) themselves.
func (r *Router) syncBody(ws *WindowState, body string) {
	if ws.body == body {
		return
	}
	ws.body = body
	ws.index = lineindex.New(body)
}

func (r *Router) flushChangeIfDirty(ctx context.Context, ws *WindowState) {
	body, err := ws.Win.Body()
	if err != nil {
		return
	}
	if body == ws.body {
		return
	}
	r.syncBody(ws, body)
	if ws.Session == nil {
		return
	}
	if err := ws.Session.Change(ctx, ws.URI, body); err != nil {
		log.Printf("router: didChange %v: %v", ws.Path, err)
	}
}

// --- per-window event handling ------------------------------------------

func (r *Router) handleWinEvent(ctx context.Context, msg winEventMsg) {
	if msg.err != nil {
		return // window closed; "del" on the log will clean it up
	}
	r.mu.Lock()
	ws := r.windows[msg.id]
	coordID := -1
	if r.coord != nil {
		coordID = r.coord.ID()
	}
	r.mu.Unlock()

	if msg.id == coordID {
		r.handleCoordEvent(ctx, msg.ev)
		return
	}
	if ws == nil {
		r.writeBackDefault(msg.id, msg.ev)
		return
	}

	if isExecute(msg.ev) || isLook(msg.ev) {
		cmd := strings.TrimSpace(string(msg.ev.Text))
		if r.dispatchCommand(ctx, ws, cmd) {
			return
		}
	}

	r.writeBackDefault(msg.id, msg.ev)
	r.flushChangeIfDirty(ctx, ws)
}

func (r *Router) handleCoordEvent(ctx context.Context, ev *acme.Event) {
	if !isExecute(ev) {
		return
	}
	cmd := strings.TrimSpace(string(ev.Text))
	r.mu.Lock()
	ws := r.windows[r.focused]
	r.mu.Unlock()
	if cmd == "Get" {
		r.coord.Clear()
		return
	}
	if ws == nil {
		return
	}
	r.dispatchCommand(ctx, ws, cmd)
}

func (r *Router) writeBackDefault(id int, ev *acme.Event) {
	r.mu.Lock()
	ws := r.windows[id]
	r.mu.Unlock()
	if ws == nil {
		return
	}
	ws.Win.Events().WriteBack(ev)
}

func isExecute(ev *acme.Event) bool {
	return ev.C2 == 'x' || ev.C2 == 'X'
}

// isLook reports whether ev is a button-3 "look" event, acme's other
// gesture for invoking a command word — used the same way as execute
// for the command words this router injects into a source window's
// own tag (see registerWindow), but falling back to acme's normal
// look-for-text behavior for anything else.
func isLook(ev *acme.Event) bool {
	return ev.C2 == 'l' || ev.C2 == 'L'
}

// --- command dispatch -----------------------------------------------------

// dispatchCommand issues the LSP request for a menu command typed in
// either the coordination window or a source window's tag. It returns
// false if cmd is not a recognized command (so the caller falls back
// to the default acme behavior).
func (r *Router) dispatchCommand(ctx context.Context, ws *WindowState, cmd string) bool {
	if ws.Session == nil {
		return false
	}
	caps := ws.Session.Capabilities()

	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return false
	}
	name, rest := fields[0], fields[1:]

	var found bool
	for _, c := range commandNames {
		if c.Name == name {
			found = true
			if !c.Has(caps) {
				r.coord.Appendf("%v: not supported by %v\n", name, ws.Session.Name)
				return true
			}
			break
		}
	}
	if !found {
		return false
	}

	r.flushChangeIfDirty(ctx, ws)
	q0, _, err := ws.Win.CurrentAddr()
	if err != nil {
		q0 = 0
	}
	line, char := ws.index.OffsetToPosition(q0)
	pos := protocol.TextDocumentPositionParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: ws.URI},
		Position:     protocol.Position{Line: line, Character: char},
	}

	switch name {
	case "definition":
		r.asyncRequest(ws.Session, "textDocument/definition", &pos, &[]protocol.Location{},
			&lspsession.PendingAction{Kind: lspsession.ActionDefinition, WindowID: ws.ID})
	case "references":
		rp := &protocol.ReferenceParams{TextDocumentPositionParams: pos, Context: protocol.ReferenceContext{IncludeDeclaration: true}}
		r.asyncRequest(ws.Session, "textDocument/references", rp, &[]protocol.Location{},
			&lspsession.PendingAction{Kind: lspsession.ActionReferences, WindowID: ws.ID})
	case "hover":
		r.asyncRequest(ws.Session, "textDocument/hover", &pos, &protocol.Hover{},
			&lspsession.PendingAction{Kind: lspsession.ActionHover, WindowID: ws.ID})
	case "completion":
		cp := &protocol.CompletionParams{TextDocumentPositionParams: pos}
		r.asyncRequest(ws.Session, "textDocument/completion", cp, &protocol.CompletionList{},
			&lspsession.PendingAction{Kind: lspsession.ActionCompletion, WindowID: ws.ID})
	case "signature":
		r.asyncRequest(ws.Session, "textDocument/signatureHelp", &pos, &protocol.SignatureHelp{},
			&lspsession.PendingAction{Kind: lspsession.ActionSignatureHelp, WindowID: ws.ID})
	case "rename":
		if len(rest) == 0 {
			r.coord.Appendf("rename: usage: rename newname\n")
			return true
		}
		rp := &protocol.RenameParams{
			TextDocument: pos.TextDocument,
			Position:     pos.Position,
			NewName:      strings.Join(rest, " "),
		}
		r.asyncRequest(ws.Session, "textDocument/rename", rp, &protocol.WorkspaceEdit{},
			&lspsession.PendingAction{Kind: lspsession.ActionRename, WindowID: ws.ID})
	}
	return true
}

func (r *Router) requestFormat(ctx context.Context, ws *WindowState) {
	cs := r.serverConfigFor(ws.Session)
	if cs == nil {
		return
	}
	version := ws.Session.DocVersion(ws.URI)
	params := &protocol.DocumentFormattingParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: ws.URI},
		Options:      protocol.FormattingOptions{TabSize: 8, InsertSpaces: false},
	}
	r.asyncRequest(ws.Session, "textDocument/formatting", params, &[]protocol.TextEdit{},
		&lspsession.PendingAction{Kind: lspsession.ActionFormatThenApply, WindowID: ws.ID, URI: ws.URI, Version: version})
}

func (r *Router) requestCodeAction(ctx context.Context, ws *WindowState, kind protocol.CodeActionKind) {
	params := &protocol.CodeActionParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: ws.URI},
		Context:      protocol.CodeActionContext{Only: []protocol.CodeActionKind{kind}},
	}
	r.asyncRequest(ws.Session, "textDocument/codeAction", params, &[]protocol.CodeActionResult{},
		&lspsession.PendingAction{Kind: lspsession.ActionCodeActionApply, WindowID: ws.ID, URI: ws.URI})
}

// asyncRequest issues method in its own goroutine (so the reactor loop
// never blocks on a server) and funnels the eventual result back
// through Router.responses.
func (r *Router) asyncRequest(sess *lspsession.Session, method string, params, result interface{}, action *lspsession.PendingAction) {
	go func() {
		_, err := sess.SendRequest(context.Background(), method, params, result, action)
		if err == lspsession.ErrCancelled {
			// Window closed before the reply arrived; drop it rather
			// than rendering a response for a window that's gone.
			return
		}
		r.responses <- responseMsg{action: action, result: result, err: err}
	}()
}

// --- response rendering ---------------------------------------------------

func (r *Router) handleResponse(ctx context.Context, msg responseMsg) {
	if msg.err != nil {
		r.coord.Appendf("%v\n", msg.err)
		return
	}
	switch msg.action.Kind {
	case lspsession.ActionDefinition:
		locs := msg.result.(*[]protocol.Location)
		r.renderLocations("definition", locs)
		if err := plumbLocations(*locs); err != nil && Debug {
			log.Printf("router: plumb: %v", err)
		}
	case lspsession.ActionReferences:
		r.renderLocations("references", msg.result.(*[]protocol.Location))
	case lspsession.ActionHover:
		h := msg.result.(*protocol.Hover)
		r.coord.Appendf("%v\n", h.Contents.Value)
	case lspsession.ActionCompletion:
		cl := msg.result.(*protocol.CompletionList)
		for _, item := range cl.Items {
			r.coord.Appendf("%v %v\n", item.Label, item.Detail)
		}
	case lspsession.ActionSignatureHelp:
		sh := msg.result.(*protocol.SignatureHelp)
		for _, sig := range sh.Signatures {
			r.coord.Appendf("%v\n", sig.Label)
		}
	case lspsession.ActionFormatThenApply:
		r.applyFormatResult(ctx, msg)
	case lspsession.ActionCodeActionApply:
		r.applyCodeActionResult(ctx, msg)
	case lspsession.ActionRename:
		we := msg.result.(*protocol.WorkspaceEdit)
		r.applyWorkspaceEdit(*we)
	}
}

// inlineLocationLimit is the most results renderLocations will dump
// into the coordination window's output area before opening a
// transient window for the full listing instead.
const inlineLocationLimit = 8

func (r *Router) renderLocations(label string, locs *[]protocol.Location) {
	if len(*locs) == 0 {
		r.coord.Appendf("%v: no results\n", label)
		return
	}
	var b strings.Builder
	for _, l := range *locs {
		fmt.Fprintf(&b, "%v:%v:%v:\n", l.URI, l.Range.Start.Line+1, l.Range.Start.Character+1)
	}
	if len(*locs) > inlineLocationLimit {
		if err := r.openOutputWindow("/LSP/"+label, b.String()); err == nil {
			return
		}
	}
	r.coord.Appendf("%s", b.String())
}

// openOutputWindow creates a transient acme window holding body, the
// same scratch-window idiom the rest of this ecosystem uses for
// "watch" output: a plain new window, named and filled once, left for
// the user to read and close.
func (r *Router) openOutputWindow(name, body string) error {
	w, err := acmeio.New()
	if err != nil {
		return err
	}
	if err := w.Name(name); err != nil {
		return err
	}
	if err := w.SetBody(body); err != nil {
		return err
	}
	return w.Ctl("clean")
}

func (r *Router) applyFormatResult(ctx context.Context, msg responseMsg) {
	r.mu.Lock()
	ws := r.windows[msg.action.WindowID]
	r.mu.Unlock()
	if ws == nil || ws.Session == nil {
		return
	}
	if ws.Session.DocVersion(ws.URI) != msg.action.Version {
		// Stale: the document moved on before this reply arrived.
		return
	}
	edits := *(msg.result.(*[]protocol.TextEdit))
	if len(edits) == 0 {
		return
	}
	if err := applyEdits(ws, edits); err != nil {
		log.Printf("router: applying format edits to %v: %v", ws.Path, err)
		return
	}
	r.flushChangeIfDirty(ctx, ws)
	body, err := ws.Win.Body()
	if err == nil {
		ws.Session.Save(ctx, ws.URI, body)
	}
}

func (r *Router) applyCodeActionResult(ctx context.Context, msg responseMsg) {
	results := *(msg.result.(*[]protocol.CodeActionResult))
	for _, ca := range results {
		if ca.Edit != nil {
			r.applyWorkspaceEdit(*ca.Edit)
		}
		if ca.Command != nil {
			r.mu.Lock()
			ws := r.windows[msg.action.WindowID]
			r.mu.Unlock()
			if ws != nil && ws.Session != nil {
				r.asyncRequest(ws.Session, "workspace/executeCommand",
					&protocol.ExecuteCommandParams{Command: ca.Command.Command, Arguments: ca.Command.Arguments},
					&struct{}{},
					&lspsession.PendingAction{Kind: lspsession.ActionExecuteCommand, WindowID: ws.ID})
			}
		}
	}
}

// applyWorkspaceEditRequest answers a server-initiated
// workspace/applyEdit: it applies we only if every document it
// touches is currently open in acme, matching the conservative
// best-effort policy of applying to open documents and rejecting
// anything that would have to be applied to an unopened file on disk.
func (r *Router) applyWorkspaceEditRequest(we protocol.WorkspaceEdit) (bool, string) {
	for uri := range we.Changes {
		if r.windowByURI(uri) == nil {
			return false, "not open in acme"
		}
	}
	r.applyWorkspaceEdit(we)
	return true, ""
}

// applyWorkspaceEdit applies we to every affected window that is
// currently open in acme; URIs not open are skipped, matching the
// bridge's conservative applyEdit policy.
func (r *Router) applyWorkspaceEdit(we protocol.WorkspaceEdit) {
	for uri, edits := range we.Changes {
		ws := r.windowByURI(uri)
		if ws == nil {
			r.coord.Appendf("rename: %v: not open in acme\n", uri)
			continue
		}
		if err := applyEdits(ws, edits); err != nil {
			log.Printf("router: applying edits to %v: %v", ws.Path, err)
		}
	}
}

func (r *Router) windowByURI(uri protocol.DocumentURI) *WindowState {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ws := range r.windows {
		if ws.URI == uri {
			return ws
		}
	}
	return nil
}

// applyEdits rewrites ws's body with edits applied in reverse order of
// start position, so each rewrite leaves every not-yet-applied edit's
// offsets valid.
func applyEdits(ws *WindowState, edits []protocol.TextEdit) error {
	sorted := make([]protocol.TextEdit, len(edits))
	copy(sorted, edits)
	sort.Slice(sorted, func(i, j int) bool {
		return comparePos(sorted[i].Range.Start, sorted[j].Range.Start) > 0
	})
	return ws.Win.WithMark(func() error {
		for _, e := range sorted {
			q0 := ws.index.PositionToOffset(e.Range.Start.Line, e.Range.Start.Character)
			q1 := ws.index.PositionToOffset(e.Range.End.Line, e.Range.End.Character)
			if err := ws.Win.ReplaceRange(q0, q1, e.NewText); err != nil {
				return err
			}
		}
		return nil
	})
}

// plumbLocations sends each location to acme's plumber, placing the
// cursor just before the location's range, mirroring the definition
// command's "jump to this place" behavior in a plumbing-aware acme.
func plumbLocations(locations []protocol.Location) error {
	if len(locations) == 0 {
		return nil
	}
	p, err := plumb.Open("send", plan9.OWRITE)
	if err != nil {
		return errors.Wrap(err, "opening plumber")
	}
	defer p.Close()
	for _, loc := range locations {
		msg := &plumb.Message{
			Src:  "lspbridge",
			Dst:  "edit",
			Dir:  "/",
			Type: "text",
			Attr: &plumb.Attribute{
				Name:  "addr",
				Value: fmt.Sprintf("%v-#0+#%v", loc.Range.Start.Line+1, loc.Range.Start.Character),
			},
			Data: []byte(strings.TrimPrefix(string(loc.URI), "file://")),
		}
		if err := msg.Send(p); err != nil {
			return errors.Wrap(err, "sending plumb message")
		}
	}
	return nil
}

func comparePos(a, b protocol.Position) int {
	if a.Line != b.Line {
		return a.Line - b.Line
	}
	return a.Character - b.Character
}

// --- session management -----------------------------------------------

func (r *Router) sessionFor(cs *bridgeconfig.CompiledServer) (*lspsession.Session, error) {
	r.mu.Lock()
	if s, ok := r.sessions[cs.Name]; ok && s.State() == lspsession.Ready {
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	conn, cmd, err := transport.Spawn(cs.ExecutableOrDefault(), nil, os.Stderr)
	if err != nil {
		return nil, err
	}
	var sink lspsession.EventSink
	if r.diag != nil {
		sink = r.diag
	}
	sess := lspsession.New(cs.Name, conn, sink, r.rpcTrace)
	sess.SetCmd(cmd)
	sess.SetApplyEdit(r.applyWorkspaceEditRequest)

	rootURI := protocol.DocumentURI(cs.RootURI)
	if rootURI == "" {
		rootURI = protocol.DocumentURI("file://" + r.root)
	}
	var folders []protocol.WorkspaceFolder
	for _, f := range cs.WorkspaceFolders {
		folders = append(folders, protocol.WorkspaceFolder{URI: protocol.DocumentURI(f), Name: filepath.Base(f)})
	}

	if err := sess.Initialize(context.Background(), rootURI, folders, cs.Options); err != nil {
		conn.Close()
		return nil, err
	}

	r.mu.Lock()
	r.sessions[cs.Name] = sess
	r.mu.Unlock()

	go r.watchSessionErr(cs.Name, sess)

	return sess, nil
}

func (r *Router) watchSessionErr(name string, sess *lspsession.Session) {
	err, ok := <-sess.Err
	if !ok {
		return
	}
	r.sessionErr <- sessionErrMsg{name: name, err: err}
}

func (r *Router) handleSessionError(msg sessionErrMsg) {
	log.Printf("router: session %v failed: %v", msg.name, msg.err)
	r.mu.Lock()
	sess := r.sessions[msg.name]
	delete(r.sessions, msg.name)
	for _, ws := range r.windows {
		if ws.Session != nil && ws.Session.Name == msg.name {
			ws.Session = nil
		}
	}
	r.mu.Unlock()
	if sess != nil && sess.State() == lspsession.Exited {
		// The connection is already gone; this closes the transport
		// and kills the child process.
		sess.Shutdown(context.Background())
	}
	r.refreshMenu()
}

func (r *Router) serverConfigFor(sess *lspsession.Session) *bridgeconfig.CompiledServer {
	for _, cs := range r.servers {
		if cs.Name == sess.Name {
			return cs
		}
	}
	return nil
}

func (r *Router) shutdownAll() {
	r.mu.Lock()
	sessions := make([]*lspsession.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()
	for _, s := range sessions {
		s.Shutdown(context.Background())
	}
}

// --- coordination menu ----------------------------------------------------

func (r *Router) refreshMenu() {
	if r.coord == nil {
		return
	}
	r.mu.Lock()
	ids := make([]int, 0, len(r.windows))
	for id := range r.windows {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	var lines []string
	for _, id := range ids {
		ws := r.windows[id]
		prefix := " "
		if id == r.focused {
			prefix = "*"
		}
		cmds := []string{"Get", "Put"}
		if ws.Session != nil {
			caps := ws.Session.Capabilities()
			for _, c := range commandNames {
				if c.Has(caps) {
					cmds = append(cmds, c.Name)
				}
			}
		}
		lines = append(lines, fmt.Sprintf("%s%v [%v]", prefix, ws.Path, strings.Join(cmds, " ")))
	}
	r.mu.Unlock()

	r.coord.SetMenu(lines)
}
