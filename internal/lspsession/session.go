// Package lspsession manages one language server's lifecycle: its
// framed JSON-RPC connection, the initialize handshake, the open
// document mirror, and the correlation of outgoing requests to the
// action that should run when their reply arrives.
package lspsession

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"os"
	"os/exec"
	"sync"

	"github.com/pkg/errors"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/acme-tools/lspbridge/internal/protocol"
	"github.com/acme-tools/lspbridge/internal/transport"
)

// Debug gates verbose logging of unhandled server-originated
// notifications, toggled by the bridge's -v flag.
var Debug = false

// State is the session lifecycle state machine.
type State int

const (
	Spawned State = iota
	Initializing
	Ready
	ShuttingDown
	Exited
)

// ActionKind tags what an outgoing request's response should be used
// for; it replaces dynamic dispatch with an explicit switch in the
// router.
type ActionKind int

const (
	ActionDefinition ActionKind = iota
	ActionReferences
	ActionHover
	ActionCompletion
	ActionSignatureHelp
	ActionRename
	ActionFormatThenApply
	ActionCodeActionList
	ActionCodeActionApply
	ActionExecuteCommand
)

// PendingAction records what to do with a response once it arrives.
type PendingAction struct {
	Kind     ActionKind
	WindowID int
	URI      protocol.DocumentURI
	Version  int // the DocState version at the time the request was issued
}

// pendingRequest is what the correlation table actually keeps per
// in-flight request: the action to run on reply, and the means to
// cancel the request if its window closes first.
type pendingRequest struct {
	action *PendingAction
	cancel context.CancelFunc
}

// ErrCancelled is returned by SendRequest when the request's window
// was closed before a reply arrived. The router drops such responses
// instead of acting on them.
var ErrCancelled = errors.New("request cancelled")

// DocState mirrors one open document's server-visible state.
type DocState struct {
	URI     protocol.DocumentURI
	Lang    string
	Version int
	Text    string
}

// EventSink receives out-of-band server traffic (diagnostics, log and
// show-message notifications) so the router/UI layer can render it
// without the session needing to know about acme windows.
type EventSink interface {
	Diagnostics(protocol.PublishDiagnosticsParams)
	Message(protocol.ShowMessageParams)
	Log(protocol.LogMessageParams)
}

// Session is one running language server.
type Session struct {
	Name string

	mu    sync.Mutex
	state State

	conn *jsonrpc2.Conn
	cmd  *exec.Cmd

	capabilities protocol.ServerCapabilities

	nextID  uint64
	pending map[uint64]*pendingRequest

	docs map[protocol.DocumentURI]*DocState

	sink EventSink

	// applyEdit, when set, lets the router actually carry out a
	// server-initiated workspace/applyEdit against open acme windows.
	// A nil applyEdit (or one that returns false) falls back to the
	// conservative reject-with-reason response.
	applyEdit func(protocol.WorkspaceEdit) (bool, string)

	// Err receives the session's terminal error, if any, for the
	// router to observe without a shared log.Fatal call bringing down
	// the whole bridge process.
	Err chan error
}

// SetApplyEdit wires fn as the handler for server-initiated
// workspace/applyEdit requests. The router sets this once per session
// so edits touching documents that are open in acme are actually
// applied instead of being unconditionally rejected.
func (s *Session) SetApplyEdit(fn func(protocol.WorkspaceEdit) (bool, string)) {
	s.mu.Lock()
	s.applyEdit = fn
	s.mu.Unlock()
}

// New creates a Session bound to an already-connected transport. Use
// transport.Spawn or transport.Dial to obtain conn. When trace is set,
// every request and response on the connection is logged to stderr,
// named after the session, in the same inspector-trace format the
// rest of this ecosystem's -rpc.trace flag uses.
func New(name string, conn net.Conn, sink EventSink, trace bool) *Session {
	s := &Session{
		Name:    name,
		state:   Spawned,
		pending: make(map[uint64]*pendingRequest),
		docs:    make(map[protocol.DocumentURI]*DocState),
		sink:    sink,
		Err:     make(chan error, 1),
	}
	stream := transport.NewStream(conn)

	var opts []jsonrpc2.ConnOpt
	if trace {
		opts = append(opts, rpcTraceOpt(log.New(os.Stderr, "lspbridge["+name+"] ", log.LstdFlags)))
	}
	s.conn = jsonrpc2.NewConn(context.Background(), stream, &sessionHandler{s: s}, opts...)

	go func() {
		<-s.conn.DisconnectNotify()
		if s.State() != Exited && s.State() != ShuttingDown {
			s.fail(errors.New("transport disconnected"))
		}
	}()
	return s
}

// sessionHandler answers server-originated requests and dispatches
// server-originated notifications to the session's EventSink. Every
// request method jsonrpc2 hands us gets a reply — including ones we
// don't otherwise act on — so a well-behaved server blocked on our
// answer is never stalled.
type sessionHandler struct {
	s *Session
}

var _ jsonrpc2.Handler = (*sessionHandler)(nil)

func (h *sessionHandler) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	s := h.s
	if req.Notif {
		switch req.Method {
		case "textDocument/publishDiagnostics":
			var p protocol.PublishDiagnosticsParams
			if err := unmarshalParams(req, &p); err == nil && s.sink != nil {
				s.sink.Diagnostics(p)
			}
		case "window/showMessage":
			var p protocol.ShowMessageParams
			if err := unmarshalParams(req, &p); err == nil && s.sink != nil {
				s.sink.Message(p)
			}
		case "window/logMessage":
			var p protocol.LogMessageParams
			if err := unmarshalParams(req, &p); err == nil && s.sink != nil {
				s.sink.Log(p)
			}
		default:
			if Debug {
				log.Printf("lspsession: unhandled notification %v", req.Method)
			}
		}
		return
	}

	// Server-originated request: always reply so the server is never
	// left blocked, even when we have nothing useful to say.
	switch req.Method {
	case "workspace/applyEdit":
		var p protocol.ApplyWorkspaceEditParams
		applied, reason := false, "not open in acme"
		if err := unmarshalParams(req, &p); err == nil {
			s.mu.Lock()
			applyEdit := s.applyEdit
			s.mu.Unlock()
			if applyEdit != nil {
				applied, reason = applyEdit(p.Edit)
			}
		}
		conn.Reply(ctx, req.ID, &protocol.ApplyWorkspaceEditResponse{
			Applied:       applied,
			FailureReason: reason,
		})
	case "workspace/configuration":
		var p protocol.ConfigurationParams
		unmarshalParams(req, &p)
		conn.Reply(ctx, req.ID, make([]interface{}, len(p.Items)))
	case "client/registerCapability", "client/unregisterCapability":
		conn.Reply(ctx, req.ID, nil)
	case "window/showMessageRequest":
		conn.Reply(ctx, req.ID, nil)
	case "workspace/workspaceFolders":
		conn.Reply(ctx, req.ID, []protocol.WorkspaceFolder{})
	default:
		conn.ReplyWithError(ctx, req.ID, &jsonrpc2.Error{
			Code:    jsonrpc2.CodeMethodNotFound,
			Message: "method not handled by bridge: " + req.Method,
		})
	}
}

// rpcTraceOpt logs every request and response sent or received on a
// connection through logger. It tracks pending request ids so replies
// can be logged alongside the method that produced them, the same
// workaround the rest of this ecosystem uses for jsonrpc2's lack of
// built-in correlation in its trace hooks.
func rpcTraceOpt(logger *log.Logger) jsonrpc2.ConnOpt {
	return func(c *jsonrpc2.Conn) {
		var (
			mu         sync.Mutex
			reqMethods = map[jsonrpc2.ID]string{}
		)
		jsonrpc2.OnRecv(func(req *jsonrpc2.Request, resp *jsonrpc2.Response) {
			switch {
			case resp != nil:
				mu.Lock()
				method := reqMethods[resp.ID]
				mu.Unlock()
				if resp.Error != nil {
					e, _ := json.Marshal(resp.Error)
					logger.Printf("--> error #%s: %s: %s", resp.ID, method, e)
				} else {
					r, _ := json.Marshal(resp.Result)
					logger.Printf("--> result #%s: %s: %s", resp.ID, method, r)
				}
			case req != nil:
				p, _ := json.Marshal(req.Params)
				if req.Notif {
					logger.Printf("--> notif: %s: %s", req.Method, p)
				} else {
					logger.Printf("--> request #%s: %s: %s", req.ID, req.Method, p)
				}
			}
		})(c)
		jsonrpc2.OnSend(func(req *jsonrpc2.Request, resp *jsonrpc2.Response) {
			switch {
			case resp != nil:
				p, _ := json.Marshal(resp.Result)
				logger.Printf("<-- result #%s: %s", resp.ID, p)
			case req != nil:
				mu.Lock()
				reqMethods[req.ID] = req.Method
				mu.Unlock()
				p, _ := json.Marshal(req.Params)
				if req.Notif {
					logger.Printf("<-- notif: %s: %s", req.Method, p)
				} else {
					logger.Printf("<-- request #%s: %s: %s", req.ID, req.Method, p)
				}
			}
		})(c)
	}
}

func unmarshalParams(req *jsonrpc2.Request, v interface{}) error {
	if req.Params == nil {
		return errors.New("no params")
	}
	return json.Unmarshal(*req.Params, v)
}

// SetCmd records the spawned child process so Shutdown can reap it.
func (s *Session) SetCmd(cmd *exec.Cmd) { s.cmd = cmd }

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Capabilities returns the server's advertised capabilities. Valid only
// once State() == Ready.
func (s *Session) Capabilities() protocol.ServerCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capabilities
}

// Initialize performs the initialize/initialized handshake.
func (s *Session) Initialize(ctx context.Context, rootURI protocol.DocumentURI, folders []protocol.WorkspaceFolder, options interface{}) error {
	s.setState(Initializing)

	params := &protocol.InitializeParams{
		ProcessID:             os.Getpid(),
		RootURI:               rootURI,
		WorkspaceFolders:       folders,
		InitializationOptions: options,
		Capabilities: protocol.ClientCapabilities{
			Workspace: protocol.WorkspaceClientCapabilities{
				WorkspaceFolders: true,
				ApplyEdit:        true,
			},
		},
	}
	var result protocol.InitializeResult
	if err := s.conn.Call(ctx, "initialize", params, &result); err != nil {
		s.setState(Exited)
		return errors.Wrap(err, "initialize")
	}

	s.mu.Lock()
	s.capabilities = result.Capabilities
	s.mu.Unlock()

	if err := s.conn.Notify(ctx, "initialized", &struct{}{}); err != nil {
		s.setState(Exited)
		return errors.Wrap(err, "initialized")
	}
	s.setState(Ready)
	return nil
}

// errNotReady is returned by any call that requires Ready state.
var errNotReady = errors.New("session is not ready")

func (s *Session) requireReady() error {
	if s.State() != Ready {
		return errNotReady
	}
	return nil
}

// SendRequest issues method with params, remembering action in the
// pending table so CancelWindow can find and cancel it if its window
// closes before the reply arrives. The id doubles as the wire-level
// jsonrpc2 request id (via jsonrpc2.PickID), so a best-effort
// $/cancelRequest notification can name exactly this request.
func (s *Session) SendRequest(ctx context.Context, method string, params interface{}, result interface{}, action *PendingAction) (uint64, error) {
	if err := s.requireReady(); err != nil {
		return 0, err
	}
	reqCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.pending[id] = &pendingRequest{action: action, cancel: cancel}
	s.mu.Unlock()

	err := s.conn.Call(reqCtx, method, params, result, jsonrpc2.PickID(jsonrpc2.ID{Num: id}))

	s.mu.Lock()
	_, stillPending := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()
	cancel()

	if err != nil {
		if !stillPending {
			// Removed by CancelWindow, not by completing normally.
			return id, ErrCancelled
		}
		return id, errors.Wrapf(err, "%v", method)
	}
	return id, nil
}

// CancelWindow marks every request pending for windowID as cancelled:
// it cancels the request's context (so the blocked SendRequest call
// returns ErrCancelled) and sends a best-effort $/cancelRequest
// notification naming the same wire id.
func (s *Session) CancelWindow(windowID int) {
	s.mu.Lock()
	var ids []uint64
	for id, pr := range s.pending {
		if pr.action != nil && pr.action.WindowID == windowID {
			ids = append(ids, id)
			delete(s.pending, id)
			pr.cancel()
		}
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.conn.Notify(context.Background(), "$/cancelRequest", &protocol.CancelParams{ID: id})
	}
}

// Notify sends a notification (no reply expected).
func (s *Session) Notify(ctx context.Context, method string, params interface{}) error {
	if err := s.requireReady(); err != nil {
		return err
	}
	return s.conn.Notify(ctx, method, params)
}

// --- Document lifecycle -----------------------------------------------

// Open registers uri as open with the given initial text and sends
// textDocument/didOpen.
func (s *Session) Open(ctx context.Context, uri protocol.DocumentURI, lang, text string) error {
	s.mu.Lock()
	s.docs[uri] = &DocState{URI: uri, Lang: lang, Version: 0, Text: text}
	s.mu.Unlock()

	return s.Notify(ctx, "textDocument/didOpen", &protocol.DidOpenTextDocumentParams{
		TextDocument: protocol.TextDocumentItem{
			URI:        uri,
			LanguageID: lang,
			Version:    0,
			Text:       text,
		},
	})
}

// Change mirrors a full-document edit: the version counter advances and
// the new text is sent as a single whole-document change event.
func (s *Session) Change(ctx context.Context, uri protocol.DocumentURI, text string) error {
	s.mu.Lock()
	doc, ok := s.docs[uri]
	if !ok {
		s.mu.Unlock()
		return errors.Errorf("change: %v is not open", uri)
	}
	doc.Version++
	doc.Text = text
	version := doc.Version
	s.mu.Unlock()

	return s.Notify(ctx, "textDocument/didChange", &protocol.DidChangeTextDocumentParams{
		TextDocument: protocol.VersionedTextDocumentIdentifier{
			TextDocumentIdentifier: protocol.TextDocumentIdentifier{URI: uri},
			Version:                version,
		},
		ContentChanges: []protocol.TextDocumentContentChangeEvent{{Text: text}},
	})
}

// Save flushes any pending edit then sends textDocument/didSave.
func (s *Session) Save(ctx context.Context, uri protocol.DocumentURI, text string) error {
	s.mu.Lock()
	doc, ok := s.docs[uri]
	s.mu.Unlock()
	if !ok {
		return errors.Errorf("save: %v is not open", uri)
	}
	if doc.Text != text {
		if err := s.Change(ctx, uri, text); err != nil {
			return err
		}
	}
	return s.Notify(ctx, "textDocument/didSave", &protocol.DidSaveTextDocumentParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: uri},
		Text:         text,
	})
}

// Close sends textDocument/didClose and forgets the document mirror.
func (s *Session) Close(ctx context.Context, uri protocol.DocumentURI) error {
	s.mu.Lock()
	delete(s.docs, uri)
	s.mu.Unlock()
	return s.Notify(ctx, "textDocument/didClose", &protocol.DidCloseTextDocumentParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: uri},
	})
}

// DocVersion returns the current mirrored version for uri, or -1 if
// the document is not open.
func (s *Session) DocVersion(uri protocol.DocumentURI) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[uri]
	if !ok {
		return -1
	}
	return doc.Version
}

// Shutdown performs the shutdown/exit sequence and tears down the
// transport. It does not restart the child: a fatal session is simply
// gone, and its windows revert to unbound in the router.
func (s *Session) Shutdown(ctx context.Context) error {
	s.setState(ShuttingDown)
	err := s.conn.Call(ctx, "shutdown", nil, nil)
	if err == nil {
		err = s.conn.Notify(ctx, "exit", nil)
	}
	s.setState(Exited)
	closeErr := s.conn.Close()
	if s.cmd != nil && s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	if err != nil {
		return errors.Wrap(err, "shutdown")
	}
	return closeErr
}

// fail transitions to Exited and publishes err on Err for the router's
// select loop, without taking down the rest of the bridge.
func (s *Session) fail(err error) {
	s.setState(Exited)
	select {
	case s.Err <- err:
	default:
	}
}
