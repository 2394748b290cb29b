package lspsession

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/acme-tools/lspbridge/internal/protocol"
	"github.com/acme-tools/lspbridge/internal/transport"
)

// mockServerHandler answers initialize with a fixed capability set and
// otherwise just acknowledges whatever it gets, standing in for a real
// language server for the handshake and document-lifecycle tests.
type mockServerHandler struct {
	received []string
}

func (h *mockServerHandler) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	h.received = append(h.received, req.Method)
	if req.Notif {
		return
	}
	switch req.Method {
	case "initialize":
		conn.Reply(ctx, req.ID, &protocol.InitializeResult{
			Capabilities: protocol.ServerCapabilities{
				DefinitionProvider: true,
			},
		})
	case "shutdown":
		conn.Reply(ctx, req.ID, nil)
	case "textDocument/hangs":
		// Intentionally never replies, so tests can exercise
		// CancelWindow against a request that is still in flight.
	default:
		conn.Reply(ctx, req.ID, nil)
	}
}

type noopSink struct{}

func (noopSink) Diagnostics(protocol.PublishDiagnosticsParams) {}
func (noopSink) Message(protocol.ShowMessageParams)            {}
func (noopSink) Log(protocol.LogMessageParams)                 {}

func newMockSession(t *testing.T) (*Session, *mockServerHandler) {
	t.Helper()
	clientSide, serverSide := net.Pipe()

	handler := &mockServerHandler{}
	serverStream := transport.NewStream(serverSide)
	jsonrpc2.NewConn(context.Background(), serverStream, handler)

	s := New("mock", clientSide, noopSink{}, false)
	return s, handler
}

func TestInitializeReachesReady(t *testing.T) {
	s, _ := newMockSession(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.Initialize(ctx, "file:///tmp", nil, nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if s.State() != Ready {
		t.Fatalf("state = %v, want Ready", s.State())
	}
	if !s.Capabilities().DefinitionProvider {
		t.Errorf("DefinitionProvider = false, want true")
	}
}

func TestRequestsRejectedBeforeReady(t *testing.T) {
	s, _ := newMockSession(t)
	_, err := s.SendRequest(context.Background(), "textDocument/definition", nil, nil, nil)
	if err != errNotReady {
		t.Fatalf("SendRequest before Initialize: err = %v, want errNotReady", err)
	}
}

func TestDocumentLifecycleOrdering(t *testing.T) {
	s, handler := newMockSession(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.Initialize(ctx, "file:///tmp", nil, nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	uri := protocol.DocumentURI("file:///tmp/a.go")
	if err := s.Open(ctx, uri, "go", "a\n"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Change(ctx, uri, "ab\n"); err != nil {
		t.Fatalf("Change: %v", err)
	}
	if v := s.DocVersion(uri); v != 1 {
		t.Fatalf("DocVersion = %d, want 1", v)
	}

	// Give the server-side handler goroutine a moment to observe both
	// notifications (net.Pipe delivery is synchronous but the jsonrpc2
	// read loop dispatches asynchronously).
	time.Sleep(50 * time.Millisecond)

	want := []string{"initialize", "initialized", "textDocument/didOpen", "textDocument/didChange"}
	if diff := cmp.Diff(want, handler.received); diff != "" {
		t.Errorf("message order mismatch (-want +got):\n%s", diff)
	}
}

func TestCancelWindowDropsPendingRequest(t *testing.T) {
	s, _ := newMockSession(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Initialize(ctx, "file:///tmp", nil, nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	action := &PendingAction{Kind: ActionHover, WindowID: 7}
	errCh := make(chan error, 1)
	go func() {
		_, err := s.SendRequest(context.Background(), "textDocument/hangs", nil, nil, action)
		errCh <- err
	}()

	// Give SendRequest time to register in the pending table before
	// CancelWindow looks for it.
	time.Sleep(20 * time.Millisecond)
	s.CancelWindow(7)

	select {
	case err := <-errCh:
		if err != ErrCancelled {
			t.Fatalf("SendRequest after CancelWindow: err = %v, want ErrCancelled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("SendRequest did not return after CancelWindow")
	}
}

func TestCapabilityGatedMenu(t *testing.T) {
	s, _ := newMockSession(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Initialize(ctx, "file:///tmp", nil, nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	caps := s.Capabilities()
	if caps.RenameProvider {
		t.Errorf("RenameProvider = true, want false (not advertised by mock server)")
	}
	if !caps.DefinitionProvider {
		t.Errorf("DefinitionProvider = false, want true")
	}
}
