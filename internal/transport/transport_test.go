package transport

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sourcegraph/jsonrpc2"
)

// TestFramingRoundTrip exercises the literal scenario: a message is
// Content-Length framed on the way out, and decoding those framed
// bytes yields the original object back.
func TestFramingRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	codec := jsonrpc2.VSCodeObjectCodec{}

	req := &jsonrpc2.Request{
		Method: "x",
	}
	id := jsonrpc2.ID{Num: 1}
	req.ID = id

	if err := codec.WriteObject(&buf, req); err != nil {
		t.Fatalf("WriteObject: %v", err)
	}

	wire := buf.String()
	if !bytes.HasPrefix(buf.Bytes(), []byte("Content-Length: ")) {
		t.Fatalf("framed output does not start with Content-Length header: %q", wire)
	}

	var got jsonrpc2.Request
	if err := codec.ReadObject(bufio.NewReader(&buf), &got); err != nil {
		t.Fatalf("ReadObject: %v", err)
	}
	if diff := cmp.Diff(req.Method, got.Method); diff != "" {
		t.Errorf("method mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(req.ID, got.ID); diff != "" {
		t.Errorf("id mismatch (-want +got):\n%s", diff)
	}
}
