// Package transport spawns language server child processes and frames
// JSON-RPC messages on their stdio.
package transport

import (
	"io"
	"net"
	"os"
	"os/exec"

	"github.com/pkg/errors"
	"github.com/sourcegraph/jsonrpc2"
)

// pipeConn joins a child process's Stdin/Stdout to a net.Conn-shaped
// value using net.Pipe, the same trick the upstream bridge uses to hand
// a subprocess's stdio to a jsonrpc2 stream without touching disk.
type pipeConn struct {
	net.Conn
	cmd *exec.Cmd
}

func (p *pipeConn) Close() error {
	err := p.Conn.Close()
	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
	return err
}

// Spawn starts executable with args, wiring its stdin/stdout through an
// in-process pipe so the returned net.Conn can be handed directly to
// jsonrpc2. The child's stderr is copied to the given stderr writer, or
// to os.Stderr when stderr is nil.
func Spawn(executable string, args []string, stderr io.Writer) (net.Conn, *exec.Cmd, error) {
	cmd := exec.Command(executable, args...)
	if stderr != nil {
		cmd.Stderr = stderr
	} else {
		cmd.Stderr = os.Stderr
	}

	p1, p2 := net.Pipe()
	cmd.Stdin = readerFromConn(p1)
	cmd.Stdout = writerFromConn(p1)

	if err := cmd.Start(); err != nil {
		return nil, nil, errors.Wrapf(err, "starting %v", executable)
	}
	return &pipeConn{Conn: p2, cmd: cmd}, cmd, nil
}

// Dial connects to a language server already listening on network/addr
// (used for servers run out-of-process, e.g. over a unix socket).
func Dial(network, addr string) (net.Conn, error) {
	conn, err := net.Dial(network, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing %v %v", network, addr)
	}
	return conn, nil
}

// NewStream frames conn using Content-Length-delimited JSON, the wire
// format every LSP server speaks.
func NewStream(conn net.Conn) jsonrpc2.ObjectStream {
	return jsonrpc2.NewBufferedStream(conn, jsonrpc2.VSCodeObjectCodec{})
}

// readerFromConn/writerFromConn let a net.Conn's two halves stand in
// for a subprocess's Stdin (io.Reader) and Stdout (io.Writer) fields,
// which os/exec otherwise requires as plain io.Reader/io.Writer, not a
// full net.Conn.
func readerFromConn(c net.Conn) io.Reader { return c }
func writerFromConn(c net.Conn) io.Writer { return c }
