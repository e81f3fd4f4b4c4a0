package authbroker

import (
	"io"
	"os"
	"sync"
	"syscall"
)

// Transport is the post-login bridge between a session and the process (or
// SSH channel) that serves it. The broker treats it as opaque; it only needs
// to be able to release it.
type Transport interface {
	io.Reader
	io.Writer
	Close(reason string)
}

// pipeTransport bridges a session to a helper child over the stdin/stdout
// the broker kept when it spawned it. Once adopted by a session the child is
// no longer the conversation's to kill; closing the transport terminates it.
type pipeTransport struct {
	name string
	proc *os.Process

	mu     sync.Mutex
	in     *os.File // child's stdout, read end
	out    *os.File // child's stdin, write end
	closed bool
}

func newPipeTransport(name string, proc *os.Process, in, out *os.File) *pipeTransport {
	return &pipeTransport{
		name: name,
		proc: proc,
		in:   in,
		out:  out,
	}
}

func (x *pipeTransport) Read(p []byte) (int, error) {
	return x.in.Read(p)
}

func (x *pipeTransport) Write(p []byte) (int, error) {
	return x.out.Write(p)
}

func (x *pipeTransport) Close(reason string) {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return
	}
	x.closed = true
	x.mu.Unlock()

	x.in.Close()
	x.out.Close()
	if x.proc != nil {
		x.proc.Signal(syscall.SIGTERM)
		go x.proc.Wait()
	}
}
