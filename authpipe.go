package authbroker

import (
	"os"
	"sync"
	"time"

	"github.com/IMQS/log"
	"golang.org/x/sys/unix"
)

// One frame per packet; a SOCK_SEQPACKET socketpair preserves message
// boundaries in both directions, so neither side needs delimiters inside the
// JSON. Helpers that outgrow this limit are broken helpers.
const authPipeMaxFrame = 64 * 1024

// AuthPipe is the side-channel message channel between the broker and a
// helper. One end stays with the broker; the other is handed to the helper
// (inherited on fd 3 by a spawned process, or used in-process by the SSH
// transport). Two timeouts are enforced: a wall-clock limit on the whole
// conversation, and an inter-message idle limit. Either firing closes the
// pipe, which surfaces as a close event with a timeout error.
type AuthPipe struct {
	id      string
	logname string
	logger  *log.Logger

	mu        sync.Mutex
	local     *os.File
	remote    *os.File
	stolen    bool
	closed    bool
	onMessage func([]byte)
	onClose   func(error)
	onPurge   func()

	convTimer   *time.Timer
	idleTimer   *time.Timer
	idleTimeout time.Duration
}

// newAuthPipe creates the socketpair and arms the timeouts. The caller must
// call SetHandlers before the remote end can produce traffic.
func newAuthPipe(id, logname string, convTimeout, idleTimeout time.Duration, logger *log.Logger) (*AuthPipe, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, NewError(ErrInternalFailure, "socketpair: "+err.Error())
	}
	// Non-blocking hands the descriptors to the runtime poller, so Close can
	// interrupt a pending Read. A spawned child gets its end switched back to
	// blocking when it inherits the descriptor.
	unix.SetNonblock(fds[0], true)
	unix.SetNonblock(fds[1], true)
	p := &AuthPipe{
		id:          id,
		logname:     logname,
		logger:      logger,
		local:       os.NewFile(uintptr(fds[0]), "authpipe-local-"+id),
		remote:      os.NewFile(uintptr(fds[1]), "authpipe-remote-"+id),
		idleTimeout: idleTimeout,
	}
	p.convTimer = time.AfterFunc(convTimeout, p.timeout)
	p.idleTimer = time.AfterFunc(idleTimeout, p.timeout)
	go p.readLoop()
	return p, nil
}

func (x *AuthPipe) ID() string {
	return x.id
}

// SetHandlers installs the message and close callbacks. The close callback
// fires exactly once.
func (x *AuthPipe) SetHandlers(onMessage func([]byte), onClose func(error)) {
	x.mu.Lock()
	x.onMessage = onMessage
	x.onClose = onClose
	x.mu.Unlock()
}

// SetPurge installs a hook run on close, after the close handler. The broker
// uses it to drop a pending conversation whose helper went away while the
// client was still thinking.
func (x *AuthPipe) SetPurge(f func()) {
	x.mu.Lock()
	x.onPurge = f
	x.mu.Unlock()
}

func (x *AuthPipe) ClearPurge() {
	x.mu.Lock()
	x.onPurge = nil
	x.mu.Unlock()
}

// StealFD hands out the helper end. Ownership transfers to the caller; the
// pipe will no longer close it.
func (x *AuthPipe) StealFD() *os.File {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.stolen = true
	return x.remote
}

// Answer sends one frame to the helper.
func (x *AuthPipe) Answer(frame []byte) error {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return NewError(ErrInternalFailure, "auth pipe closed")
	}
	local := x.local
	x.mu.Unlock()
	if len(frame) == 0 {
		// A zero-length frame is still a frame on a seqpacket socket, but
		// os.File.Write elides empty writes, so issue the syscall directly.
		raw, err := local.SyscallConn()
		if err != nil {
			return NewError(ErrInternalFailure, "auth pipe write: "+err.Error())
		}
		var werr error
		raw.Write(func(fd uintptr) bool {
			_, werr = unix.Write(int(fd), frame)
			return true
		})
		if werr != nil {
			return NewError(ErrInternalFailure, "auth pipe write: "+werr.Error())
		}
		return nil
	}
	if _, err := local.Write(frame); err != nil {
		return NewError(ErrInternalFailure, "auth pipe write: "+err.Error())
	}
	return nil
}

// Close tears down the channel and fires the close event with the given
// reason (nil for an orderly close).
func (x *AuthPipe) Close(reason error) {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return
	}
	x.closed = true
	x.convTimer.Stop()
	x.idleTimer.Stop()
	onClose := x.onClose
	onPurge := x.onPurge
	local := x.local
	remote := x.remote
	stolen := x.stolen
	x.mu.Unlock()

	local.Close()
	if !stolen {
		remote.Close()
	}
	if onClose != nil {
		onClose(reason)
	}
	if onPurge != nil {
		onPurge()
	}
}

func (x *AuthPipe) timeout() {
	x.logger.Infof("%v: timed out during authentication", x.logname)
	x.Close(errAuthTimeout)
}

func (x *AuthPipe) readLoop() {
	buf := make([]byte, authPipeMaxFrame)
	for {
		n, err := x.local.Read(buf)
		if err != nil {
			// EOF: helper closed its end. Read errors after Close are the
			// normal shutdown path and must not re-enter with a reason.
			x.Close(nil)
			return
		}
		if n == 0 {
			x.Close(nil)
			return
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		x.mu.Lock()
		x.idleTimer.Reset(x.idleTimeout)
		onMessage := x.onMessage
		x.mu.Unlock()
		if onMessage != nil {
			onMessage(frame)
		}
	}
}
