package authbroker

import (
	"sync"

	"github.com/IMQS/log"
)

// finalizeKind identifies which driver created a conversation, so that a
// resumed login is finalized by the same decision tree that started it.
type finalizeKind int

const (
	finalizeNone finalizeKind = iota
	finalizeSpawn
	finalizeRemote
)

// conversation is a single in-flight login attempt, possibly spanning several
// client round-trips. It is reference counted because the pipe callbacks, the
// request path and the pending table can each outlive the others; the last
// reference to go runs the destroy callback, which tears down the
// driver-specific payload (kills the helper, releases the SSH transport).
type conversation struct {
	id     string
	kind   finalizeKind
	pipe   *AuthPipe
	logger *log.Logger

	mu           sync.Mutex
	refs         int
	lastResponse []byte
	pending      chan error
	destroy      func()

	spawn  *spawnState
	remote *remoteState
}

func newConversation(id string, kind finalizeKind, pipe *AuthPipe, logger *log.Logger) *conversation {
	return &conversation{
		id:     id,
		kind:   kind,
		pipe:   pipe,
		logger: logger,
		refs:   1,
	}
}

func (x *conversation) ref() *conversation {
	x.mu.Lock()
	x.refs++
	x.mu.Unlock()
	return x
}

func (x *conversation) unref() {
	x.mu.Lock()
	x.refs--
	last := x.refs == 0
	x.mu.Unlock()
	if last {
		x.free()
	}
}

func (x *conversation) free() {
	if x.pipe != nil {
		x.pipe.SetHandlers(nil, nil)
		x.pipe.ClearPurge()
		x.pipe.Close(nil)
	}
	if x.destroy != nil {
		x.destroy()
	}
}

// addPending registers the single outstanding completion. At most one may
// exist at a time; a second registration while one is outstanding is a
// programmer error.
func (x *conversation) addPending() chan error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.pending != nil {
		panic("authbroker: conversation already has a pending completion")
	}
	x.pending = make(chan error, 1)
	return x.pending
}

func (x *conversation) hasPending() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.pending != nil
}

// complete delivers a result to the outstanding completion, if any.
// Dropped results are logged, matching the fact that a helper may speak
// after the client has gone away.
func (x *conversation) complete(err error) {
	x.mu.Lock()
	pending := x.pending
	x.pending = nil
	x.mu.Unlock()
	if pending != nil {
		pending <- err
	} else if err != nil {
		x.logger.Infof("Dropped authentication error: %v, no pending request to respond to", err)
	} else {
		x.logger.Infof("Dropped authentication result, no pending request to respond to")
	}
}

// setResponse stores a helper frame. The single-consumer discipline means a
// second frame before the first was consumed indicates a confused helper;
// the first one wins.
func (x *conversation) setResponse(frame []byte) {
	x.mu.Lock()
	if x.lastResponse == nil {
		x.lastResponse = frame
	} else {
		x.logger.Warnf("conversation %v: discarding unexpected extra helper response", x.id)
	}
	x.mu.Unlock()
}

func (x *conversation) takeResponse() []byte {
	x.mu.Lock()
	response := x.lastResponse
	x.lastResponse = nil
	x.mu.Unlock()
	return response
}
