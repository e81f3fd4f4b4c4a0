package authbroker

import (
	"sync"
)

// WebService is the live handle a session holds after login: the credentials
// plus the bridge transport. It reports idleness and emits two signals:
// "idling" when the last consumer lets go, and "destroy" when the service is
// disposed. The broker subscribes to both to drive session reaping.
type WebService struct {
	mu              sync.Mutex
	creds           *Credentials
	transport       Transport
	consumers       int
	disposed        bool
	nextHandler     int
	idlingHandlers  map[int]func()
	destroyHandlers map[int]func()
}

func newWebService(creds *Credentials, transport Transport) *WebService {
	return &WebService{
		creds:           creds,
		transport:       transport,
		idlingHandlers:  map[int]func(){},
		destroyHandlers: map[int]func(){},
	}
}

func (x *WebService) Credentials() *Credentials {
	return x.creds
}

func (x *WebService) Transport() Transport {
	return x.transport
}

// Idling reports whether nothing is currently using the service. A freshly
// created service is idle until its first consumer attaches.
func (x *WebService) Idling() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.consumers == 0
}

// Use marks the service busy. Release undoes it; dropping to zero consumers
// fires the idling signal.
func (x *WebService) Use() {
	x.mu.Lock()
	x.consumers++
	x.mu.Unlock()
}

func (x *WebService) Release() {
	x.mu.Lock()
	x.consumers--
	idle := x.consumers == 0 && !x.disposed
	handlers := x.snapshotLocked(x.idlingHandlers)
	x.mu.Unlock()
	if idle {
		for _, f := range handlers {
			f()
		}
	}
}

func (x *WebService) OnIdling(f func()) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.nextHandler++
	x.idlingHandlers[x.nextHandler] = f
	return x.nextHandler
}

func (x *WebService) OnDestroy(f func()) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.nextHandler++
	x.destroyHandlers[x.nextHandler] = f
	return x.nextHandler
}

func (x *WebService) DisconnectIdling(id int) {
	x.mu.Lock()
	delete(x.idlingHandlers, id)
	x.mu.Unlock()
}

func (x *WebService) DisconnectDestroy(id int) {
	x.mu.Lock()
	delete(x.destroyHandlers, id)
	x.mu.Unlock()
}

// Dispose shuts the service down: the transport is closed and the destroy
// signal fires once. Safe to call more than once.
func (x *WebService) Dispose() {
	x.mu.Lock()
	if x.disposed {
		x.mu.Unlock()
		return
	}
	x.disposed = true
	transport := x.transport
	handlers := x.snapshotLocked(x.destroyHandlers)
	x.mu.Unlock()

	if transport != nil {
		transport.Close("disposed")
	}
	for _, f := range handlers {
		f()
	}
}

func (x *WebService) snapshotLocked(m map[int]func()) []func() {
	out := make([]func(), 0, len(m))
	for _, f := range m {
		out = append(out, f)
	}
	return out
}
