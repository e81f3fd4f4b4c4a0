package authbroker

import (
	"fmt"
	"sync"
)

type dummyAuditor struct {
	mu       sync.Mutex
	messages []string
}

func (d *dummyAuditor) AuditLoginAction(identity, application, remotePeer string, action AuditActionType) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := fmt.Sprintf("Identity: %v, Application: %v, Peer: %v, Action: %v", identity, application, remotePeer, action)
	d.messages = append(d.messages, s)
}

func (d *dummyAuditor) actions() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.messages...)
}
