package execute

import "sync"

type leaseKey struct {
	namespace string
	target    string
}

// LeaseTable serializes remediation per cluster target. At most one action
// holds the lease for a (namespace, target) pair; the holder keeps it until
// the action reaches a terminal status. Node targets use an empty namespace.
type LeaseTable struct {
	mu   sync.Mutex
	held map[leaseKey]string
}

func NewLeaseTable() *LeaseTable {
	return &LeaseTable{held: make(map[leaseKey]string)}
}

// Acquire claims the lease for the action. It returns true when the action
// now holds the lease, including when it already held it.
func (l *LeaseTable) Acquire(namespace, target, actionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := leaseKey{namespace: namespace, target: target}
	if holder, ok := l.held[key]; ok {
		return holder == actionID
	}
	l.held[key] = actionID
	return true
}

// Release frees the lease if the action holds it. Releasing a lease held by
// another action is a no-op.
func (l *LeaseTable) Release(namespace, target, actionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := leaseKey{namespace: namespace, target: target}
	if l.held[key] == actionID {
		delete(l.held, key)
	}
}

// Holder returns the action currently holding the lease, if any.
func (l *LeaseTable) Holder(namespace, target string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	holder, ok := l.held[leaseKey{namespace: namespace, target: target}]
	return holder, ok
}
