package queued

import "sync"

// notifier wakes blocked claimants when work lands on a queue. Each queue has
// one broadcast channel; waking closes it and installs a fresh one, so every
// waiter unblocks and races for the next claim.
type notifier struct {
	mu    sync.Mutex
	wakes map[string]chan struct{}
}

func newNotifier() *notifier {
	return &notifier{wakes: make(map[string]chan struct{})}
}

// channel returns the current broadcast channel for queue. Callers must grab
// the channel before checking for work, otherwise a wake issued between the
// check and the wait is lost.
func (n *notifier) channel(queue string) <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch, ok := n.wakes[queue]
	if !ok {
		ch = make(chan struct{})
		n.wakes[queue] = ch
	}
	return ch
}

// wake unblocks every claimant currently waiting on queue.
func (n *notifier) wake(queue string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ch, ok := n.wakes[queue]; ok {
		close(ch)
	}
	n.wakes[queue] = make(chan struct{})
}
