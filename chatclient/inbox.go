package chatclient

import "sync"

// Inbox queues received lines for a consumer that polls on its own schedule,
// such as a UI refresh timer. It never blocks the receive goroutine.
type Inbox struct {
	mu    sync.Mutex
	lines []string
}

// NewInbox returns an empty Inbox.
func NewInbox() *Inbox {
	return &Inbox{}
}

// Push appends a line.
func (i *Inbox) Push(line string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.lines = append(i.lines, line)
}

// Drain removes and returns all queued lines in arrival order. It returns nil
// when the queue is empty.
func (i *Inbox) Drain() []string {
	i.mu.Lock()
	defer i.mu.Unlock()

	out := i.lines
	i.lines = nil
	return out
}

// Len returns the number of queued lines.
func (i *Inbox) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.lines)
}

// Handler adapts the inbox for Client.OnLine.
func (i *Inbox) Handler() LineHandler {
	return func(event LineReceivedEvent) {
		i.Push(event.Line)
	}
}
