package protocol

import "sync"

// dedupWindow bounds how many sequence numbers are remembered per sender.
// Delivery is at-least-once and the chat mirror path (data channel plus
// relay) can reorder envelopes slightly, so suppression matches exact
// sequence numbers instead of cutting off below a high-water mark.
const dedupWindow = 256

type senderWindow struct {
	seen  map[uint64]struct{}
	order []uint64
	next  int
}

func newSenderWindow() *senderWindow {
	return &senderWindow{
		seen:  make(map[uint64]struct{}, dedupWindow),
		order: make([]uint64, dedupWindow),
	}
}

func (w *senderWindow) observe(seq uint64) bool {
	if _, dup := w.seen[seq]; dup {
		return false
	}
	if len(w.seen) >= dedupWindow {
		delete(w.seen, w.order[w.next])
	}
	w.order[w.next] = seq
	w.next = (w.next + 1) % dedupWindow
	w.seen[seq] = struct{}{}
	return true
}

// Dedup suppresses duplicate envelopes per sender.
type Dedup struct {
	mu      sync.Mutex
	senders map[PeerID]*senderWindow
}

func NewDedup() *Dedup {
	return &Dedup{senders: make(map[PeerID]*senderWindow)}
}

// Observe reports whether the (sender, seq) pair is new. Envelopes without
// a sequence number (registry-originated) always pass.
func (d *Dedup) Observe(from PeerID, seq uint64) bool {
	if from == "" || seq == 0 {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	w, ok := d.senders[from]
	if !ok {
		w = newSenderWindow()
		d.senders[from] = w
	}
	return w.observe(seq)
}

// Forget drops the window for a sender, typically after their leave. A
// rejoining sender starts a fresh sequence.
func (d *Dedup) Forget(from PeerID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.senders, from)
}
