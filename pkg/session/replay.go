package session

// replayWindow is a bitmap sliding window anchored at the highest sequence
// number accepted so far. Check and Mark are separate so a sequence number
// is only recorded after its packet has authenticated; forged packets can
// never advance or poison the window.
//
// The window is owned by a single epoch and, like all session state, is
// only touched from the transport's event loop, so it carries no lock.
type replayWindow struct {
	bitmap  []uint64
	width   uint64
	highest uint64
	primed  bool
}

func newReplayWindow(width int) *replayWindow {
	if width < 64 {
		width = 64
	}
	// Round up to whole 64-bit limbs.
	limbs := (width + 63) / 64
	return &replayWindow{
		bitmap: make([]uint64, limbs),
		width:  uint64(limbs) * 64,
	}
}

// Check reports whether seq would be accepted: not below the window and
// not already seen. It does not modify the window.
func (w *replayWindow) Check(seq uint64) bool {
	if !w.primed {
		return true
	}
	if seq > w.highest {
		return true
	}
	if w.highest-seq >= w.width {
		return false
	}
	return !w.isSet(seq)
}

// Mark records seq as seen, sliding the window forward if seq is beyond
// the current highest. Call only after the packet authenticated.
func (w *replayWindow) Mark(seq uint64) {
	if !w.primed {
		w.primed = true
		w.highest = seq
		w.set(seq)
		return
	}
	if seq <= w.highest {
		if w.highest-seq < w.width {
			w.set(seq)
		}
		return
	}
	advance := seq - w.highest
	if advance >= w.width {
		for i := range w.bitmap {
			w.bitmap[i] = 0
		}
	} else {
		for s := w.highest + 1; s <= seq; s++ {
			w.clear(s)
		}
	}
	w.highest = seq
	w.set(seq)
}

func (w *replayWindow) isSet(seq uint64) bool {
	slot := seq % w.width
	return w.bitmap[slot/64]&(1<<(slot%64)) != 0
}

func (w *replayWindow) set(seq uint64) {
	slot := seq % w.width
	w.bitmap[slot/64] |= 1 << (slot % 64)
}

func (w *replayWindow) clear(seq uint64) {
	slot := seq % w.width
	w.bitmap[slot/64] &^= 1 << (slot % 64)
}
