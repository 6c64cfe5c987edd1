package peer

import "github.com/hihacoder/yaraft/utils"

// inFlights is a ring buffer over the last indices of the append
// messages in flight to one peer. Indices MUST be added in order;
// acknowledgements free every window slot at or below them.
type inFlights struct {
	start  uint
	count  uint
	buffer []uint64
}

func makeInFlights(cap uint) inFlights {
	return inFlights{
		start:  0,
		count:  0,
		buffer: make([]uint64, cap),
	}
}

func (i *inFlights) full() bool {
	return i.count == i.cap()
}

func (i *inFlights) cap() uint {
	return uint(len(i.buffer))
}

func (i *inFlights) mod(idx uint) uint {
	for idx >= i.cap() {
		idx -= i.cap()
	}
	return idx
}

// add records an inflight send; the window must not be full.
func (i *inFlights) add(inFlight uint64) {
	utils.Assert(!i.full(), "cannot add into a full inFlights")

	next := i.mod(i.start + i.count)
	i.buffer[next] = inFlight
	i.count++
}

// freeTo frees the inflight slots smaller or equal to `to`.
func (i *inFlights) freeTo(to uint64) {
	if i.count == 0 || to < i.buffer[i.start] {
		// out of the left side of the window.
		return
	}

	for j := uint(0); j < i.count; j++ {
		idx := i.mod(i.start + j)
		if to >= i.buffer[idx] {
			continue
		}

		// found the first larger inflight; free everything below it.
		i.count -= j
		i.start = idx
		return
	}
	// acknowledged past the whole window.
	i.reset()
}

func (i *inFlights) reset() {
	i.count = 0
	i.start = 0
}
