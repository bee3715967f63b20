package realtime

import (
	"strconv"
	"sync/atomic"
	"time"
)

// idGen generates unique 64-bit IDs, Snowflake style:
// 1 unused bit | 41 bits timestamp (ms since epoch) | 10 bits node | 12 bits sequence.
// Lock-free: the timestamp+sequence pair lives in one atomic word and is
// advanced with a CAS loop, so ID generation never serializes callers.
type idGen struct {
	epoch  int64
	nodeID int64
	state  int64 // upper 52 bits = last timestamp, lower 12 bits = sequence
}

const (
	idNodeBits       = 10
	idSequenceBits   = 12
	idNodeShift      = idSequenceBits
	idTimestampShift = idSequenceBits + idNodeBits
	idSequenceMask   = (1 << idSequenceBits) - 1
	idMaxNode        = (1 << idNodeBits) - 1
)

// idEpoch is 2025-01-01T00:00:00Z in milliseconds.
const idEpoch = 1735689600000

func newIDGen(nodeID int64) *idGen {
	if nodeID < 0 || nodeID > idMaxNode {
		nodeID = 0
	}
	return &idGen{epoch: idEpoch, nodeID: nodeID}
}

// next returns the next unique ID. Safe for concurrent use.
func (g *idGen) next() int64 {
	for {
		oldState := atomic.LoadInt64(&g.state)
		lastTime := oldState >> idSequenceBits
		seq := oldState & idSequenceMask

		now := time.Now().UnixMilli()

		var newTime, newSeq int64
		switch {
		case now == lastTime:
			newSeq = (seq + 1) & idSequenceMask
			newTime = lastTime
			if newSeq == 0 {
				// Sequence exhausted within one millisecond; wait it out.
				for time.Now().UnixMilli() <= lastTime {
				}
				newTime = time.Now().UnixMilli()
			}
		case now > lastTime:
			newTime = now
			newSeq = 0
		default:
			// Clock moved backwards: keep issuing from the last known
			// timestamp so IDs stay monotonic.
			newTime = lastTime
			newSeq = (seq + 1) & idSequenceMask
			if newSeq == 0 {
				for time.Now().UnixMilli() < lastTime {
				}
				newTime = time.Now().UnixMilli()
			}
		}

		newState := (newTime << idSequenceBits) | newSeq
		if atomic.CompareAndSwapInt64(&g.state, oldState, newState) {
			return ((newTime - g.epoch) << idTimestampShift) |
				(g.nodeID << idNodeShift) |
				newSeq
		}
	}
}

// connectionID returns the next ID in connection string form ("cn" + base36).
func (g *idGen) connectionID() string {
	return "cn" + strconv.FormatInt(g.next(), 36)
}

// eventID returns the next ID in event string form ("ev" + base36).
func (g *idGen) eventID() string {
	return "ev" + strconv.FormatInt(g.next(), 36)
}
