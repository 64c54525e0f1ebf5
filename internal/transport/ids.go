package transport

import (
	"errors"
	"math"
)

// MaxPeerID is the largest peer id a transport hands out. Session player ids
// are int16 and negative ids are reserved, so peer ids stay in
// [0, MaxPeerID].
const MaxPeerID = math.MaxInt16

// ErrNoFreePeerID is returned when every peer id is in use.
var ErrNoFreePeerID = errors.New("no free peer id")

// IDPool hands out the lowest free peer id and takes ids back when their
// peer goes away. The zero value is ready to use. It is not safe for
// concurrent use; transports guard it with their own mutex.
type IDPool struct {
	used map[int]struct{}
	// low is a lower bound on the smallest free id.
	low int
}

// Acquire reserves the lowest free id.
//
// Postcondition: Returns an id in [0, MaxPeerID] not returned by any earlier
// Acquire without a matching Release, or ErrNoFreePeerID.
func (p *IDPool) Acquire() (int, error) {
	if p.used == nil {
		p.used = make(map[int]struct{})
	}
	for id := p.low; id <= MaxPeerID; id++ {
		if _, taken := p.used[id]; taken {
			continue
		}
		p.used[id] = struct{}{}
		p.low = id + 1
		return id, nil
	}
	p.low = MaxPeerID + 1
	return -1, ErrNoFreePeerID
}

// Release returns id to the pool. Releasing an id that is not held is a
// no-op.
func (p *IDPool) Release(id int) {
	if _, taken := p.used[id]; !taken {
		return
	}
	delete(p.used, id)
	if id < p.low {
		p.low = id
	}
}
