package state

import (
	"fmt"

	fpmath "CDPLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// NICRProvider supplies the current nominal ratio of a listed owner. Ratios
// are read live, never cached in the list, so pending redistributions are
// always accounted for.
type NICRProvider interface {
	NICR(owner common.Address) fpmath.Fixed
}

type listNode struct {
	prev common.Address // towards head (higher NICR)
	next common.Address // towards tail (lower NICR)
}

// SortedPositions is a doubly linked list of owners in descending NICR
// order. The zero address terminates both ends. Head is the safest position,
// tail the riskiest; liquidation and redemption walk from the tail.
//
// Insertion takes a (prev, next) hint pair. A correct hint costs O(1); a
// stale one costs a walk from wherever the hint still holds; no hint costs
// a scan from the head.
type SortedPositions struct {
	head    common.Address
	tail    common.Address
	nodes   map[common.Address]*listNode
	maxSize int // 0 = unbounded

	// owners is an unordered array of listed owners for random hint sampling.
	owners     []common.Address
	ownerIndex map[common.Address]int
}

func NewSortedPositions(maxSize int) *SortedPositions {
	return &SortedPositions{
		nodes:      make(map[common.Address]*listNode),
		maxSize:    maxSize,
		ownerIndex: make(map[common.Address]int),
	}
}

func (s *SortedPositions) Size() int                          { return len(s.nodes) }
func (s *SortedPositions) IsEmpty() bool                      { return len(s.nodes) == 0 }
func (s *SortedPositions) IsFull() bool                       { return s.maxSize > 0 && len(s.nodes) >= s.maxSize }
func (s *SortedPositions) Contains(owner common.Address) bool { _, ok := s.nodes[owner]; return ok }

// SetMaxSize changes the capacity. Shrinking below the current size only
// blocks further inserts.
func (s *SortedPositions) SetMaxSize(n int) { s.maxSize = n }

// First returns the head (highest NICR), or the zero address if empty.
func (s *SortedPositions) First() common.Address { return s.head }

// Last returns the tail (lowest NICR), or the zero address if empty.
func (s *SortedPositions) Last() common.Address { return s.tail }

// Next returns the neighbour towards the tail.
func (s *SortedPositions) Next(owner common.Address) common.Address {
	if n, ok := s.nodes[owner]; ok {
		return n.next
	}
	return common.Address{}
}

// Prev returns the neighbour towards the head.
func (s *SortedPositions) Prev(owner common.Address) common.Address {
	if n, ok := s.nodes[owner]; ok {
		return n.prev
	}
	return common.Address{}
}

// Insert links owner at the position implied by nicr.
func (s *SortedPositions) Insert(p NICRProvider, owner common.Address, nicr fpmath.Fixed, prevHint, nextHint common.Address) error {
	if s.IsFull() {
		return fmt.Errorf("%w: position index is full (%d)", ErrState, s.maxSize)
	}
	if s.Contains(owner) {
		return fmt.Errorf("%w: %s already listed", ErrState, owner.Hex())
	}
	if owner == (common.Address{}) {
		return fmt.Errorf("%w: zero owner address", ErrValidation)
	}
	if nicr.IsZero() {
		return fmt.Errorf("%w: nicr must be positive", ErrValidation)
	}

	prev, next := prevHint, nextHint
	if !s.ValidInsertPosition(p, nicr, prev, next) {
		prev, next = s.FindInsertPosition(p, nicr, prev, next)
	}

	s.link(owner, prev, next)
	return nil
}

func (s *SortedPositions) link(owner, prev, next common.Address) {
	node := &listNode{}
	zero := common.Address{}

	switch {
	case prev == zero && next == zero:
		s.head = owner
		s.tail = owner
	case prev == zero:
		node.next = s.head
		s.nodes[s.head].prev = owner
		s.head = owner
	case next == zero:
		node.prev = s.tail
		s.nodes[s.tail].next = owner
		s.tail = owner
	default:
		node.prev = prev
		node.next = next
		s.nodes[prev].next = owner
		s.nodes[next].prev = owner
	}

	s.nodes[owner] = node
	s.ownerIndex[owner] = len(s.owners)
	s.owners = append(s.owners, owner)
}

// Remove unlinks owner.
func (s *SortedPositions) Remove(owner common.Address) error {
	node, ok := s.nodes[owner]
	if !ok {
		return fmt.Errorf("%w: %s not listed", ErrState, owner.Hex())
	}
	zero := common.Address{}

	if len(s.nodes) > 1 {
		switch {
		case owner == s.head:
			s.head = node.next
			s.nodes[s.head].prev = zero
		case owner == s.tail:
			s.tail = node.prev
			s.nodes[s.tail].next = zero
		default:
			s.nodes[node.prev].next = node.next
			s.nodes[node.next].prev = node.prev
		}
	} else {
		s.head = zero
		s.tail = zero
	}

	delete(s.nodes, owner)

	// Swap-remove from the sampling array.
	idx := s.ownerIndex[owner]
	last := len(s.owners) - 1
	if idx != last {
		moved := s.owners[last]
		s.owners[idx] = moved
		s.ownerIndex[moved] = idx
	}
	s.owners = s.owners[:last]
	delete(s.ownerIndex, owner)
	return nil
}

// ReInsert moves owner to the position implied by newNICR.
func (s *SortedPositions) ReInsert(p NICRProvider, owner common.Address, newNICR fpmath.Fixed, prevHint, nextHint common.Address) error {
	if !s.Contains(owner) {
		return fmt.Errorf("%w: %s not listed", ErrState, owner.Hex())
	}
	if newNICR.IsZero() {
		return fmt.Errorf("%w: nicr must be positive", ErrValidation)
	}
	if err := s.Remove(owner); err != nil {
		return err
	}
	return s.Insert(p, owner, newNICR, prevHint, nextHint)
}

// ValidInsertPosition reports whether (prev, next) is an exact slot for nicr.
func (s *SortedPositions) ValidInsertPosition(p NICRProvider, nicr fpmath.Fixed, prev, next common.Address) bool {
	zero := common.Address{}
	switch {
	case prev == zero && next == zero:
		return s.IsEmpty()
	case prev == zero:
		return s.head == next && nicr.Gte(p.NICR(next))
	case next == zero:
		return s.tail == prev && nicr.Lte(p.NICR(prev))
	default:
		pn, ok := s.nodes[prev]
		return ok && pn.next == next &&
			p.NICR(prev).Gte(nicr) &&
			nicr.Gte(p.NICR(next))
	}
}

// FindInsertPosition returns the (prev, next) slot for nicr, starting from
// whichever hint is still usable.
func (s *SortedPositions) FindInsertPosition(p NICRProvider, nicr fpmath.Fixed, prevHint, nextHint common.Address) (common.Address, common.Address) {
	zero := common.Address{}
	prev, next := prevHint, nextHint

	if prev != zero {
		if !s.Contains(prev) || nicr.Gt(p.NICR(prev)) {
			// prev is gone or belongs below us
			prev = zero
		}
	}
	if next != zero {
		if !s.Contains(next) || nicr.Lt(p.NICR(next)) {
			// next is gone or belongs above us
			next = zero
		}
	}

	switch {
	case prev == zero && next == zero:
		return s.descend(p, nicr, s.head)
	case prev == zero:
		return s.ascend(p, nicr, next)
	default:
		return s.descend(p, nicr, prev)
	}
}

// descend walks from start towards the tail until a valid slot is found.
func (s *SortedPositions) descend(p NICRProvider, nicr fpmath.Fixed, start common.Address) (common.Address, common.Address) {
	zero := common.Address{}
	if start == zero {
		return zero, zero
	}
	if s.head == start && nicr.Gte(p.NICR(start)) {
		return zero, start
	}

	prev := start
	next := s.Next(prev)
	for prev != zero && !s.ValidInsertPosition(p, nicr, prev, next) {
		prev = next
		next = s.Next(prev)
	}
	return prev, next
}

// ascend walks from start towards the head until a valid slot is found.
func (s *SortedPositions) ascend(p NICRProvider, nicr fpmath.Fixed, start common.Address) (common.Address, common.Address) {
	zero := common.Address{}
	if s.tail == start && nicr.Lte(p.NICR(start)) {
		return start, zero
	}

	next := start
	prev := s.Prev(next)
	for next != zero && !s.ValidInsertPosition(p, nicr, prev, next) {
		next = prev
		prev = s.Prev(next)
	}
	return prev, next
}

// ApproxHint samples numTrials listed owners with a deterministic linear
// congruential sequence and returns the one whose NICR is closest to nicr,
// plus the advanced seed. The tail is the starting candidate.
func (s *SortedPositions) ApproxHint(p NICRProvider, nicr fpmath.Fixed, numTrials int, seed uint64) (common.Address, uint64) {
	if s.IsEmpty() {
		return common.Address{}, seed
	}

	best := s.tail
	bestDiff := absDiff(p.NICR(best), nicr)

	for i := 0; i < numTrials; i++ {
		seed = seed*6364136223846793005 + 1442695040888963407
		candidate := s.owners[(seed>>33)%uint64(len(s.owners))]
		if d := absDiff(p.NICR(candidate), nicr); d.Lt(bestDiff) {
			best = candidate
			bestDiff = d
		}
	}
	return best, seed
}

// Owners returns the listed owners from head to tail.
func (s *SortedPositions) Owners() []common.Address {
	out := make([]common.Address, 0, len(s.nodes))
	for cur := s.head; cur != (common.Address{}); cur = s.Next(cur) {
		out = append(out, cur)
	}
	return out
}

func absDiff(a, b fpmath.Fixed) fpmath.Fixed {
	if a.Gt(b) {
		return fpmath.SubOrZero(a, b)
	}
	return fpmath.SubOrZero(b, a)
}

// SampleOrder returns the owner array ApproxHint samples from.
func (s *SortedPositions) SampleOrder() []common.Address {
	out := make([]common.Address, len(s.owners))
	copy(out, s.owners)
	return out
}

// RestoreLayout rebuilds the list from a snapshot: order is head to tail,
// sample is the array ApproxHint draws from. Both must name the same owners.
func (s *SortedPositions) RestoreLayout(order, sample []common.Address) error {
	if len(order) != len(sample) {
		return fmt.Errorf("%w: list has %d owners, sample array %d", ErrState, len(order), len(sample))
	}
	s.head, s.tail = common.Address{}, common.Address{}
	s.nodes = make(map[common.Address]*listNode, len(order))
	s.owners = s.owners[:0]
	s.ownerIndex = make(map[common.Address]int, len(order))

	for _, owner := range order {
		if owner == (common.Address{}) || s.Contains(owner) {
			return fmt.Errorf("%w: bad owner %s in snapshot order", ErrState, owner.Hex())
		}
		s.link(owner, s.tail, common.Address{})
	}
	for i, owner := range sample {
		if !s.Contains(owner) {
			return fmt.Errorf("%w: sample owner %s not listed", ErrState, owner.Hex())
		}
		s.owners[i] = owner
		s.ownerIndex[owner] = i
	}
	return nil
}
