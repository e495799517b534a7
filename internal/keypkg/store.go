// Package keypkg stores the KeyPackages a member has published for
// others to add them to a room with, and the matching private
// KeyMaterial needed to process the resulting Welcome.
//
// KeyPackages are one-time use: Take removes the package it returns so
// the same package can never back two different Welcomes, the way the
// teacher's key rotator guarantees a rotated key is never handed out
// twice.
package keypkg

import (
	"fmt"
	"sync"

	"github.com/kalandra/kalandra/mls/refimpl"
)

var ErrNoKeyPackage = fmt.Errorf("keypkg: no unused key package for member")

// entry pairs a publishable KeyPackage with the private KeyMaterial its
// owner needs to open a Welcome sealed to it.
type entry struct {
	pkg      refimpl.KeyPackage
	material refimpl.KeyMaterial
}

// Store holds a queue of unused KeyPackages per member. A member
// publishes several at once (Publish) so inviters never block waiting
// on a fresh one; Take consumes the oldest published package.
type Store struct {
	mu      sync.Mutex
	queues  map[uint64][]entry
	taking  map[uint64]bool // in-flight Take guard, mirrors the rotator's rotating set
	history map[uint64]int  // count of packages ever taken, for rotation bookkeeping
}

func NewStore() *Store {
	return &Store{
		queues:  make(map[uint64][]entry),
		taking:  make(map[uint64]bool),
		history: make(map[uint64]int),
	}
}

// Publish adds a freshly generated KeyPackage/KeyMaterial pair to a
// member's queue.
func (s *Store) Publish(pkg refimpl.KeyPackage, material refimpl.KeyMaterial) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[pkg.MemberID] = append(s.queues[pkg.MemberID], entry{pkg: pkg, material: material})
}

// Take removes and returns the oldest unused KeyPackage/KeyMaterial
// pair for member, rotating it out of the queue. ErrNoKeyPackage means
// the member needs to Publish more before anyone can invite them.
func (s *Store) Take(member uint64) (refimpl.KeyPackage, refimpl.KeyMaterial, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.taking[member] {
		return refimpl.KeyPackage{}, refimpl.KeyMaterial{}, fmt.Errorf("keypkg: member %d already being serviced", member)
	}

	queue := s.queues[member]
	if len(queue) == 0 {
		return refimpl.KeyPackage{}, refimpl.KeyMaterial{}, ErrNoKeyPackage
	}

	s.taking[member] = true
	defer delete(s.taking, member)

	next := queue[0]
	s.queues[member] = queue[1:]
	s.history[member]++
	return next.pkg, next.material, nil
}

// Available reports how many unused KeyPackages remain for member.
func (s *Store) Available(member uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[member])
}

// TotalTaken reports how many KeyPackages have ever been consumed for
// member, for rotation/usage metrics.
func (s *Store) TotalTaken(member uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history[member]
}
