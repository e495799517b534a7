package sim

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/kalandra/kalandra/clientsm"
	"github.com/kalandra/kalandra/mls"
)

// Category names the kind of scenario Generate built, mirroring the
// teacher's TestCategory (re-scoped from RFC9421/crypto/DID/blockchain
// test categories to kalandra protocol scenarios).
type Category string

const (
	CategoryReliableMessaging Category = "reliable_messaging"
	CategoryLossyMessaging    Category = "lossy_messaging"
	CategoryMembershipChange  Category = "membership_change"
	CategoryPartitionHeal     Category = "partition_heal"
)

var allCategories = []Category{
	CategoryReliableMessaging,
	CategoryLossyMessaging,
	CategoryMembershipChange,
	CategoryPartitionHeal,
}

// Generator builds randomized but reproducible Scenarios: the same
// seed always picks the same category and parameters, so a failing
// scenario found by the Fuzzer can be replayed by seed alone.
type Generator struct {
	rng *rand.Rand
}

func NewGenerator(seed int64) *Generator {
	return &Generator{rng: rand.New(rand.NewSource(seed))}
}

// Generate builds one scenario at random from categories (or every
// known category, if categories is empty).
func (g *Generator) Generate(seed int64, categories []Category) (*Scenario, Category) {
	if len(categories) == 0 {
		categories = allCategories
	}
	category := categories[g.rng.Intn(len(categories))]

	switch category {
	case CategoryLossyMessaging:
		return g.reliableMessaging(seed, FaultConfig{
			DropRate:   0.02 + g.rng.Float64()*0.08, // 2%-10%, original_source's degraded-network range
			MinLatency: 5 * time.Millisecond,
			MaxLatency: 50 * time.Millisecond,
		}), category
	case CategoryMembershipChange:
		return g.membershipChange(seed), category
	case CategoryPartitionHeal:
		return g.partitionHeal(seed), category
	default:
		return g.reliableMessaging(seed, NoFaults()), category
	}
}

// reliableMessaging: a lone member sends a handful of app messages to
// its own room. The server broadcasts every frame to all current
// members, which for a one-person room is the sender itself, so under
// NoFaults each message must echo straight back (the fix for spec §9's
// ratchet self-loop bug — see ratchet/ratchet_test.go). Under injected
// loss, delivery isn't guaranteed (clientsm has no retry layer) but the
// state machines must never error.
func (g *Generator) reliableMessaging(seed int64, faults FaultConfig) *Scenario {
	roomId := fixedRoomId(seed)
	messageCount := 3 + g.rng.Intn(5)

	s := NewScenario(seed).WithFaults(faults)
	s.Step(func(w *World) error {
		if err := w.AddClient(1); err != nil {
			return err
		}
		return w.Dispatch(1, createRoomEvent(roomId))
	})
	for i := 0; i < messageCount; i++ {
		text := fmt.Sprintf("message-%d", i)
		s.Step(func(w *World) error {
			return w.Dispatch(1, sendMessageEvent(roomId, text))
		})
		s.Advance(10 * time.Millisecond)
	}
	s.Advance(200 * time.Millisecond)

	s.Oracle(noClientOrServerErrors)
	if faults.DropRate == 0 {
		s.Oracle(func(w *World) error {
			if got := countFindings(w, "delivered"); got != messageCount {
				return fmt.Errorf("sim: expected %d self-echoed messages, got %d", messageCount, got)
			}
			return nil
		})
	}
	return s
}

// membershipChange: A creates a room, invites B, B joins via Welcome,
// then A sends a message B must receive.
func (g *Generator) membershipChange(seed int64) *Scenario {
	roomId := fixedRoomId(seed)
	s := NewScenario(seed).WithFaults(NoFaults())

	s.Step(func(w *World) error {
		if err := w.AddClient(1); err != nil {
			return err
		}
		if err := w.AddClient(2); err != nil {
			return err
		}
		return w.Dispatch(1, createRoomEvent(roomId))
	})
	s.Advance(10 * time.Millisecond)

	s.Step(func(w *World) error {
		keyPackage, err := w.PrepareInvite(2)
		if err != nil {
			return err
		}
		return w.Dispatch(1, addMembersEvent(roomId, keyPackage))
	})
	s.Advance(20 * time.Millisecond)

	s.Step(func(w *World) error {
		return w.Dispatch(1, sendMessageEvent(roomId, "welcome to the room"))
	})
	s.Advance(20 * time.Millisecond)

	s.Oracle(noClientOrServerErrors)
	s.Oracle(func(w *World) error {
		if countFindings(w, "delivered") < 1 {
			return fmt.Errorf("sim: expected the invited member to receive at least one message, got none")
		}
		return nil
	})
	return s
}

// partitionHeal: A and B are members; a partition cuts B off mid-
// conversation, then heals; communication must resume afterward.
func (g *Generator) partitionHeal(seed int64) *Scenario {
	roomId := fixedRoomId(seed)
	s := NewScenario(seed).WithFaults(NoFaults())

	s.Step(func(w *World) error {
		if err := w.AddClient(1); err != nil {
			return err
		}
		if err := w.AddClient(2); err != nil {
			return err
		}
		return w.Dispatch(1, createRoomEvent(roomId))
	})
	s.Advance(10 * time.Millisecond)

	s.Step(func(w *World) error {
		keyPackage, err := w.PrepareInvite(2)
		if err != nil {
			return err
		}
		return w.Dispatch(1, addMembersEvent(roomId, keyPackage))
	})
	s.Advance(20 * time.Millisecond)

	s.Step(func(w *World) error {
		w.SetFaults(FaultConfig{Partitioned: map[uint64]bool{2: true}})
		return w.Dispatch(1, sendMessageEvent(roomId, "sent during partition"))
	})
	s.Advance(50 * time.Millisecond)

	s.Step(func(w *World) error {
		w.SetFaults(NoFaults())
		return w.Dispatch(1, sendMessageEvent(roomId, "sent after heal"))
	})
	s.Advance(50 * time.Millisecond)

	s.Oracle(noClientOrServerErrors)
	s.Oracle(func(w *World) error {
		if countFindings(w, "delivered") < 1 {
			return fmt.Errorf("sim: expected at least the post-heal message to be delivered")
		}
		return nil
	})
	return s
}

func noClientOrServerErrors(w *World) error {
	for _, f := range w.Findings() {
		if f.Kind == "client_error" || f.Kind == "server_error" {
			return fmt.Errorf("sim: unexpected %s from sender %d: %s", f.Kind, f.Sender, f.Detail)
		}
	}
	return nil
}

func countFindings(w *World, kind string) int {
	n := 0
	for _, f := range w.Findings() {
		if f.Kind == kind {
			n++
		}
	}
	return n
}

// fixedRoomId derives a reproducible RoomId from seed, so the same
// seed always targets the same room.
func fixedRoomId(seed int64) mls.RoomId {
	var roomId mls.RoomId
	for i := 0; i < 8; i++ {
		roomId[i] = byte(seed >> (56 - 8*i))
		roomId[i+8] = roomId[i]
	}
	return roomId
}

func createRoomEvent(roomId mls.RoomId) clientsm.Event {
	return clientsm.CreateRoom{RoomId: roomId}
}

func sendMessageEvent(roomId mls.RoomId, text string) clientsm.Event {
	return clientsm.SendMessage{RoomId: roomId, Plaintext: []byte(text)}
}

func addMembersEvent(roomId mls.RoomId, keyPackages ...[]byte) clientsm.Event {
	return clientsm.AddMembers{RoomId: roomId, KeyPackages: keyPackages}
}
