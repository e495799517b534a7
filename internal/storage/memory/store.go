// Package memory implements internal/storage.Store over in-memory maps,
// for tests and single-process deployments. Grounded on
// pkg/storage/memory's mutex-guarded map store.
package memory

import (
	"context"
	"sync"

	"github.com/kalandra/kalandra/internal/storage"
	"github.com/kalandra/kalandra/wire"
)

type roomFrames struct {
	frames  map[uint64][]byte
	highest uint64
	hasAny  bool
}

// Store is an in-memory internal/storage.Store.
type Store struct {
	mu         sync.RWMutex
	frames     map[wire.RoomId]*roomFrames
	mlsStates  map[wire.RoomId][]byte
	frameStore *FrameStore
	mlsStore   *MlsStateStore
}

func NewStore() *Store {
	s := &Store{
		frames:    make(map[wire.RoomId]*roomFrames),
		mlsStates: make(map[wire.RoomId][]byte),
	}
	s.frameStore = &FrameStore{store: s}
	s.mlsStore = &MlsStateStore{store: s}
	return s
}

func (s *Store) Frames() storage.FrameStore       { return s.frameStore }
func (s *Store) MlsStates() storage.MlsStateStore { return s.mlsStore }
func (s *Store) Close() error                     { return nil }
func (s *Store) Ping(ctx context.Context) error   { return nil }

// FrameStore implements storage.FrameStore.
type FrameStore struct{ store *Store }

func (f *FrameStore) AppendFrame(ctx context.Context, roomId wire.RoomId, logIndex uint64, frame []byte) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()

	rf, ok := f.store.frames[roomId]
	if !ok {
		rf = &roomFrames{frames: make(map[uint64][]byte)}
		f.store.frames[roomId] = rf
	}
	if rf.hasAny && logIndex != rf.highest+1 {
		return storage.ErrLogIndexConflict
	}
	if !rf.hasAny && logIndex != 0 {
		return storage.ErrLogIndexConflict
	}

	stored := make([]byte, len(frame))
	copy(stored, frame)
	rf.frames[logIndex] = stored
	rf.highest = logIndex
	rf.hasAny = true
	return nil
}

func (f *FrameStore) LoadFrames(ctx context.Context, roomId wire.RoomId, fromLogIndex uint64, limit int) ([][]byte, error) {
	f.store.mu.RLock()
	defer f.store.mu.RUnlock()

	rf, ok := f.store.frames[roomId]
	if !ok {
		return nil, nil
	}
	out := make([][]byte, 0, limit)
	for i := fromLogIndex; len(out) < limit; i++ {
		frame, ok := rf.frames[i]
		if !ok {
			break
		}
		out = append(out, frame)
	}
	return out, nil
}

func (f *FrameStore) LatestLogIndex(ctx context.Context, roomId wire.RoomId) (uint64, bool, error) {
	f.store.mu.RLock()
	defer f.store.mu.RUnlock()

	rf, ok := f.store.frames[roomId]
	if !ok || !rf.hasAny {
		return 0, false, nil
	}
	return rf.highest, true, nil
}

// MlsStateStore implements storage.MlsStateStore.
type MlsStateStore struct{ store *Store }

func (m *MlsStateStore) StoreMlsState(ctx context.Context, roomId wire.RoomId, state []byte) error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	stored := make([]byte, len(state))
	copy(stored, state)
	m.store.mlsStates[roomId] = stored
	return nil
}

func (m *MlsStateStore) LoadMlsState(ctx context.Context, roomId wire.RoomId) ([]byte, bool, error) {
	m.store.mu.RLock()
	defer m.store.mu.RUnlock()
	state, ok := m.store.mlsStates[roomId]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(state))
	copy(out, state)
	return out, true, nil
}
