package cache

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Cache used by tests and cmd/solacectl's demo,
// where a file-backed BoltCache would just add setup noise.
type Memory struct {
	mu sync.Mutex

	sessionContext *SessionContextRecord
	identities     map[string]IdentityRecord
	communications map[string]CommunicationRecord
	messages       map[string]MessageRecord
	jobs           map[uint64]JobRecord
}

// NewMemory returns an empty Memory cache.
func NewMemory() *Memory {
	return &Memory{
		identities:     make(map[string]IdentityRecord),
		communications: make(map[string]CommunicationRecord),
		messages:       make(map[string]MessageRecord),
		jobs:           make(map[uint64]JobRecord),
	}
}

var _ Cache = (*Memory)(nil)

func (m *Memory) FetchLocalSessionContext(_ context.Context) (*SessionContextRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessionContext == nil {
		return nil, ErrNotFound
	}
	cp := *m.sessionContext
	return &cp, nil
}

func (m *Memory) UpdateLocalSessionContext(_ context.Context, ciphertext []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionContext = &SessionContextRecord{Ciphertext: append([]byte(nil), ciphertext...)}
	return nil
}

func (m *Memory) FetchSessionIdentities(_ context.Context) ([]IdentityRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]IdentityRecord, 0, len(m.identities))
	for _, v := range m.identities {
		out = append(out, v)
	}
	return out, nil
}

func (m *Memory) UpdateSessionIdentity(_ context.Context, rec IdentityRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identities[rec.ID] = rec
	return nil
}

func (m *Memory) FetchCommunications(_ context.Context) ([]CommunicationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CommunicationRecord, 0, len(m.communications))
	for _, v := range m.communications {
		out = append(out, v)
	}
	return out, nil
}

func (m *Memory) CreateCommunication(_ context.Context, rec CommunicationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.communications[rec.ID] = rec
	return nil
}

func (m *Memory) UpdateCommunication(ctx context.Context, rec CommunicationRecord) error {
	return m.CreateCommunication(ctx, rec)
}

func (m *Memory) CreateMessage(_ context.Context, rec MessageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[rec.ID] = rec
	return nil
}

func (m *Memory) FetchJobs(_ context.Context) ([]JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]JobRecord, 0, len(m.jobs))
	for _, v := range m.jobs {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceID < out[j].SequenceID })
	return out, nil
}

func (m *Memory) CreateJob(_ context.Context, rec JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[rec.SequenceID] = rec
	return nil
}

func (m *Memory) DeleteJob(_ context.Context, sequenceID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, sequenceID)
	return nil
}
