// Package adapter provides concrete implementations of the gateway's
// collaborator ports.
package adapter

import (
	"context"
	"sync"

	"github.com/gatherly/chat-delivery/internal/domain"
	"github.com/gatherly/chat-delivery/internal/gateway"
)

// MemStore is an in-memory Persistence implementation for local development
// and tests. The production store lives in the surrounding web application
// and is reached over its own persistence layer.
type MemStore struct {
	clock domain.Clock

	mu       sync.Mutex
	nextID   int64
	messages []gateway.StoredMessage
	groups   map[int64][]int64
}

// NewMemStore creates an empty MemStore.
func NewMemStore(clock domain.Clock) *MemStore {
	return &MemStore{
		clock:  clock,
		groups: make(map[int64][]int64),
	}
}

// SetGroup defines the member list for a chat group.
func (s *MemStore) SetGroup(chatGroupID int64, members []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[chatGroupID] = append([]int64(nil), members...)
}

// StoreMessage implements gateway.Persistence.
func (s *MemStore) StoreMessage(_ context.Context, params gateway.StoreMessageParams) (*gateway.StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	msg := gateway.StoredMessage{
		ID:          s.nextID,
		MessageID:   params.MessageID,
		SenderID:    params.SenderID,
		RecipientID: params.RecipientID,
		ChatGroupID: params.ChatGroupID,
		Content:     params.Content,
		CreatedAt:   domain.NowUTCMillis(s.clock),
	}
	s.messages = append(s.messages, msg)
	return &msg, nil
}

// GroupMembers implements gateway.Persistence.
func (s *MemStore) GroupMembers(_ context.Context, chatGroupID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.groups[chatGroupID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return append([]int64(nil), members...), nil
}

// MarkRead implements gateway.Persistence.
func (s *MemStore) MarkRead(_ context.Context, readerID, senderID, chatGroupID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.messages {
		m := &s.messages[i]
		switch {
		case chatGroupID != 0 && m.ChatGroupID == chatGroupID && m.SenderID != readerID:
			m.Read = true
		case senderID != 0 && m.SenderID == senderID && m.RecipientID == readerID:
			m.Read = true
		}
	}
	return nil
}

// Messages returns a copy of the stored messages, oldest first.
func (s *MemStore) Messages() []gateway.StoredMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]gateway.StoredMessage(nil), s.messages...)
}

// Ensure MemStore implements the port at compile time.
var _ gateway.Persistence = (*MemStore)(nil)
