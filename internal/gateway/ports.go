package gateway

import "context"

// StoreMessageParams carries the fields the router hands to persistence.
// Content is ciphertext: the router encrypts before storing, and what goes
// out on the wire to live recipients is the original plaintext. The stored
// record and the wire record differ in this one respect.
type StoreMessageParams struct {
	SenderID    int64
	RecipientID int64 // zero unless direct-addressed
	ChatGroupID int64 // zero unless group-addressed
	Content     string
	MessageID   string
}

// StoredMessage is the persisted record returned by StoreMessage.
type StoredMessage struct {
	ID          int64
	MessageID   string
	SenderID    int64
	RecipientID int64
	ChatGroupID int64
	Content     string // ciphertext as stored
	CreatedAt   int64  // epoch milliseconds UTC
	Read        bool
}

// Persistence is the relational-store collaborator. The store itself (chat
// groups, memberships, message history) belongs to the surrounding web
// application; the router only ever talks to this interface.
type Persistence interface {
	// StoreMessage durably records a chat message and returns the stored row.
	StoreMessage(ctx context.Context, params StoreMessageParams) (*StoredMessage, error)

	// GroupMembers resolves the member user IDs of a chat group.
	GroupMembers(ctx context.Context, chatGroupID int64) ([]int64, error)

	// MarkRead stamps unread messages as read for readerID within the given
	// scope: senderID for a direct chat, chatGroupID for a group. Exactly one
	// of the two is non-zero.
	MarkRead(ctx context.Context, readerID, senderID, chatGroupID int64) error
}

// Cipher provides at-rest payload confidentiality. Both directions are total
// functions: on any internal failure they return their input unchanged, so a
// cipher malfunction degrades confidentiality rather than availability.
type Cipher interface {
	Encrypt(plaintext string) string
	Decrypt(ciphertext string) string
}
