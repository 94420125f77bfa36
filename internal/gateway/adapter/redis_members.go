package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/gatherly/chat-delivery/internal/domain"
	"github.com/gatherly/chat-delivery/internal/gateway"
	redisclient "github.com/gatherly/chat-delivery/internal/redis"
)

// memberKey builds the cache key for a group's member list.
func memberKey(chatGroupID int64) string {
	return fmt.Sprintf("chat:members:%d", chatGroupID)
}

// MemberCache decorates a Persistence with a Redis cache for GroupMembers,
// the one hot read on the fan-out path. Everything else passes through.
// The cache fails open: any Redis error falls back to the underlying store,
// so a cache outage costs latency, not delivery.
type MemberCache struct {
	next   gateway.Persistence
	cmd    redisclient.Cmdable
	logger *slog.Logger
}

// NewMemberCache wraps next with a Redis-backed member-list cache.
func NewMemberCache(next gateway.Persistence, cmd redisclient.Cmdable, logger *slog.Logger) *MemberCache {
	return &MemberCache{next: next, cmd: cmd, logger: logger}
}

// StoreMessage passes through to the underlying store.
func (m *MemberCache) StoreMessage(ctx context.Context, params gateway.StoreMessageParams) (*gateway.StoredMessage, error) {
	return m.next.StoreMessage(ctx, params)
}

// MarkRead passes through to the underlying store.
func (m *MemberCache) MarkRead(ctx context.Context, readerID, senderID, chatGroupID int64) error {
	return m.next.MarkRead(ctx, readerID, senderID, chatGroupID)
}

// GroupMembers returns the cached member list when present, otherwise reads
// through and populates the cache with the configured TTL.
func (m *MemberCache) GroupMembers(ctx context.Context, chatGroupID int64) ([]int64, error) {
	key := memberKey(chatGroupID)

	cached, err := m.cmd.Get(ctx, key).Result()
	switch {
	case err == nil:
		members, decodeErr := decodeMembers(cached)
		if decodeErr == nil {
			return members, nil
		}
		m.logger.Warn("discarding undecodable member cache entry",
			slog.String("key", key),
			slog.String("error", decodeErr.Error()),
		)
	case !errors.Is(err, redisclient.Nil):
		// Still fail open, but an outage should not be invisible.
		m.logger.Warn("member cache read failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}

	members, err := m.next.GroupMembers(ctx, chatGroupID)
	if err != nil {
		return nil, err
	}

	if setErr := m.cmd.Set(ctx, key, encodeMembers(members), domain.MembershipCacheTTL).Err(); setErr != nil {
		m.logger.Warn("member cache write failed",
			slog.String("key", key),
			slog.String("error", setErr.Error()),
		)
	}
	return members, nil
}

// Invalidate drops the cached member list for a group. The surrounding
// application calls this when membership changes.
func (m *MemberCache) Invalidate(ctx context.Context, chatGroupID int64) error {
	if err := m.cmd.Del(ctx, memberKey(chatGroupID)).Err(); err != nil {
		return fmt.Errorf("invalidate members of group %d: %w", chatGroupID, err)
	}
	return nil
}

// encodeMembers serializes a member list as comma-separated decimal IDs.
func encodeMembers(members []int64) string {
	parts := make([]string, len(members))
	for i, id := range members {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

// decodeMembers parses the cache representation produced by encodeMembers.
func decodeMembers(s string) ([]int64, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	members := make([]int64, len(parts))
	for i, p := range parts {
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("member entry %q: %w", p, err)
		}
		members[i] = id
	}
	return members, nil
}

// Ensure MemberCache implements the port at compile time.
var _ gateway.Persistence = (*MemberCache)(nil)
