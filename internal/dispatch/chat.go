package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/raahi/dispatch/internal/bus"
	redispkg "github.com/raahi/dispatch/pkg/redis"
)

const (
	chatHistoryTTL     = 24 * time.Hour
	chatHistoryKeyFmt  = "ride:chat:%s"
	chatHistoryDefault = 100
)

// ChatHistory keeps a rolling per-ride chat log in a Redis list so a
// reconnecting client can backfill what it missed on the live channel.
type ChatHistory struct {
	rdb *redispkg.Client
}

// NewChatHistory returns nil for a nil client so chat degrades to
// live-only delivery.
func NewChatHistory(rdb *redispkg.Client) *ChatHistory {
	if rdb == nil {
		return nil
	}
	return &ChatHistory{rdb: rdb}
}

func chatKey(rideID string) string {
	return fmt.Sprintf(chatHistoryKeyFmt, rideID)
}

// Append pushes the message and refreshes the list TTL.
func (h *ChatHistory) Append(ctx context.Context, msg bus.RideChatMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	key := chatKey(msg.RideID)
	if err := h.rdb.RPush(ctx, key, payload); err != nil {
		return err
	}
	return h.rdb.Expire(ctx, key, chatHistoryTTL)
}

// History returns up to limit most recent messages in send order.
func (h *ChatHistory) History(ctx context.Context, rideID string, limit int64) ([]bus.RideChatMessage, error) {
	if limit <= 0 {
		limit = chatHistoryDefault
	}
	raw, err := h.rdb.LRange(ctx, chatKey(rideID), -limit, -1)
	if err != nil {
		return nil, err
	}

	out := make([]bus.RideChatMessage, 0, len(raw))
	for _, item := range raw {
		var msg bus.RideChatMessage
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}
