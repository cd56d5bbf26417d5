package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raahi/dispatch/internal/bus"
	redispkg "github.com/raahi/dispatch/pkg/redis"
)

func chatFixture() bus.RideChatMessage {
	return bus.RideChatMessage{
		RideID:     "ride-1",
		SenderID:   "pax-1",
		SenderRole: "passenger",
		Message:    "I am at gate 2",
		SentAt:     time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC),
	}
}

func TestChatHistory_Append(t *testing.T) {
	db, mock := redismock.NewClientMock()
	history := NewChatHistory(&redispkg.Client{Client: db})

	msg := chatFixture()
	payload, err := json.Marshal(msg)
	require.NoError(t, err)

	mock.ExpectRPush("ride:chat:ride-1", payload).SetVal(1)
	mock.ExpectExpire("ride:chat:ride-1", chatHistoryTTL).SetVal(true)

	require.NoError(t, history.Append(context.Background(), msg))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChatHistory_History(t *testing.T) {
	db, mock := redismock.NewClientMock()
	history := NewChatHistory(&redispkg.Client{Client: db})

	msg := chatFixture()
	payload, err := json.Marshal(msg)
	require.NoError(t, err)

	mock.ExpectLRange("ride:chat:ride-1", -50, -1).
		SetVal([]string{string(payload), "not json"})

	got, err := history.History(context.Background(), "ride-1", 50)
	require.NoError(t, err)
	require.Len(t, got, 1, "undecodable entries are skipped")
	assert.Equal(t, msg.Message, got[0].Message)
	assert.Equal(t, msg.SenderID, got[0].SenderID)
}

func TestChatHistory_DefaultLimit(t *testing.T) {
	db, mock := redismock.NewClientMock()
	history := NewChatHistory(&redispkg.Client{Client: db})

	mock.ExpectLRange("ride:chat:ride-1", -int64(chatHistoryDefault), -1).SetVal(nil)

	_, err := history.History(context.Background(), "ride-1", 0)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewChatHistory_NilClient(t *testing.T) {
	assert.Nil(t, NewChatHistory(nil))
}
