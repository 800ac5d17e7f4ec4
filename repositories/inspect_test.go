package repositories

import (
	"log/slog"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

func Test_Scan_Describes_Every_Family(t *testing.T) {
	req := require.New(t)
	db := openBadger(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	// Given a conversation with one message
	conversations := NewConversationRepository(db, log)
	conv, _, err := conversations.FindOrCreate("alice", "bob", "c1", now)
	req.NoError(err)
	messages := NewMessageRepository(db, log, nil)
	_, err = messages.Append(AppendRequest{ConversationID: conv.ID, SenderID: "alice", Text: "hi", IdempotencyKey: "k", Now: now})
	req.NoError(err)

	// When every key is scanned
	kinds := map[string]Row{}
	req.NoError(Scan(db, "", func(row Row) { kinds[row.Kind] = row }))

	// Then each family is decoded
	req.Contains(kinds, "CONVERSATION")
	req.Contains(kinds, "PAIR")
	req.Contains(kinds, "MEMBERSHIP")
	req.Contains(kinds, "SEQUENCE")
	req.Contains(kinds, "IDEMPOTENCY")
	req.Equal(`#1 "hi"`, kinds["MESSAGE"].Detail)
	req.Equal("alice", kinds["MESSAGE"].Owner)
	req.True(now.Equal(kinds["MESSAGE"].At))
	req.Equal("message #1", kinds["IDEMPOTENCY"].Detail)
}

func Test_Describe_Unknown_Key(t *testing.T) {
	req := require.New(t)
	row := Describe("other:x", []byte{1, 2, 3})
	req.Equal("RAW", row.Kind)
	req.Equal("Size: 3 bytes", row.Detail)

	// A message key holding garbage stays raw
	req.Equal("RAW", Describe("msg:c1:1", []byte{0xff}).Kind)
}
