package repositories

import (
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Row is a human readable view of one stored key.
type Row struct {
	Key    string
	Kind   string
	At     time.Time
	Owner  string
	Detail string
}

// Describe decodes value according to the family of key. Unknown or
// undecodable records come back as RAW with their size.
func Describe(key string, value []byte) Row {
	family, rest, _ := strings.Cut(key, ":")
	row := Row{Key: key, Kind: "RAW", Detail: fmt.Sprintf("Size: %d bytes", len(value))}

	switch family {
	case "msg":
		m, err := decodeMessage(value)
		if err != nil {
			return row
		}
		row.Kind, row.At, row.Owner = "MESSAGE", m.ServerTimestamp, string(m.SenderID)
		row.Detail = fmt.Sprintf("#%d %q", m.ID, m.Text)
		if m.Read {
			row.Detail += " (read)"
		}
	case "mseq":
		s, err := decodeSequence(value)
		if err != nil {
			return row
		}
		row.Kind, row.At, row.Owner = "SEQUENCE", s.LastTime, rest
		row.Detail = fmt.Sprintf("last id %d", s.LastID)
	case "idem":
		row.Kind, row.Detail = "IDEMPOTENCY", "message #"+string(value)
	case "conv":
		c, err := decodeConversation(value)
		if err != nil {
			return row
		}
		row.Kind, row.At = "CONVERSATION", c.CreatedAt
		row.Owner = string(c.Participants[0]) + "," + string(c.Participants[1])
		row.Detail = fmt.Sprintf("last #%d %q", c.LastMessageID, c.LastMessageText)
	case "pair":
		row.Kind, row.Owner, row.Detail = "PAIR", rest, string(value)
	case "uconv":
		user, conv, _ := strings.Cut(rest, ":")
		row.Kind, row.Owner, row.Detail = "MEMBERSHIP", user, conv
	case "user":
		u, err := decodeUser(value)
		if err != nil {
			return row
		}
		row.Kind, row.At, row.Owner = "USER", u.LastChanged, string(u.ID)
		row.Detail = fmt.Sprintf("%s online=%t", u.DisplayName, u.Online)
	}
	return row
}

// Scan calls fn with every record whose key starts with prefix, in key order.
func Scan(db *badger.DB, prefix string, fn func(Row)) error {
	return view(db, func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.Prefix = []byte(prefix)
		it := txn.NewIterator(options)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			err := item.Value(func(v []byte) error {
				fn(Describe(string(item.Key()), v))
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}
