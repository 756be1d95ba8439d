// Package store persists the identity-to-token mapping.
//
// One table, three unique keys (user id, token, chat id). Records are
// immutable after creation; concurrent registration races are settled by the
// sqlite unique constraints, not by in-process locking.
package store

import (
	"errors"
	"time"
)

// ErrDuplicate reports that an insert collided with an existing record on one
// of the unique keys. Callers must detect it with errors.Is; it is the
// expected outcome when an already-registered user runs /start again.
var ErrDuplicate = errors.New("duplicate user key")

// User is the sole persisted entity.
type User struct {
	ID     int64  `db:"id"`      // platform-assigned user id
	Name   string `db:"name"`    // best-effort display name; may be empty
	Token  string `db:"token"`   // opaque secret, generated once
	ChatID int64  `db:"chat_id"` // chat used to address outbound messages
}

// Config configures the sqlite-backed store.
type Config struct {
	Path        string
	PoolSize    int           // 0 means default (16)
	BusyTimeout time.Duration // 0 means default (5s)
}
