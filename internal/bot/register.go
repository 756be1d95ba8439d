package bot

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/keuin/kimikuri/internal/store"
	"github.com/keuin/kimikuri/internal/token"
)

const (
	helpText = "These commands are supported:\n" +
		"/help - display this text.\n" +
		"/start - get your personal token."
	tokenReplyFmt  = "Your token is `%s`. Treat it as a secret!"
	tokenFetchFail = "Error: cannot fetch token."
)

// StartEvent is the registration-relevant slice of an inbound /start update.
// UserID is zero when the update has no identifiable sender (channel posts).
type StartEvent struct {
	UserID   int64
	Username string
	ChatID   int64
}

// Registrar runs the /start flow against the user store.
//
// Registration is idempotent and race tolerant: the insert may lose to a
// concurrent /start for the same user, so the reply always carries the token
// read back from the store, never the candidate one.
type Registrar struct {
	store *store.Store
	log   zerolog.Logger
}

func NewRegistrar(st *store.Store, log zerolog.Logger) *Registrar {
	return &Registrar{store: st, log: log}
}

// Register handles one /start event and returns the reply text. ok is false
// when the event has no identifiable sender; such events are dropped without
// touching the store and without a reply.
func (r *Registrar) Register(ctx context.Context, ev StartEvent) (reply string, ok bool) {
	if ev.UserID == 0 {
		r.log.Debug().Int64("chat_id", ev.ChatID).Msg("ignoring start event without sender")
		return "", false
	}

	candidate := store.User{
		ID:     ev.UserID,
		Name:   ev.Username,
		Token:  token.Generate(),
		ChatID: ev.ChatID,
	}
	err := r.store.CreateUser(ctx, candidate)
	switch {
	case err == nil:
		r.log.Info().Int64("user_id", candidate.ID).Int64("chat_id", candidate.ChatID).
			Msg("registered new user")
	case errors.Is(err, store.ErrDuplicate):
		// Steady state: the user already holds a token.
		r.log.Debug().Int64("user_id", candidate.ID).Msg("user already registered")
	default:
		// Keep going; the store may still hold a usable record.
		r.log.Error().Err(err).Int64("user_id", candidate.ID).Msg("cannot create user")
	}

	known, err := r.store.UserByChat(ctx, ev.ChatID)
	if err != nil {
		r.log.Error().Err(err).Int64("chat_id", ev.ChatID).Msg("cannot fetch user after registration")
		return tokenFetchFail, true
	}
	if known == nil {
		r.log.Error().Int64("chat_id", ev.ChatID).Msg("no user record after registration")
		return tokenFetchFail, true
	}
	return fmt.Sprintf(tokenReplyFmt, known.Token), true
}
