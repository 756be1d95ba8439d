package app

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/keuin/kimikuri/internal/store"
)

// statsReporter periodically logs the registered-user count for operator
// visibility. Purely observational; it never writes to the store.
type statsReporter struct {
	c   *cron.Cron
	log zerolog.Logger
}

func newStatsReporter(schedule string, st *store.Store, log zerolog.Logger) (*statsReporter, error) {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		n, err := st.CountUsers(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("cannot count users")
			return
		}
		log.Info().Int64("users", n).Msg("registered user count")
	})
	if err != nil {
		return nil, err
	}
	return &statsReporter{c: c, log: log}, nil
}

func (r *statsReporter) Start() { r.c.Start() }

// Stop waits for a running report to finish, bounded by ctx.
func (r *statsReporter) Stop(ctx context.Context) error {
	done := r.c.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	return nil
}
