// Package sweep expires suspended sessions whose interaction was never
// resolved. Expired sessions fail with reason "timeout" and their broker
// entries are cancelled, so a late callback gets interaction-not-found.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/convoflow/convoflow/internal/broker"
	"github.com/convoflow/convoflow/internal/metrics"
	"github.com/convoflow/convoflow/internal/state"
	"github.com/convoflow/convoflow/internal/state/store"
)

// FailReasonTimeout is recorded on sessions expired by the sweeper.
const FailReasonTimeout = "timeout"

// Sweeper periodically fails suspended sessions older than the expiry.
type Sweeper struct {
	store   *store.Store
	broker  *broker.Broker
	metrics *metrics.Metrics
	expiry  time.Duration
	cron    *cron.Cron
}

// New returns a sweeper. expiry is how long a session may stay suspended.
func New(st *store.Store, br *broker.Broker, m *metrics.Metrics, expiry time.Duration) *Sweeper {
	return &Sweeper{store: st, broker: br, metrics: m, expiry: expiry}
}

// Start schedules the sweep at the given interval and runs until Stop.
func (s *Sweeper) Start(interval time.Duration) error {
	if s.cron != nil {
		return fmt.Errorf("sweeper already started")
	}
	c := cron.New()
	_, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		defer cancel()
		if _, err := s.Sweep(ctx); err != nil {
			log.Printf("sweep: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("sweep schedule: %w", err)
	}
	c.Start()
	s.cron = c
	return nil
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
}

// Sweep runs one pass and returns how many sessions it expired. A session
// that resumes mid-sweep wins its compare-and-swap and is skipped.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.expiry)
	sessions, err := s.store.SuspendedSince(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, sess := range sessions {
		if err := s.expire(ctx, sess); err != nil {
			log.Printf("sweep: session %s: %v", sess.ID, err)
			continue
		}
		expired++
	}
	if expired > 0 {
		log.Printf("sweep: expired %d suspended session(s)", expired)
	}
	return expired, nil
}

func (s *Sweeper) expire(ctx context.Context, sess *state.WorkflowSession) error {
	pendingID := ""
	if sess.Pending != nil {
		pendingID = sess.Pending.ID
	}
	sess.Pending = nil
	sess.Status = state.StatusFailed
	sess.FailReason = FailReasonTimeout

	err := s.store.CompareAndSwap(ctx, sess)
	if errors.Is(err, store.ErrStaleVersion) {
		// Lost the race to a resumption; leave the session alone.
		return nil
	}
	if err != nil {
		return err
	}
	if pendingID != "" {
		if err := s.broker.Cancel(ctx, pendingID); err != nil {
			log.Printf("sweep: cancel interaction %s: %v", pendingID, err)
		}
	}
	s.metrics.SweepExpired.Inc()
	return nil
}
