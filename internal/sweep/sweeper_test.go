package sweep

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/convoflow/convoflow/internal/broker"
	"github.com/convoflow/convoflow/internal/metrics"
	"github.com/convoflow/convoflow/internal/state"
	"github.com/convoflow/convoflow/internal/state/store"
)

func newTestDeps(t *testing.T) (*store.Store, *broker.Broker) {
	t.Helper()
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return store.New(db), broker.New(rdb)
}

func suspendedSession(t *testing.T, st *store.Store, br *broker.Broker, sessID, convID, intrID string) {
	t.Helper()
	ctx := context.Background()
	intr := &state.Interaction{
		ID: intrID, Kind: state.InteractionClarification,
		Missing: []string{"to"}, CreatedAt: time.Now(),
	}
	sess := &state.WorkflowSession{
		ID: sessID, ConversationID: convID, UserID: "user-1",
		Query: "send an email", CurrentStep: state.StepNormalizeParams,
		Status: state.StatusSuspendedClarification, Pending: intr,
	}
	if err := st.CreateSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	if err := br.Register(ctx, sessID, intr, time.Hour); err != nil {
		t.Fatal(err)
	}
}

func TestSweepExpiresOldSuspensions(t *testing.T) {
	st, br := newTestDeps(t)
	ctx := context.Background()

	suspendedSession(t, st, br, "sess_1", "conv-1", "intr_1")
	time.Sleep(10 * time.Millisecond)

	s := New(st, br, metrics.New(nil), 5*time.Millisecond)
	expired, err := s.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if expired != 1 {
		t.Fatalf("expired = %d, want 1", expired)
	}

	sess, err := st.GetSession(ctx, "sess_1")
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != state.StatusFailed {
		t.Errorf("Status = %q, want failed", sess.Status)
	}
	if sess.FailReason != FailReasonTimeout {
		t.Errorf("FailReason = %q, want %q", sess.FailReason, FailReasonTimeout)
	}
	if sess.Pending != nil {
		t.Errorf("Pending = %+v, want nil", sess.Pending)
	}

	// A late callback finds nothing to resume.
	if _, err := br.Resolve(ctx, "intr_1", state.InteractionClarification); !errors.Is(err, broker.ErrInteractionNotFound) {
		t.Errorf("late resolve err = %v, want ErrInteractionNotFound", err)
	}
}

func TestSweepLeavesFreshSuspensions(t *testing.T) {
	st, br := newTestDeps(t)
	ctx := context.Background()

	suspendedSession(t, st, br, "sess_1", "conv-1", "intr_1")

	s := New(st, br, metrics.New(nil), time.Hour)
	expired, err := s.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if expired != 0 {
		t.Fatalf("expired = %d, want 0", expired)
	}

	sess, err := st.GetSession(ctx, "sess_1")
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != state.StatusSuspendedClarification {
		t.Errorf("Status = %q", sess.Status)
	}
}

func TestSweepSkipsConcurrentlyResumedSession(t *testing.T) {
	st, br := newTestDeps(t)
	ctx := context.Background()

	suspendedSession(t, st, br, "sess_1", "conv-1", "intr_1")
	time.Sleep(10 * time.Millisecond)

	s := New(st, br, metrics.New(nil), 5*time.Millisecond)

	// Simulate a resumption that lands between the sweeper's read and its
	// compare-and-swap.
	stale, err := st.GetSession(ctx, "sess_1")
	if err != nil {
		t.Fatal(err)
	}
	winner, err := st.GetSession(ctx, "sess_1")
	if err != nil {
		t.Fatal(err)
	}
	winner.Status = state.StatusRunning
	winner.Pending = nil
	if err := st.CompareAndSwap(ctx, winner); err != nil {
		t.Fatal(err)
	}

	if err := s.expire(ctx, stale); err != nil {
		t.Fatal(err)
	}
	got, err := st.GetSession(ctx, "sess_1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != state.StatusRunning {
		t.Errorf("Status = %q, the sweeper must not overwrite a resumed session", got.Status)
	}
}
