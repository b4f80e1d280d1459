package queue_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"shepherd/internal/db"
	"shepherd/internal/domain"
	"shepherd/internal/migrate"
	"shepherd/internal/queue"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func newQueue(t *testing.T) (queue.Queue, *clock) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return queue.Queue{DB: conn, Now: c.Now}, c
}

func enqueue(t *testing.T, q queue.Queue, opts queue.EnqueueOptions) domain.Job {
	t.Helper()
	ctx := context.Background()
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	j, err := q.EnqueueTx(ctx, tx, opts)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return j
}

func TestClaimIsExclusiveAndOrdered(t *testing.T) {
	q, c := newQueue(t)
	ctx := context.Background()
	first := enqueue(t, q, queue.EnqueueOptions{Kind: "VM_CREATE", EventID: "e1", Queue: "cluster-a", MaxAttempts: 3})
	c.t = c.t.Add(time.Second)
	enqueue(t, q, queue.EnqueueOptions{Kind: "VM_CREATE", EventID: "e2", Queue: "cluster-a", MaxAttempts: 3})
	enqueue(t, q, queue.EnqueueOptions{Kind: "VM_CREATE", EventID: "e3", Queue: "cluster-b", MaxAttempts: 3})

	j, ok, err := q.Claim(ctx, "cluster-a", "w1")
	if err != nil || !ok {
		t.Fatalf("claim: %v %v", ok, err)
	}
	if j.ID != first.ID || j.State != domain.JobRunning || j.Attempts != 1 || j.LockedBy != "w1" {
		t.Fatalf("unexpected claimed job %+v", j)
	}
	j2, ok, err := q.Claim(ctx, "cluster-a", "w2")
	if err != nil || !ok || j2.EventID != "e2" {
		t.Fatalf("second claim: %+v %v %v", j2, ok, err)
	}
	if _, ok, _ := q.Claim(ctx, "cluster-a", "w3"); ok {
		t.Fatalf("queue should be drained")
	}
}

func TestRetryDelaysRedelivery(t *testing.T) {
	q, c := newQueue(t)
	ctx := context.Background()
	enqueue(t, q, queue.EnqueueOptions{Kind: "VM_START", EventID: "e1", Queue: "cluster-a", MaxAttempts: 3})
	j, _, _ := q.Claim(ctx, "cluster-a", "w1")
	if err := q.Retry(ctx, j.ID, 10*time.Second, "boom"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := q.Claim(ctx, "cluster-a", "w1"); ok {
		t.Fatalf("job must wait for its backoff")
	}
	c.t = c.t.Add(11 * time.Second)
	j, ok, err := q.Claim(ctx, "cluster-a", "w1")
	if err != nil || !ok {
		t.Fatalf("expected redelivery: %v", err)
	}
	if j.Attempts != 2 || j.LastError != "boom" {
		t.Fatalf("unexpected job after retry %+v", j)
	}
}

func TestReapStale(t *testing.T) {
	q, c := newQueue(t)
	ctx := context.Background()
	enqueue(t, q, queue.EnqueueOptions{Kind: "VM_STOP", EventID: "e1", Queue: "cluster-a", MaxAttempts: 3})
	if _, ok, _ := q.Claim(ctx, "cluster-a", "w1"); !ok {
		t.Fatal("claim failed")
	}
	c.t = c.t.Add(time.Minute)
	n, err := q.ReapStale(ctx, 5*time.Minute)
	if err != nil || n != 0 {
		t.Fatalf("fresh lock must not be reaped: %d %v", n, err)
	}
	c.t = c.t.Add(10 * time.Minute)
	n, err = q.ReapStale(ctx, 5*time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("expected one reaped job: %d %v", n, err)
	}
	if _, ok, _ := q.Claim(ctx, "cluster-a", "w2"); !ok {
		t.Fatalf("reaped job should be claimable")
	}
}

func TestCancelForTicketSkipsClaimedJobs(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()
	pending := enqueue(t, q, queue.EnqueueOptions{Kind: "VM_CREATE", EventID: "e1", TicketID: "t1", Queue: "cluster-a", MaxAttempts: 3})
	running := enqueue(t, q, queue.EnqueueOptions{Kind: "VM_CREATE", EventID: "e2", TicketID: "t2", Queue: "cluster-b", MaxAttempts: 3})
	if _, ok, _ := q.Claim(ctx, "cluster-b", "w1"); !ok {
		t.Fatal("claim failed")
	}
	for _, tc := range []struct {
		ticket string
		want   int64
	}{{"t1", 1}, {"t2", 0}} {
		err := withTx(q.DB, func(tx *sql.Tx) error {
			n, err := q.CancelForTicketTx(ctx, tx, tc.ticket, "cancelled")
			if err == nil && n != tc.want {
				t.Fatalf("ticket %s: cancelled %d, want %d", tc.ticket, n, tc.want)
			}
			return err
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	got, _ := q.Get(ctx, pending.ID)
	if got.State != domain.JobCancelled {
		t.Fatalf("expected cancelled, got %s", got.State)
	}
	got, _ = q.Get(ctx, running.ID)
	if got.State != domain.JobRunning {
		t.Fatalf("claimed job must keep running, got %s", got.State)
	}
}

func withTx(conn *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := conn.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
