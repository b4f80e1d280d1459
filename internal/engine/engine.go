package engine

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"shepherd/internal/audit"
	"shepherd/internal/config"
	"shepherd/internal/domain"
	"shepherd/internal/engine/auth"
	"shepherd/internal/notify"
	"shepherd/internal/queue"
	"shepherd/internal/repo"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Queue    queue.Queue
	Audit    audit.Writer
	Auth     auth.Resolver
	Notifier notify.Sender
	Config   *config.Config
	Logger   *slog.Logger
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:       db,
		Repo:     r,
		Queue:    queue.Queue{DB: db},
		Audit:    audit.Writer{},
		Auth:     auth.Resolver{Repo: r},
		Notifier: notify.Nop{},
		Config:   cfg,
		Logger:   slog.Default(),
		Now:      time.Now,
	}
}

// WithClock returns a copy whose queue and audit trail share now.
func (e Engine) WithClock(now func() time.Time) Engine {
	e.Now = now
	e.Queue.Now = now
	e.Audit.Now = now
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// withTx runs fn in one transaction. Any error or panic rolls back every
// statement fn issued.
func (e Engine) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// require checks p against the resolver. In-process system principals skip
// the check.
func (e Engine) require(ctx context.Context, p auth.Principal, permission, resourceID string) error {
	if p.IsSystem() {
		return nil
	}
	if p.ActorID == "" {
		return auth.ForbiddenError{Permission: permission, ResourceID: resourceID}
	}
	return e.Auth.Require(ctx, auth.Query{ActorID: p.ActorID, Permission: permission, ResourceID: resourceID})
}

func (e Engine) allowed(ctx context.Context, p auth.Principal, permission, resourceID string) (bool, error) {
	if p.IsSystem() {
		return true, nil
	}
	d, err := e.Auth.Check(ctx, auth.Query{ActorID: p.ActorID, Permission: permission, ResourceID: resourceID})
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	return d.Allowed, err
}

func (e Engine) notify(ctx context.Context, n notify.Notification) {
	if n.TS == "" {
		n.TS = e.stamp()
	}
	notify.Deliver(ctx, e.Notifier, e.logger(), n)
}

func notFound(err error, kind, id string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return domain.NotFoundError{Kind: kind, ID: id}
	}
	return err
}

func invalidTransition(ticketID, to string) error {
	return domain.ConflictError{
		Code:    domain.CodeInvalidTransition,
		Message: "ticket " + ticketID + " cannot move to " + to,
	}
}
