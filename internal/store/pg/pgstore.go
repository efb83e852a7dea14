package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"yuhak.app/internal/agency"
	"yuhak.app/internal/audit"
	"yuhak.app/internal/ids"
	"yuhak.app/internal/student"
)

// Store exposes the domain stores backed by the managed PostgreSQL that the
// hosted platform provides. Opened once per process and shared.
type Store struct {
	db *sql.DB
}

// Open dials PostgreSQL with pooled defaults.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing connection pool (used by tests).
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Agencies returns the agency record store.
func (s *Store) Agencies() agency.Store { return &agencyStore{db: s.db} }

// Students returns the student record store.
func (s *Store) Students() student.Store { return &studentStore{db: s.db} }

// Audit returns the append-only audit store.
func (s *Store) Audit() audit.Store { return &auditStore{db: s.db} }

// Agency store -------------------------------------------------------------

type agencyStore struct{ db *sql.DB }

func (s *agencyStore) Create(ctx context.Context, a *agency.Agency) error {
	if a.ID == "" {
		a.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into agencies(id, code, name_kr) values($1,$2,$3)`,
		a.ID, a.Code, a.NameKR,
	)
	return err
}

func (s *agencyStore) Find(ctx context.Context, id string) (*agency.Agency, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, code, name_kr, coalesce(owner_user_id,''), created_at, updated_at
		 from agencies where id=$1`, id,
	)
	var a agency.Agency
	if err := row.Scan(&a.ID, &a.Code, &a.NameKR, &a.OwnerUserID, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, agency.ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

func (s *agencyStore) LinkOwner(ctx context.Context, agencyID, userID string) (bool, error) {
	// First write wins: the predicate keeps an established link intact.
	res, err := s.db.ExecContext(ctx,
		`update agencies set owner_user_id=$2, updated_at=now()
		 where id=$1 and owner_user_id is null`,
		agencyID, userID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Student store ------------------------------------------------------------

type studentStore struct{ db *sql.DB }

func (s *studentStore) Create(ctx context.Context, rec *student.Record) error {
	_, err := s.db.ExecContext(ctx,
		`insert into students(user_id, active) values($1,$2)`,
		rec.UserID, rec.Active,
	)
	return err
}

func (s *studentStore) Find(ctx context.Context, userID string) (*student.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`select user_id, active, withdrawn_at, created_at from students where user_id=$1`, userID,
	)
	var (
		rec         student.Record
		withdrawnAt sql.NullTime
	)
	if err := row.Scan(&rec.UserID, &rec.Active, &withdrawnAt, &rec.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, student.ErrNotFound
		}
		return nil, err
	}
	if withdrawnAt.Valid {
		t := withdrawnAt.Time
		rec.WithdrawnAt = &t
	}
	return &rec, nil
}

func (s *studentStore) Withdraw(ctx context.Context, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`update students set active=false, withdrawn_at=now() where user_id=$1 and active`,
		userID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Audit store --------------------------------------------------------------

type auditStore struct{ db *sql.DB }

func (s *auditStore) Append(ctx context.Context, entry *audit.Entry) error {
	detail, err := json.Marshal(entry.Detail)
	if err != nil {
		return err
	}
	var targetID any
	if entry.TargetID != "" {
		targetID = entry.TargetID
	}
	_, err = s.db.ExecContext(ctx,
		`insert into audit_logs(id, occurred_at, actor_id, actor_role, action, target_table, target_id, detail)
		 values($1,$2,$3,$4,$5,$6,$7,$8)`,
		entry.ID, entry.OccurredAt, entry.ActorID, entry.ActorRole,
		entry.Action, entry.TargetTable, targetID, detail,
	)
	return err
}
