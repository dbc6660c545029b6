package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements ProposalStore against the relational schema in
// spec §6: proposals, commits, nonces tables, with the nonces primary key
// enforcing replay protection.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an already-opened *sql.DB. Callers are expected
// to have opened it with sql.Open("postgres", dsn), mirroring
// pkg/database's connectDB.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Init creates the schema if it does not already exist. Safe to call on
// every process start.
func (s *PostgresStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS proposals (
			proposal_id TEXT PRIMARY KEY,
			tool_name TEXT NOT NULL,
			args_json TEXT NOT NULL,
			prompt_hash TEXT NOT NULL,
			composite_score DOUBLE PRECISION NULL,
			token_required BOOLEAN NOT NULL DEFAULT FALSE,
			decision TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS commits (
			commit_id TEXT PRIMARY KEY,
			proposal_id TEXT NOT NULL,
			token_id TEXT NULL,
			decision TEXT NOT NULL,
			verification_reason TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS nonces (
			nonce TEXT PRIMARY KEY,
			token_id TEXT NOT NULL,
			expires_at TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: init schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) PutProposal(ctx context.Context, p Proposal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proposals (proposal_id, tool_name, args_json, prompt_hash, composite_score, token_required, decision, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (proposal_id) DO NOTHING
	`, p.ProposalID, p.ToolName, p.ArgsJSON, p.PromptHash, p.CompositeScore, p.TokenRequired, string(p.Decision), p.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: put proposal: %w: %w", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) GetProposal(ctx context.Context, proposalID string) (Proposal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT proposal_id, tool_name, args_json, prompt_hash, composite_score, token_required, decision, created_at
		FROM proposals WHERE proposal_id = $1
	`, proposalID)

	var p Proposal
	var decision string
	var score sql.NullFloat64
	if err := row.Scan(&p.ProposalID, &p.ToolName, &p.ArgsJSON, &p.PromptHash, &score, &p.TokenRequired, &decision, &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Proposal{}, ErrNotFound
		}
		return Proposal{}, fmt.Errorf("store: get proposal: %w: %w", ErrUnavailable, err)
	}
	if score.Valid {
		v := score.Float64
		p.CompositeScore = &v
	}
	p.Decision = Decision(decision)
	return p, nil
}

func (s *PostgresStore) PutCommit(ctx context.Context, c CommitRecord) error {
	var tokenID interface{}
	if c.TokenID != nil {
		tokenID = *c.TokenID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO commits (commit_id, proposal_id, token_id, decision, verification_reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, c.CommitID, c.ProposalID, tokenID, string(c.Decision), c.VerificationReason, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: put commit: %w: %w", ErrUnavailable, err)
	}
	return nil
}

// ConsumeNonce relies on the nonces table's primary key to make the
// insert atomic w.r.t. concurrent commits, per spec §6's "Nonce
// uniqueness constraint is the replay boundary" redesign flag — no
// SELECT-then-INSERT race window.
func (s *PostgresStore) ConsumeNonce(ctx context.Context, nonce, tokenID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nonces (nonce, token_id, expires_at) VALUES ($1, $2, $3)
	`, nonce, tokenID, expiresAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrNonceAlreadyConsumed
		}
		return fmt.Errorf("store: consume nonce: %w: %w", ErrUnavailable, err)
	}
	return nil
}

// ConsumeNonceAndCommit wraps the nonce insert and the commit insert in a
// single transaction: the nonce's primary-key violation rolls the whole
// transaction back, so a replay attempt leaves no commit row behind, and
// a commit-insert failure after a successful nonce insert rolls the
// nonce insert back too, never burning a nonce with nothing to show for
// it.
func (s *PostgresStore) ConsumeNonceAndCommit(ctx context.Context, nonce, tokenID string, expiresAt time.Time, rec CommitRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: consume nonce and commit: begin: %w: %w", ErrUnavailable, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO nonces (nonce, token_id, expires_at) VALUES ($1, $2, $3)
	`, nonce, tokenID, expiresAt); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrNonceAlreadyConsumed
		}
		return fmt.Errorf("store: consume nonce and commit: insert nonce: %w: %w", ErrUnavailable, err)
	}

	var commitTokenID interface{}
	if rec.TokenID != nil {
		commitTokenID = *rec.TokenID
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO commits (commit_id, proposal_id, token_id, decision, verification_reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.CommitID, rec.ProposalID, commitTokenID, string(rec.Decision), rec.VerificationReason, rec.CreatedAt); err != nil {
		return fmt.Errorf("store: consume nonce and commit: insert commit: %w: %w", ErrUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: consume nonce and commit: commit tx: %w: %w", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) PurgeExpiredNonces(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM nonces WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("store: purge expired nonces: %w: %w", ErrUnavailable, err)
	}
	return res.RowsAffected()
}
