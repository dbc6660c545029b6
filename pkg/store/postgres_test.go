package store

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestPostgresStore_PutProposal(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db)
	score := 0.1
	p := Proposal{ProposalID: "p1", ToolName: "transfer_funds", ArgsJSON: "{}", PromptHash: "h", CompositeScore: &score, Decision: DecisionAllow, CreatedAt: time.Now()}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO proposals")).
		WithArgs(p.ProposalID, p.ToolName, p.ArgsJSON, p.PromptHash, score, false, "ALLOW", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = s.PutProposal(context.Background(), p)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetProposal_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT proposal_id")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"proposal_id", "tool_name", "args_json", "prompt_hash", "composite_score", "token_required", "decision", "created_at"}))

	_, err = s.GetProposal(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_ConsumeNonce_UniqueViolationIsReplay(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db)
	exp := time.Now().Add(time.Minute)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO nonces")).
		WithArgs("n1", "tok1", exp).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	err = s.ConsumeNonce(context.Background(), "n1", "tok1", exp)
	assert.ErrorIs(t, err, ErrNonceAlreadyConsumed)
}

func TestPostgresStore_ConsumeNonce_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db)
	exp := time.Now().Add(time.Minute)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO nonces")).
		WithArgs("n1", "tok1", exp).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = s.ConsumeNonce(context.Background(), "n1", "tok1", exp)
	assert.NoError(t, err)
}

func TestPostgresStore_ConsumeNonceAndCommit_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db)
	exp := time.Now().Add(time.Minute)
	tokenID := "tok1"
	rec := CommitRecord{CommitID: "c1", ProposalID: "p1", TokenID: &tokenID, Decision: CommitCommitted, VerificationReason: "ok", CreatedAt: time.Now()}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO nonces")).
		WithArgs("n1", "tok1", exp).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO commits")).
		WithArgs(rec.CommitID, rec.ProposalID, tokenID, string(rec.Decision), rec.VerificationReason, rec.CreatedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err = s.ConsumeNonceAndCommit(context.Background(), "n1", "tok1", exp, rec)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ConsumeNonceAndCommit_ReplayRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db)
	exp := time.Now().Add(time.Minute)
	rec := CommitRecord{CommitID: "c1", ProposalID: "p1", Decision: CommitCommitted, VerificationReason: "ok", CreatedAt: time.Now()}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO nonces")).
		WithArgs("n1", "tok1", exp).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})
	mock.ExpectRollback()

	err = s.ConsumeNonceAndCommit(context.Background(), "n1", "tok1", exp, rec)
	assert.ErrorIs(t, err, ErrNonceAlreadyConsumed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ConsumeNonceAndCommit_CommitInsertFailureRollsBackNonce(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db)
	exp := time.Now().Add(time.Minute)
	rec := CommitRecord{CommitID: "c1", ProposalID: "p1", Decision: CommitCommitted, VerificationReason: "ok", CreatedAt: time.Now()}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO nonces")).
		WithArgs("n1", "tok1", exp).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO commits")).
		WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	err = s.ConsumeNonceAndCommit(context.Background(), "n1", "tok1", exp, rec)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PurgeExpiredNonces(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db)
	now := time.Now()

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM nonces WHERE expires_at <= $1")).
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 3))

	purged, err := s.PurgeExpiredNonces(context.Background(), now)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), purged)
}
