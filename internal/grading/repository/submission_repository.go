package repository

import (
	"context"
	"encoding/json"
	"time"

	"codegrade/internal/common/db"
	"codegrade/internal/grading/model"
	appErr "codegrade/pkg/errors"

	"github.com/Masterminds/squirrel"
)

const (
	submissionsTable  = "submissions"
	taskAttemptsTable = "task_attempts"
)

// CommitResult reports the outcome of a fenced verdict write.
type CommitResult struct {
	// Committed is false when the row had already left SUBMITTING.
	Committed bool
	// Status is the row status after the call.
	Status model.Status
}

// SubmissionRepository is the fenced access to submission rows.
type SubmissionRepository interface {
	GetStatus(ctx context.Context, submissionID int64) (model.Status, error)
	CommitVerdict(ctx context.Context, submissionID int64, report model.Report, gradedAt time.Time) (CommitResult, error)
	MarkUnavailable(ctx context.Context, submissionID int64) (bool, error)
}

// SQLSubmissionRepository implements SubmissionRepository for MySQL and PostgreSQL.
type SQLSubmissionRepository struct {
	db db.Database
}

// NewSubmissionRepository creates a submission repository.
func NewSubmissionRepository(database db.Database) *SQLSubmissionRepository {
	return &SQLSubmissionRepository{db: database}
}

// GetStatus returns the current status of a submission.
func (r *SQLSubmissionRepository) GetStatus(ctx context.Context, submissionID int64) (model.Status, error) {
	return r.getStatus(ctx, r.db, submissionID)
}

// CommitVerdict writes the terminal status only while the row is still SUBMITTING and bumps
// the account's attempt counter for the task in the same transaction.
func (r *SQLSubmissionRepository) CommitVerdict(ctx context.Context, submissionID int64, report model.Report, gradedAt time.Time) (CommitResult, error) {
	if submissionID <= 0 {
		return CommitResult{}, appErr.ValidationError("submission_id", "required")
	}
	if !report.Verdict.Terminal() {
		return CommitResult{}, appErr.ValidationError("verdict", "must be terminal")
	}
	payload, err := json.Marshal(report)
	if err != nil {
		return CommitResult{}, appErr.Wrapf(err, appErr.EncodeFailed, "encode report failed")
	}

	var out CommitResult
	err = r.db.Transaction(ctx, func(tx db.Transaction) error {
		query, args, err := r.commitStatement(submissionID, report.Verdict, payload, gradedAt)
		if err != nil {
			return err
		}
		res, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return appErr.Wrapf(err, appErr.DatabaseError, "commit verdict failed")
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return appErr.Wrapf(err, appErr.DatabaseError, "read affected rows failed")
		}
		if affected == 0 {
			current, err := r.getStatus(ctx, tx, submissionID)
			if err != nil {
				return err
			}
			if !current.Terminal() {
				return appErr.New(appErr.DatabaseError).WithMessagef("submission %d stayed %s after fenced update", submissionID, current)
			}
			out = CommitResult{Committed: false, Status: current}
			return nil
		}

		query, args, err = r.attemptStatement(submissionID)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return appErr.Wrapf(err, appErr.DatabaseError, "update task attempts failed")
		}
		out = CommitResult{Committed: true, Status: report.Verdict}
		return nil
	})
	if err != nil {
		if appErr.GetCode(err) == appErr.InternalServerError {
			return CommitResult{}, appErr.Wrapf(err, appErr.TransactionFailed, "commit verdict transaction failed")
		}
		return CommitResult{}, err
	}
	return out, nil
}

// MarkUnavailable flags a SUBMITTING row whose job was dead-lettered. Terminal rows are untouched.
func (r *SQLSubmissionRepository) MarkUnavailable(ctx context.Context, submissionID int64) (bool, error) {
	query, args, err := r.db.Dialect().Builder().
		Update(submissionsTable).
		Set("grading_state", model.GradingStateUnavailable).
		Where(squirrel.Eq{"id": submissionID, "status": string(model.StatusSubmitting)}).
		ToSql()
	if err != nil {
		return false, appErr.Wrapf(err, appErr.DatabaseError, "build unavailable update failed")
	}
	res, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return false, appErr.Wrapf(err, appErr.DatabaseError, "mark submission unavailable failed")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, appErr.Wrapf(err, appErr.DatabaseError, "read affected rows failed")
	}
	return affected > 0, nil
}

func (r *SQLSubmissionRepository) commitStatement(submissionID int64, verdict model.Status, report []byte, gradedAt time.Time) (string, []interface{}, error) {
	query, args, err := r.db.Dialect().Builder().
		Update(submissionsTable).
		Set("status", string(verdict)).
		Set("report", string(report)).
		Set("graded_at", gradedAt.UTC()).
		Set("attempts", squirrel.Expr("attempts + 1")).
		Where(squirrel.Eq{"id": submissionID, "status": string(model.StatusSubmitting)}).
		ToSql()
	if err != nil {
		return "", nil, appErr.Wrapf(err, appErr.DatabaseError, "build verdict update failed")
	}
	return query, args, nil
}

func (r *SQLSubmissionRepository) attemptStatement(submissionID int64) (string, []interface{}, error) {
	suffix := "ON DUPLICATE KEY UPDATE " + taskAttemptsTable + ".attempts = " + taskAttemptsTable + ".attempts + 1"
	if r.db.Dialect() == db.DialectPostgres {
		suffix = "ON CONFLICT (account_id, task_id) DO UPDATE SET attempts = " + taskAttemptsTable + ".attempts + 1"
	}
	source := squirrel.Select("account_id", "task_id", "1").
		From(submissionsTable).
		Where(squirrel.Eq{"id": submissionID})
	query, args, err := r.db.Dialect().Builder().
		Insert(taskAttemptsTable).
		Columns("account_id", "task_id", "attempts").
		Select(source).
		Suffix(suffix).
		ToSql()
	if err != nil {
		return "", nil, appErr.Wrapf(err, appErr.DatabaseError, "build attempts upsert failed")
	}
	return query, args, nil
}

func (r *SQLSubmissionRepository) getStatus(ctx context.Context, q db.Querier, submissionID int64) (model.Status, error) {
	if submissionID <= 0 {
		return "", appErr.ValidationError("submission_id", "required")
	}
	query, args, err := r.db.Dialect().Builder().
		Select("status").
		From(submissionsTable).
		Where(squirrel.Eq{"id": submissionID}).
		ToSql()
	if err != nil {
		return "", appErr.Wrapf(err, appErr.DatabaseError, "build status query failed")
	}
	var status string
	if err := q.QueryRow(ctx, query, args...).Scan(&status); err != nil {
		if db.IsNoRows(err) {
			return "", appErr.New(appErr.SubmissionNotFound).WithMessagef("submission %d not found", submissionID)
		}
		return "", appErr.Wrapf(err, appErr.DatabaseError, "load submission status failed")
	}
	return model.Status(status), nil
}
