package pgstore

import (
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"spyre/pkg/dberrors"
)

// pgErrCodeUniqueViolation is Postgres's SQLSTATE for a unique constraint
// violation (e.g. a duplicate environment name).
const pgErrCodeUniqueViolation = "23505"

// mapErr normalizes pgx's row-not-found and constraint-violation errors to
// the shared dberrors sentinels every store backend returns, so callers in
// pkg/dispatcher, pkg/pipeline etc. use errors.Is uniformly regardless of
// which Store implementation is wired.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return dberrors.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgErrCodeUniqueViolation {
		return dberrors.ErrAlreadyExists
	}
	return err
}

// rowsAffectedErr maps an UPDATE/DELETE's affected-row count to
// dberrors.ErrNotFound when it touched nothing, matching memstore's
// "missing key" behavior for the same operations.
func rowsAffectedErr(n int64) error {
	if n == 0 {
		return dberrors.ErrNotFound
	}
	return nil
}

// marshalJSON is encoding/json.Marshal with an untyped nil or a nil
// map[string]any folded to SQL NULL. Other nil values (such as a nil
// *models.OutputArtifacts) are stored as JSON null, which scans back as nil.
func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case map[string]any:
		if t == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}
