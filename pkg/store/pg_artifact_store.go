package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ledger/pkg/record"
	"ledger/pkg/taxonomy"
)

// PostgresStore is the durable ArtifactStore backed by three append-only
// tables (one per namespace). Each table is keyed by its hash primary key,
// giving the store-wide uniqueness invariant "for free" within a
// namespace; cross-namespace uniqueness is enforced at the application
// layer by PutAccepted/PutRejected/PutReplayResult, which first look the
// hash up in the other two tables.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an already-connected pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (p *PostgresStore) GetAccepted(ctx context.Context, hash string) (AcceptedArtifact, error) {
	var a AcceptedArtifact
	a.Hash = hash
	var kind string
	row := p.pool.QueryRow(ctx,
		`SELECT kind, canonical_bytes, trace_id, time_key_ms FROM accepted_artifacts WHERE hash = $1`, hash)
	if err := row.Scan(&kind, &a.Canonical, &a.TraceID, &a.TimeKeyMs); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AcceptedArtifact{}, ErrNotFound
		}
		return AcceptedArtifact{}, err
	}
	a.Kind = record.Kind(kind)
	return a, nil
}

func (p *PostgresStore) PutAccepted(ctx context.Context, artifact AcceptedArtifact) error {
	if err := p.checkHashFree(ctx, artifact.Hash, "accepted_artifacts"); err != nil {
		return err
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO accepted_artifacts (hash, kind, canonical_bytes, trace_id, time_key_ms)
		 VALUES ($1, $2, $3, $4, $5) ON CONFLICT (hash) DO NOTHING`,
		artifact.Hash, string(artifact.Kind), artifact.Canonical, artifact.TraceID, artifact.TimeKeyMs)
	return err
}

func (p *PostgresStore) GetRejected(ctx context.Context, hash string) (RejectedAttempt, error) {
	var a RejectedAttempt
	a.Hash = hash
	var kind, class string
	row := p.pool.QueryRow(ctx,
		`SELECT kind, canonical_bytes, failure_class, error_kind, trace_id, time_key_ms
		 FROM rejected_attempts WHERE hash = $1`, hash)
	if err := row.Scan(&kind, &a.Canonical, &class, &a.ErrorKind, &a.TraceID, &a.TimeKeyMs); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RejectedAttempt{}, ErrNotFound
		}
		return RejectedAttempt{}, err
	}
	a.Kind = record.Kind(kind)
	a.FailureClass = taxonomy.Class(class)
	return a, nil
}

func (p *PostgresStore) PutRejected(ctx context.Context, attempt RejectedAttempt) error {
	if err := p.checkHashFree(ctx, attempt.Hash, "rejected_attempts"); err != nil {
		return err
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO rejected_attempts (hash, kind, canonical_bytes, failure_class, error_kind, trace_id, time_key_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (hash) DO NOTHING`,
		attempt.Hash, string(attempt.Kind), attempt.Canonical, string(attempt.FailureClass),
		attempt.ErrorKind, attempt.TraceID, attempt.TimeKeyMs)
	return err
}

func (p *PostgresStore) GetReplayResult(ctx context.Context, hash string) (ReplayArtifact, error) {
	var a ReplayArtifact
	a.Hash = hash
	row := p.pool.QueryRow(ctx,
		`SELECT canonical_bytes, replay_type, target_trace_id FROM replay_results WHERE hash = $1`, hash)
	var replayType, targetTraceID string
	if err := row.Scan(&a.Canonical, &replayType, &targetTraceID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ReplayArtifact{}, ErrNotFound
		}
		return ReplayArtifact{}, err
	}
	a.Result.ReplayType = record.ReplayKind(replayType)
	a.Result.TargetTraceID = targetTraceID
	return a, nil
}

func (p *PostgresStore) PutReplayResult(ctx context.Context, artifact ReplayArtifact) error {
	if err := p.checkHashFree(ctx, artifact.Hash, "replay_results"); err != nil {
		return err
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO replay_results (hash, canonical_bytes, replay_type, target_trace_id)
		 VALUES ($1, $2, $3, $4) ON CONFLICT (hash) DO NOTHING`,
		artifact.Hash, artifact.Canonical, string(artifact.Result.ReplayType), artifact.Result.TargetTraceID)
	return err
}

func (p *PostgresStore) ScanAccepted(ctx context.Context) ([]AcceptedArtifact, error) {
	rows, err := p.pool.Query(ctx, `SELECT hash, kind, canonical_bytes, trace_id, time_key_ms FROM accepted_artifacts`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AcceptedArtifact
	for rows.Next() {
		var a AcceptedArtifact
		var kind string
		if err := rows.Scan(&a.Hash, &kind, &a.Canonical, &a.TraceID, &a.TimeKeyMs); err != nil {
			return nil, err
		}
		a.Kind = record.Kind(kind)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ScanRejected(ctx context.Context) ([]RejectedAttempt, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT hash, kind, canonical_bytes, failure_class, error_kind, trace_id, time_key_ms FROM rejected_attempts`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RejectedAttempt
	for rows.Next() {
		var a RejectedAttempt
		var kind, class string
		if err := rows.Scan(&a.Hash, &kind, &a.Canonical, &class, &a.ErrorKind, &a.TraceID, &a.TimeKeyMs); err != nil {
			return nil, err
		}
		a.Kind = record.Kind(kind)
		a.FailureClass = taxonomy.Class(class)
		out = append(out, a)
	}
	return out, rows.Err()
}

// checkHashFree enforces the cross-namespace uniqueness invariant: a hash
// already present in either of the other two tables must not be accepted
// into thisTable.
func (p *PostgresStore) checkHashFree(ctx context.Context, hash, thisTable string) error {
	for _, table := range []string{"accepted_artifacts", "rejected_attempts", "replay_results"} {
		if table == thisTable {
			continue
		}
		var exists bool
		if err := p.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM `+table+` WHERE hash = $1)`, hash).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return ErrAlreadyExists
		}
	}
	return nil
}
