package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/solarb/internal/domain"
)

// ExecutionStore implements domain.ExecutionStore.
type ExecutionStore struct {
	pool *pgxpool.Pool
}

// NewExecutionStore creates an ExecutionStore.
func NewExecutionStore(pool *pgxpool.Pool) *ExecutionStore {
	return &ExecutionStore{pool: pool}
}

const executionColumns = `id, candidate_id, batch_id, route_key, input_asset, amount_in, gross_profit,
	priority_fee, tip, net_profit, strategy, variants, status, backend, endpoint, signature, error,
	started_at, completed_at`

// Create inserts rec and its legs in one transaction.
func (s *ExecutionStore) Create(ctx context.Context, rec domain.ExecutionRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO executions (`+executionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		rec.ID, rec.CandidateID, int64(rec.BatchID), rec.RouteKey, string(rec.InputAsset),
		numeric(rec.AmountIn), rec.GrossProfit, numeric(rec.PriorityFee), numeric(rec.Tip),
		rec.NetProfit, string(rec.Strategy), rec.Variants, string(rec.Status),
		rec.Backend, rec.Endpoint, rec.Signature, rec.Error,
		rec.StartedAt, nullTime(rec.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("postgres: insert execution %s: %w", rec.ID, err)
	}

	batch := &pgx.Batch{}
	for _, leg := range rec.Legs {
		batch.Queue(`
			INSERT INTO execution_legs (execution_id, leg_index, venue, side, input_asset, output_asset,
				amount_in, amount_out, min_out, provider_ref)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			rec.ID, leg.Index, string(leg.Venue), string(leg.Side), string(leg.InputAsset), string(leg.OutputAsset),
			numeric(leg.AmountIn), numeric(leg.AmountOut), numeric(leg.MinOut), leg.ProviderRef,
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("postgres: insert execution legs %s: %w", rec.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit execution %s: %w", rec.ID, err)
	}
	return nil
}

// GetByID returns one execution with its legs.
func (s *ExecutionStore) GetByID(ctx context.Context, id string) (domain.ExecutionRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = $1`, id)
	rec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ExecutionRecord{}, fmt.Errorf("postgres: execution %s: %w", id, domain.ErrNotFound)
		}
		return domain.ExecutionRecord{}, fmt.Errorf("postgres: get execution %s: %w", id, err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT leg_index, venue, side, input_asset, output_asset, amount_in, amount_out, min_out, provider_ref
		FROM execution_legs WHERE execution_id = $1 ORDER BY leg_index`, id)
	if err != nil {
		return domain.ExecutionRecord{}, fmt.Errorf("postgres: get execution legs %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var leg domain.ExecutionLeg
		var venue, side, in, out string
		var amtIn, amtOut, minOut pgtype.Numeric
		if err := rows.Scan(&leg.Index, &venue, &side, &in, &out, &amtIn, &amtOut, &minOut, &leg.ProviderRef); err != nil {
			return domain.ExecutionRecord{}, fmt.Errorf("postgres: scan execution leg: %w", err)
		}
		leg.Venue = domain.VenueKind(venue)
		leg.Side = domain.LegSide(side)
		leg.InputAsset = domain.Asset(in)
		leg.OutputAsset = domain.Asset(out)
		if leg.AmountIn, err = fromNumeric(amtIn); err != nil {
			return domain.ExecutionRecord{}, err
		}
		if leg.AmountOut, err = fromNumeric(amtOut); err != nil {
			return domain.ExecutionRecord{}, err
		}
		if leg.MinOut, err = fromNumeric(minOut); err != nil {
			return domain.ExecutionRecord{}, err
		}
		rec.Legs = append(rec.Legs, leg)
	}
	if err := rows.Err(); err != nil {
		return domain.ExecutionRecord{}, fmt.Errorf("postgres: iterate execution legs: %w", err)
	}
	return rec, nil
}

// ListRecent returns the newest executions without legs.
func (s *ExecutionStore) ListRecent(ctx context.Context, limit int) ([]domain.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `SELECT `+executionColumns+` FROM executions ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions: %w", err)
	}
	defer rows.Close()

	var out []domain.ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan execution: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SumNetProfit totals net profit of landed executions since t.
func (s *ExecutionStore) SumNetProfit(ctx context.Context, since time.Time) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(net_profit), 0)::bigint FROM executions WHERE status = $1 AND started_at >= $2`,
		string(domain.ExecutionLanded), since,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("postgres: sum net profit: %w", err)
	}
	return total, nil
}

func scanExecution(row pgx.Row) (domain.ExecutionRecord, error) {
	var rec domain.ExecutionRecord
	var batchID int64
	var asset, strategy, status string
	var amountIn, priorityFee, tip pgtype.Numeric
	var completedAt *time.Time
	err := row.Scan(&rec.ID, &rec.CandidateID, &batchID, &rec.RouteKey, &asset, &amountIn, &rec.GrossProfit,
		&priorityFee, &tip, &rec.NetProfit, &strategy, &rec.Variants, &status,
		&rec.Backend, &rec.Endpoint, &rec.Signature, &rec.Error, &rec.StartedAt, &completedAt)
	if err != nil {
		return domain.ExecutionRecord{}, err
	}
	rec.BatchID = uint64(batchID)
	rec.InputAsset = domain.Asset(asset)
	rec.Strategy = domain.DispatchStrategy(strategy)
	rec.Status = domain.ExecutionStatus(status)
	if completedAt != nil {
		rec.CompletedAt = *completedAt
	}
	if rec.AmountIn, err = fromNumeric(amountIn); err != nil {
		return domain.ExecutionRecord{}, err
	}
	if rec.PriorityFee, err = fromNumeric(priorityFee); err != nil {
		return domain.ExecutionRecord{}, err
	}
	if rec.Tip, err = fromNumeric(tip); err != nil {
		return domain.ExecutionRecord{}, err
	}
	return rec, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Compile-time interface check.
var _ domain.ExecutionStore = (*ExecutionStore)(nil)
