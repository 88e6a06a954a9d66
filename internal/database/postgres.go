package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dwallach1/prometheus/internal/model"
)

// PostgresRepository stores decisions and positions in PostgreSQL.
type PostgresRepository struct {
	Pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{Pool: pool}
}

func (r *PostgresRepository) Migrate(ctx context.Context) error {
	return migrate(ctx, r.Pool)
}

// InsertDecisions writes all decisions in one transaction.
func (r *PostgresRepository) InsertDecisions(ctx context.Context, decisions []model.Decision) error {
	if len(decisions) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, d := range decisions {
		rec := d.Header()
		contextJSON, err := json.Marshal(rec.Context)
		if err != nil {
			return fmt.Errorf("encode context of decision %s: %w", rec.ID, err)
		}
		details, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("encode decision %s: %w", rec.ID, err)
		}
		batch.Queue(`
			insert into decisions(id, kind, environment, symbol, created_at, successful, position_ids, context, details)
			values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`,
			rec.ID,
			string(rec.Kind),
			string(rec.Context.Environment),
			rec.Context.Symbol,
			rec.CreatedAt,
			model.Successful(d),
			linkedPositions(d),
			contextJSON,
			details,
		)
	}

	return pgx.BeginFunc(ctx, r.Pool, func(tx pgx.Tx) error {
		br := tx.SendBatch(ctx, batch)
		for range decisions {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return err
			}
		}
		return br.Close()
	})
}

func (r *PostgresRepository) RecentDecisions(ctx context.Context, env model.Environment, symbol string, limit int) ([]model.Decision, error) {
	rows, err := r.Pool.Query(ctx, `
		select id, kind, created_at, context, details
		from decisions
		where environment = $1 and symbol = $2
		order by created_at desc
		limit $3
	`, string(env), symbol, pgtype.Int8{Int64: int64(limit), Valid: limit > 0})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	decisions := make([]model.Decision, 0)
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

func (r *PostgresRepository) InsertPosition(ctx context.Context, p model.Position) error {
	_, err := r.Pool.Exec(ctx, `
		insert into positions(id, buy_decision_id, environment, symbol, created_at, value, amount, state)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`,
		p.ID,
		p.BuyDecisionID,
		string(p.Environment),
		p.Symbol,
		p.CreatedAt,
		p.Value,
		p.Amount,
		string(model.PositionOpen),
	)
	return err
}

const positionColumns = `id, buy_decision_id, environment, symbol, created_at, value, amount,
	state, close_price, closed_at, closed_by, profit`

func (r *PostgresRepository) OpenPositions(ctx context.Context, env model.Environment, symbol string) ([]model.Position, error) {
	rows, err := r.Pool.Query(ctx, `
		select `+positionColumns+`
		from positions
		where environment = $1 and symbol = $2 and state = 'open'
		order by created_at desc
	`, string(env), symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	positions := make([]model.Position, 0)
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// ClosePosition only matches open rows, so a position can be closed once.
func (r *PostgresRepository) ClosePosition(ctx context.Context, id string, c Closure) (model.Position, error) {
	row := r.Pool.QueryRow(ctx, `
		update positions set
			state = 'closed',
			close_price = $2,
			closed_at = $3,
			closed_by = $4,
			profit = amount * $2 - value
		where id = $1 and state = 'open'
		returning `+positionColumns,
		id, c.ClosePrice, c.ClosedAt, c.ClosedBy,
	)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Position{}, fmt.Errorf("close %s: %w", id, ErrPositionNotOpen)
	}
	return p, err
}

func (r *PostgresRepository) PendingCloses(ctx context.Context, env model.Environment, symbol string) ([]PendingClose, error) {
	rows, err := r.Pool.Query(ctx, `
		select d.id, (d.context->>'price')::double precision, d.created_at, d.position_ids
		from decisions d
		where d.kind = 'SELL' and d.environment = $1 and d.symbol = $2
			and exists (
				select 1 from positions p
				where p.id = any(d.position_ids) and p.state = 'open'
			)
		order by d.created_at
	`, string(env), symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	pending := make([]PendingClose, 0)
	for rows.Next() {
		var pc PendingClose
		if err := rows.Scan(&pc.DecisionID, &pc.Price, &pc.CreatedAt, &pc.PositionIDs); err != nil {
			return nil, err
		}
		pending = append(pending, pc)
	}
	return pending, rows.Err()
}

func (r *PostgresRepository) OrphanedBuys(ctx context.Context, env model.Environment, symbol string) ([]model.BuyDecision, error) {
	rows, err := r.Pool.Query(ctx, `
		select d.id, d.kind, d.created_at, d.context, d.details
		from decisions d
		where d.kind = 'BUY' and d.environment = $1 and d.symbol = $2
			and not exists (select 1 from positions p where p.buy_decision_id = d.id)
		order by d.created_at
	`, string(env), symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	buys := make([]model.BuyDecision, 0)
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		buy, ok := d.(model.BuyDecision)
		if !ok {
			return nil, fmt.Errorf("decision %s is %T, want buy", d.Header().ID, d)
		}
		buys = append(buys, buy)
	}
	return buys, rows.Err()
}

// Helpers

type scanner interface {
	Scan(dest ...any) error
}

func scanDecision(s scanner) (model.Decision, error) {
	var (
		rec         model.Record
		kind        string
		contextJSON []byte
		details     []byte
	)
	if err := s.Scan(&rec.ID, &kind, &rec.CreatedAt, &contextJSON, &details); err != nil {
		return nil, err
	}
	rec.Kind = model.DecisionKind(kind)
	if err := json.Unmarshal(contextJSON, &rec.Context); err != nil {
		return nil, fmt.Errorf("decode context of decision %s: %w", rec.ID, err)
	}
	return model.DecodeDecision(rec, details)
}

func scanPosition(s scanner) (model.Position, error) {
	var (
		p          model.Position
		env, state string
		closePrice pgtype.Float8
		closedAt   pgtype.Timestamptz
		profit     pgtype.Float8
	)
	if err := s.Scan(
		&p.ID,
		&p.BuyDecisionID,
		&env,
		&p.Symbol,
		&p.CreatedAt,
		&p.Value,
		&p.Amount,
		&state,
		&closePrice,
		&closedAt,
		&p.ClosedBy,
		&profit,
	); err != nil {
		return model.Position{}, err
	}

	p.Environment = model.Environment(env)
	p.State = model.PositionState(state)
	if closePrice.Valid {
		p.ClosePrice = closePrice.Float64
	}
	if closedAt.Valid {
		t := closedAt.Time
		p.ClosedAt = &t
	}
	if profit.Valid {
		p.Profit = profit.Float64
	}
	return p, nil
}

func linkedPositions(d model.Decision) []string {
	ids := []string{}
	switch v := d.(type) {
	case model.BuyDecision:
		if v.PositionID != "" {
			ids = append(ids, v.PositionID)
		}
	case model.SellDecision:
		ids = append(ids, v.PositionIDs...)
	case model.BestMatchDecision:
		ids = append(ids, v.PositionID)
	case model.FailedTradeDecision:
		ids = append(ids, v.PositionIDs...)
	}
	return ids
}

// compile-time check
var _ Repository = (*PostgresRepository)(nil)
