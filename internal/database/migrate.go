package database

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// migrate creates the tables used by the bot. Every statement is idempotent.
func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`create table if not exists decisions (
			id text primary key,
			kind text not null,
			environment text not null,
			symbol text not null,
			created_at timestamptz not null,
			successful boolean not null default false,
			position_ids text[] not null default '{}',
			context jsonb not null,
			details jsonb not null default '{}'::jsonb
		);`,
		`create index if not exists decisions_env_symbol_created_idx on decisions(environment, symbol, created_at desc);`,
		`create index if not exists decisions_kind_idx on decisions(kind);`,
		`create table if not exists positions (
			id text primary key,
			buy_decision_id text not null unique,
			environment text not null,
			symbol text not null,
			created_at timestamptz not null,
			value double precision not null,
			amount double precision not null,
			state text not null default 'open',
			close_price double precision null,
			closed_at timestamptz null,
			closed_by text not null default '',
			profit double precision null
		);`,
		`create index if not exists positions_open_idx on positions(environment, symbol, state, created_at desc);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
