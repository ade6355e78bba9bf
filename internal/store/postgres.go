package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"

	"crashengine/internal/game"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres is the durable game.Store. Atomic blocks map to database
// transactions; the balance CAS rides on the version column.
type Postgres struct {
	pool *pgxpool.Pool
	q    querier
	inTx bool
}

func NewPostgres(ctx context.Context, url string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Info("postgres connected")
	return &Postgres{pool: pool, q: pool}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) Health(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Atomic(ctx context.Context, fn func(game.Store) error) error {
	if p.inTx {
		return fn(p)
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(&Postgres{pool: p.pool, q: tx, inTx: true}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *Postgres) InsertRound(ctx context.Context, r *game.Round) error {
	_, err := p.q.Exec(ctx, `
		INSERT INTO rounds (round_id, nonce, server_seed, server_seed_hash, client_seed, crash_point, phase,
			house_edge, max_multiplier,
			betting_opens_at, betting_closes_at, started_at, crashed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (round_id) DO NOTHING`,
		r.ID, r.Nonce, r.ServerSeed, r.ServerSeedHash, r.ClientSeed, r.CrashPoint, r.Phase,
		r.HouseEdge, r.MaxMultiplier,
		nullTime(r.BettingOpensAt), nullTime(r.BettingClosesAt), nullTime(r.StartedAt), nullTime(r.CrashedAt))
	return err
}

// UpdateRoundState writes the phase and timestamps. The guard mirrors
// Phase.CanAdvanceTo: a same-phase rewrite or a single step forward.
func (p *Postgres) UpdateRoundState(ctx context.Context, r *game.Round) error {
	tag, err := p.q.Exec(ctx, `
		UPDATE rounds
		SET phase = $2,
			betting_opens_at = $3,
			betting_closes_at = $4,
			started_at = $5,
			crashed_at = $6
		WHERE round_id = $1
		  AND (CASE $2    WHEN 'PENDING' THEN 0 WHEN 'BETTING' THEN 1 WHEN 'RUNNING' THEN 2 WHEN 'CRASHED' THEN 3 WHEN 'SETTLED' THEN 4 ELSE -1 END)
		    - (CASE phase WHEN 'PENDING' THEN 0 WHEN 'BETTING' THEN 1 WHEN 'RUNNING' THEN 2 WHEN 'CRASHED' THEN 3 WHEN 'SETTLED' THEN 4 ELSE -1 END)
		  BETWEEN 0 AND 1`,
		r.ID, r.Phase,
		nullTime(r.BettingOpensAt), nullTime(r.BettingClosesAt), nullTime(r.StartedAt), nullTime(r.CrashedAt))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := p.GetRound(ctx, r.ID); errors.Is(err, game.ErrNotFound) {
			return game.ErrNotFound
		}
		return game.ErrRoundImmutable
	}
	return nil
}

const roundColumns = `round_id, nonce, server_seed, server_seed_hash, client_seed, crash_point, phase,
	house_edge, max_multiplier,
	betting_opens_at, betting_closes_at, started_at, crashed_at`

func (p *Postgres) GetRound(ctx context.Context, roundID string) (*game.Round, error) {
	row := p.q.QueryRow(ctx, `SELECT `+roundColumns+` FROM rounds WHERE round_id = $1`, roundID)
	return scanRound(row)
}

func (p *Postgres) LatestRound(ctx context.Context) (*game.Round, error) {
	row := p.q.QueryRow(ctx, `SELECT `+roundColumns+` FROM rounds ORDER BY nonce DESC LIMIT 1`)
	return scanRound(row)
}

func (p *Postgres) RecentRounds(ctx context.Context, limit int) ([]*game.Round, error) {
	rows, err := p.q.Query(ctx, `SELECT `+roundColumns+` FROM rounds ORDER BY nonce DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*game.Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) MaxNonce(ctx context.Context) (uint64, error) {
	var nonce uint64
	err := p.q.QueryRow(ctx, `SELECT COALESCE(MAX(nonce), 0) FROM rounds`).Scan(&nonce)
	return nonce, err
}

func (p *Postgres) InsertBet(ctx context.Context, b *game.Bet) error {
	_, err := p.q.Exec(ctx, `
		INSERT INTO bets (bet_id, round_id, player_id, amount, status, auto_cashout,
			cashout_multiplier, payout_amount, placed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		b.ID, b.RoundID, b.PlayerID, b.Amount, b.Status, b.AutoCashout,
		b.CashoutMultiplier, b.PayoutAmount, b.PlacedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		// 23505: the (player_id, round_id) uniqueness backstop fired.
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return game.ErrDuplicateBet
		}
	}
	return err
}

func (p *Postgres) UpdateBet(ctx context.Context, b *game.Bet) error {
	tag, err := p.q.Exec(ctx, `
		UPDATE bets SET status = $2, cashout_multiplier = $3, payout_amount = $4
		WHERE bet_id = $1`,
		b.ID, b.Status, b.CashoutMultiplier, b.PayoutAmount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return game.ErrNotFound
	}
	return nil
}

const betColumns = `bet_id, round_id, player_id, amount, status, auto_cashout, cashout_multiplier, payout_amount, placed_at`

func (p *Postgres) GetBet(ctx context.Context, betID string) (*game.Bet, error) {
	row := p.q.QueryRow(ctx, `SELECT `+betColumns+` FROM bets WHERE bet_id = $1`, betID)
	return scanBet(row)
}

func (p *Postgres) BetForPlayerRound(ctx context.Context, playerID, roundID string) (*game.Bet, error) {
	row := p.q.QueryRow(ctx, `SELECT `+betColumns+` FROM bets WHERE player_id = $1 AND round_id = $2`, playerID, roundID)
	return scanBet(row)
}

func (p *Postgres) PlacedBets(ctx context.Context, roundID string) ([]*game.Bet, error) {
	return p.queryBets(ctx, `SELECT `+betColumns+` FROM bets WHERE round_id = $1 AND status = 'PLACED' ORDER BY placed_at`, roundID)
}

func (p *Postgres) BetsForRound(ctx context.Context, roundID string) ([]*game.Bet, error) {
	return p.queryBets(ctx, `SELECT `+betColumns+` FROM bets WHERE round_id = $1 ORDER BY placed_at`, roundID)
}

func (p *Postgres) queryBets(ctx context.Context, sql string, args ...any) ([]*game.Bet, error) {
	rows, err := p.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*game.Bet
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *Postgres) GetBalance(ctx context.Context, playerID string) (*game.Balance, error) {
	if _, err := p.q.Exec(ctx, `
		INSERT INTO balances (player_id) VALUES ($1) ON CONFLICT (player_id) DO NOTHING`, playerID); err != nil {
		return nil, err
	}
	b := &game.Balance{PlayerID: playerID}
	err := p.q.QueryRow(ctx, `
		SELECT available, locked, version FROM balances WHERE player_id = $1`, playerID).
		Scan(&b.Available, &b.Locked, &b.Version)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (p *Postgres) SaveBalance(ctx context.Context, b *game.Balance, expectedVersion int64) error {
	if b.Available < 0 || b.Locked < 0 {
		return game.ErrInsufficientBalance
	}
	tag, err := p.q.Exec(ctx, `
		UPDATE balances SET available = $2, locked = $3, version = $4
		WHERE player_id = $1 AND version = $5`,
		b.PlayerID, b.Available, b.Locked, expectedVersion+1, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return game.ErrVersionConflict
	}
	b.Version = expectedVersion + 1
	return nil
}

func (p *Postgres) GetIdempotency(ctx context.Context, key string) ([]byte, bool, error) {
	var result []byte
	err := p.q.QueryRow(ctx, `SELECT result FROM idempotency_keys WHERE key = $1`, key).Scan(&result)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return result, true, nil
}

func (p *Postgres) PutIdempotency(ctx context.Context, key string, result []byte) error {
	_, err := p.q.Exec(ctx, `
		INSERT INTO idempotency_keys (key, result) VALUES ($1, $2)
		ON CONFLICT (key) DO NOTHING`, key, result)
	return err
}

func scanRound(row pgx.Row) (*game.Round, error) {
	r := &game.Round{}
	var opens, closes, started, crashed *time.Time
	err := row.Scan(&r.ID, &r.Nonce, &r.ServerSeed, &r.ServerSeedHash, &r.ClientSeed, &r.CrashPoint, &r.Phase,
		&r.HouseEdge, &r.MaxMultiplier,
		&opens, &closes, &started, &crashed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, game.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.BettingOpensAt = deref(opens)
	r.BettingClosesAt = deref(closes)
	r.StartedAt = deref(started)
	r.CrashedAt = deref(crashed)
	return r, nil
}

func scanBet(row pgx.Row) (*game.Bet, error) {
	b := &game.Bet{}
	err := row.Scan(&b.ID, &b.RoundID, &b.PlayerID, &b.Amount, &b.Status, &b.AutoCashout,
		&b.CashoutMultiplier, &b.PayoutAmount, &b.PlacedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, game.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

var _ game.Store = (*Postgres)(nil)
