// Package storage is the Postgres layer behind the collector and the API.
// Live snapshots UPSERT on (exchange, symbol); historical funding INSERTs
// ignore conflicts on (exchange, symbol, funding_time).
package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/fault"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/model"
)

// upsertBatchSize caps rows per round trip.
const upsertBatchSize = 100

// Store wraps a bounded sqlx pool. Every call applies its own timeout.
type Store struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Open connects and bounds the pool. It does not create the schema; call
// Bootstrap once at startup.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fault.New(fault.KindStorage, "storage.open", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Store{db: db, timeout: 10 * time.Second}, nil
}

// NewWithDB wires an existing handle; tests use this with sqlmock.
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db, timeout: 10 * time.Second}
}

// Bootstrap creates tables and indexes when absent.
func (s *Store) Bootstrap(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fault.New(fault.KindStorage, "storage.bootstrap", err)
	}
	return nil
}

// Ping probes connectivity for the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }

const upsertLiveSQL = `
	INSERT INTO live_contracts (
		exchange, symbol, base_asset, quote_asset, funding_rate,
		funding_interval_hours, apr, mark_price, index_price, open_interest,
		oi_unit, contract_type, market_type, active, observed_at, updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,TRUE,$14,now())
	ON CONFLICT (exchange, symbol) DO UPDATE SET
		base_asset = EXCLUDED.base_asset,
		quote_asset = EXCLUDED.quote_asset,
		funding_rate = EXCLUDED.funding_rate,
		funding_interval_hours = EXCLUDED.funding_interval_hours,
		apr = EXCLUDED.apr,
		mark_price = EXCLUDED.mark_price,
		index_price = EXCLUDED.index_price,
		open_interest = EXCLUDED.open_interest,
		oi_unit = EXCLUDED.oi_unit,
		contract_type = EXCLUDED.contract_type,
		market_type = EXCLUDED.market_type,
		active = TRUE,
		observed_at = EXCLUDED.observed_at,
		updated_at = now()`

// UpsertLive writes one cycle's snapshots in batched transactions.
func (s *Store) UpsertLive(ctx context.Context, snaps []model.ContractSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	for start := 0; start < len(snaps); start += upsertBatchSize {
		end := start + upsertBatchSize
		if end > len(snaps) {
			end = len(snaps)
		}
		if err := s.upsertLiveBatch(ctx, snaps[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) upsertLiveBatch(ctx context.Context, snaps []model.ContractSnapshot) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fault.New(fault.KindStorage, "storage.upsert_live", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertLiveSQL)
	if err != nil {
		return fault.New(fault.KindStorage, "storage.upsert_live", err)
	}
	defer stmt.Close()

	for _, snap := range snaps {
		_, err := stmt.ExecContext(ctx,
			snap.Exchange, snap.Symbol, snap.BaseAsset, snap.QuoteAsset,
			snap.FundingRate, snap.FundingIntervalHours, snap.APR,
			snap.MarkPrice, snap.IndexPrice, snap.OpenInterest,
			string(snap.OIUnit), snap.ContractType, string(snap.MarketType),
			snap.Timestamp.UTC())
		if err != nil {
			return classifyPQ("storage.upsert_live", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fault.New(fault.KindStorage, "storage.upsert_live", err)
	}
	return nil
}

const insertHistorySQL = `
	INSERT INTO funding_history (
		exchange, symbol, funding_rate, funding_time, mark_price,
		funding_interval_hours
	) VALUES ($1,$2,$3,$4,$5,$6)
	ON CONFLICT (exchange, symbol, funding_time) DO NOTHING`

// InsertHistory appends funding points, ignoring re-inserted settlements.
// Returns the number of rows that were actually new.
func (s *Store) InsertHistory(ctx context.Context, points []model.FundingPoint) (int64, error) {
	if len(points) == 0 {
		return 0, nil
	}
	var inserted int64
	for start := 0; start < len(points); start += upsertBatchSize {
		end := start + upsertBatchSize
		if end > len(points) {
			end = len(points)
		}
		n, err := s.insertHistoryBatch(ctx, points[start:end])
		inserted += n
		if err != nil {
			return inserted, err
		}
	}
	return inserted, nil
}

func (s *Store) insertHistoryBatch(ctx context.Context, points []model.FundingPoint) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fault.New(fault.KindStorage, "storage.insert_history", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertHistorySQL)
	if err != nil {
		return 0, fault.New(fault.KindStorage, "storage.insert_history", err)
	}
	defer stmt.Close()

	var inserted int64
	for _, p := range points {
		res, err := stmt.ExecContext(ctx,
			p.Exchange, p.Symbol, p.FundingRate, p.FundingTime.UTC(),
			p.MarkPrice, p.FundingIntervalHours)
		if err != nil {
			return 0, classifyPQ("storage.insert_history", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += n
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fault.New(fault.KindStorage, "storage.insert_history", err)
	}
	return inserted, nil
}

// LatestLive returns active snapshots, optionally filtered by base asset,
// ordered for stable pagination.
func (s *Store) LatestLive(ctx context.Context, baseAsset string, limit int) ([]model.ContractSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if limit <= 0 {
		limit = 500
	}
	query := `
		SELECT exchange, symbol, base_asset, quote_asset, funding_rate,
		       funding_interval_hours, apr, mark_price, index_price,
		       open_interest, oi_unit, contract_type, market_type, observed_at
		FROM live_contracts
		WHERE active AND ($1 = '' OR base_asset = $1)
		ORDER BY base_asset, exchange, symbol
		LIMIT $2`

	var out []model.ContractSnapshot
	if err := s.db.SelectContext(ctx, &out, query, baseAsset, limit); err != nil {
		return nil, fault.New(fault.KindStorage, "storage.latest_live", err)
	}
	return out, nil
}

// GridCell is one venue column of the asset grid. Open interest has already
// been normalized to USD where the stored unit and mark price allow it.
type GridCell struct {
	Exchange             string              `db:"exchange" json:"-"`
	BaseAsset            string              `db:"base_asset" json:"-"`
	Symbol               string              `db:"symbol" json:"symbol"`
	FundingRate          decimal.Decimal     `db:"funding_rate" json:"funding_rate"`
	APR                  decimal.Decimal     `db:"apr" json:"apr"`
	FundingIntervalHours int                 `db:"funding_interval_hours" json:"funding_interval_hours"`
	MarkPrice            decimal.NullDecimal `db:"mark_price" json:"mark_price"`
	OpenInterestUSD      decimal.NullDecimal `db:"open_interest_usd" json:"open_interest_usd"`
}

// Grid returns, per base asset, the strongest-|APR| contract each venue
// lists. The oi_unit conversion to USD happens here, once, using the mark
// price observed in the same cycle.
func (s *Store) Grid(ctx context.Context) ([]GridCell, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT DISTINCT ON (base_asset, exchange)
		       exchange, base_asset, symbol, funding_rate, apr,
		       funding_interval_hours, mark_price,
		       CASE
		           WHEN oi_unit = 'usd' THEN open_interest
		           WHEN oi_unit = 'base' AND mark_price IS NOT NULL
		               THEN open_interest * mark_price
		           ELSE NULL
		       END AS open_interest_usd
		FROM live_contracts
		WHERE active
		ORDER BY base_asset, exchange, abs(apr) DESC, symbol`

	var out []GridCell
	if err := s.db.SelectContext(ctx, &out, query); err != nil {
		return nil, fault.New(fault.KindStorage, "storage.grid", err)
	}
	return out, nil
}

// HistoryBySymbol returns one contract's funding series, newest first.
func (s *Store) HistoryBySymbol(ctx context.Context, ex, symbol string, days, limit int) ([]model.FundingPoint, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if limit <= 0 {
		limit = 1000
	}
	query := `
		SELECT exchange, symbol, funding_rate, funding_time, mark_price,
		       funding_interval_hours
		FROM funding_history
		WHERE exchange = $1 AND symbol = $2
		  AND funding_time >= now() - make_interval(days => $3)
		ORDER BY funding_time DESC
		LIMIT $4`

	var out []model.FundingPoint
	if err := s.db.SelectContext(ctx, &out, query, ex, symbol, days, limit); err != nil {
		return nil, fault.New(fault.KindStorage, "storage.history_by_symbol", err)
	}
	return out, nil
}

// AssetHistoryRow is one settlement of one contract under a base asset.
type AssetHistoryRow struct {
	Exchange             string          `db:"exchange" json:"exchange"`
	Symbol               string          `db:"symbol" json:"symbol"`
	FundingRate          decimal.Decimal `db:"funding_rate" json:"funding_rate"`
	FundingTime          time.Time       `db:"funding_time" json:"funding_time"`
	FundingIntervalHours int             `db:"funding_interval_hours" json:"funding_interval_hours"`
}

// HistoryByAsset joins the history of every live contract whose base asset
// matches, oldest first so the API can bucket timestamps forward.
func (s *Store) HistoryByAsset(ctx context.Context, asset string, days int) ([]AssetHistoryRow, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT h.exchange, h.symbol, h.funding_rate, h.funding_time,
		       h.funding_interval_hours
		FROM funding_history h
		INNER JOIN live_contracts c
		        ON c.exchange = h.exchange AND c.symbol = h.symbol
		WHERE c.base_asset = $1
		  AND h.funding_time >= now() - make_interval(days => $2)
		ORDER BY h.funding_time ASC`

	var out []AssetHistoryRow
	if err := s.db.SelectContext(ctx, &out, query, asset, days); err != nil {
		return nil, fault.New(fault.KindStorage, "storage.history_by_asset", err)
	}
	return out, nil
}

// ExistingFundingTimes returns the settlements already stored for a contract
// inside a window; backfill subtracts these from the venue's reported set.
func (s *Store) ExistingFundingTimes(ctx context.Context, ex, symbol string, start, end time.Time) ([]time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT funding_time FROM funding_history
		WHERE exchange = $1 AND symbol = $2
		  AND funding_time >= $3 AND funding_time <= $4
		ORDER BY funding_time ASC`

	var out []time.Time
	if err := s.db.SelectContext(ctx, &out, query, ex, symbol, start.UTC(), end.UTC()); err != nil {
		return nil, fault.New(fault.KindStorage, "storage.existing_funding_times", err)
	}
	return out, nil
}

// FundingWindow returns a contract's rates inside the rolling window, oldest
// first, as floats for the statistics engine. Precision loss here is bounded
// and acceptable for z-scores.
func (s *Store) FundingWindow(ctx context.Context, ex, symbol string, since time.Time) ([]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT funding_rate::float8 FROM funding_history
		WHERE exchange = $1 AND symbol = $2 AND funding_time >= $3
		ORDER BY funding_time ASC`

	var out []float64
	if err := s.db.SelectContext(ctx, &out, query, ex, symbol, since.UTC()); err != nil {
		return nil, fault.New(fault.KindStorage, "storage.funding_window", err)
	}
	return out, nil
}

// ActiveContracts lists (exchange, symbol) keys of active live rows, the
// population the statistics engine refreshes.
func (s *Store) ActiveContracts(ctx context.Context) ([]model.ContractSnapshot, error) {
	return s.LatestLive(ctx, "", 100000)
}

const upsertStatsSQL = `
	INSERT INTO contract_stats (
		exchange, symbol, mean, std_dev, median, min, max, data_points,
		current_z_score, current_percentile, last_updated
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	ON CONFLICT (exchange, symbol) DO UPDATE SET
		mean = EXCLUDED.mean,
		std_dev = EXCLUDED.std_dev,
		median = EXCLUDED.median,
		min = EXCLUDED.min,
		max = EXCLUDED.max,
		data_points = EXCLUDED.data_points,
		current_z_score = EXCLUDED.current_z_score,
		current_percentile = EXCLUDED.current_percentile,
		last_updated = EXCLUDED.last_updated`

// UpsertStats overwrites one contract's rolling statistics.
func (s *Store) UpsertStats(ctx context.Context, st model.ContractStats) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, upsertStatsSQL,
		st.Exchange, st.Symbol, st.Mean, st.StdDev, st.Median, st.Min, st.Max,
		st.DataPoints, st.CurrentZScore, st.CurrentPercentile,
		st.LastUpdated.UTC())
	if err != nil {
		return classifyPQ("storage.upsert_stats", err)
	}
	return nil
}

// ContractWithStats pairs a live snapshot with its statistics row when one
// exists; cold-start contracts come back with nil stats.
type ContractWithStats struct {
	model.ContractSnapshot
	Stats *model.ContractStats `json:"stats"`
}

// ContractsWithStats left-joins live snapshots with contract_stats.
func (s *Store) ContractsWithStats(ctx context.Context) ([]ContractWithStats, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT c.exchange, c.symbol, c.base_asset, c.quote_asset,
		       c.funding_rate, c.funding_interval_hours, c.apr, c.mark_price,
		       c.index_price, c.open_interest, c.oi_unit, c.contract_type,
		       c.market_type, c.observed_at,
		       s.mean, s.std_dev, s.median, s.min, s.max, s.data_points,
		       s.current_z_score, s.current_percentile, s.last_updated
		FROM live_contracts c
		LEFT JOIN contract_stats s
		       ON s.exchange = c.exchange AND s.symbol = c.symbol
		WHERE c.active
		ORDER BY c.base_asset, c.exchange, c.symbol`

	rows, err := s.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fault.New(fault.KindStorage, "storage.contracts_with_stats", err)
	}
	defer rows.Close()

	var out []ContractWithStats
	for rows.Next() {
		var (
			snap model.ContractSnapshot
			oi   string
			mt   string
			mean, stdDev, median, minV, maxV sql.NullFloat64
			dataPoints                       sql.NullInt64
			zScore, percentile               sql.NullFloat64
			lastUpdated                      sql.NullTime
		)
		err := rows.Scan(
			&snap.Exchange, &snap.Symbol, &snap.BaseAsset, &snap.QuoteAsset,
			&snap.FundingRate, &snap.FundingIntervalHours, &snap.APR,
			&snap.MarkPrice, &snap.IndexPrice, &snap.OpenInterest, &oi,
			&snap.ContractType, &mt, &snap.Timestamp,
			&mean, &stdDev, &median, &minV, &maxV, &dataPoints,
			&zScore, &percentile, &lastUpdated)
		if err != nil {
			return nil, fault.New(fault.KindStorage, "storage.contracts_with_stats", err)
		}
		snap.OIUnit = model.OIUnit(oi)
		snap.MarketType = model.MarketType(mt)

		row := ContractWithStats{ContractSnapshot: snap}
		if dataPoints.Valid {
			st := &model.ContractStats{
				Exchange:    snap.Exchange,
				Symbol:      snap.Symbol,
				Mean:        mean.Float64,
				StdDev:      stdDev.Float64,
				Median:      median.Float64,
				Min:         minV.Float64,
				Max:         maxV.Float64,
				DataPoints:  int(dataPoints.Int64),
				LastUpdated: lastUpdated.Time,
			}
			if zScore.Valid {
				v := zScore.Float64
				st.CurrentZScore = &v
			}
			if percentile.Valid {
				v := percentile.Float64
				st.CurrentPercentile = &v
			}
			row.Stats = st
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// InsertSpreads appends detected opportunities.
func (s *Store) InsertSpreads(ctx context.Context, spreads []model.Spread) error {
	if len(spreads) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fault.New(fault.KindStorage, "storage.insert_spreads", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO arbitrage_spreads (
			asset, long_exchange, long_symbol, long_rate, long_interval_hours,
			short_exchange, short_symbol, short_rate, short_interval_hours,
			rate_spread, apr_spread, sync_period_hours, long_sync_funding,
			short_sync_funding, effective_hourly_spread, daily_spread,
			observed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (asset, long_exchange, short_exchange, observed_at) DO NOTHING`)
	if err != nil {
		return fault.New(fault.KindStorage, "storage.insert_spreads", err)
	}
	defer stmt.Close()

	for _, sp := range spreads {
		_, err := stmt.ExecContext(ctx,
			sp.Asset, sp.LongExchange, sp.LongSymbol, sp.LongRate,
			sp.LongIntervalHours, sp.ShortExchange, sp.ShortSymbol,
			sp.ShortRate, sp.ShortIntervalHours, sp.RateSpread, sp.APRSpread,
			sp.SyncPeriodHours, sp.LongSyncFunding, sp.ShortSyncFunding,
			sp.EffectiveHourlySpread, sp.DailySpread, sp.ObservedAt.UTC())
		if err != nil {
			return classifyPQ("storage.insert_spreads", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fault.New(fault.KindStorage, "storage.insert_spreads", err)
	}
	return nil
}

// SpreadHistory returns a pair's recorded APR spreads, oldest first, for
// spread z-scoring.
func (s *Store) SpreadHistory(ctx context.Context, asset, longEx, shortEx string, since time.Time) ([]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT apr_spread::float8 FROM arbitrage_spreads
		WHERE asset = $1 AND long_exchange = $2 AND short_exchange = $3
		  AND observed_at >= $4
		ORDER BY observed_at ASC`

	var out []float64
	if err := s.db.SelectContext(ctx, &out, query, asset, longEx, shortEx, since.UTC()); err != nil {
		return nil, fault.New(fault.KindStorage, "storage.spread_history", err)
	}
	return out, nil
}

// PruneSpreads deletes opportunities older than the retention window.
func (s *Store) PruneSpreads(ctx context.Context, olderThan time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM arbitrage_spreads WHERE observed_at < $1`, olderThan.UTC())
	if err != nil {
		return 0, fault.New(fault.KindStorage, "storage.prune_spreads", err)
	}
	return res.RowsAffected()
}

// MarkStale deactivates contracts not refreshed since the cutoff. Inactive
// rows drop out of the grid and the arbitrage scan until they report again.
func (s *Store) MarkStale(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE live_contracts SET active = FALSE
		 WHERE active AND observed_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fault.New(fault.KindStorage, "storage.mark_stale", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Info().Int64("rows", n).Msg("contracts marked stale")
	}
	return n, nil
}

// classifyPQ keeps constraint details out of callers while preserving the
// STORAGE kind.
func classifyPQ(op string, err error) error {
	if pqErr, ok := err.(*pq.Error); ok {
		return fault.Newf(fault.KindStorage, op, "pq %s: %s", pqErr.Code, pqErr.Message)
	}
	return fault.New(fault.KindStorage, op, err)
}
