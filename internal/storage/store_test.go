package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/fault"
	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/model"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(sqlx.NewDb(db, "postgres")), mock
}

func snap(ex, sym string) model.ContractSnapshot {
	return model.ContractSnapshot{
		Exchange:             ex,
		Symbol:               sym,
		BaseAsset:            "BTC",
		QuoteAsset:           "USDT",
		FundingRate:          decimal.RequireFromString("0.0001"),
		FundingIntervalHours: 8,
		APR:                  decimal.RequireFromString("10.95"),
		OIUnit:               model.OIUnitBase,
		ContractType:         "linear",
		MarketType:           model.MarketUSDM,
		Timestamp:            time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestUpsertLiveSingleBatch(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`INSERT INTO live_contracts`)
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.UpsertLive(context.Background(), []model.ContractSnapshot{
		snap("binance", "BTCUSDT"), snap("binance", "ETHUSDT"),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertLiveSplitsBatches(t *testing.T) {
	store, mock := newMockStore(t)

	// 150 snapshots split into a 100-row and a 50-row transaction.
	snaps := make([]model.ContractSnapshot, 150)
	for i := range snaps {
		snaps[i] = snap("binance", fmt.Sprintf("SYM%dUSDT", i))
	}
	for _, n := range []int{100, 50} {
		mock.ExpectBegin()
		prep := mock.ExpectPrepare(`INSERT INTO live_contracts`)
		for i := 0; i < n; i++ {
			prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
		}
		mock.ExpectCommit()
	}

	require.NoError(t, store.UpsertLive(context.Background(), snaps))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertLiveEmptyNoQuery(t *testing.T) {
	store, mock := newMockStore(t)
	require.NoError(t, store.UpsertLive(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertHistoryCountsOnlyNewRows(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`INSERT INTO funding_history`)
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	// Conflict-ignored settlement reports zero rows affected.
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 0))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	points := make([]model.FundingPoint, 3)
	for i := range points {
		points[i] = model.FundingPoint{
			Exchange:             "okx",
			Symbol:               "BTC-USDT-SWAP",
			FundingRate:          decimal.RequireFromString("0.0001"),
			FundingTime:          base.Add(time.Duration(i) * 8 * time.Hour),
			FundingIntervalHours: 8,
		}
	}
	n, err := store.InsertHistory(context.Background(), points)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGridNormalizesOpenInterestToUSD(t *testing.T) {
	store, mock := newMockStore(t)

	cols := []string{"exchange", "base_asset", "symbol", "funding_rate", "apr",
		"funding_interval_hours", "mark_price", "open_interest_usd"}
	mock.ExpectQuery(`SELECT DISTINCT ON \(base_asset, exchange\)`).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("binance", "BTC", "BTCUSDT", "0.0001", "10.95", 8, "50000", "1000000").
			AddRow("bybit", "BTC", "BTCUSDT", "0.00009", "9.855", 8, "50010", nil))

	cells, err := store.Grid(context.Background())
	require.NoError(t, err)
	require.Len(t, cells, 2)
	assert.True(t, cells[0].OpenInterestUSD.Valid)
	assert.False(t, cells[1].OpenInterestUSD.Valid)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkStale(t *testing.T) {
	store, mock := newMockStore(t)

	cutoff := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(`UPDATE live_contracts SET active = FALSE`).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := store.MarkStale(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestContractsWithStatsNilWhenMissing(t *testing.T) {
	store, mock := newMockStore(t)

	cols := []string{"exchange", "symbol", "base_asset", "quote_asset",
		"funding_rate", "funding_interval_hours", "apr", "mark_price",
		"index_price", "open_interest", "oi_unit", "contract_type",
		"market_type", "observed_at",
		"mean", "std_dev", "median", "min", "max", "data_points",
		"current_z_score", "current_percentile", "last_updated"}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`FROM live_contracts c`).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("binance", "BTCUSDT", "BTC", "USDT", "0.0001", 8, "10.95",
				nil, nil, nil, "base", "linear", "USD-M", now,
				0.0001, 0.00005, 0.0001, -0.0002, 0.0004, 90, 1.5, 88.0, now).
			AddRow("bybit", "NEWUSDT", "NEW", "USDT", "0.0001", 8, "10.95",
				nil, nil, nil, "", "linear", "USD-M", now,
				nil, nil, nil, nil, nil, nil, nil, nil, nil))

	rows, err := store.ContractsWithStats(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2)

	require.NotNil(t, rows[0].Stats)
	assert.Equal(t, 90, rows[0].Stats.DataPoints)
	require.NotNil(t, rows[0].Stats.CurrentZScore)
	assert.InDelta(t, 1.5, *rows[0].Stats.CurrentZScore, 1e-9)

	// Cold-start contract carries no stats rather than zeroed ones.
	assert.Nil(t, rows[1].Stats)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPruneSpreads(t *testing.T) {
	store, mock := newMockStore(t)

	olderThan := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(`DELETE FROM arbitrage_spreads`).
		WithArgs(olderThan).
		WillReturnResult(sqlmock.NewResult(0, 12))

	n, err := store.PruneSpreads(context.Background(), olderThan)
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)
}

func TestStorageErrorsCarryStorageKind(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`FROM live_contracts`).
		WillReturnError(fmt.Errorf("connection refused"))

	_, err := store.LatestLive(context.Background(), "", 10)
	require.Error(t, err)
	assert.Equal(t, fault.KindStorage, fault.KindOf(err))
}
