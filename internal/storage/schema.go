package storage

// Funding rates and APRs live in NUMERIC(30,18): binary floats produced
// scientific-notation artifacts for small rates in earlier systems, so
// decimals go end to end. All timestamps are timestamptz and written UTC.
const schema = `
CREATE TABLE IF NOT EXISTS live_contracts (
    exchange               TEXT        NOT NULL,
    symbol                 TEXT        NOT NULL,
    base_asset             TEXT        NOT NULL,
    quote_asset            TEXT        NOT NULL,
    funding_rate           NUMERIC(30,18) NOT NULL,
    funding_interval_hours INT         NOT NULL,
    apr                    NUMERIC(30,18) NOT NULL,
    mark_price             NUMERIC(30,18),
    index_price            NUMERIC(30,18),
    open_interest          NUMERIC(38,18),
    oi_unit                TEXT        NOT NULL DEFAULT '',
    contract_type          TEXT        NOT NULL DEFAULT '',
    market_type            TEXT        NOT NULL DEFAULT '',
    active                 BOOLEAN     NOT NULL DEFAULT TRUE,
    observed_at            TIMESTAMPTZ NOT NULL,
    updated_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (exchange, symbol)
);
CREATE INDEX IF NOT EXISTS idx_live_contracts_base_asset ON live_contracts (base_asset);

CREATE TABLE IF NOT EXISTS funding_history (
    exchange               TEXT        NOT NULL,
    symbol                 TEXT        NOT NULL,
    funding_rate           NUMERIC(30,18) NOT NULL,
    funding_time           TIMESTAMPTZ NOT NULL,
    mark_price             NUMERIC(30,18),
    funding_interval_hours INT         NOT NULL,
    PRIMARY KEY (exchange, symbol, funding_time)
);
CREATE INDEX IF NOT EXISTS idx_funding_history_series
    ON funding_history (exchange, symbol, funding_time DESC);

CREATE TABLE IF NOT EXISTS contract_stats (
    exchange           TEXT        NOT NULL,
    symbol             TEXT        NOT NULL,
    mean               DOUBLE PRECISION NOT NULL,
    std_dev            DOUBLE PRECISION NOT NULL,
    median             DOUBLE PRECISION NOT NULL,
    min                DOUBLE PRECISION NOT NULL,
    max                DOUBLE PRECISION NOT NULL,
    data_points        INT         NOT NULL,
    current_z_score    DOUBLE PRECISION,
    current_percentile DOUBLE PRECISION,
    last_updated       TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (exchange, symbol)
);

CREATE TABLE IF NOT EXISTS arbitrage_spreads (
    asset                   TEXT        NOT NULL,
    long_exchange           TEXT        NOT NULL,
    long_symbol             TEXT        NOT NULL,
    long_rate               NUMERIC(30,18) NOT NULL,
    long_interval_hours     INT         NOT NULL,
    short_exchange          TEXT        NOT NULL,
    short_symbol            TEXT        NOT NULL,
    short_rate              NUMERIC(30,18) NOT NULL,
    short_interval_hours    INT         NOT NULL,
    rate_spread             NUMERIC(30,18) NOT NULL,
    apr_spread              NUMERIC(30,18) NOT NULL,
    sync_period_hours       INT         NOT NULL,
    long_sync_funding       NUMERIC(30,18) NOT NULL,
    short_sync_funding      NUMERIC(30,18) NOT NULL,
    effective_hourly_spread NUMERIC(30,18) NOT NULL,
    daily_spread            NUMERIC(30,18) NOT NULL,
    observed_at             TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (asset, long_exchange, short_exchange, observed_at)
);
CREATE INDEX IF NOT EXISTS idx_arbitrage_spreads_observed
    ON arbitrage_spreads (observed_at DESC);
`
