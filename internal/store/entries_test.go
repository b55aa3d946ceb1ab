package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astraly-labs/pragma-node/internal/oracle"
)

func mockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	sdb := sqlx.NewDb(db, "sqlmock")
	return NewWithDB(sdb, sdb), mock
}

func testStoreEntry(ts time.Time) oracle.Entry {
	return oracle.Entry{
		PairID:      "BTC/USD",
		Publisher:   "PRAGMA",
		Source:      "BINANCE",
		Price:       decimal.RequireFromString("62000.00"),
		TimestampMs: ts.UnixMilli(),
	}
}

func TestInsertEntriesCommitsBatch(t *testing.T) {
	s, mock := mockStore(t)
	ts := time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO entries").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO entries").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := s.InsertEntries(context.Background(), []oracle.Entry{
		testStoreEntry(ts),
		testStoreEntry(ts.Add(time.Second)),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertEntriesConflictDeduplicates(t *testing.T) {
	s, mock := mockStore(t)
	ts := time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	// ON CONFLICT DO NOTHING reports zero rows affected for a duplicate.
	mock.ExpectExec("INSERT INTO entries").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	n, err := s.InsertEntries(context.Background(), []oracle.Entry{testStoreEntry(ts)})
	require.NoError(t, err)
	assert.Equal(t, 0, n, "a deduplicated entry is success, not an error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertEntriesUniqueViolationTreatedAsSuccess(t *testing.T) {
	s, mock := mockStore(t)
	ts := time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO entries").
		WillReturnError(&pq.Error{Code: uniqueViolation})
	mock.ExpectExec("INSERT INTO entries").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := s.InsertEntries(context.Background(), []oracle.Entry{
		testStoreEntry(ts),
		testStoreEntry(ts.Add(time.Second)),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertEntriesRollsBackOnOtherErrors(t *testing.T) {
	s, mock := mockStore(t)
	ts := time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO entries").
		WillReturnError(&pq.Error{Code: "57P01"})
	mock.ExpectRollback()

	_, err := s.InsertEntries(context.Background(), []oracle.Entry{testStoreEntry(ts)})
	require.Error(t, err)
	assert.Equal(t, oracle.KindTransient, oracle.KindOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReadRawParsesRows(t *testing.T) {
	s, mock := mockStore(t)
	from := time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC)
	to := from.Add(time.Minute)

	rows := sqlmock.NewRows([]string{"pair_id", "publisher", "source", "price", "timestamp"}).
		AddRow("BTC/USD", "PRAGMA", "BINANCE", "62000.00", from).
		AddRow("BTC/USD", "PRAGMA", "KRAKEN", "62001.50", from.Add(time.Second))
	mock.ExpectQuery("SELECT pair_id, publisher, source, price, timestamp").
		WithArgs("BTC/USD", from, to).
		WillReturnRows(rows)

	pair, err := oracle.ParsePair("BTC/USD")
	require.NoError(t, err)
	entries, err := s.ReadRaw(context.Background(), pair, from, to)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, decimal.RequireFromString("62001.50").Equal(entries[1].Price))
	assert.Equal(t, from.UnixMilli(), entries[0].TimestampMs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPublisherUnknown(t *testing.T) {
	s, mock := mockStore(t)

	mock.ExpectQuery("SELECT name, master_key, active_key, account_address, active").
		WithArgs("GHOST").
		WillReturnRows(sqlmock.NewRows([]string{"name"}))

	_, err := s.GetPublisher(context.Background(), "GHOST")
	require.Error(t, err)
	assert.Equal(t, oracle.KindPublisherUnknown, oracle.KindOf(err))
}

func TestReadAggregateParsesComponents(t *testing.T) {
	s, mock := mockStore(t)
	from := time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC)
	to := from.Add(time.Minute)

	components := `[{"source":"BINANCE","value":"3001","sub_bucket_start":"2024-05-06T12:00:00Z"},
		{"source":"COINBASE","value":"3004","sub_bucket_start":"2024-05-06T12:00:00Z"}]`
	rows := sqlmock.NewRows([]string{"pair_id", "bucket", "value", "num_sources", "components"}).
		AddRow("ETH/USD", from, "3004", 2, []byte(components))
	mock.ExpectQuery("FROM median_1min_spot").
		WithArgs("ETH/USD", from, to).
		WillReturnRows(rows)

	pair, err := oracle.ParsePair("ETH/USD")
	require.NoError(t, err)
	buckets, err := s.ReadAggregate(context.Background(), pair, oracle.AggregationMedian, oracle.Interval1min, from, to, oracle.EntryTypeSpot)
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, 2, buckets[0].NumSources)
	require.Len(t, buckets[0].Components, 2)
	assert.Equal(t, "BINANCE", buckets[0].Components[0].Source)
	assert.Equal(t, oracle.Interval1min, buckets[0].Width)
}

func TestViewNameRejectsUnsupportedTier(t *testing.T) {
	_, err := viewName(oracle.AggregationTwap, oracle.Interval100ms, oracle.EntryTypeSpot)
	require.Error(t, err)
	assert.Equal(t, oracle.KindInvalidInput, oracle.KindOf(err))

	name, err := viewName(oracle.AggregationTwap, oracle.Interval1h, oracle.EntryTypePerp)
	require.NoError(t, err)
	assert.Equal(t, "twap_1h_perp", name)
}
