package store

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
)

func TestUpsertRecordInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	st, err := NewPostgresStoreWithPool(mock, "listing_records")
	require.NoError(t, err)

	rec := Record{
		Identifier:  "B0ABCD1234",
		URL:         "https://example.com/item/B0ABCD1234",
		Title:       "Widget",
		PageNumber:  3,
		PriceMinor:  1999,
		Currency:    "USD",
		Rating:      4.5,
		RatingCount: 120,
		ImageURLs:   []string{"https://example.com/img/1.jpg"},
	}

	mock.ExpectExec("INSERT INTO listing_records").
		WithArgs(
			rec.Identifier,
			rec.URL,
			rec.Title,
			rec.PageNumber,
			rec.PriceMinor,
			rec.Currency,
			rec.Rating,
			rec.RatingCount,
			[]byte(`["https://example.com/img/1.jpg"]`),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, st.UpsertRecord(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRecordRequiresIdentifier(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	st, err := NewPostgresStoreWithPool(mock, "listing_records")
	require.NoError(t, err)

	require.Error(t, st.UpsertRecord(context.Background(), Record{}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListByPageScansRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	st, err := NewPostgresStoreWithPool(mock, "listing_records")
	require.NoError(t, err)

	rows := pgxmock.NewRows([]string{
		"identifier", "url", "title", "page_number", "price_minor",
		"currency", "rating", "rating_count", "image_urls",
	}).AddRow(
		"B0ABCD1234", "https://example.com/item/B0ABCD1234", "Widget",
		3, int64(1999), "USD", 4.5, 120, []byte(`["https://example.com/img/1.jpg"]`),
	)
	mock.ExpectQuery("SELECT identifier, url, title").
		WithArgs(3).
		WillReturnRows(rows)

	got, err := st.ListByPage(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "B0ABCD1234", got[0].Identifier)
	require.Equal(t, []string{"https://example.com/img/1.jpg"}, got[0].ImageURLs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteByPageReturnsCount(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	st, err := NewPostgresStoreWithPool(mock, "listing_records")
	require.NoError(t, err)

	mock.ExpectExec("DELETE FROM listing_records").
		WithArgs(7).
		WillReturnResult(pgxmock.NewResult("DELETE", 24))

	n, err := st.DeleteByPage(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, 24, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordEventAppendsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	st, err := NewPostgresStoreWithPool(mock, "listing_records")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	ev := Event{
		Identifier: "B0ABCD1234",
		URL:        "https://example.com/page?page=3",
		PageNumber: 3,
		Status:     StatusSuccess,
		OccurredAt: now,
	}

	mock.ExpectExec("INSERT INTO listing_records_events").
		WithArgs(
			pgxmock.AnyArg(),
			ev.Identifier,
			ev.URL,
			ev.PageNumber,
			"success",
			"",
			now,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, st.RecordEvent(context.Background(), ev))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewPostgresStoreWithPoolRejectsBadTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewPostgresStoreWithPool(mock, "bad-table;drop")
	require.Error(t, err)
}
