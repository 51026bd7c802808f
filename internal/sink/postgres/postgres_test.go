package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/pipeline"
)

func sampleResult() pipeline.Result {
	now := time.Unix(1700000000, 0).UTC()
	return pipeline.Result{
		RunID:      "run-1",
		Target:     "shop",
		StartedAt:  now,
		FinishedAt: now.Add(time.Minute),
		Items: []*pipeline.WorkItem{{
			ID:          "item-1",
			Source:      "shop",
			Name:        "Kettle",
			URL:         "https://shop.example/p/1",
			Attributes:  map[string]string{"colour": "red"},
			Offers:      []pipeline.Offer{{Merchant: "A", Price: "9.99", Link: "https://a.example", Resolution: pipeline.ResolutionResolved}},
			HarvestedAt: now,
			Page:        1,
			State:       pipeline.StateResolved,
		}},
		Stats: pipeline.Stats{PagesHarvested: 1, ItemsHarvested: 1},
	}
}

// anyArgs matches n statement arguments of any value.
func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func TestSaveWritesRunAndItemsInTransaction(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	sink, err := NewWithPool(mock, "", "")
	require.NoError(t, err)

	res := sampleResult()
	item := res.Items[0]

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO harvest_runs").
		WithArgs(res.RunID, res.Target, res.StartedAt, res.FinishedAt, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO harvest_items").
		WithArgs(
			res.RunID,
			item.ID,
			item.Source,
			item.Name,
			item.URL,
			"",
			"",
			"",
			[]byte(`{"colour":"red"}`),
			pgxmock.AnyArg(),
			1,
			"resolved",
			"",
			item.HarvestedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, sink.Save(context.Background(), res))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRollsBackOnItemFailure(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	sink, err := NewWithPool(mock, "runs", "items")
	require.NoError(t, err)

	boom := errors.New("constraint violation")
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO runs").
		WithArgs(anyArgs(5)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO items").
		WithArgs(anyArgs(14)...).
		WillReturnError(boom)
	mock.ExpectRollback()

	err = sink.Save(context.Background(), sampleResult())
	require.ErrorIs(t, err, boom)
	require.Contains(t, err.Error(), "item-1")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRequiresRunID(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	sink, err := NewWithPool(mock, "", "")
	require.NoError(t, err)
	require.Error(t, sink.Save(context.Background(), pipeline.Result{}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateCreatesTables(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	sink, err := NewWithPool(mock, "", "")
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS harvest_runs").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS harvest_items").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCommit()

	require.NoError(t, sink.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewWithPoolValidatesTables(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil, "", "")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewWithPool(mock, "runs; DROP TABLE x", "")
	require.Error(t, err)
}

func TestNewRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{})
	require.Error(t, err)
}
