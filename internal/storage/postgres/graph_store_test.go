package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/followgraph-crawler/internal/crawler"
)

func TestConsumeUpsertsProfileAndInsertsRelation(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewGraphStoreWithPool(mock, "profiles", "relation_lists")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	profile := crawler.Profile{
		ID:            "luteng0601",
		Nickname:      "Lu",
		Location:      "Beijing",
		Gender:        crawler.GenderMale,
		FolloweeCount: 150,
		FollowerCount: 2300,
		CountsKnown:   true,
	}
	relation := crawler.RelationList{
		OwnerID:   "luteng0601",
		Direction: crawler.DirectionFollower,
		MemberIDs: []string{"a", "b"},
	}

	mock.ExpectExec("INSERT INTO profiles").
		WithArgs("luteng0601", "run-1", "Lu", "Beijing", "", "", "", "", "male", 150, 2300, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO relation_lists").
		WithArgs("run-1", "luteng0601", "follower", []string{"a", "b"}, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = store.Consume(context.Background(), []crawler.Record{
		{Kind: crawler.RecordProfile, RunID: "run-1", EmittedAt: now, Profile: &profile},
		{Kind: crawler.RecordRelation, RunID: "run-1", EmittedAt: now, Relation: &relation},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumeWritesNullCountsWhenUnknown(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewGraphStoreWithPool(mock, "", "")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("INSERT INTO profiles").
		WithArgs("x", "run-1", "", "", "", "", "", "", "unknown", nil, nil, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = store.Consume(context.Background(), []crawler.Record{
		{Kind: crawler.RecordProfile, RunID: "run-1", EmittedAt: now, Profile: &crawler.Profile{ID: "x", Gender: crawler.GenderUnknown}},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumeContinuesAfterFailure(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewGraphStoreWithPool(mock, "profiles", "relation_lists")
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO profiles").WillReturnError(errors.New("deadlock"))
	mock.ExpectExec("INSERT INTO relation_lists").WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = store.Consume(context.Background(), []crawler.Record{
		{Kind: crawler.RecordProfile, Profile: &crawler.Profile{ID: "x"}},
		{Kind: crawler.RecordRelation, Relation: &crawler.RelationList{OwnerID: "x", Direction: crawler.DirectionFollowee}},
	})
	require.ErrorContains(t, err, "deadlock")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewGraphStoreWithPool(mock, "profiles", "relation_lists")
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS profiles").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS relation_lists").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS relation_lists_owner_idx").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewGraphStoreWithPoolValidates(t *testing.T) {
	t.Parallel()

	_, err := NewGraphStoreWithPool(nil, "", "")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewGraphStoreWithPool(mock, "bad;name", "")
	require.Error(t, err)

	_, err = NewGraphStore(context.Background(), Config{})
	require.Error(t, err)
}
