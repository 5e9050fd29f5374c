package monitor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cedadev/nlds/internal/database"
	"github.com/cedadev/nlds/pkg/message"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(&Config{
		Type:   database.TypeSQLite,
		SQLite: database.SQLiteConfig{Path: ":memory:"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func inSession(t *testing.T, store *Store, fn func(tx *Session)) {
	t.Helper()
	err := store.WithSession(context.Background(), func(tx *Session) error {
		fn(tx)
		return nil
	})
	require.NoError(t, err)
}

func TestSubRecordStateIsMonotonic(t *testing.T) {
	store := openTestStore(t)

	inSession(t, store, func(tx *Session) {
		tr, err := tx.CreateTransactionRecord("fred", "gws", "tid-1", "job", "put")
		require.NoError(t, err)
		sr, err := tx.CreateSubRecord(tr, "sub-1", message.StateInitialising)
		require.NoError(t, err)

		require.NoError(t, tx.UpdateSubRecord(sr, message.StateIndexing, false))
		assert.Equal(t, message.StateIndexing, sr.State)

		// idempotent redelivery of the same state is fine
		require.NoError(t, tx.UpdateSubRecord(sr, message.StateIndexing, false))

		err = tx.UpdateSubRecord(sr, message.StateRouting, false)
		require.ErrorIs(t, err, ErrStateRegression)
		assert.Equal(t, message.StateIndexing, sr.State)
	})
}

func TestSubRecordRetryCount(t *testing.T) {
	store := openTestStore(t)

	inSession(t, store, func(tx *Session) {
		tr, err := tx.CreateTransactionRecord("fred", "gws", "tid-2", "job", "put")
		require.NoError(t, err)
		sr, err := tx.CreateSubRecord(tr, "sub-2", message.StateInitialising)
		require.NoError(t, err)

		require.NoError(t, tx.UpdateSubRecord(sr, message.StateIndexing, true))
		require.NoError(t, tx.UpdateSubRecord(sr, message.StateIndexing, true))
		assert.Equal(t, 2, sr.RetryCount)

		// a clean advance resets the counter
		require.NoError(t, tx.UpdateSubRecord(sr, message.StateCatalogPutting, false))
		assert.Equal(t, 0, sr.RetryCount)
	})
}

func TestCheckCompletion(t *testing.T) {
	store := openTestStore(t)

	t.Run("WaitsForAllSubRecords", func(t *testing.T) {
		inSession(t, store, func(tx *Session) {
			tr, err := tx.CreateTransactionRecord("fred", "gws", "tid-3", "job", "put")
			require.NoError(t, err)
			done, err := tx.CreateSubRecord(tr, "sub-3a", message.StateCatalogUpdate)
			require.NoError(t, err)
			_, err = tx.CreateSubRecord(tr, "sub-3b", message.StateTransferPutting)
			require.NoError(t, err)

			require.NoError(t, tx.CheckCompletion(tr))
			got, err := tx.GetSubRecord("sub-3a")
			require.NoError(t, err)
			assert.Equal(t, message.StateCatalogUpdate, got.State,
				"no promotion while a sibling is still working")
			_ = done
		})
	})

	t.Run("PromotesWhenAllFinal", func(t *testing.T) {
		inSession(t, store, func(tx *Session) {
			tr, err := tx.CreateTransactionRecord("fred", "gws", "tid-4", "job", "put")
			require.NoError(t, err)
			_, err = tx.CreateSubRecord(tr, "sub-4a", message.StateCatalogUpdate)
			require.NoError(t, err)
			_, err = tx.CreateSubRecord(tr, "sub-4b", message.StateCatalogRollback)
			require.NoError(t, err)

			require.NoError(t, tx.CheckCompletion(tr))

			good, err := tx.GetSubRecord("sub-4a")
			require.NoError(t, err)
			assert.Equal(t, message.StateComplete, good.State)
			bad, err := tx.GetSubRecord("sub-4b")
			require.NoError(t, err)
			assert.Equal(t, message.StateFailed, bad.State)

			full, err := tx.GetTransactionRecord("tid-4")
			require.NoError(t, err)
			assert.Equal(t, message.StateCompleteWithErrors, full.OverallState())
		})
	})
}

func TestOverallState(t *testing.T) {
	cases := []struct {
		name     string
		states   []message.State
		warnings int
		want     message.State
	}{
		{"InFlightReportsLowest", []message.State{message.StateIndexing, message.StateTransferPutting}, 0, message.StateIndexing},
		{"AllComplete", []message.State{message.StateComplete, message.StateComplete}, 0, message.StateComplete},
		{"AllCompleteWithWarnings", []message.State{message.StateComplete}, 1, message.StateCompleteWithWarnings},
		{"MixedFailures", []message.State{message.StateComplete, message.StateFailed}, 0, message.StateCompleteWithErrors},
		{"AllFailed", []message.State{message.StateFailed, message.StateFailed}, 0, message.StateFailed},
		{"NoSubRecords", nil, 0, message.StateInitialising},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			tr := TransactionRecord{}
			for _, s := range c.states {
				tr.SubRecords = append(tr.SubRecords, SubRecord{State: s})
			}
			for i := 0; i < c.warnings; i++ {
				tr.Warnings = append(tr.Warnings, Warning{Warning: "w"})
			}
			assert.Equal(t, c.want, tr.OverallState())
		})
	}
}

func TestGetTransactionRecords(t *testing.T) {
	store := openTestStore(t)

	inSession(t, store, func(tx *Session) {
		a, err := tx.CreateTransactionRecord("fred", "gws", "tid-a", "nightly-backup", "put")
		require.NoError(t, err)
		_, err = tx.CreateSubRecord(a, "sub-a", message.StateComplete)
		require.NoError(t, err)
		b, err := tx.CreateTransactionRecord("jane", "gws", "tid-b", "restore-x", "get")
		require.NoError(t, err)
		_, err = tx.CreateSubRecord(b, "sub-b", message.StateIndexing)
		require.NoError(t, err)

		t.Run("ByUser", func(t *testing.T) {
			records, err := tx.GetTransactionRecords(RecordQuery{User: "fred"})
			require.NoError(t, err)
			require.Len(t, records, 1)
			assert.Equal(t, "tid-a", records[0].TransactionID)
		})

		t.Run("GroupAll", func(t *testing.T) {
			records, err := tx.GetTransactionRecords(RecordQuery{User: "fred", Group: "gws", GroupAll: true})
			require.NoError(t, err)
			assert.Len(t, records, 2)
		})

		t.Run("JobLabelRegex", func(t *testing.T) {
			records, err := tx.GetTransactionRecords(RecordQuery{JobLabel: "^nightly-"})
			require.NoError(t, err)
			require.Len(t, records, 1)
			assert.Equal(t, "nightly-backup", records[0].JobLabel)
		})

		t.Run("APIAction", func(t *testing.T) {
			records, err := tx.GetTransactionRecords(RecordQuery{APIAction: "get"})
			require.NoError(t, err)
			require.Len(t, records, 1)
			assert.Equal(t, "tid-b", records[0].TransactionID)
		})

		t.Run("SubID", func(t *testing.T) {
			records, err := tx.GetTransactionRecords(RecordQuery{SubID: "sub-b"})
			require.NoError(t, err)
			require.Len(t, records, 1)
			assert.Equal(t, "tid-b", records[0].TransactionID)
		})

		t.Run("State", func(t *testing.T) {
			s := message.StateComplete
			records, err := tx.GetTransactionRecords(RecordQuery{State: &s})
			require.NoError(t, err)
			require.Len(t, records, 1)
			assert.Equal(t, "tid-a", records[0].TransactionID)
		})
	})
}
