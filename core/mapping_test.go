package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPair() *Pair {
	return &Pair{
		SheetDB:      "MyDB",
		SheetTable:   "users",
		DBTable:      "users",
		KeyField:     "user_key",
		PollInterval: 5 * time.Second,
		Fields: NewFieldMap(
			[]string{"Name", "Age", "Key"},
			map[string]string{"Name": "name", "Age": "age", "Key": "user_key"},
		),
	}
}

func TestSheetToDB(t *testing.T) {
	pair := testPair()
	key, rec, err := pair.SheetToDB(SheetRecord{
		ExternalID: "rec1",
		Fields: map[string]interface{}{
			"Name":    "alice",
			"Age":     float64(30),
			"Key":     "k1",
			"Unknown": "dropped",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "k1", key)
	assert.Equal(t, Record{
		"name":     String("alice"),
		"age":      Int(30),
		"user_key": String("k1"),
	}, rec)
}

func TestSheetToDBMissingKeyField(t *testing.T) {
	pair := testPair()
	_, rec, err := pair.SheetToDB(SheetRecord{
		ExternalID: "rec1",
		Fields:     map[string]interface{}{"Name": "alice"},
	})
	require.Error(t, err)
	assert.Equal(t, KindMapping, KindOf(err))
	// the partial record still fingerprints
	assert.NotNil(t, rec)
}

func TestSheetToDBNonScalarKey(t *testing.T) {
	pair := testPair()
	_, _, err := pair.SheetToDB(SheetRecord{
		ExternalID: "rec1",
		Fields: map[string]interface{}{
			"Key": []interface{}{"a", "b"},
		},
	})
	require.Error(t, err)
	assert.Equal(t, KindMapping, KindOf(err))
}

func TestDBToSheet(t *testing.T) {
	pair := testPair()
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	fields := pair.DBToSheet(Record{
		"name":       String("alice"),
		"age":        Int(30),
		"user_key":   String("k1"),
		"updated_at": Time(ts),
		"unmapped":   String("dropped"),
	})

	assert.Equal(t, map[string]Value{
		"Name": String("alice"),
		"Age":  Int(30),
		"Key":  String("k1"),
	}, fields)
}

func TestDBToSheetRendersTimestamps(t *testing.T) {
	pair := &Pair{
		KeyField: "k",
		Fields:   NewFieldMap([]string{"At", "K"}, map[string]string{"At": "at", "K": "k"}),
	}
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	fields := pair.DBToSheet(Record{"at": Time(ts), "k": String("x")})

	assert.Equal(t, String("2024-03-01T12:00:00Z"), fields["At"])
}

func TestRecordFromRaw(t *testing.T) {
	pair := testPair()
	rec, err := pair.RecordFromRaw(map[string]interface{}{
		"name":         "alice",
		"age":          float64(30),
		"user_key":     "k1",
		"id":           float64(7),
		"_sync_source": nil,
		"updated_at":   "2024-03-01 12:00:00",
		"not_synced":   "dropped",
	})
	require.NoError(t, err)

	assert.Equal(t, Record{
		"name":     String("alice"),
		"age":      Int(30),
		"user_key": String("k1"),
	}, rec)
}

func TestRecordFromRawMatchesSheetFingerprint(t *testing.T) {
	// the same logical content read from either side must hash the same
	pair := testPair()
	_, fromSheet, err := pair.SheetToDB(SheetRecord{
		ExternalID: "rec1",
		Fields:     map[string]interface{}{"Name": "a", "Age": float64(1), "Key": "k1"},
	})
	require.NoError(t, err)

	fromDB, err := pair.RecordFromRaw(map[string]interface{}{
		"name": "a", "age": float64(1), "user_key": "k1",
		"id": float64(9), "_sync_source": "app",
	})
	require.NoError(t, err)

	assert.Equal(t, Fingerprint(fromSheet), Fingerprint(fromDB))
}

func TestFieldMapInverse(t *testing.T) {
	fm := NewFieldMap([]string{"A", "B"}, map[string]string{"A": "a", "B": "b"})

	col, ok := fm.DBColumn("A")
	assert.True(t, ok)
	assert.Equal(t, "a", col)

	field, ok := fm.SheetField("b")
	assert.True(t, ok)
	assert.Equal(t, "B", field)

	_, ok = fm.DBColumn("C")
	assert.False(t, ok)

	assert.Equal(t, []string{"a", "b"}, fm.DBColumns())
}
