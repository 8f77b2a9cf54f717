package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parietal-data/decode.stream/internal/neuro"
	"github.com/parietal-data/decode.stream/internal/neuro/decoder"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	database, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func migratedDB(t *testing.T) *DB {
	t.Helper()
	database := testDB(t)
	require.NoError(t, database.MigrateUp("../../db/migrations"))
	return database
}

func TestSaveAndLoadDecoders(t *testing.T) {
	database := testDB(t)

	scripted := &decoder.Descriptor{
		ID:         "custom.one",
		Name:       "Custom One",
		Kind:       decoder.KindScripted,
		SourceCode: "x = 1\ny = 2\n",
	}
	model := &decoder.Descriptor{
		ID:        "custom.two",
		Name:      "Custom Two",
		Kind:      decoder.KindModel,
		ModelKind: "mlp",
		Source:    decoder.SourceRemoteURL,
		SourceRef: "http://models.example/mlp.json",
	}
	require.NoError(t, database.SaveDecoder(scripted))
	require.NoError(t, database.SaveDecoder(model))

	loaded, err := database.LoadDecoders()
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "custom.one", loaded[0].ID)
	assert.Equal(t, "x = 1\ny = 2\n", loaded[0].SourceCode)
	assert.Equal(t, decoder.KindModel, loaded[1].Kind)
	assert.Equal(t, decoder.SourceRemoteURL, loaded[1].Source)
	assert.Equal(t, "http://models.example/mlp.json", loaded[1].SourceRef)
}

func TestSaveDecoderUpserts(t *testing.T) {
	database := testDB(t)

	d := &decoder.Descriptor{ID: "d", Name: "v1", Kind: decoder.KindScripted, SourceCode: "x = 1\ny = 1\n"}
	require.NoError(t, database.SaveDecoder(d))
	d.Name = "v2"
	require.NoError(t, database.SaveDecoder(d))

	loaded, err := database.LoadDecoders()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "v2", loaded[0].Name)
}

func TestDeleteDecoder(t *testing.T) {
	database := testDB(t)
	d := &decoder.Descriptor{ID: "d", Name: "d", Kind: decoder.KindScripted, SourceCode: "x = 1\ny = 1\n"}
	require.NoError(t, database.SaveDecoder(d))
	require.NoError(t, database.DeleteDecoder("d"))

	loaded, err := database.LoadDecoders()
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestRecordAndRollupTelemetry(t *testing.T) {
	database := testDB(t)
	now := time.Now()

	for i := 0; i < 3; i++ {
		require.NoError(t, database.RecordDecode(neuro.DecoderOutput{
			DecoderID:      "d",
			SequenceNumber: uint64(i),
			TimestampMs:    now.UnixMilli() + int64(i),
			X:              float64(i),
			Y:              float64(i),
			LatencyMs:      float64(10 * (i + 1)),
		}, neuro.KinematicState{X: float64(i), Y: float64(i)}))
	}
	require.NoError(t, database.RecordFailure(neuro.HealthEvent{
		DecoderID:      "d",
		SequenceNumber: 3,
		TimestampMs:    now.UnixMilli() + 3,
		Message:        "boom",
	}))

	rollups, err := database.RollupLatency(now.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, rollups, 1)
	r := rollups[0]
	assert.Equal(t, "d", r.DecoderID)
	assert.Equal(t, int64(4), r.Count)
	assert.Equal(t, int64(1), r.Failures)
	assert.InDelta(t, 20.0, r.AvgMs, 1e-9)
	assert.Equal(t, 30.0, r.MaxMs)
}

func TestRecentDecodesNewestFirst(t *testing.T) {
	database := testDB(t)
	base := time.Now().UnixMilli()

	for i := 0; i < 5; i++ {
		require.NoError(t, database.RecordDecode(neuro.DecoderOutput{
			DecoderID:      "d",
			SequenceNumber: uint64(i),
			TimestampMs:    base + int64(i),
		}, neuro.KinematicState{}))
	}

	events, err := database.RecentDecodes("d", 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(4), events[0].Seq)
	assert.Equal(t, uint64(2), events[2].Seq)
	assert.True(t, events[0].OK)

	none, err := database.RecentDecodes("other", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestPruneEventsBefore(t *testing.T) {
	database := testDB(t)
	cutoff := time.Now()

	require.NoError(t, database.RecordDecode(neuro.DecoderOutput{
		DecoderID: "d", TimestampMs: cutoff.Add(-time.Hour).UnixMilli(),
	}, neuro.KinematicState{}))
	require.NoError(t, database.RecordDecode(neuro.DecoderOutput{
		DecoderID: "d", TimestampMs: cutoff.Add(time.Hour).UnixMilli(),
	}, neuro.KinematicState{}))

	pruned, err := database.PruneEventsBefore(cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	events, err := database.RecentDecodes("d", 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestSaveAndLoadDecoderStats(t *testing.T) {
	database := migratedDB(t)

	require.NoError(t, database.SaveDecoderStats("d", decoder.StatsSnapshot{
		EMALatencyMs: 12.5, Successes: 40, Failures: 2,
	}))
	// Upsert replaces.
	require.NoError(t, database.SaveDecoderStats("d", decoder.StatsSnapshot{
		EMALatencyMs: 13, Successes: 41, Failures: 2,
	}))

	snaps, err := database.LoadDecoderStats()
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, 13.0, snaps["d"].EMALatencyMs)
	assert.Equal(t, int64(41), snaps["d"].Successes)
}

func TestMigrateUpIsIdempotent(t *testing.T) {
	database := testDB(t)
	require.NoError(t, database.MigrateUp("../../db/migrations"))
	require.NoError(t, database.MigrateUp("../../db/migrations"))

	version, dirty, err := database.MigrateVersion("../../db/migrations")
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(1), version)
}
