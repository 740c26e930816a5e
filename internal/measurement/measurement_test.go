package measurement

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perftrack/internal/hierarchy"
)

var piRef = hierarchy.Ref{Kind: hierarchy.KindPerformanceIndicator, ID: "PI-1"}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "measurements.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func day(d int) time.Time {
	return time.Date(2024, time.March, d, 0, 0, 0, 0, time.UTC)
}

func TestRefFromFieldsRequiresExactlyOne(t *testing.T) {
	ref, err := RefFromFields("", "RI-1", "")
	require.NoError(t, err)
	assert.Equal(t, hierarchy.Ref{Kind: hierarchy.KindResultIndicator, ID: "RI-1"}, ref)

	_, err = RefFromFields("", "", "")
	require.Error(t, err)
	_, err = RefFromFields("PI-1", "", "SF-1")
	require.Error(t, err)
}

func TestLatestPicksNewestActual(t *testing.T) {
	ms := []Measurement{
		{ID: "a", Ref: piRef, Value: decimal.NewFromInt(5), MeasuredAt: day(1), Tag: TagActual},
		{ID: "b", Ref: piRef, Value: decimal.NewFromInt(9), MeasuredAt: day(3), Tag: TagTarget},
		{ID: "c", Ref: piRef, Value: decimal.NewFromInt(7), MeasuredAt: day(2), Tag: TagActual},
		{ID: "d", Ref: piRef, Value: decimal.NewFromInt(8), MeasuredAt: day(2), Tag: TagActual, CreatedAt: day(4)},
	}
	latest := Latest(ms)
	require.Contains(t, latest, piRef)
	assert.Equal(t, "d", latest[piRef].ID)
}

func TestLatestTiesBreakOnID(t *testing.T) {
	ms := []Measurement{
		{ID: "b", Ref: piRef, Value: decimal.NewFromInt(2), MeasuredAt: day(1), Tag: TagActual},
		{ID: "a", Ref: piRef, Value: decimal.NewFromInt(1), MeasuredAt: day(1), Tag: TagActual},
	}
	assert.Equal(t, "b", Latest(ms)[piRef].ID)
	ms[0], ms[1] = ms[1], ms[0]
	assert.Equal(t, "b", Latest(ms)[piRef].ID)
}

func TestStoreAppendListCorrect(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	first, err := store.Append(ctx, Measurement{Ref: piRef, Value: decimal.RequireFromString("12.50"), MeasuredAt: day(1)})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, TagActual, first.Tag)

	_, err = store.Append(ctx, Measurement{Ref: piRef, Value: decimal.NewFromInt(20), MeasuredAt: day(2)})
	require.NoError(t, err)

	list, err := store.List(ctx, piRef)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.True(t, list[0].Value.Equal(decimal.RequireFromString("12.5")))

	corrected, err := store.Correct(ctx, first.ID, decimal.NewFromInt(13))
	require.NoError(t, err)
	assert.True(t, corrected.Value.Equal(decimal.NewFromInt(13)))
	require.NotNil(t, corrected.CorrectedAt)

	latest, err := store.LatestActual(ctx)
	require.NoError(t, err)
	assert.True(t, latest[piRef].Value.Equal(decimal.NewFromInt(20)))

	_, err = store.Correct(ctx, "missing", decimal.Zero)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStoreAppendRejectsNonMeasurableTargets(t *testing.T) {
	store := openTestStore(t)
	_, err := store.Append(context.Background(), Measurement{
		Ref:        hierarchy.Ref{Kind: hierarchy.KindObjective, ID: "O-1"},
		MeasuredAt: day(1),
	})
	require.Error(t, err)
}

func TestStoreAppendUniqueSkipsDuplicates(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	m := Measurement{Ref: piRef, Value: decimal.NewFromInt(3), MeasuredAt: day(1), Source: "manual"}

	_, created, err := store.AppendUnique(ctx, m)
	require.NoError(t, err)
	assert.True(t, created)

	_, created, err = store.AppendUnique(ctx, m)
	require.NoError(t, err)
	assert.False(t, created)

	all, err := store.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestStoreAppendSurfacesDatabaseErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS measurements").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO measurements").WillReturnError(errors.New("disk full"))

	store, err := NewStore(db)
	require.NoError(t, err)

	_, err = store.Append(context.Background(), Measurement{Ref: piRef, Value: decimal.NewFromInt(1), MeasuredAt: day(1)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestManualProviderCollect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manual.yml")
	content := `
measurements:
  - performance_indicator_id: PI-1
    value: 12.5
    measured_at: 2024-03-01
  - result_indicator_id: RI-1
    value: "80"
    tag: target
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	p := &ManualProvider{Path: path, AsOf: day(5)}
	ms, err := p.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, piRef, ms[0].Ref)
	assert.True(t, ms[0].Value.Equal(decimal.RequireFromString("12.5")))
	assert.Equal(t, day(1), ms[0].MeasuredAt)
	assert.Equal(t, TagTarget, ms[1].Tag)
	assert.Equal(t, day(5), ms[1].MeasuredAt)
	assert.Equal(t, "manual", ms[1].Source)
}

func TestMonitoringProviderMissingFile(t *testing.T) {
	p := &MonitoringProvider{ReportPath: filepath.Join(t.TempDir(), "none.json")}
	ms, err := p.Collect(context.Background())
	require.NoError(t, err)
	assert.Nil(t, ms)
}

func TestCollectAllOrdersDeterministically(t *testing.T) {
	dir := t.TempDir()
	report := `{"measurements":[
		{"kind":"pi","id":"PI-2","value":4,"measured_at":"2024-03-02"},
		{"kind":"pi","id":"PI-1","value":"1.25","measured_at":"2024-03-01T08:00:00Z"}
	]}`
	reportPath := filepath.Join(dir, "report.json")
	require.NoError(t, os.WriteFile(reportPath, []byte(report), 0o644))

	ms, err := CollectAll(context.Background(), []Provider{
		&MonitoringProvider{ReportPath: reportPath},
		&ManualProvider{Path: filepath.Join(dir, "missing.yml")},
	})
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, "PI-1", ms[0].Ref.ID)
	assert.True(t, ms[0].Value.Equal(decimal.RequireFromString("1.25")))
	assert.Equal(t, "PI-2", ms[1].Ref.ID)
}

func TestMonitoringProviderRejectsObjectiveTargets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"measurements":[{"kind":"objective","id":"O-1","value":1,"measured_at":"2024-03-01"}]}`), 0o644))

	_, err := (&MonitoringProvider{ReportPath: path}).Collect(context.Background())
	require.Error(t, err)
}
