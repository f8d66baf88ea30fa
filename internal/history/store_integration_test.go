package history

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	postgresdriver "gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/voxlabs/voxstack/internal/bootstrap"
	"github.com/voxlabs/voxstack/internal/provision"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("voxstack_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := gorm.Open(postgresdriver.Open(connStr), &gorm.Config{})
	require.NoError(t, err)

	store, err := NewWithDB(db)
	require.NoError(t, err)
	return store
}

func sampleResult(runID string, overall bootstrap.Overall, started time.Time) *bootstrap.Result {
	result := &bootstrap.Result{
		RunID:      runID,
		StartedAt:  started,
		FinishedAt: started.Add(90 * time.Second),
		Overall:    overall,
		Services: map[string]*bootstrap.ServiceResult{
			"stt": {Name: "stt", Outcome: bootstrap.ServiceReady},
			"llm": {Name: "llm", Outcome: bootstrap.ServiceReady},
		},
		Steps: []bootstrap.StepRecord{
			{Step: bootstrap.StepNetwork, Status: bootstrap.StepOK},
			{Step: bootstrap.StepProbe, Service: "stt", Status: bootstrap.StepOK},
		},
		Models: []provision.Result{
			{Model: "qwen2.5:7b", Roles: []string{"chat"}, Status: provision.StatusFetched},
			{Model: "llava:7b", Roles: []string{"vision", "documents"}, Status: provision.StatusAlreadyPresent},
		},
	}
	return result
}

func TestRecordAndRecent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, store.Record(ctx, sampleResult("6f1f29d4-8d27-4f0e-9a6e-27c5f7f3a001", bootstrap.OverallReady, base)))
	require.NoError(t, store.Record(ctx, sampleResult("6f1f29d4-8d27-4f0e-9a6e-27c5f7f3a002", bootstrap.OverallDegraded, base.Add(10*time.Minute))))

	runs, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	// Most recent first.
	assert.Equal(t, string(bootstrap.OverallDegraded), runs[0].Overall)
	assert.Equal(t, string(bootstrap.OverallReady), runs[1].Overall)

	assert.ElementsMatch(t, []string{"qwen2.5:7b", "llava:7b"}, []string(runs[0].Models))
	assert.Equal(t, 90*time.Second, runs[0].Duration())
	assert.NotEmpty(t, runs[0].Services)
	assert.NotEmpty(t, runs[0].Steps)
}

func TestRecentLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour).UTC()
	for i := 0; i < 5; i++ {
		result := sampleResult("", bootstrap.OverallReady, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, store.Record(ctx, result))
	}

	runs, err := store.Recent(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, runs, 3)
}
