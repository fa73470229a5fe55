package vectorstore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startSurreal runs SurrealDB in a container. Set GOCONTEXT_SURREAL_IT=1 to enable.
func startSurreal(t *testing.T) *SurrealStore {
	t.Helper()
	if testing.Short() || os.Getenv("GOCONTEXT_SURREAL_IT") != "1" {
		t.Skip("set GOCONTEXT_SURREAL_IT=1 to run SurrealDB integration tests")
	}
	t.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "surrealdb/surrealdb:v3.0.0-beta.1",
			ExposedPorts: []string{"8000/tcp"},
			Cmd:          []string{"start", "--log", "info", "--user", "root", "--pass", "root"},
			WaitingFor:   wait.ForLog("Started web server").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	if host == "" || host == "null" {
		host = "localhost"
	}
	port, err := container.MappedPort(ctx, "8000")
	require.NoError(t, err)

	store, err := NewSurrealStore(ctx, SurrealConfig{
		URL:       fmt.Sprintf("ws://%s:%s/rpc", host, port.Port()),
		Namespace: "test",
		Database:  "test",
		Username:  "root",
		Password:  "root",
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSurrealStore_Lifecycle(t *testing.T) {
	store := startSurreal(t)
	ctx := context.Background()

	// Missing collection is tolerated on delete
	assert.NoError(t, store.DeleteByFilter(ctx, Filter{SourceID: 1}))

	require.NoError(t, store.EnsureCollection(ctx, 2))
	require.NoError(t, store.Upsert(ctx, []Point{
		testPoint(1, "a.go", 0, 1, 0),
		testPoint(1, "a.go", 1, 0, 1),
		testPoint(1, "b.go", 0, 0.7, 0.7),
	}))
	// Re-upsert does not duplicate
	require.NoError(t, store.Upsert(ctx, []Point{testPoint(1, "a.go", 0, 1, 0)}))

	n, err := store.Count(ctx, Filter{SourceID: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	hits, err := store.Query(ctx, []float32{1, 0}, Filter{SourceID: 1}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "1-a.go-0", hits[0].ID)

	require.NoError(t, store.DeleteByFilter(ctx, Filter{SourceID: 1, FilePath: "a.go"}))
	points, err := store.Scroll(ctx, Filter{SourceID: 1}, 0)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, "b.go", points[0].Payload.FilePath)

	require.NoError(t, store.DeleteByIDs(ctx, []string{points[0].ID}))
	n, err = store.Count(ctx, Filter{SourceID: 1})
	require.NoError(t, err)
	assert.Zero(t, n)
}
