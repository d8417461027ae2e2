//go:build integration

package checkpoint_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/flowforge/orchestrator/checkpoint"
	"github.com/flowforge/orchestrator/model"
)

// startMongoContainer spins up a disposable mongo:7 container, grounded on
// the teacher's registry mongo test (registry/store/mongo/mongo_test.go
// setupMongoDB). Docker unavailability skips the test rather than failing
// the build, the same fallback the teacher uses.
func startMongoContainer(t *testing.T) *mongo.Collection {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
			Tmpfs:        map[string]string{"/data/db": "rw"},
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("docker not available, skipping mongo checkpoint store test: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "27017")
	require.NoError(t, err)

	uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })
	require.NoError(t, client.Ping(ctx, nil))

	return client.Database("checkpoint_test").Collection(t.Name())
}

func TestMongoStorePutIsWriteOnce(t *testing.T) {
	collection := startMongoContainer(t)
	s := checkpoint.NewMongoStore(collection)
	ctx := context.Background()

	cp := model.Checkpoint{ThreadID: "t1", CheckpointID: "c1", State: model.WorkflowState{TaskID: "task-1"}, CreatedAt: time.Now()}
	require.NoError(t, s.Put(ctx, cp))
	err := s.Put(ctx, cp)
	require.ErrorIs(t, err, checkpoint.ErrAlreadyExists)
}

func TestMongoStoreRoundTripsAcrossStoreRecreation(t *testing.T) {
	collection := startMongoContainer(t)
	ctx := context.Background()

	cp := model.Checkpoint{
		ThreadID:     "t1",
		CheckpointID: "c1",
		State:        model.WorkflowState{TaskID: "task-1", Status: model.StatusRunning, Messages: []model.Message{{Role: "user", Content: "hi"}}},
		Metadata:     map[string]any{"node": "supervisor"},
		CreatedAt:    time.Now(),
	}

	store1 := checkpoint.NewMongoStore(collection)
	require.NoError(t, store1.Put(ctx, cp))

	// A second store built over the same collection must see the same row:
	// durability across process restarts, not just within one Store value.
	store2 := checkpoint.NewMongoStore(collection)
	got, err := store2.Get(ctx, "t1", "c1")
	require.NoError(t, err)
	require.Equal(t, "task-1", got.State.TaskID)
	require.Equal(t, "supervisor", got.Metadata["node"])
	require.Equal(t, "hi", got.State.Messages[0].Content)
}

func TestMongoStoreLatestReturnsUniqueTip(t *testing.T) {
	collection := startMongoContainer(t)
	s := checkpoint.NewMongoStore(collection)
	ctx := context.Background()

	base := time.Now()
	require.NoError(t, s.Put(ctx, model.Checkpoint{ThreadID: "t1", CheckpointID: "c1", CreatedAt: base}))
	require.NoError(t, s.Put(ctx, model.Checkpoint{ThreadID: "t1", CheckpointID: "c2", ParentCheckpointID: "c1", CreatedAt: base.Add(time.Second)}))

	latest, err := s.Latest(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, "c2", latest.CheckpointID)
}
