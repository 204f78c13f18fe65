package mongo

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	clientsmongo "goa.design/planact/features/runlog/mongo/clients/mongo"
	"goa.design/planact/runtime/agent/runlog"
)

var (
	testMongoClient *mongodriver.Client
	skipMongoTests  bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	var (
		container    testcontainers.Container
		containerErr error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		container, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "mongo:7",
				ExposedPorts: []string{"27017/tcp"},
				WaitingFor:   wait.ForLog("Waiting for connections"),
				Tmpfs:        map[string]string{"/data/db": "rw"},
			},
			Started: true,
		})
	}()
	if containerErr != nil {
		fmt.Printf("Docker not available, MongoDB tests will be skipped: %v\n", containerErr)
		skipMongoTests = true
	} else if err := connectMongo(ctx, container); err != nil {
		fmt.Printf("Failed to connect to MongoDB: %v\n", err)
		skipMongoTests = true
	}

	code := m.Run()

	if testMongoClient != nil {
		_ = testMongoClient.Disconnect(ctx)
	}
	if container != nil {
		_ = container.Terminate(ctx)
	}
	os.Exit(code)
}

func connectMongo(ctx context.Context, c testcontainers.Container) error {
	host, err := c.Host(ctx)
	if err != nil {
		return err
	}
	port, err := c.MappedPort(ctx, "27017")
	if err != nil {
		return err
	}
	testMongoClient, err = mongodriver.Connect(options.Client().ApplyURI(fmt.Sprintf("mongodb://%s:%s", host, port.Port())))
	if err != nil {
		return err
	}
	return testMongoClient.Ping(ctx, nil)
}

func getMongoStore(t *testing.T) *Store {
	t.Helper()
	if skipMongoTests {
		t.Skip("Docker not available, skipping MongoDB test")
	}
	client, err := clientsmongo.New(clientsmongo.Options{
		Client:     testMongoClient,
		Database:   "planact_test",
		Collection: t.Name(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = testMongoClient.Database("planact_test").Collection(t.Name()).Drop(context.Background())
	})
	store, err := NewStore(client)
	require.NoError(t, err)
	return store
}

func TestNewStoreRequiresClient(t *testing.T) {
	_, err := NewStore(nil)
	assert.Error(t, err)
}

func TestStoreAppendAndPaginate(t *testing.T) {
	store := getMongoStore(t)
	ctx := context.Background()
	require.NoError(t, store.Ping(ctx))

	for i := 1; i <= 5; i++ {
		e, err := runlog.NewEvent("run-1", "task-1", runlog.EventTransition, runlog.Transition{
			From: "Plan", Signal: "Always", To: "Act", Iteration: i,
		})
		require.NoError(t, err)
		require.NoError(t, store.Append(ctx, e))
		assert.NotEmpty(t, e.ID)
	}
	other, err := runlog.NewEvent("run-2", "task-2", runlog.EventAttemptStarted, nil)
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, other))

	var (
		got    []*runlog.Event
		cursor string
	)
	for {
		page, err := store.List(ctx, "run-1", cursor, 2)
		require.NoError(t, err)
		got = append(got, page.Events...)
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	require.Len(t, got, 5)
	for i, e := range got {
		assert.Equal(t, "task-1", e.TaskID)
		assert.Equal(t, runlog.EventTransition, e.Type)
		assert.JSONEq(t, fmt.Sprintf(`{"from":"Plan","signal":"Always","to":"Act","iteration":%d}`, i+1), string(e.Payload))
	}
}

func TestStoreKeepsAttemptDetails(t *testing.T) {
	store := getMongoStore(t)
	ctx := context.Background()

	e, err := runlog.NewEvent("run-3", "task-3", runlog.EventAttemptFinished, map[string]any{"answer": "Paris", "iterations": 4})
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, e))

	page, err := store.List(ctx, "run-3", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.JSONEq(t, `{"answer":"Paris","iterations":4}`, string(page.Events[0].Payload))
}
