//go:build integration

package integration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Sternrassler/gh-harvest/internal/testutil"
	"github.com/Sternrassler/gh-harvest/pkg/cache"
	"github.com/Sternrassler/gh-harvest/pkg/checkpoint"
	"github.com/Sternrassler/gh-harvest/pkg/client"
	"github.com/Sternrassler/gh-harvest/pkg/collector"
	"github.com/Sternrassler/gh-harvest/pkg/coordinator"
	"github.com/Sternrassler/gh-harvest/pkg/credential"
	"github.com/Sternrassler/gh-harvest/pkg/queue"
	"github.com/Sternrassler/gh-harvest/pkg/ratelimit"
	"github.com/Sternrassler/gh-harvest/pkg/retry"
	"github.com/Sternrassler/gh-harvest/pkg/worker"
)

const queuePrefix = "it:queue"

var tokens = []string{"ghp_integration_token_aaaaaaaaaaaa", "ghp_integration_token_bbbbbbbbbbbb"}

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})

	cleanup := func() {
		redisClient.Close()
		container.Terminate(ctx)
	}

	return redisClient, cleanup
}

// seedAccounts registers n accounts, every fifth one unknown to the API.
// Each known account owns two repositories; all of them share one fork
// that is skipped.
func seedAccounts(mock *testutil.MockGitHub, n int) (logins []string, wantProjects int) {
	for i := 0; i < n; i++ {
		login := fmt.Sprintf("dev-%02d", i)
		logins = append(logins, login)
		if i%5 == 4 {
			continue
		}
		mock.AddUser(testutil.MockUser{Login: login, Location: "Seattle, WA"},
			testutil.MockRepo{Name: "app", Stars: i, Language: "Go"},
			testutil.MockRepo{Name: "dotfiles", Stars: 1},
			testutil.MockRepo{Name: "linux", Fork: true},
		)
		wantProjects += 2
	}
	return logins, wantProjects
}

// machine is one worker process: its own credential pool, client and
// broker connection, sharing Redis with the others.
type machine struct {
	pool *credential.Pool
	run  func(ctx context.Context) error
}

func newMachine(t *testing.T, rdb *redis.Client, mock *testutil.MockGitHub, id string) *machine {
	t.Helper()

	tracker := ratelimit.NewTracker(rdb, zerolog.Nop())
	poolCfg := credential.DefaultConfig()
	poolCfg.Observer = tracker
	pool, err := credential.NewPool(tokens, poolCfg)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	if _, err := pool.Restore(context.Background(), tracker); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	c, err := client.New(client.Config{
		BaseURL:   mock.URL(),
		UserAgent: "gh-harvest-integration",
		Timeout:   5 * time.Second,
		Transport: cache.NewTransport(cache.NewManager(rdb), nil, time.Hour),
	})
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}

	exec := collector.NewExecutor(c, pool, collector.Config{
		Concurrency: 3,
		MaxRetries:  2,
		AllowList:   collector.NewAllowList("seattle"),
		Backoff:     retry.Constant(10 * time.Millisecond),
	})
	broker := queue.NewRedisBroker(rdb, queue.RedisConfig{
		Prefix:       queuePrefix,
		LeaseTimeout: 30 * time.Second,
		BlockTimeout: 200 * time.Millisecond,
	})
	wp := worker.NewPool(broker, exec, worker.Config{
		Workers:           2,
		BatchTimeout:      time.Minute,
		HeartbeatInterval: time.Second,
		ID:                id,
	})
	return &machine{pool: pool, run: wp.Run}
}

// startMachines runs the machines until the returned stop func is called.
func startMachines(t *testing.T, machines ...*machine) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, m := range machines {
		wg.Add(1)
		go func(m *machine) {
			defer wg.Done()
			if err := m.run(ctx); err != nil {
				t.Errorf("worker pool error = %v", err)
			}
		}(m)
	}
	return func() {
		cancel()
		wg.Wait()
	}
}

func newCoordinator(t *testing.T, rdb *redis.Client, store checkpoint.Store) *coordinator.Coordinator {
	t.Helper()
	logger := zerolog.Nop()
	coord, err := coordinator.New(coordinator.Config{
		Broker: queue.NewRedisBroker(rdb, queue.RedisConfig{
			Prefix:       queuePrefix,
			LeaseTimeout: 30 * time.Second,
			BlockTimeout: 200 * time.Millisecond,
		}),
		Store:        store,
		Retry:        retry.Policy{Backoff: retry.Constant(50 * time.Millisecond)},
		Logger:       &logger,
		ReapInterval: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("coordinator.New() error = %v", err)
	}
	return coord
}

// TestDistributedRun runs one coordinator and two worker machines over the
// same Redis: broker, checkpoint store, quota mirror and ETag cache.
func TestDistributedRun(t *testing.T) {
	rdb, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockGitHub()
	defer mock.Close()
	logins, wantProjects := seedAccounts(mock, 40)

	store := checkpoint.NewRedisStore(rdb, "it:checkpoint", 0)
	coord := newCoordinator(t, rdb, store)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	run, err := coord.Start(ctx, logins, 4, 2)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if run.Batches != 10 {
		t.Fatalf("Batches = %d, want 10", run.Batches)
	}

	m1 := newMachine(t, rdb, mock, "m1")
	m2 := newMachine(t, rdb, mock, "m2")
	stop := startMachines(t, m1, m2)
	res, err := coord.Wait(ctx)
	stop()
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	if len(res.Projects) != wantProjects {
		t.Errorf("Projects = %d, want %d", len(res.Projects), wantProjects)
	}
	if res.Summary.AccountsSucceeded != 32 || res.Summary.AccountsFailed != 8 {
		t.Errorf("succeeded/failed = %d/%d, want 32/8", res.Summary.AccountsSucceeded, res.Summary.AccountsFailed)
	}
	if res.Summary.BatchesSucceeded != 10 {
		t.Errorf("BatchesSucceeded = %d, want 10", res.Summary.BatchesSucceeded)
	}
	if res.Projects[0].Stars != 38 {
		t.Errorf("top project stars = %d, want 38", res.Projects[0].Stars)
	}

	// The final checkpoint is shared through Redis.
	cp, err := store.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if cp.RunID != run.ID || !cp.Done() {
		t.Errorf("latest checkpoint = %s done=%v, want %s done", cp.RunID, cp.Done(), run.ID)
	}

	// Quota observations are mirrored for other processes.
	keys, err := rdb.Keys(ctx, ratelimit.RedisKeyPrefix+":*").Result()
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	if len(keys) == 0 {
		t.Error("no quota state mirrored to Redis")
	}

	// A restarted machine picks the mirrored state up.
	restored, err := credential.NewPool(tokens, credential.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	if n, err := restored.Restore(ctx, ratelimit.NewTracker(rdb, zerolog.Nop())); err != nil || n == 0 {
		t.Errorf("Restore() = %d (err %v), want > 0", n, err)
	}

	// A second run over the same accounts revalidates through the ETag cache.
	mock.Reset()
	coord2 := newCoordinator(t, rdb, store)
	if _, err := coord2.Start(ctx, logins, 4, 2); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	m3 := newMachine(t, rdb, mock, "m3")
	stop = startMachines(t, m3)
	res2, err := coord2.Wait(ctx)
	stop()
	if err != nil {
		t.Fatalf("second Wait() error = %v", err)
	}
	if len(res2.Projects) != wantProjects {
		t.Errorf("second run Projects = %d, want %d", len(res2.Projects), wantProjects)
	}
	if mock.GetConditionalCount() == 0 {
		t.Error("second run sent no conditional requests")
	}
}

// TestResumeAfterLostQueue interrupts a run before any batch executed,
// drops the queue and resumes from the Redis checkpoint.
func TestResumeAfterLostQueue(t *testing.T) {
	rdb, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockGitHub()
	defer mock.Close()
	logins, wantProjects := seedAccounts(mock, 12)

	store := checkpoint.NewRedisStore(rdb, "it:checkpoint", 0)

	first := newCoordinator(t, rdb, store)
	run, err := first.Start(context.Background(), logins, 5, 1)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	_, err = first.Wait(waitCtx)
	cancel()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait() error = %v, want deadline exceeded", err)
	}

	broker := queue.NewRedisBroker(rdb, queue.RedisConfig{Prefix: queuePrefix})
	if err := broker.Purge(context.Background()); err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	// Let the first coordinator's blocking receive time out.
	time.Sleep(500 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cp, err := store.Load(ctx, run.ID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := len(cp.Pending()); got != 3 {
		t.Fatalf("pending batches = %d, want 3", got)
	}

	second := newCoordinator(t, rdb, store)
	resumed, err := second.Resume(ctx, cp)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if resumed.ID != run.ID {
		t.Errorf("resumed run id = %s, want %s", resumed.ID, run.ID)
	}

	stop := startMachines(t, newMachine(t, rdb, mock, "m1"))
	res, err := second.Wait(ctx)
	stop()
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if len(res.Projects) != wantProjects {
		t.Errorf("Projects = %d, want %d", len(res.Projects), wantProjects)
	}
	if res.RunID != run.ID {
		t.Errorf("RunID = %s, want %s", res.RunID, run.ID)
	}
}
