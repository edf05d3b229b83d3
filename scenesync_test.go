package scenesync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/drpcorg/scenesync/discovery"
	"github.com/drpcorg/scenesync/network"
	"github.com/drpcorg/scenesync/protocol"
	"github.com/drpcorg/scenesync/replication"
	"github.com/drpcorg/scenesync/scene"
	"github.com/drpcorg/scenesync/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = utils.NewWriterLogger(io.Discard, slog.LevelError)

func open(t *testing.T, cfg Config) *SceneStore {
	store, err := Open(context.Background(), Options{Config: cfg, Logger: testLogger})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.LeaveRoom() })
	return store
}

func at(x, y, z float64) *scene.Vec3 {
	return &scene.Vec3{x, y, z}
}

func TestStoreLocal(t *testing.T) {
	store := open(t, Config{Room: "lobby", Replica: "alice"})
	ctx := context.Background()

	var lock sync.Mutex
	var seen [][]scene.Object
	unsubscribe := store.Subscribe(func(objs []scene.Object) {
		lock.Lock()
		seen = append(seen, objs)
		lock.Unlock()
	})
	last := func() []scene.Object {
		lock.Lock()
		defer lock.Unlock()
		if len(seen) == 0 {
			return nil
		}
		return seen[len(seen)-1]
	}
	calls := func() int {
		lock.Lock()
		defer lock.Unlock()
		return len(seen)
	}

	id, err := store.AddObject(ctx, scene.Fields{Position: at(1, 2, 3)})
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return len(last()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, id, last()[0].ID)

	require.NoError(t, store.UpdateObject(ctx, id, scene.Fields{Rotation: at(0, 90, 0)}))
	obj, ok := store.Get(id)
	require.True(t, ok)
	assert.Equal(t, scene.Object{ID: id, Position: scene.Vec3{1, 2, 3}, Rotation: scene.Vec3{0, 90, 0}}, obj)

	assert.ErrorIs(t, store.UpdateObject(ctx, id, scene.Fields{}), scene.ErrEmptyUpdate)
	assert.ErrorIs(t, store.UpdateObject(ctx, "", scene.Fields{Position: at(0, 0, 0)}), scene.ErrBadObjectID)

	require.NoError(t, store.DeleteObject(ctx, id))
	assert.Eventually(t, func() bool { return calls() > 1 && len(last()) == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, store.Snapshot())

	unsubscribe()
	before := calls()
	_, err = store.AddObject(ctx, scene.Fields{Position: at(0, 0, 0)})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, calls())

	require.NoError(t, store.LeaveRoom())
	require.NoError(t, store.LeaveRoom())
	_, err = store.AddObject(ctx, scene.Fields{Position: at(0, 0, 0)})
	assert.ErrorIs(t, err, ErrLeft)
}

func TestStoresConverge(t *testing.T) {
	ctx := context.Background()
	a := open(t, Config{Room: "lobby", Replica: "A", Listen: []string{"tcp://127.0.0.1:0"}})
	bound := a.ListenAddr("tcp://127.0.0.1:0")
	require.NotEmpty(t, bound)
	b := open(t, Config{Room: "lobby", Replica: "B", Connect: []string{"tcp://" + bound}})

	changed := make(chan struct{}, 16)
	b.Subscribe(func([]scene.Object) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})

	cube, err := a.AddObject(ctx, scene.Fields{Position: at(1, 1, 1)})
	require.NoError(t, err)
	_, err = b.AddObject(ctx, scene.Fields{Position: at(2, 2, 2)})
	require.NoError(t, err)
	require.NoError(t, b.UpdateObject(ctx, cube, scene.Fields{Rotation: at(0, 0, 1)}))

	assert.Eventually(t, func() bool {
		return a.Digest() == b.Digest() && len(a.Snapshot()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	obj, _ := a.Get(cube)
	assert.Equal(t, scene.Vec3{0, 0, 1}, obj.Rotation)
	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber never called")
	}

	assert.Eventually(t, func() bool {
		peers := b.Peers()
		return len(peers) == 1 && peers[0].State == replication.Streaming
	}, 5*time.Second, 10*time.Millisecond)
}

// An edit made right before leaving is never broadcast, but it is in
// the persisted log and reaches a peer after the replica comes back.
func TestLeaveThenReplay(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "log")
	registry := prometheus.NewRegistry()

	first, err := Open(ctx, Options{
		Config:     Config{Room: "lobby", Replica: "A", LogDir: dir},
		Logger:     testLogger,
		Registerer: registry,
	})
	require.NoError(t, err)
	id, err := first.AddObject(ctx, scene.Fields{Position: at(4, 5, 6)})
	require.NoError(t, err)
	require.NoError(t, first.LeaveRoom())

	again, err := Open(ctx, Options{
		Config:     Config{Room: "lobby", Replica: "A", LogDir: dir, Listen: []string{"tcp://127.0.0.1:0"}},
		Logger:     testLogger,
		Registerer: registry,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = again.LeaveRoom() })
	assert.Equal(t, 2, again.LogLen())
	_, ok := again.Get(id)
	require.True(t, ok)

	peer := open(t, Config{Room: "lobby", Replica: "B", Connect: []string{"tcp://" + again.ListenAddr("tcp://127.0.0.1:0")}})
	assert.Eventually(t, func() bool {
		obj, ok := peer.Get(id)
		return ok && obj.Position == scene.Vec3{4, 5, 6}
	}, 5*time.Second, 10*time.Millisecond)
}

func TestOpenRejects(t *testing.T) {
	_, err := Open(context.Background(), Options{Logger: testLogger})
	assert.ErrorIs(t, err, ErrNoRoom)
	_, err = Open(context.Background(), Options{
		Config: Config{Room: "lobby", Listen: []string{"quic://nowhere"}},
		Logger: testLogger,
	})
	assert.Error(t, err)
	_, err = Open(context.Background(), Options{
		Config: Config{Room: "lobby", SignSeed: "beef"},
		Logger: testLogger,
	})
	assert.Error(t, err)
	_, err = Open(context.Background(), Options{
		Config: Config{Room: "lobby", Connect: []string{"nonsense"}},
		Logger: testLogger,
	})
	assert.ErrorIs(t, err, network.ErrAddressInvalid)
}

func TestDiscoverer(t *testing.T) {
	opts := Options{Config: Config{Room: "lobby"}}
	opts.SetDefaults()
	assert.Nil(t, opts.discoverer())

	opts.Connect = []string{"tcp://10.0.0.7:7500"}
	static, ok := opts.discoverer().(discovery.Static)
	require.True(t, ok)
	assert.Equal(t, opts.Connect, static.Addrs)
	assert.Equal(t, discovery.DefaultInterval, static.Interval)

	opts.MDNS = true
	opts.Listen = []string{"tcp://:0", "ws://:7501/sync"}
	all, ok := opts.discoverer().(discovery.Multi)
	require.True(t, ok)
	require.Len(t, all, 2)
	m, ok := all[1].(*discovery.MDNS)
	require.True(t, ok)
	assert.Equal(t, 7501, m.Port)
	assert.Equal(t, "/sync", m.Path)
}

func TestConcurrentUpdatesQueuedInOrder(t *testing.T) {
	store := open(t, Config{Room: "lobby", Replica: "alice"})
	ctx := context.Background()
	q := utils.NewFDQueue[protocol.Records](1<<28, time.Second, 1<<20)
	store.session.AddQueue("watcher", q)
	defer store.session.RemoveQueue("watcher")

	const writers, updates = 8, 500
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("obj%d", w%3)
			for i := 0; i < updates; i++ {
				assert.NoError(t, store.UpdateObject(ctx, id, scene.Fields{Position: at(float64(w), float64(i), 0)}))
			}
		}()
	}
	wg.Wait()

	var last uint64
	for q.Size() > 0 {
		recs, err := q.Feed(ctx)
		require.NoError(t, err)
		for _, rec := range recs {
			body, rest, err := protocol.TakeWary('D', rec)
			require.NoError(t, err)
			require.Empty(t, rest)
			d, err := scene.ParseDelta(body)
			require.NoError(t, err)
			require.GreaterOrEqual(t, d.Stamp.Time, last, "delta %s queued after a newer one", d)
			last = d.Stamp.Time
		}
	}
	assert.Equal(t, uint64(writers*updates), last)
	assert.Equal(t, last, store.StateVector().Get("alice"))
}

func TestLoadOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenesync.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
room = "lobby"
listen = ["tcp://:7500", "ws://:7501/sync"]
mdns = true
log_max_deltas = 1000
log_max_age = "1h30m"
max_retries = 3
`), 0o644))
	t.Setenv("SCENESYNC_ROOM", "attic")
	t.Setenv("SCENESYNC_CONNECT", "tcp://10.0.0.7:7500,tcp://10.0.0.8:7500")

	opts, err := LoadOptions(path)
	require.NoError(t, err)
	assert.Equal(t, "attic", opts.Room)
	assert.Equal(t, []string{"tcp://:7500", "ws://:7501/sync"}, opts.Listen)
	assert.Equal(t, []string{"tcp://10.0.0.7:7500", "tcp://10.0.0.8:7500"}, opts.Connect)
	assert.True(t, opts.MDNS)
	assert.Equal(t, 1000, opts.LogMaxDeltas)
	assert.Equal(t, Duration(90*time.Minute), opts.LogMaxAge)
	assert.Equal(t, 3, opts.MaxRetries)

	opts.SetDefaults()
	assert.NotEmpty(t, opts.Replica)
	assert.Equal(t, 1<<24, opts.PeerQueueBytes)

	_, err = LoadOptions(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestListenerParts(t *testing.T) {
	scheme, port, path := listenerParts("ws://:7501/sync")
	assert.Equal(t, "ws", scheme)
	assert.Equal(t, 7501, port)
	assert.Equal(t, "/sync", path)
	scheme, port, _ = listenerParts("127.0.0.1:7000")
	assert.Equal(t, "tcp", scheme)
	assert.Equal(t, 7000, port)
	_, port, _ = listenerParts("tcp://127.0.0.1:0")
	assert.Equal(t, 0, port)
}
