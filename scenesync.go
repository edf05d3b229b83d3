// Package scenesync is a replicated 3D scene store. Every replica of a
// room holds the whole scene; edits are applied locally at once and
// spread peer to peer, and all replicas converge no matter in which
// order the edits arrive.
//
//	store, err := scenesync.Open(ctx, scenesync.Options{Config: scenesync.Config{
//		Room:   "lobby",
//		Listen: []string{"tcp://:7500"},
//		MDNS:   true,
//	}})
//	unsubscribe := store.Subscribe(func(objs []scene.Object) { render(objs) })
//	id, err := store.AddObject(ctx, scene.Fields{Position: &scene.Vec3{0, 1, 0}})
//	defer store.LeaveRoom()
package scenesync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/drpcorg/scenesync/network"
	"github.com/drpcorg/scenesync/oplog"
	"github.com/drpcorg/scenesync/rdx"
	"github.com/drpcorg/scenesync/replication"
	"github.com/drpcorg/scenesync/scene"
	"github.com/drpcorg/scenesync/utils"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

var ErrLeft = errors.New("scenesync: store has left its room")

// SceneStore is one replica of one room's scene.
type SceneStore struct {
	opts      Options
	log       utils.Logger
	doc       *scene.Document
	session   *replication.Session
	collector prometheus.Collector

	sublock sync.Mutex
	subs    map[uint64]func([]scene.Object)
	nextSub uint64

	notify chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup

	leaveOnce sync.Once
	leaveErr  error
}

// Open creates the replica, restores it from the retained log, joins the
// room and starts the listeners. Configured peers are dialled through
// discovery.
func Open(ctx context.Context, opts Options) (store *SceneStore, err error) {
	opts.SetDefaults()
	if opts.Room == "" {
		return nil, ErrNoRoom
	}
	for _, addr := range opts.Connect {
		if err = network.CheckAddr(addr); err != nil {
			return nil, fmt.Errorf("scenesync: connect %q: %w", addr, err)
		}
	}
	store = &SceneStore{
		opts:   opts,
		log:    opts.Logger,
		subs:   make(map[uint64]func([]scene.Object)),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	var log scene.Log
	if opts.LogDir != "" {
		plog, err := oplog.Open(opts.LogDir, opts.limits())
		if err != nil {
			return nil, err
		}
		log = plog
		store.collector = oplog.NewCollector(plog)
	} else {
		log = scene.NewMemLog(opts.limits())
	}
	if store.doc, err = scene.NewDocument(opts.Replica, log, store.log); err != nil {
		_ = log.Close()
		return nil, err
	}
	if store.collector != nil && opts.Registerer != nil {
		if err = opts.Registerer.Register(store.collector); err != nil {
			store.log.Warn("scenesync: can't register log metrics", "err", err)
			store.collector = nil
		}
	}

	sl, err := opts.seal()
	if err != nil {
		_ = store.close()
		return nil, err
	}
	netOpts, err := opts.netOpts()
	if err != nil {
		_ = store.close()
		return nil, err
	}
	store.session = replication.NewSession(store.doc, replication.Options{
		Log:        store.log,
		Seal:       sl,
		Discoverer: opts.discoverer(),
		NetOpts:    netOpts,
		QueueBytes: opts.PeerQueueBytes,
	})
	store.session.OnDelta(func(scene.Batch) { store.changed() })

	store.wg.Add(1)
	go store.dispatch()

	if err = store.session.Join(ctx, opts.Room); err != nil {
		_ = store.LeaveRoom()
		return nil, err
	}
	for _, addr := range opts.Listen {
		if err = store.session.Listen(addr); err != nil {
			_ = store.LeaveRoom()
			return nil, err
		}
	}
	store.log.Info("scenesync: open", "room", opts.Room, "replica", opts.Replica, "objects", len(store.doc.Snapshot()))
	return store, nil
}

func (store *SceneStore) left() bool {
	select {
	case <-store.done:
		return true
	default:
		return false
	}
}

// AddObject creates an object under a fresh id.
func (store *SceneStore) AddObject(ctx context.Context, f scene.Fields) (string, error) {
	id := uuid.Must(uuid.NewV7()).String()
	if err := store.UpdateObject(ctx, id, f); err != nil {
		return "", err
	}
	return id, nil
}

// UpdateObject sets the given fields of an object, creating or reviving
// it as needed.
func (store *SceneStore) UpdateObject(ctx context.Context, id string, f scene.Fields) error {
	if store.left() {
		return ErrLeft
	}
	_, err := store.session.Commit(ctx, func() (scene.Batch, error) {
		return store.doc.LocalSet(id, f)
	})
	if err != nil {
		return err
	}
	store.changed()
	return nil
}

func (store *SceneStore) DeleteObject(ctx context.Context, id string) error {
	if store.left() {
		return ErrLeft
	}
	_, err := store.session.Commit(ctx, func() (scene.Batch, error) {
		return store.doc.LocalDelete(id)
	})
	if err != nil {
		return err
	}
	store.changed()
	return nil
}

func (store *SceneStore) Snapshot() []scene.Object {
	return store.doc.Snapshot()
}

func (store *SceneStore) Get(id string) (scene.Object, bool) {
	return store.doc.Get(id)
}

// Subscribe calls fn with a fresh snapshot after visible changes. Calls
// come one at a time from a single goroutine; changes that pile up while
// fn runs are reported by one call. fn must not call LeaveRoom.
func (store *SceneStore) Subscribe(fn func([]scene.Object)) (unsubscribe func()) {
	store.sublock.Lock()
	n := store.nextSub
	store.nextSub++
	store.subs[n] = fn
	store.sublock.Unlock()
	return func() {
		store.sublock.Lock()
		delete(store.subs, n)
		store.sublock.Unlock()
	}
}

func (store *SceneStore) changed() {
	select {
	case store.notify <- struct{}{}:
	default:
	}
}

func (store *SceneStore) subscribers() []func([]scene.Object) {
	store.sublock.Lock()
	defer store.sublock.Unlock()
	ret := make([]func([]scene.Object), 0, len(store.subs))
	for n := uint64(0); n < store.nextSub; n++ {
		if fn, ok := store.subs[n]; ok {
			ret = append(ret, fn)
		}
	}
	return ret
}

func (store *SceneStore) dispatch() {
	defer store.wg.Done()
	for {
		select {
		case <-store.done:
			return
		case <-store.notify:
		}
		snap := store.doc.Snapshot()
		for _, fn := range store.subscribers() {
			if store.left() {
				return
			}
			fn(snap)
		}
	}
}

// LeaveRoom disconnects from every peer, stops callbacks and releases
// the document. Nothing is called back after it returns. Calling it
// again is a no-op.
func (store *SceneStore) LeaveRoom() error {
	store.leaveOnce.Do(func() {
		var errs []error
		if store.session != nil {
			errs = append(errs, store.session.Leave())
		}
		close(store.done)
		store.wg.Wait()
		errs = append(errs, store.close())
		store.leaveErr = errors.Join(errs...)
		store.log.Info("scenesync: left", "room", store.opts.Room)
	})
	return store.leaveErr
}

func (store *SceneStore) close() error {
	if store.collector != nil && store.opts.Registerer != nil {
		store.opts.Registerer.Unregister(store.collector)
	}
	return store.doc.Close()
}

func (store *SceneStore) Replica() string {
	return store.opts.Replica
}

func (store *SceneStore) Room() string {
	return store.opts.Room
}

func (store *SceneStore) Digest() uint64 {
	return store.doc.Digest()
}

func (store *SceneStore) StateVector() rdx.VV {
	return store.doc.StateVector()
}

func (store *SceneStore) LogLen() int {
	return store.doc.LogLen()
}

func (store *SceneStore) Peers() []replication.PeerInfo {
	return store.session.Peers()
}

func (store *SceneStore) OnMembership(fn func(replication.MembershipEvent)) {
	store.session.OnMembership(fn)
}

func (store *SceneStore) Listen(addr string) error {
	return store.session.Listen(addr)
}

func (store *SceneStore) Unlisten(addr string) error {
	return store.session.Unlisten(addr)
}

func (store *SceneStore) NetStats() network.NetStats {
	return store.session.NetStats()
}

// ListenAddr is the bound address of a listener, "" if there is none.
func (store *SceneStore) ListenAddr(addr string) string {
	return store.session.ListenAddr(addr)
}

func (store *SceneStore) Connect(addr string) error {
	return store.session.Connect(addr)
}

func (store *SceneStore) Disconnect(addr string) error {
	return store.session.Disconnect(addr)
}
