// Package replication keeps a scene document in sync with the other
// replicas of a room. A Session owns the transport; every connection
// gets a Syncer that runs the join, catch-up and live streaming phases.
package replication

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/drpcorg/scenesync/discovery"
	"github.com/drpcorg/scenesync/network"
	"github.com/drpcorg/scenesync/protocol"
	"github.com/drpcorg/scenesync/rdx"
	"github.com/drpcorg/scenesync/scene"
	"github.com/drpcorg/scenesync/seal"
	"github.com/drpcorg/scenesync/utils"
	"github.com/puzpuzpuz/xsync/v3"
)

var (
	ErrNotJoined     = errors.New("replication: not in a room")
	ErrAlreadyJoined = errors.New("replication: already in a room")
	ErrLeft          = errors.New("replication: session left its room")
	errLeaving       = errors.New("leaving the room")
)

var _ network.Settled = (*Syncer)(nil)

const (
	DefaultQueueBytes = 1 << 24
	DefaultTick       = 250 * time.Millisecond
	DefaultLeaveGrace = 500 * time.Millisecond
)

type Options struct {
	Log  utils.Logger
	Seal *seal.Seal
	// Discoverer, if set, is asked for peers on Join.
	Discoverer discovery.Discoverer
	NetOpts    []network.NetOpt
	// QueueBytes caps the live deltas queued for one peer. A peer that
	// lets its queue overflow is disconnected and catches up later.
	QueueBytes int
	Tick       time.Duration
	// LeaveGrace is how long Leave waits for byes to go out.
	LeaveGrace time.Duration
}

func (o *Options) SetDefaults() {
	if o.Log == nil {
		o.Log = utils.NewDefaultLogger(utils.ParseLevel("info"))
	}
	if o.QueueBytes <= 0 {
		o.QueueBytes = DefaultQueueBytes
	}
	if o.Tick <= 0 {
		o.Tick = DefaultTick
	}
	if o.LeaveGrace <= 0 {
		o.LeaveGrace = DefaultLeaveGrace
	}
}

type PeerInfo struct {
	// Name of the connection: the dialled address or "listen:..." for
	// inbound ones.
	Name    string
	Replica string
	State   PeerState
	Since   time.Time
}

type MembershipKind int

const (
	PeerJoined MembershipKind = iota + 1
	PeerLeft
	PeerUnreachable
)

func (k MembershipKind) String() string {
	switch k {
	case PeerJoined:
		return "joined"
	case PeerLeft:
		return "left"
	case PeerUnreachable:
		return "unreachable"
	}
	return "unknown"
}

type MembershipEvent struct {
	Kind    MembershipKind
	Name    string
	Replica string
	Err     error
}

// Session replicates one document within one room.
type Session struct {
	opts Options
	log  utils.Logger
	doc  *scene.Document

	lock   sync.RWMutex
	room   string
	net    *network.Net
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	left   bool

	// commit spans a document change and the queueing of its deltas,
	// so every peer queue sees one origin's deltas in stamp order.
	commit sync.Mutex

	syncers *xsync.MapOf[string, *Syncer]
	queues  *xsync.MapOf[string, *utils.FDQueue[protocol.Records]]
	peers   *xsync.MapOf[string, PeerInfo]
	found   *xsync.MapOf[string, struct{}]

	cblock       sync.RWMutex
	onDelta      []func(scene.Batch)
	onMembership []func(MembershipEvent)
}

func NewSession(doc *scene.Document, opts Options) *Session {
	opts.SetDefaults()
	return &Session{
		opts:    opts,
		log:     opts.Log,
		doc:     doc,
		syncers: xsync.NewMapOf[string, *Syncer](),
		queues:  xsync.NewMapOf[string, *utils.FDQueue[protocol.Records]](),
		peers:   xsync.NewMapOf[string, PeerInfo](),
		found:   xsync.NewMapOf[string, struct{}](),
	}
}

func (s *Session) Room() string {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.room
}

func (s *Session) Src() string {
	return s.doc.Src()
}

func (s *Session) StateVector() rdx.VV {
	return s.doc.StateVector()
}

func (s *Session) DeltasSince(vv rdx.VV) scene.Batch {
	return s.doc.DeltasSince(vv)
}

// OnDelta registers a callback for every remote batch that changed the
// document. Callbacks run on connection goroutines and must not block
// or call Leave.
func (s *Session) OnDelta(fn func(scene.Batch)) {
	s.cblock.Lock()
	s.onDelta = append(s.onDelta, fn)
	s.cblock.Unlock()
}

func (s *Session) OnMembership(fn func(MembershipEvent)) {
	s.cblock.Lock()
	s.onMembership = append(s.onMembership, fn)
	s.cblock.Unlock()
}

func (s *Session) membership(ev MembershipEvent) {
	s.log.Info("session: membership", "event", ev.Kind.String(), "name", ev.Name, "replica", ev.Replica, "err", ev.Err)
	s.cblock.RLock()
	defer s.cblock.RUnlock()
	if s.isLeft() {
		return
	}
	for _, fn := range s.onMembership {
		fn(ev)
	}
}

func (s *Session) isLeft() bool {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.left
}

// Join enters a room: the transport starts and, if configured,
// discovery starts feeding peer addresses to Connect.
func (s *Session) Join(ctx context.Context, room string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.left {
		return ErrLeft
	}
	if s.net != nil {
		return ErrAlreadyJoined
	}
	s.room = room
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	opts := append(slices.Clone(s.opts.NetOpts), &network.NetUnreachableOpt{OnUnreachable: s.unreachable})
	s.net = network.NewNet(s.log, s.install, s.destroy, opts...)
	s.log.Info("session: joined", "room", room, "replica", s.Src())

	if s.opts.Discoverer != nil {
		dctx := s.ctx
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			err := s.opts.Discoverer.Discover(dctx, room, s.discovered)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error("session: discovery failed", "err", err)
			}
		}()
	}
	return nil
}

func (s *Session) discovered(addr string) {
	if _, seen := s.found.LoadOrStore(addr, struct{}{}); seen {
		return
	}
	if err := s.Connect(addr); err != nil && !errors.Is(err, network.ErrAddressDuplicated) {
		s.log.Warn("session: can't connect to discovered peer", "addr", addr, "err", err)
		s.found.Delete(addr)
	}
}

func (s *Session) transport() (*network.Net, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	switch {
	case s.left:
		return nil, ErrLeft
	case s.net == nil:
		return nil, ErrNotJoined
	}
	return s.net, nil
}

func (s *Session) Listen(addr string) error {
	n, err := s.transport()
	if err != nil {
		return err
	}
	return n.Listen(addr)
}

func (s *Session) Unlisten(addr string) error {
	n, err := s.transport()
	if err != nil {
		return err
	}
	return n.Unlisten(addr)
}

// NetStats reports read buffer and write batch sizes per connection.
func (s *Session) NetStats() network.NetStats {
	n, err := s.transport()
	if err != nil {
		return network.NetStats{}
	}
	return n.GetStats()
}

// ListenAddr is the address a listener bound, for ":0" listens.
func (s *Session) ListenAddr(addr string) string {
	n, err := s.transport()
	if err != nil {
		return ""
	}
	if a, ok := n.ListenAddr(addr); ok {
		return a.String()
	}
	return ""
}

// Connect dials addr and keeps redialling it until the retry budget
// runs out.
func (s *Session) Connect(addr string) error {
	n, err := s.transport()
	if err != nil {
		return err
	}
	if _, known := s.peers.Load(addr); !known {
		s.setPeer(addr, "", Connecting)
	}
	if err = n.Connect(addr); err != nil {
		if !errors.Is(err, network.ErrAddressDuplicated) {
			s.peers.Delete(addr)
			s.updateGauge()
		}
		return err
	}
	return nil
}

func (s *Session) Disconnect(addr string) error {
	n, err := s.transport()
	if err != nil {
		return err
	}
	s.peers.Delete(addr)
	s.found.Delete(addr)
	s.updateGauge()
	return n.Disconnect(addr)
}

// Commit makes a local change and queues its deltas to every connected
// peer before another change or merge can run.
func (s *Session) Commit(ctx context.Context, change func() (scene.Batch, error)) (scene.Batch, error) {
	s.commit.Lock()
	defer s.commit.Unlock()
	b, err := change()
	if err != nil {
		return nil, err
	}
	if len(b) > 0 {
		s.relay(ctx, DeltaRecords(b), "")
	}
	return b, nil
}

// Broadcast queues deltas made elsewhere to every connected peer. It
// never waits on the network for longer than the queue time limit.
func (s *Session) Broadcast(ctx context.Context, b scene.Batch) {
	if len(b) == 0 {
		return
	}
	s.commit.Lock()
	defer s.commit.Unlock()
	s.relay(ctx, DeltaRecords(b), "")
}

func (s *Session) relay(ctx context.Context, recs protocol.Records, except string) {
	s.queues.Range(func(name string, q *utils.FDQueue[protocol.Records]) bool {
		if name == except {
			return true
		}
		err := q.Drain(ctx, recs)
		switch {
		case err == nil, errors.Is(err, utils.ErrClosed):
		case errors.Is(err, utils.ErrOverflow):
			s.log.Warn("session: peer queue overflow, disconnecting", "name", name)
		default:
			s.log.Error("session: can't queue deltas", "name", name, "err", err)
		}
		return true
	})
}

// Merge applies deltas from a peer; what turned out new is relayed to
// the other peers and reported to OnDelta callbacks.
func (s *Session) Merge(from string, b scene.Batch) {
	s.commit.Lock()
	fresh := s.doc.Merge(b)
	if len(fresh) > 0 {
		s.relay(context.Background(), DeltaRecords(fresh), from)
	}
	s.commit.Unlock()
	DeltasReceived.WithLabelValues("true").Add(float64(len(fresh)))
	DeltasReceived.WithLabelValues("false").Add(float64(len(b) - len(fresh)))
	if len(fresh) == 0 {
		return
	}

	s.cblock.RLock()
	defer s.cblock.RUnlock()
	if s.isLeft() {
		return
	}
	for _, fn := range s.onDelta {
		fn(fresh)
	}
}

func (s *Session) AddQueue(name string, q *utils.FDQueue[protocol.Records]) {
	s.queues.Store(name, q)
}

func (s *Session) RemoveQueue(name string) {
	s.queues.Delete(name)
}

func (s *Session) PeerState(name, replica string, state PeerState) {
	if _, ok := s.syncers.Load(name); !ok {
		return
	}
	s.setPeer(name, replica, state)
	if state == Streaming {
		s.membership(MembershipEvent{Kind: PeerJoined, Name: name, Replica: replica})
	}
}

func (s *Session) setPeer(name, replica string, state PeerState) {
	s.peers.Store(name, PeerInfo{Name: name, Replica: replica, State: state, Since: time.Now()})
	s.updateGauge()
}

func (s *Session) updateGauge() {
	counts := make(map[PeerState]int)
	s.peers.Range(func(_ string, p PeerInfo) bool {
		counts[p.State]++
		return true
	})
	for _, st := range []PeerState{Connecting, SyncHandshake, Streaming} {
		PeersByState.WithLabelValues(st.String()).Set(float64(counts[st]))
	}
}

// Peers lists known peers ordered by name.
func (s *Session) Peers() (ret []PeerInfo) {
	s.peers.Range(func(_ string, p PeerInfo) bool {
		ret = append(ret, p)
		return true
	})
	slices.SortFunc(ret, func(a, b PeerInfo) int { return strings.Compare(a.Name, b.Name) })
	return
}

// install is called by the transport for every new connection.
func (s *Session) install(name string) protocol.FeedDrainCloserTraced {
	syncer := NewSyncer(name, s, s.opts.Seal, s.log, s.opts.QueueBytes, s.opts.Tick)
	s.syncers.Store(name, syncer)
	s.setPeer(name, "", SyncHandshake)
	return syncer
}

func (s *Session) destroy(name string, p protocol.Traced) {
	syncer, ok := s.syncers.LoadAndDelete(name)
	if !ok {
		return
	}
	info, _ := s.peers.Load(name)
	if strings.HasPrefix(name, "listen:") || s.isLeft() {
		s.peers.Delete(name)
	} else {
		// an outgoing connection is being redialled
		s.setPeer(name, "", Connecting)
	}
	s.updateGauge()
	if info.State == Streaming {
		s.membership(MembershipEvent{Kind: PeerLeft, Name: name, Replica: syncer.Peer()})
	}
}

func (s *Session) unreachable(name string, err error) {
	s.peers.Delete(name)
	s.found.Delete(name)
	s.updateGauge()
	s.membership(MembershipEvent{Kind: PeerUnreachable, Name: name, Err: err})
}

// Leave says bye to every peer, closes the transport and stops
// discovery. No callback fires after Leave returns. Leaving twice is
// fine; a left session can not join again.
func (s *Session) Leave() error {
	s.lock.Lock()
	if s.left {
		s.lock.Unlock()
		return nil
	}
	s.left = true
	n, cancel, room := s.net, s.cancel, s.room
	s.lock.Unlock()

	// wait for callbacks in flight
	s.cblock.Lock()
	s.cblock.Unlock()

	if n == nil {
		return nil
	}
	cancel()
	s.syncers.Range(func(_ string, syncer *Syncer) bool {
		syncer.Bye(errLeaving)
		return true
	})
	deadline := time.Now().Add(s.opts.LeaveGrace)
	for time.Now().Before(deadline) && !s.allDone() {
		time.Sleep(10 * time.Millisecond)
	}
	err := n.Close()
	s.wg.Wait()
	s.peers.Clear()
	s.queues.Clear()
	s.updateGauge()
	s.log.Info("session: left", "room", room)
	return err
}

func (s *Session) allDone() bool {
	done := true
	s.syncers.Range(func(_ string, syncer *Syncer) bool {
		done = syncer.Done()
		return done
	})
	return done
}
