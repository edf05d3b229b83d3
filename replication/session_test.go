package replication

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/drpcorg/scenesync/discovery"
	"github.com/drpcorg/scenesync/network"
	"github.com/drpcorg/scenesync/protocol"
	"github.com/drpcorg/scenesync/rdx"
	"github.com/drpcorg/scenesync/scene"
	"github.com/drpcorg/scenesync/seal"
	"github.com/drpcorg/scenesync/utils"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = utils.NewWriterLogger(io.Discard, slog.LevelError)

func newSession(t *testing.T, src, room string, sl *seal.Seal) *Session {
	s := unjoined(t, src, Options{Seal: sl})
	require.NoError(t, s.Join(context.Background(), room))
	return s
}

func unjoined(t *testing.T, src string, opts Options) *Session {
	doc, err := scene.NewDocument(src, nil, testLogger)
	require.NoError(t, err)
	opts.Log = testLogger
	opts.Tick = 20 * time.Millisecond
	s := NewSession(doc, opts)
	t.Cleanup(func() { _ = s.Leave() })
	return s
}

// freeAddr is a loopback address nobody listens on.
func freeAddr(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := "tcp://" + l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

// pipe connects two sessions in process, the way the transport would.
func pipe(t *testing.T, a, b *Session) (*Syncer, *Syncer) {
	ctx, cancel := context.WithCancel(context.Background())
	sa := a.install("to-" + b.Src()).(*Syncer)
	sb := b.install("to-" + a.Src()).(*Syncer)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = protocol.Pump(ctx, sa, sb) }()
	go func() { defer wg.Done(); _ = protocol.Pump(ctx, sb, sa) }()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return sa, sb
}

func set(t *testing.T, s *Session, id string, x float64) {
	_, err := s.Commit(context.Background(), func() (scene.Batch, error) {
		return s.doc.LocalSet(id, scene.Fields{Position: &scene.Vec3{x, x, x}})
	})
	require.NoError(t, err)
}

func converged(a, b *Session) func() bool {
	return func() bool {
		return a.doc.Digest() == b.doc.Digest() &&
			a.doc.StateVector().Seen(b.doc.StateVector()) &&
			b.doc.StateVector().Seen(a.doc.StateVector())
	}
}

func streaming(s *Session, n int) func() bool {
	return func() bool {
		count := 0
		for _, p := range s.Peers() {
			if p.State == Streaming {
				count++
			}
		}
		return count == n
	}
}

func TestCatchUpThenLive(t *testing.T) {
	a := newSession(t, "A", "lobby", nil)
	b := newSession(t, "B", "lobby", nil)
	for i := 0; i < 5; i++ {
		set(t, a, fmt.Sprintf("a%d", i), float64(i))
	}
	for i := 0; i < 3; i++ {
		set(t, b, fmt.Sprintf("b%d", i), float64(i))
	}
	set(t, b, "a0", 100)

	var lock sync.Mutex
	var got scene.Batch
	b.OnDelta(func(batch scene.Batch) {
		lock.Lock()
		got = append(got, batch...)
		lock.Unlock()
	})
	var joined []MembershipEvent
	a.OnMembership(func(ev MembershipEvent) {
		lock.Lock()
		joined = append(joined, ev)
		lock.Unlock()
	})

	pipe(t, a, b)
	assert.Eventually(t, converged(a, b), 5*time.Second, 10*time.Millisecond)
	assert.Eventually(t, streaming(a, 1), 5*time.Second, 10*time.Millisecond)
	assert.Eventually(t, streaming(b, 1), 5*time.Second, 10*time.Millisecond)
	assert.Len(t, a.doc.Snapshot(), 8)
	obj, _ := a.doc.Get("a0")
	assert.Equal(t, scene.Vec3{100, 100, 100}, obj.Position)
	assert.Equal(t, rdx.VV{"A": 5, "B": 4}, a.doc.StateVector())

	live, err := a.doc.LocalSet("live", scene.Fields{Position: &scene.Vec3{7, 7, 7}})
	require.NoError(t, err)
	a.Broadcast(context.Background(), live)
	assert.Eventually(t, func() bool {
		_, ok := b.doc.Get("live")
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	lock.Lock()
	assert.NotEmpty(t, got)
	require.Len(t, joined, 1)
	assert.Equal(t, PeerJoined, joined[0].Kind)
	assert.Equal(t, "B", joined[0].Replica)
	lock.Unlock()
}

func TestRelayThroughMiddle(t *testing.T) {
	a := newSession(t, "A", "lobby", nil)
	b := newSession(t, "B", "lobby", nil)
	c := newSession(t, "C", "lobby", nil)
	pipe(t, a, b)
	pipe(t, b, c)
	assert.Eventually(t, streaming(b, 2), 5*time.Second, 10*time.Millisecond)

	set(t, a, "cube", 1)
	set(t, c, "ball", 2)
	assert.Eventually(t, converged(a, c), 5*time.Second, 10*time.Millisecond)
	assert.Eventually(t, converged(a, b), 5*time.Second, 10*time.Millisecond)
	assert.Len(t, c.doc.Snapshot(), 2)
}

func TestRoomMismatch(t *testing.T) {
	b := newSession(t, "B", "attic", nil)
	sb := b.install("stranger")
	err := sb.Drain(context.Background(), protocol.Records{JoinRecord("lobby", "A")})
	assert.ErrorIs(t, err, ErrRoomMismatch)

	sb = b.install("mirror")
	err = sb.Drain(context.Background(), protocol.Records{JoinRecord("attic", "B")})
	assert.ErrorIs(t, err, ErrSelfConnect)
}

func TestMalformedFramesDropped(t *testing.T) {
	b := newSession(t, "B", "lobby", nil)
	sb := b.install("noisy").(*Syncer)
	ctx := context.Background()
	before := testutil.ToFloat64(ProtocolErrors.WithLabelValues("sequence"))

	good := scene.Delta{Object: "cube", Field: scene.FieldPosition, Vec: scene.Vec3{1, 2, 3}, Stamp: rdx.NewStamp(1, "A")}
	require.NoError(t, sb.Drain(ctx, protocol.Records{
		good.TLV(),                   // live delta before the handshake
		{'x', 0xff},                  // not a record at all
		protocol.Record('W', nil),    // unknown record
		VectorRecord(rdx.VV{"A": 1}), // vector before join
	}))
	assert.Equal(t, before+2, testutil.ToFloat64(ProtocolErrors.WithLabelValues("sequence")))
	assert.Empty(t, b.doc.Snapshot())

	broken := scene.Delta{Object: "ball", Field: scene.Field('Q'), Stamp: rdx.NewStamp(2, "A")}
	require.NoError(t, sb.Drain(ctx, protocol.Records{
		JoinRecord("lobby", "A"),
		VectorRecord(rdx.VV{"A": 1}),
		BatchRecord(scene.Batch{good}),
		broken.TLV(),
	}))
	obj, ok := b.doc.Get("cube")
	require.True(t, ok)
	assert.Equal(t, scene.Vec3{1, 2, 3}, obj.Position)
	_, ok = b.doc.Get("ball")
	assert.False(t, ok)
	assert.Equal(t, "A", sb.Peer())
}

func TestSealed(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	key := make([]byte, 32)
	_, _ = rand.Read(key)
	cipher, err := seal.NewChaCha(key)
	require.NoError(t, err)
	sl := &seal.Seal{
		Signer:   seal.Ed25519Signer{Key: priv},
		Verifier: seal.Ed25519Verifier{Trusted: []ed25519.PublicKey{pub}},
		Cipher:   cipher,
	}

	a := newSession(t, "A", "lobby", sl)
	b := newSession(t, "B", "lobby", sl)
	set(t, a, "cube", 3)
	pipe(t, a, b)
	assert.Eventually(t, converged(a, b), 5*time.Second, 10*time.Millisecond)

	// plain frames are refused by a sealed session
	c := newSession(t, "C", "lobby", sl)
	sc := c.install("plain").(*Syncer)
	before := testutil.ToFloat64(ProtocolErrors.WithLabelValues("seal"))
	require.NoError(t, sc.Drain(context.Background(), protocol.Records{JoinRecord("lobby", "A")}))
	assert.Equal(t, before+1, testutil.ToFloat64(ProtocolErrors.WithLabelValues("seal")))
	assert.Empty(t, sc.Peer())
}

func TestSessionTCP(t *testing.T) {
	a := newSession(t, "A", "lobby", nil)
	b := newSession(t, "B", "lobby", nil)
	set(t, a, "cube", 1)
	set(t, b, "ball", 2)

	require.NoError(t, a.Listen("tcp://127.0.0.1:0"))
	bound := a.ListenAddr("tcp://127.0.0.1:0")
	require.NotEmpty(t, bound)
	require.NoError(t, b.Connect("tcp://"+bound))

	assert.Eventually(t, converged(a, b), 5*time.Second, 10*time.Millisecond)
	assert.Eventually(t, streaming(b, 1), 5*time.Second, 10*time.Millisecond)
	peers := b.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, "tcp://"+bound, peers[0].Name)
	assert.Equal(t, "A", peers[0].Replica)

	set(t, b, "cone", 3)
	assert.Eventually(t, func() bool {
		_, ok := a.doc.Get("cone")
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	left := make(chan MembershipEvent, 1)
	a.OnMembership(func(ev MembershipEvent) {
		if ev.Kind == PeerLeft {
			left <- ev
		}
	})
	require.NoError(t, b.Leave())
	require.NoError(t, b.Leave())
	assert.ErrorIs(t, b.Connect("tcp://"+bound), ErrLeft)
	select {
	case ev := <-left:
		assert.Equal(t, "B", ev.Replica)
	case <-time.After(5 * time.Second):
		t.Fatal("no leave event")
	}
	assert.Empty(t, b.Peers())
}

func TestCommitOrder(t *testing.T) {
	a := newSession(t, "A", "lobby", nil)
	q := utils.NewFDQueue[protocol.Records](1<<26, time.Second, 1<<20)
	a.AddQueue("watcher", q)

	const writers, commits = 8, 300
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < commits; i++ {
				set(t, a, fmt.Sprintf("o%d", i%5), float64(w))
			}
		}()
	}
	// deltas relayed from a peer take the same lock
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= commits; i++ {
			a.Merge("from-B", scene.Batch{{Object: "b", Field: scene.FieldPosition, Stamp: rdx.NewStamp(uint64(i), "B")}})
		}
	}()
	wg.Wait()

	last := make(map[string]uint64)
	for q.Size() > 0 {
		recs, err := q.Feed(context.Background())
		require.NoError(t, err)
		batch, err := scene.ParseBatch(bytes.Join(recs, nil))
		require.NoError(t, err)
		for _, d := range batch {
			require.GreaterOrEqual(t, d.Stamp.Time, last[d.Stamp.Src], "%s out of order", d)
			last[d.Stamp.Src] = d.Stamp.Time
		}
	}
	assert.Equal(t, uint64(commits), last["B"])
	assert.Equal(t, a.doc.StateVector().Get("A"), last["A"])
}

// A connection cut while both sides keep editing is redialled, and the
// catch-up brings over everything made in between.
func TestReconnectCatchUp(t *testing.T) {
	a := newSession(t, "A", "lobby", nil)
	b := unjoined(t, "B", Options{NetOpts: []network.NetOpt{
		&network.NetRetryOpt{Min: 10 * time.Millisecond, Max: 50 * time.Millisecond, MaxRetries: -1},
	}})
	require.NoError(t, b.Join(context.Background(), "lobby"))
	addr := freeAddr(t)
	require.NoError(t, a.Listen(addr))
	require.NoError(t, b.Connect(addr))
	set(t, a, "cube", 1)
	assert.Eventually(t, converged(a, b), 5*time.Second, 10*time.Millisecond)
	assert.Eventually(t, streaming(b, 1), 5*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Unlisten(addr))
	for _, p := range a.Peers() {
		require.NoError(t, a.Disconnect(p.Name))
	}
	assert.Eventually(t, func() bool { return !streaming(b, 1)() }, 5*time.Second, 10*time.Millisecond)

	set(t, a, "cube", 5)
	set(t, a, "cone", 6)
	set(t, b, "ball", 7)
	assert.False(t, converged(a, b)())

	require.NoError(t, a.Listen(addr))
	assert.Eventually(t, converged(a, b), 5*time.Second, 10*time.Millisecond)
	assert.Eventually(t, streaming(b, 1), 5*time.Second, 10*time.Millisecond)
	assert.Len(t, b.doc.Snapshot(), 3)
	cube, _ := b.doc.Get("cube")
	assert.Equal(t, scene.Vec3{5, 5, 5}, cube.Position)
}

// A peer given up on is dialled again once discovery reports it anew.
func TestRediscoverUnreachable(t *testing.T) {
	addr := freeAddr(t)
	a := unjoined(t, "A", Options{
		Discoverer: discovery.Static{Addrs: []string{addr}, Interval: 50 * time.Millisecond},
		NetOpts: []network.NetOpt{
			&network.NetRetryOpt{Min: 5 * time.Millisecond, Max: 10 * time.Millisecond, MaxRetries: 1},
		},
	})
	unreachable := make(chan MembershipEvent, 1)
	a.OnMembership(func(ev MembershipEvent) {
		if ev.Kind != PeerUnreachable {
			return
		}
		select {
		case unreachable <- ev:
		default:
		}
	})
	require.NoError(t, a.Join(context.Background(), "lobby"))
	select {
	case ev := <-unreachable:
		assert.Equal(t, addr, ev.Name)
		assert.ErrorIs(t, ev.Err, network.ErrUnreachable)
	case <-time.After(5 * time.Second):
		t.Fatal("retry budget never ran out")
	}

	b := newSession(t, "B", "lobby", nil)
	set(t, b, "ball", 1)
	require.NoError(t, b.Listen(addr))
	assert.Eventually(t, converged(a, b), 5*time.Second, 10*time.Millisecond)
	assert.Eventually(t, streaming(a, 1), 5*time.Second, 10*time.Millisecond)
}

func TestNotJoined(t *testing.T) {
	doc, err := scene.NewDocument("A", nil, testLogger)
	require.NoError(t, err)
	s := NewSession(doc, Options{Log: testLogger})
	assert.ErrorIs(t, s.Listen("tcp://127.0.0.1:0"), ErrNotJoined)
	assert.ErrorIs(t, s.Connect("tcp://127.0.0.1:1"), ErrNotJoined)
	require.NoError(t, s.Join(context.Background(), "lobby"))
	assert.ErrorIs(t, s.Join(context.Background(), "lobby"), ErrAlreadyJoined)
	require.NoError(t, s.Leave())
	assert.ErrorIs(t, s.Join(context.Background(), "lobby"), ErrLeft)
}
