package replication

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drpcorg/scenesync/protocol"
	"github.com/drpcorg/scenesync/rdx"
	"github.com/drpcorg/scenesync/scene"
	"github.com/drpcorg/scenesync/seal"
	"github.com/drpcorg/scenesync/utils"
)

// SyncHost is what a Syncer needs from its session.
type SyncHost interface {
	Room() string
	Src() string
	StateVector() rdx.VV
	DeltasSince(vv rdx.VV) scene.Batch
	// Merge takes deltas received from the named peer.
	Merge(from string, b scene.Batch)
	AddQueue(name string, q *utils.FDQueue[protocol.Records])
	RemoveQueue(name string)
	// PeerState reports progress of the named connection.
	PeerState(name, replica string, state PeerState)
}

// SyncState is the progress of one direction of a connection. The feed
// side tracks what we have sent, the drain side what the peer has.
type SyncState int

const (
	SendJoin SyncState = iota
	SendVector
	SendBatch
	SendLive
	SendBye
	SendNone
)

func (s SyncState) String() string {
	return []string{"SendJoin", "SendVector", "SendBatch", "SendLive", "SendBye", "SendNone"}[s]
}

// PeerState is the connection lifecycle as the session reports it.
type PeerState int

const (
	Disconnected PeerState = iota
	Connecting
	SyncHandshake
	Streaming
)

func (s PeerState) String() string {
	return []string{"disconnected", "connecting", "handshake", "streaming"}[s]
}

// Syncer runs the replication protocol over one connection:
//
//	-> J{room replica} V{vector}
//	<- J{room replica} V{vector}
//	-> B{deltas the peer lacks}
//	<- B{deltas we lack}
//	-> D... live deltas ...
//	-> Q{reason}
//
// The two directions progress independently. The catch-up batch waits
// only for the peer's vector.
type Syncer struct {
	Name string
	Host SyncHost
	Seal *seal.Seal

	log    utils.Logger
	tick   time.Duration
	oqueue *utils.FDQueue[protocol.Records]

	feedState  SyncState
	drainState SyncState
	peerSrc    string
	peerVV     rdx.VV
	reason     error
	streaming  sync.Once
	settled    atomic.Bool

	lock sync.Mutex
	cond sync.Cond
}

// NewSyncer makes a syncer whose outgoing queue holds up to queueBytes
// of live deltas. Feed returns an empty batch at least every tick.
func NewSyncer(name string, host SyncHost, sl *seal.Seal, log utils.Logger, queueBytes int, tick time.Duration) *Syncer {
	sync := &Syncer{
		Name:   name,
		Host:   host,
		Seal:   sl,
		log:    log,
		tick:   tick,
		oqueue: utils.NewFDQueue[protocol.Records](queueBytes, tick, 1<<16),
	}
	sync.cond.L = &sync.lock
	return sync
}

func (sync *Syncer) GetTraceId() string {
	sync.lock.Lock()
	defer sync.lock.Unlock()
	if sync.peerSrc == "" {
		return sync.Name
	}
	return sync.Name + "/" + sync.peerSrc
}

// Peer is the replica id the other side joined with, once known.
func (sync *Syncer) Peer() string {
	sync.lock.Lock()
	defer sync.lock.Unlock()
	return sync.peerSrc
}

// Bye makes the syncer send a bye and stop. Queued live deltas are
// dropped; the retained log covers them on the next catch-up.
func (sync *Syncer) Bye(reason error) {
	sync.lock.Lock()
	if sync.reason == nil {
		sync.reason = reason
	}
	sync.lock.Unlock()
	_ = sync.oqueue.Close()
}

// Done tells whether the bye went out.
func (sync *Syncer) Done() bool {
	return sync.FeedState() == SendNone
}

func (sync *Syncer) Close() error {
	sync.Host.RemoveQueue(sync.Name)
	_ = sync.oqueue.Close()
	sync.SetFeedState(SendNone)
	sync.lock.Lock()
	reason := sync.reason
	sync.lock.Unlock()
	sync.log.Debug("sync: connection closed", "name", sync.Name, "reason", reason)
	return nil
}

func (sync *Syncer) Feed(ctx context.Context) (recs protocol.Records, err error) {
	state := sync.FeedState()
	if state < SendBye && sync.oqueue.Closed() {
		state = SendBye
	}
	switch state {
	case SendJoin, SendVector:
		recs = protocol.Records{
			JoinRecord(sync.Host.Room(), sync.Host.Src()),
			VectorRecord(sync.Host.StateVector()),
		}
		sync.SetFeedState(SendBatch)

	case SendBatch:
		if sync.WaitDrainState(SendBatch, sync.tick) < SendBatch {
			return nil, nil
		}
		// register first: whatever is merged from now on reaches the
		// queue, whatever was merged before is in the batch
		sync.Host.AddQueue(sync.Name, sync.oqueue)
		sync.lock.Lock()
		peerVV := sync.peerVV
		sync.lock.Unlock()
		batch := sync.Host.DeltasSince(peerVV)
		recs = protocol.Records{BatchRecord(batch)}
		CatchUpSize.Observe(float64(len(batch)))
		DeltasSent.Add(float64(len(batch)))
		sync.log.Debug("sync: catch-up", "name", sync.Name, "deltas", len(batch), "peer_vv", peerVV.String())
		sync.SetFeedState(SendLive)
		sync.checkStreaming()

	case SendLive:
		recs, err = sync.oqueue.Feed(ctx)
		switch {
		case errors.Is(err, utils.ErrClosed):
			sync.SetFeedState(SendBye)
			err = nil
		case err != nil:
			sync.lock.Lock()
			sync.reason = err
			sync.lock.Unlock()
			return nil, err
		default:
			DeltasSent.Add(float64(len(recs)))
		}

	case SendBye:
		reason := "closing"
		sync.lock.Lock()
		if sync.reason != nil {
			reason = sync.reason.Error()
		}
		sync.lock.Unlock()
		recs = protocol.Records{ByeRecord(reason)}
		sync.SetFeedState(SendNone)

	case SendNone:
		sync.WaitDrainState(SendNone, time.Second)
		return nil, io.EOF
	}

	if sync.Seal.Enabled() {
		for i, rec := range recs {
			if recs[i], err = sync.Seal.Wrap(rec); err != nil {
				return nil, err
			}
		}
	}
	return recs, nil
}

func (sync *Syncer) FeedState() SyncState {
	sync.lock.Lock()
	defer sync.lock.Unlock()
	return sync.feedState
}

func (sync *Syncer) SetFeedState(state SyncState) {
	sync.log.Debug("sync: feed state", "name", sync.Name, "state", state.String())
	sync.lock.Lock()
	sync.feedState = state
	sync.lock.Unlock()
}

func (sync *Syncer) SetDrainState(state SyncState) {
	sync.log.Debug("sync: drain state", "name", sync.Name, "state", state.String())
	sync.lock.Lock()
	sync.drainState = state
	sync.cond.Broadcast()
	sync.lock.Unlock()
}

// WaitDrainState waits for the drain side to reach state or for the
// timeout, whichever comes first, and returns the drain state.
func (sync *Syncer) WaitDrainState(state SyncState, timeout time.Duration) (ds SyncState) {
	expired := false
	timer := time.AfterFunc(timeout, func() {
		sync.lock.Lock()
		expired = true
		sync.cond.Broadcast()
		sync.lock.Unlock()
	})
	defer timer.Stop()
	sync.lock.Lock()
	for sync.drainState < state && !expired {
		sync.cond.Wait()
	}
	ds = sync.drainState
	sync.lock.Unlock()
	return
}

// Settled tells the transport whether the connection ever got to
// streaming; one that did not is redialled with backoff.
func (sync *Syncer) Settled() bool {
	return sync.settled.Load()
}

// checkStreaming reports the connection as streaming once our batch is
// out and the peer's batch is in.
func (sync *Syncer) checkStreaming() {
	sync.lock.Lock()
	done := sync.feedState >= SendLive && sync.drainState >= SendLive
	peer := sync.peerSrc
	sync.lock.Unlock()
	if done {
		sync.streaming.Do(func() {
			sync.settled.Store(true)
			sync.Host.PeerState(sync.Name, peer, Streaming)
		})
	}
}

func (sync *Syncer) dropped(kind string, rec []byte, err error) {
	ProtocolErrors.WithLabelValues(kind).Inc()
	sync.log.Warn("sync: frame dropped", "name", sync.Name, "kind", kind, "lit", string(protocol.Lit(rec)), "err", err)
}

// Drain handles records from the peer. Malformed and out-of-sequence
// frames are dropped; only a join for another room, or from ourselves,
// ends the connection.
func (sync *Syncer) Drain(ctx context.Context, recs protocol.Records) error {
	var live scene.Batch
	for _, rec := range recs {
		frame, err := sync.Seal.Unwrap(rec)
		if err != nil {
			sync.dropped("seal", rec, err)
			continue
		}
		lit, body, rest, err := protocol.TakeAnyWary(frame)
		if err == nil && len(rest) != 0 {
			err = protocolError("%d trailing bytes", len(rest))
		}
		if err != nil {
			sync.dropped("tlv", frame, err)
			continue
		}
		if lit != 'D' && len(live) > 0 {
			sync.merge(live)
			live = nil
		}
		ds := sync.drainStateNow()
		switch lit {
		case 'J':
			if ds != SendJoin {
				sync.dropped("sequence", frame, protocolError("join in state %s", ds))
				continue
			}
			room, src, err := ParseJoin(body)
			if err != nil {
				sync.dropped("join", frame, err)
				continue
			}
			if room != sync.Host.Room() {
				return sync.fail(ErrRoomMismatch)
			}
			if src == sync.Host.Src() {
				return sync.fail(ErrSelfConnect)
			}
			sync.lock.Lock()
			sync.peerSrc = src
			sync.lock.Unlock()
			sync.Host.PeerState(sync.Name, src, SyncHandshake)
			sync.SetDrainState(SendVector)

		case 'V':
			if ds != SendVector {
				sync.dropped("sequence", frame, protocolError("vector in state %s", ds))
				continue
			}
			vv, err := ParseVector(body)
			if err != nil {
				sync.dropped("vector", frame, err)
				continue
			}
			sync.lock.Lock()
			sync.peerVV = vv
			sync.lock.Unlock()
			sync.SetDrainState(SendBatch)

		case 'B':
			if ds != SendBatch {
				sync.dropped("sequence", frame, protocolError("batch in state %s", ds))
				continue
			}
			// a broken catch-up is dropped but still ends the handshake,
			// the next reconnect retries it
			batch, err := scene.ParseBatch(body)
			if err != nil {
				sync.dropped("batch", frame, err)
			} else {
				sync.merge(batch)
			}
			sync.SetDrainState(SendLive)
			sync.checkStreaming()

		case 'D':
			if ds != SendLive {
				sync.dropped("sequence", frame, protocolError("delta in state %s", ds))
				continue
			}
			d, err := scene.ParseDelta(body)
			if err != nil {
				sync.dropped("delta", frame, err)
				continue
			}
			live = append(live, d)

		case 'Q':
			sync.log.Info("sync: peer said bye", "name", sync.Name, "reason", string(body))
			sync.SetDrainState(SendNone)

		default:
			sync.dropped("unknown", frame, protocolError("unknown record %q", lit))
		}
	}
	if len(live) > 0 {
		sync.merge(live)
	}
	return nil
}

func (sync *Syncer) drainStateNow() SyncState {
	sync.lock.Lock()
	defer sync.lock.Unlock()
	return sync.drainState
}

func (sync *Syncer) merge(b scene.Batch) {
	if len(b) > 0 {
		sync.Host.Merge(sync.Name, b)
	}
}

func (sync *Syncer) fail(err error) error {
	ProtocolErrors.WithLabelValues("join").Inc()
	sync.lock.Lock()
	sync.reason = err
	sync.lock.Unlock()
	sync.log.Warn("sync: closing connection", "name", sync.Name, "err", err)
	sync.SetDrainState(SendNone)
	return err
}
