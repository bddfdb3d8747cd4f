// Package peer holds the external-collaborator data types the node
// exchanges with the network side: peer identity/status, the inbound
// message envelope, and the Session contract a transport
// implementation must satisfy. No networking lives here -- framing,
// discovery, and gossip are explicitly out of scope (spec §1
// Non-goals) -- but the shapes the rest of the node is wired against
// do, plus an in-memory ChannelSession for tests and local
// simulation.
package peer

import (
	"context"
	"fmt"
	"sync"

	"github.com/wtran29/spacetime/foundation/blockchain/database"
	"github.com/wtran29/spacetime/foundation/blockchain/proof"
	"github.com/wtran29/spacetime/foundation/blockchain/signature"
)

// PeerStatus is the health a node tracks for a remote peer.
type PeerStatus string

// Recognized peer statuses.
const (
	StatusUnknown     PeerStatus = "unknown"
	StatusConnected   PeerStatus = "connected"
	StatusDisconnected PeerStatus = "disconnected"
	StatusBanned      PeerStatus = "banned"
)

// Peer is a remote node's identity and last-known status, kept as
// plain data so scoring/banning logic can live outside this package.
type Peer struct {
	Host   string
	Status PeerStatus
}

// Match reports whether two peers refer to the same host.
func (p Peer) Match(other Peer) bool {
	return p.Host == other.Host
}

// PeerSet is a guarded collection of known peers keyed by host.
type PeerSet struct {
	mu    sync.RWMutex
	peers map[string]Peer
}

// NewPeerSet constructs an empty PeerSet.
func NewPeerSet() *PeerSet {
	return &PeerSet{peers: make(map[string]Peer)}
}

// Add records or updates a peer.
func (s *PeerSet) Add(p Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[p.Host] = p
}

// Remove drops a peer by host.
func (s *PeerSet) Remove(host string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, host)
}

// SetStatus updates a known peer's status; it is a no-op if host is unknown.
func (s *PeerSet) SetStatus(host string, status PeerStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.peers[host]; ok {
		p.Status = status
		s.peers[host] = p
	}
}

// Connected returns every peer currently marked connected.
func (s *PeerSet) Connected() []Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Peer
	for _, p := range s.peers {
		if p.Status == StatusConnected {
			out = append(out, p)
		}
	}
	return out
}

// =============================================================================

// InboundMessageKind discriminates the envelope's payload.
type InboundMessageKind string

// Recognized inbound message kinds.
const (
	MessageChallenge     InboundMessageKind = "challenge"
	MessageBlockAccepted InboundMessageKind = "block_accepted"
	MessageTx            InboundMessageKind = "transaction"
)

// BlockAccepted announces a newly accepted tip, the information a
// miner needs to restart its search against the next epoch.
type BlockAccepted struct {
	Hash       signature.Hash32
	Height     uint64
	Epoch      uint64
	Difficulty uint64
	Timestamp  int64
}

// InboundMessage is the envelope a Session delivers to its caller.
// Exactly one of the payload fields is populated, selected by Kind.
type InboundMessage struct {
	Kind          InboundMessageKind
	Challenge     signature.Hash32
	Epoch         uint64
	BlockAccepted BlockAccepted
	Tx            database.SignedTx
}

// ProofSubmission is what a miner hands its session when it wins an epoch.
type ProofSubmission struct {
	Epoch      uint64
	Challenge  signature.Hash32
	BlockProof proof.BlockProof
}

// BlockBytes is an already-encoded block ready for broadcast; the
// encoding itself is produced by package database, kept opaque here
// since peer has no reason to know the wire format.
type BlockBytes []byte

// Session is the external collaborator a miner or node drives to talk
// to the rest of the network: receive inbound events, submit a
// winning proof, and broadcast an accepted block. No concrete
// network-backed implementation ships with this module (the
// transport/framing/discovery layer is out of scope); production
// deployments supply their own.
type Session interface {
	Recv(ctx context.Context) (InboundMessage, error)
	SubmitProof(ctx context.Context, sub ProofSubmission) error
	BroadcastBlock(ctx context.Context, block BlockBytes) error
	Close() error
}

// =============================================================================

// ChannelSession is an in-memory Session backed by Go channels, used
// by tests and single-process simulations that want real miner/node
// wiring without a transport.
type ChannelSession struct {
	inbound   chan InboundMessage
	submitted chan ProofSubmission
	broadcast chan BlockBytes
	closeOnce sync.Once
	closed    chan struct{}
}

// NewChannelSession constructs a ChannelSession with the given inbound
// buffer depth.
func NewChannelSession(inboundBuffer int) *ChannelSession {
	return &ChannelSession{
		inbound:   make(chan InboundMessage, inboundBuffer),
		submitted: make(chan ProofSubmission, 1),
		broadcast: make(chan BlockBytes, 1),
		closed:    make(chan struct{}),
	}
}

// Deliver injects msg as the next message Recv returns, used by the
// test harness driving the other end of the channel.
func (c *ChannelSession) Deliver(msg InboundMessage) {
	select {
	case c.inbound <- msg:
	case <-c.closed:
	}
}

// Recv blocks until a message is delivered, ctx is cancelled, or the
// session is closed.
func (c *ChannelSession) Recv(ctx context.Context) (InboundMessage, error) {
	select {
	case msg := <-c.inbound:
		return msg, nil
	case <-c.closed:
		return InboundMessage{}, fmt.Errorf("peer: session closed")
	case <-ctx.Done():
		return InboundMessage{}, ctx.Err()
	}
}

// SubmitProof records sub for a test to observe via Submitted.
func (c *ChannelSession) SubmitProof(ctx context.Context, sub ProofSubmission) error {
	select {
	case c.submitted <- sub:
		return nil
	case <-c.closed:
		return fmt.Errorf("peer: session closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BroadcastBlock records block for a test to observe via Broadcast.
func (c *ChannelSession) BroadcastBlock(ctx context.Context, block BlockBytes) error {
	select {
	case c.broadcast <- block:
		return nil
	case <-c.closed:
		return fmt.Errorf("peer: session closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submitted returns the channel a test observes winning submissions on.
func (c *ChannelSession) Submitted() <-chan ProofSubmission { return c.submitted }

// Broadcast returns the channel a test observes broadcast blocks on.
func (c *ChannelSession) Broadcast() <-chan BlockBytes { return c.broadcast }

// Close releases the session; subsequent Recv/SubmitProof/BroadcastBlock
// calls fail.
func (c *ChannelSession) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}
