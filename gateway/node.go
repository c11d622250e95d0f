package gateway

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tolelom/dagbft/crypto"
)

// maxConcurrentBroadcastSends bounds how many peers Broadcast writes to
// at once, so a single slow peer's socket write cannot stall delivery to
// the rest of a large committee.
const maxConcurrentBroadcastSends = 16

// MessageHandler is called for each received message.
type MessageHandler func(peer *Peer, msg Message)

// DefaultMaxPeers is the default limit on simultaneous peer connections.
const DefaultMaxPeers = 50

// protocolVersion is advertised in every ChallengeRequest.
const protocolVersion = "1"

// Node listens for incoming peers, manages outgoing connections, and
// runs the challenge handshake.
type Node struct {
	address    string
	nodeKind   string // "validator" | "non_validator"
	listenAddr string
	networkID  uint16
	privKey    crypto.PrivateKey
	tlsConfig  *tls.Config
	maxPeers   int
	cache      *Cache

	mu       sync.RWMutex
	peers    map[string]*Peer
	handlers map[MsgType]MessageHandler

	listener net.Listener
	stopCh   chan struct{}
}

// NewNode creates a Node identified by address that will listen on
// listenAddr.
func NewNode(address, nodeKind, listenAddr string, networkID uint16, priv crypto.PrivateKey, tlsCfg *tls.Config) *Node {
	return &Node{
		address:    address,
		nodeKind:   nodeKind,
		listenAddr: listenAddr,
		networkID:  networkID,
		privKey:    priv,
		tlsConfig:  tlsCfg,
		maxPeers:   DefaultMaxPeers,
		cache:      NewCache(),
		peers:      make(map[string]*Peer),
		handlers:   make(map[MsgType]MessageHandler),
		stopCh:     make(chan struct{}),
	}
}

// Handle registers a handler for msg type.
func (n *Node) Handle(typ MsgType, h MessageHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[typ] = h
}

// Start begins accepting connections.
func (n *Node) Start() error {
	var ln net.Listener
	var err error
	if n.tlsConfig != nil {
		ln, err = tls.Listen("tcp", n.listenAddr, n.tlsConfig)
	} else {
		ln, err = net.Listen("tcp", n.listenAddr)
	}
	if err != nil {
		return fmt.Errorf("listen %s: %w", n.listenAddr, err)
	}
	n.listener = ln
	go n.acceptLoop()
	return nil
}

// Stop shuts down the node.
func (n *Node) Stop() {
	close(n.stopCh)
	if n.listener != nil {
		n.listener.Close()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, p := range n.peers {
		p.Send(MsgDisconnect, DisconnectPayload{Reason: ReasonShutdown})
		p.Close()
	}
}

// Dial connects to addr and runs the handshake. Simultaneous-dial
// resolution: if both sides dial each other at once, the side whose
// listen address sorts lexicographically higher aborts its outbound
// attempt.
func (n *Node) Dial(remoteAddr string) (*Peer, error) {
	peer, err := Connect(remoteAddr, remoteAddr, n.tlsConfig)
	if err != nil {
		return nil, err
	}
	if err := n.handshakeOutbound(peer); err != nil {
		peer.Close()
		return nil, fmt.Errorf("handshake with %s: %w", remoteAddr, err)
	}
	return n.registerOutbound(peer, remoteAddr)
}

// registerOutbound records a freshly handshaken outbound peer, resolving
// a simultaneous dial if an inbound connection from the same node
// already landed: the higher-sorting listen address keeps the existing
// connection and drops its own outbound.
func (n *Node) registerOutbound(peer *Peer, remoteAddr string) (*Peer, error) {
	n.mu.Lock()
	if existing, dup := n.peers[peer.ID]; dup {
		if n.listenAddr > remoteAddr {
			n.mu.Unlock()
			peer.Close()
			return existing, nil
		}
		existing.Close()
	}
	n.peers[peer.ID] = peer
	n.mu.Unlock()
	go n.readLoop(peer)
	return peer, nil
}

func (n *Node) handshakeOutbound(peer *Peer) error {
	nonce := uint64(time.Now().UnixNano())
	req := ChallengeRequestPayload{Version: protocolVersion, NodeKind: n.nodeKind, NetworkID: n.networkID, Nonce: nonce}
	if err := peer.Send(MsgChallengeRequest, req); err != nil {
		return err
	}
	msg, err := peer.Receive()
	if err != nil {
		return err
	}
	if msg.Type != MsgChallengeResponse {
		return fmt.Errorf("expected ChallengeResponse, got %s", msg.Type)
	}
	var resp ChallengeResponsePayload
	if err := json.Unmarshal(msg.Payload, &resp); err != nil {
		return err
	}
	if resp.Address == n.address {
		peer.Send(MsgDisconnect, DisconnectPayload{Reason: ReasonSelfConnect})
		return fmt.Errorf("self-connect detected")
	}
	pub, err := crypto.PubKeyFromHex(resp.Address)
	if err != nil {
		return fmt.Errorf("invalid peer address: %w", err)
	}
	if err := crypto.Verify(pub, nonceBytes(nonce), resp.Signature); err != nil {
		peer.Send(MsgDisconnect, DisconnectPayload{Reason: ReasonInvalidSignature})
		return fmt.Errorf("invalid nonce signature: %w", err)
	}
	peer.ID = resp.Address

	ownResp := ChallengeResponsePayload{Signature: crypto.Sign(n.privKey, nonceBytes(nonce)), Address: n.address}
	return peer.Send(MsgChallengeResponse, ownResp)
}

func nonceBytes(nonce uint64) []byte {
	return []byte(fmt.Sprintf("%d", nonce))
}

// Peer returns the connected peer with the given id, or nil if not found.
func (n *Node) Peer(id string) *Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.peers[id]
}

// Peers returns every connected peer.
func (n *Node) Peers() []*Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, p)
	}
	return out
}

// Broadcast sends typ/payload to all connected peers concurrently,
// bounded by maxConcurrentBroadcastSends so one stalled peer's write
// cannot serialize delivery to every other peer.
func (n *Node) Broadcast(typ MsgType, payload any) {
	var g errgroup.Group
	g.SetLimit(maxConcurrentBroadcastSends)
	for _, p := range n.Peers() {
		p := p
		g.Go(func() error {
			if err := p.Send(typ, payload); err != nil {
				logrus.WithFields(logrus.Fields{"peer": p.ID, "msg_type": typ}).WithError(err).Warn("gateway: broadcast failed")
			}
			return nil
		})
	}
	g.Wait()
}

func (n *Node) acceptLoop() {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			select {
			case <-n.stopCh:
				return
			default:
				logrus.WithError(err).Warn("gateway: accept error")
				time.Sleep(100 * time.Millisecond)
				continue
			}
		}
		n.mu.RLock()
		peerCount := len(n.peers)
		n.mu.RUnlock()
		if peerCount >= n.maxPeers {
			logrus.WithField("remote", conn.RemoteAddr()).Warn("gateway: max peers reached, rejecting connection")
			conn.Close()
			continue
		}
		if n.cache.SeenConnection(conn.RemoteAddr().String()) > 10 {
			logrus.WithField("remote", conn.RemoteAddr()).Warn("gateway: too many recent connection attempts, rejecting")
			conn.Close()
			continue
		}
		peer := NewPeer(conn.RemoteAddr().String(), conn.RemoteAddr().String(), conn)
		if err := n.handshakeInbound(peer); err != nil {
			logrus.WithField("remote", conn.RemoteAddr()).WithError(err).Warn("gateway: inbound handshake failed")
			peer.Close()
			continue
		}
		n.mu.Lock()
		if _, dup := n.peers[peer.ID]; dup {
			n.mu.Unlock()
			logrus.WithField("peer", peer.ID).Warn("gateway: duplicate inbound connection, rejecting")
			peer.Send(MsgDisconnect, DisconnectPayload{Reason: ReasonTooManyPeers})
			peer.Close()
			continue
		}
		n.peers[peer.ID] = peer
		n.mu.Unlock()
		go n.readLoop(peer)
	}
}

func (n *Node) handshakeInbound(peer *Peer) error {
	msg, err := peer.Receive()
	if err != nil {
		return err
	}
	if msg.Type != MsgChallengeRequest {
		return fmt.Errorf("expected ChallengeRequest, got %s", msg.Type)
	}
	var req ChallengeRequestPayload
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return err
	}
	if req.Version != protocolVersion {
		peer.Send(MsgDisconnect, DisconnectPayload{Reason: ReasonOutdatedVersion})
		return fmt.Errorf("peer version %q incompatible", req.Version)
	}
	if req.NetworkID != n.networkID {
		peer.Send(MsgDisconnect, DisconnectPayload{Reason: ReasonPortClosed})
		return fmt.Errorf("network id mismatch: got %d want %d", req.NetworkID, n.networkID)
	}

	ownResp := ChallengeResponsePayload{Signature: crypto.Sign(n.privKey, nonceBytes(req.Nonce)), Address: n.address}
	if err := peer.Send(MsgChallengeResponse, ownResp); err != nil {
		return err
	}

	reply, err := peer.Receive()
	if err != nil {
		return err
	}
	if reply.Type != MsgChallengeResponse {
		return fmt.Errorf("expected ChallengeResponse, got %s", reply.Type)
	}
	var resp ChallengeResponsePayload
	if err := json.Unmarshal(reply.Payload, &resp); err != nil {
		return err
	}
	if resp.Address == n.address {
		peer.Send(MsgDisconnect, DisconnectPayload{Reason: ReasonSelfConnect})
		return fmt.Errorf("self-connect detected")
	}
	pub, err := crypto.PubKeyFromHex(resp.Address)
	if err != nil {
		return fmt.Errorf("invalid peer address: %w", err)
	}
	if err := crypto.Verify(pub, nonceBytes(req.Nonce), resp.Signature); err != nil {
		peer.Send(MsgDisconnect, DisconnectPayload{Reason: ReasonInvalidSignature})
		return fmt.Errorf("invalid nonce signature: %w", err)
	}
	peer.ID = resp.Address
	return nil
}

func (n *Node) readLoop(peer *Peer) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithField("peer", peer.ID).Error("gateway: readLoop panic recovered")
		}
		peer.Close()
		n.mu.Lock()
		// A simultaneous-dial loser may have been replaced under the same
		// id; only drop the entry if it is still this connection.
		if n.peers[peer.ID] == peer {
			delete(n.peers, peer.ID)
		}
		n.mu.Unlock()
	}()
	for {
		msg, err := peer.Receive()
		if err != nil {
			return
		}
		n.mu.RLock()
		h, ok := n.handlers[msg.Type]
		n.mu.RUnlock()
		if ok {
			h(peer, msg)
		}
	}
}
