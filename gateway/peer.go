package gateway

import (
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// maxFrameBytes is a safety limit against a peer claiming an absurd
// frame length.
const maxFrameBytes = 32 * 1024 * 1024

// Peer represents a connected remote node. Frames carry a 2-byte
// little-endian message-type id followed by the JSON body.
type Peer struct {
	ID   string
	Addr string

	conn   net.Conn
	mu     sync.Mutex
	closed bool
}

// NewPeer wraps an established connection as a Peer.
func NewPeer(id, addr string, conn net.Conn) *Peer {
	return &Peer{ID: id, Addr: addr, conn: conn}
}

// Connect dials the remote address and returns a connected Peer.
func Connect(id, addr string, tlsCfg *tls.Config) (*Peer, error) {
	var conn net.Conn
	var err error
	if tlsCfg != nil {
		conn, err = tls.Dial("tcp", addr, tlsCfg)
	} else {
		conn, err = net.Dial("tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	return NewPeer(id, addr, conn), nil
}

// Send writes a length-prefixed frame: 4-byte big-endian body length,
// then a 2-byte little-endian message type, then the JSON payload.
func (p *Peer) Send(typ MsgType, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", typ, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("peer %s closed", p.ID)
	}

	var typeBuf [2]byte
	binary.LittleEndian.PutUint16(typeBuf[:], uint16(typ))

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)+2))
	if _, err := p.conn.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := p.conn.Write(typeBuf[:]); err != nil {
		return err
	}
	_, err = p.conn.Write(body)
	return err
}

// Receive reads the next frame. A 30-second read deadline prevents a
// stalled peer from blocking indefinitely.
func (p *Peer) Receive() (Message, error) {
	_ = p.conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	var lenBuf [4]byte
	if _, err := io.ReadFull(p.conn, lenBuf[:]); err != nil {
		return Message{}, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > maxFrameBytes || length < 2 {
		return Message{}, fmt.Errorf("invalid frame length: %d bytes", length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(p.conn, buf); err != nil {
		return Message{}, err
	}
	typ := MsgType(binary.LittleEndian.Uint16(buf[:2]))
	return Message{Type: typ, Payload: json.RawMessage(buf[2:])}, nil
}

// Close terminates the peer connection.
func (p *Peer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.conn.Close()
	}
}
