// Package libp2p carries mesh traffic over go-libp2p streams. Structured
// messages and raw frames use separate protocols; each direction keeps one
// long-lived stream per peer so frames arrive in send order.
package libp2p

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/rs/zerolog"

	"github.com/danmuck/peermesh/internal/mesh"
	meshproto "github.com/danmuck/peermesh/internal/protocol"
)

var (
	ErrClosed        = errors.New("libp2p: transport closed")
	ErrFrameTooLarge = errors.New("libp2p: frame too large")
	ErrInvalidPeer   = errors.New("libp2p: invalid peer")
)

type streamKey struct {
	peer  peer.ID
	proto protocol.ID
}

type outStream struct {
	mu sync.Mutex
	s  network.Stream
}

// Transport implements mesh.Transport on a libp2p host.
type Transport struct {
	cfg  Config
	host host.Host
	log  zerolog.Logger

	handlerMu sync.RWMutex
	onMsg     mesh.MessageHandler
	onRaw     mesh.RawHandler

	streamMu sync.Mutex
	streams  map[streamKey]*outStream

	closeOnce sync.Once
	closed    chan struct{}
}

var _ mesh.Transport = (*Transport)(nil)

// New starts a libp2p host listening on cfg.ListenAddrs.
func New(cfg Config, logger zerolog.Logger) (*Transport, error) {
	cfg.setDefaults()
	priv, err := LoadIdentity(cfg.PrivateKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("libp2p: load identity: %w", err)
	}
	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(cfg.ListenAddrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("libp2p: new host: %w", err)
	}

	t := &Transport{
		cfg:     cfg,
		host:    h,
		log:     logger.With().Str("component", "transport_libp2p").Str("peer_id", h.ID().String()).Logger(),
		streams: make(map[streamKey]*outStream),
		closed:  make(chan struct{}),
	}
	h.SetStreamHandler(cfg.MessageProtocol(), t.handleMessageStream)
	h.SetStreamHandler(cfg.RawProtocol(), t.handleRawStream)
	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			t.log.Debug().Str("remote", c.RemotePeer().String()).Str("addr", c.RemoteMultiaddr().String()).Msg("peer connected")
		},
		DisconnectedF: func(_ network.Network, c network.Conn) {
			t.log.Debug().Str("remote", c.RemotePeer().String()).Msg("peer disconnected")
			t.dropStreams(c.RemotePeer())
		},
	})
	t.log.Info().Strs("listen", t.ListenAddrs()).Msg("libp2p transport started")
	return t, nil
}

func (t *Transport) LocalID() string {
	return t.host.ID().String()
}

// ListenAddrs returns dialable addresses with the /p2p/ suffix.
func (t *Transport) ListenAddrs() []string {
	addrs := t.host.Addrs()
	id := t.host.ID().String()
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		if isUnspecified(addr) {
			continue
		}
		out = append(out, addr.String()+"/p2p/"+id)
	}
	if len(out) == 0 {
		for _, addr := range addrs {
			out = append(out, addr.String()+"/p2p/"+id)
		}
	}
	return out
}

// ConnectedPeers returns the ids of peers with a live connection.
func (t *Transport) ConnectedPeers() []string {
	ids := t.host.Network().Peers()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}

func (t *Transport) OnMessage(fn mesh.MessageHandler) {
	t.handlerMu.Lock()
	t.onMsg = fn
	t.handlerMu.Unlock()
}

func (t *Transport) OnRawMessage(fn mesh.RawHandler) {
	t.handlerMu.Lock()
	t.onRaw = fn
	t.handlerMu.Unlock()
}

// Connect dials a /p2p/ multiaddr once.
func (t *Transport) Connect(ctx context.Context, addr string) (string, error) {
	info, err := ParseAddrInfo(addr)
	if err != nil {
		return "", err
	}
	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()
	if err := t.host.Connect(dialCtx, info); err != nil {
		return "", fmt.Errorf("libp2p: connect %s: %w", info.ID, err)
	}
	return info.ID.String(), nil
}

// Send writes msg on the peer's message stream.
func (t *Transport) Send(ctx context.Context, peerID string, msg meshproto.Message) error {
	data, err := meshproto.Encode(msg)
	if err != nil {
		return err
	}
	return t.write(ctx, peerID, t.cfg.MessageProtocol(), data)
}

// Broadcast sends msg to every connected peer.
func (t *Transport) Broadcast(ctx context.Context, msg meshproto.Message) error {
	data, err := meshproto.Encode(msg)
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range t.host.Network().Peers() {
		if err := t.write(ctx, id.String(), t.cfg.MessageProtocol(), data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SendRaw writes buf on the peer's raw frame stream.
func (t *Transport) SendRaw(ctx context.Context, peerID string, buf []byte) error {
	return t.write(ctx, peerID, t.cfg.RawProtocol(), buf)
}

// Close stops the host and all streams.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		t.streamMu.Lock()
		for key, ws := range t.streams {
			_ = ws.s.Close()
			delete(t.streams, key)
		}
		t.streamMu.Unlock()
		err = t.host.Close()
	})
	return err
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

func (t *Transport) write(ctx context.Context, peerID string, proto protocol.ID, data []byte) error {
	if t.isClosed() {
		return ErrClosed
	}
	if len(data) > t.cfg.MaxFrameBytes {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}
	id, err := peer.Decode(peerID)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPeer, peerID, err)
	}

	// One retry on a fresh stream covers a stream the remote has reset.
	for attempt := 0; attempt < 2; attempt++ {
		ws, err := t.stream(ctx, id, proto)
		if err != nil {
			return err
		}
		ws.mu.Lock()
		_ = ws.s.SetWriteDeadline(time.Now().Add(t.cfg.IOTimeout))
		err = writeFramed(ws.s, data)
		ws.mu.Unlock()
		if err == nil {
			return nil
		}
		t.log.Debug().Err(err).Str("remote", peerID).Str("protocol", string(proto)).Msg("stream write failed")
		t.resetStream(streamKey{peer: id, proto: proto}, ws)
		if attempt == 1 {
			return fmt.Errorf("libp2p: write to %s: %w", peerID, err)
		}
	}
	return nil
}

// stream returns the shared outbound stream for (id, proto). The open runs
// outside streamMu so a slow dial does not stall writes to other peers; when
// two writers race, the loser closes its stream and uses the winner's.
func (t *Transport) stream(ctx context.Context, id peer.ID, proto protocol.ID) (*outStream, error) {
	key := streamKey{peer: id, proto: proto}
	t.streamMu.Lock()
	ws, ok := t.streams[key]
	t.streamMu.Unlock()
	if ok {
		return ws, nil
	}

	openCtx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()
	s, err := t.host.NewStream(openCtx, id, proto)
	if err != nil {
		return nil, fmt.Errorf("libp2p: open %s to %s: %w", proto, id, err)
	}

	t.streamMu.Lock()
	defer t.streamMu.Unlock()
	if t.isClosed() {
		_ = s.Reset()
		return nil, ErrClosed
	}
	if cur, ok := t.streams[key]; ok {
		_ = s.Close()
		return cur, nil
	}
	ws = &outStream{s: s}
	t.streams[key] = ws
	return ws, nil
}

func (t *Transport) streamCount() int {
	t.streamMu.Lock()
	defer t.streamMu.Unlock()
	return len(t.streams)
}

func (t *Transport) resetStream(key streamKey, ws *outStream) {
	t.streamMu.Lock()
	if cur, ok := t.streams[key]; ok && cur == ws {
		delete(t.streams, key)
	}
	t.streamMu.Unlock()
	_ = ws.s.Reset()
}

func (t *Transport) dropStreams(id peer.ID) {
	t.streamMu.Lock()
	defer t.streamMu.Unlock()
	for key, ws := range t.streams {
		if key.peer == id {
			_ = ws.s.Reset()
			delete(t.streams, key)
		}
	}
}

func (t *Transport) handleMessageStream(s network.Stream) {
	t.readLoop(s, func(buf []byte, from string) {
		msg, err := meshproto.Decode(buf)
		if err != nil {
			t.log.Debug().Err(err).Str("remote", from).Msg("undecodable message dropped")
			return
		}
		t.handlerMu.RLock()
		fn := t.onMsg
		t.handlerMu.RUnlock()
		if fn != nil {
			fn(msg, from)
		}
	})
}

func (t *Transport) handleRawStream(s network.Stream) {
	t.readLoop(s, func(buf []byte, from string) {
		t.handlerMu.RLock()
		fn := t.onRaw
		t.handlerMu.RUnlock()
		if fn != nil {
			fn(buf, from)
		}
	})
}

// readLoop delivers frames from one inbound stream in order until EOF.
func (t *Transport) readLoop(s network.Stream, deliver func(buf []byte, from string)) {
	defer s.Close()
	from := s.Conn().RemotePeer().String()
	br := bufio.NewReader(s)
	for {
		buf, err := readFramed(br, t.cfg.MaxFrameBytes)
		if err != nil {
			if !errors.Is(err, io.EOF) && !t.isClosed() {
				t.log.Debug().Err(err).Str("remote", from).Msg("stream read ended")
			}
			if errors.Is(err, ErrFrameTooLarge) {
				_ = s.Reset()
			}
			return
		}
		deliver(buf, from)
	}
}

// LoadIdentity decodes a base64 libp2p private key, or generates one.
func LoadIdentity(base64Key string) (crypto.PrivKey, error) {
	if strings.TrimSpace(base64Key) == "" {
		priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
		return priv, err
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(base64Key))
	if err != nil {
		return nil, err
	}
	return crypto.UnmarshalPrivateKey(raw)
}

// GenerateIdentity returns a new base64 Ed25519 key and its peer id.
func GenerateIdentity() (string, string, error) {
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return "", "", err
	}
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return "", "", err
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return "", "", err
	}
	return base64.StdEncoding.EncodeToString(raw), id.String(), nil
}

// ParseAddrInfo parses a multiaddr that must carry a /p2p/ component.
func ParseAddrInfo(addr string) (peer.AddrInfo, error) {
	maddr, err := ma.NewMultiaddr(strings.TrimSpace(addr))
	if err != nil {
		return peer.AddrInfo{}, fmt.Errorf("%w: %q: %v", ErrInvalidPeer, addr, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return peer.AddrInfo{}, fmt.Errorf("%w: %q has no /p2p/ id: %v", ErrInvalidPeer, addr, err)
	}
	return *info, nil
}

func writeFramed(w io.Writer, data []byte) error {
	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}
	if _, err := bw.Write(data); err != nil {
		return err
	}
	return bw.Flush()
}

func readFramed(r io.Reader, limit int) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if int(length) > limit {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func isUnspecified(addr ma.Multiaddr) bool {
	if ip, err := manet.ToIP(addr); err == nil {
		return ip.IsUnspecified()
	}
	return false
}
