package mesh

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/peermesh/internal/protocol/frame"
)

// Chunk size tiers by rtt.
const (
	fastChunkBytes   = 256 * 1024
	mediumChunkBytes = 128 * 1024
	slowChunkBytes   = 64 * 1024

	fastRTTMs   = 30
	mediumRTTMs = 80
	windowRTTMs = 50

	wideWindow   = 8
	narrowWindow = 4
)

// Transfer describes one outbound stream.
type Transfer struct {
	StreamID  string        `json:"streamId"`
	PeerID    string        `json:"peerId"`
	Total     int           `json:"total"`
	ChunkSize int           `json:"chunkSize"`
	Window    int           `json:"window"`
	Pacing    time.Duration `json:"pacing"`
	Bytes     int           `json:"bytes"`
}

type transferOptions struct {
	streamID string
}

// TransferOption customizes one send.
type TransferOption func(*transferOptions)

// WithStreamID sets the stream id instead of generating one, so the
// receiver can BeginReceive before the first chunk lands.
func WithStreamID(id string) TransferOption {
	return func(o *transferOptions) {
		if id != "" {
			o.streamID = id
		}
	}
}

// PlanTransfer picks the chunk size and window for an rtt estimate.
func PlanTransfer(rttMs float64, minChunk, maxChunk int) (chunkSize, window int) {
	switch {
	case rttMs < fastRTTMs:
		chunkSize = fastChunkBytes
	case rttMs < mediumRTTMs:
		chunkSize = mediumChunkBytes
	default:
		chunkSize = slowChunkBytes
	}
	chunkSize = clampChunk(chunkSize, minChunk, maxChunk)
	window = narrowWindow
	if rttMs < windowRTTMs {
		window = wideWindow
	}
	return chunkSize, window
}

// PacingFor returns the yield between windows: min(limit, rtt/8).
func PacingFor(rttMs float64, limit time.Duration) time.Duration {
	d := time.Duration(rttMs / 8 * float64(time.Millisecond))
	if d > limit {
		return limit
	}
	if d < 0 {
		return 0
	}
	return d
}

func clampChunk(n, lo, hi int) int {
	if n < lo {
		n = lo
	}
	if n > hi {
		n = hi
	}
	return n
}

// SendAdaptive streams data to peerID with chunk size and pacing chosen from
// the peer's rtt estimate. It returns once the end frame is sent and does not
// wait for the receiver.
func (m *Mesh) SendAdaptive(ctx context.Context, peerID string, data []byte, opts ...TransferOption) (Transfer, error) {
	rtt := m.rttFor(peerID)
	chunk, window := PlanTransfer(rtt, m.cfg.MinChunkBytes, m.cfg.MaxChunkBytes)
	plan := m.newTransfer(peerID, data, chunk, window, opts)
	plan.Pacing = PacingFor(rtt, m.cfg.MaxPacing)
	return plan, m.sendStream(ctx, plan, data)
}

// Send streams data to peerID with the fixed chunk size and no pacing.
func (m *Mesh) Send(ctx context.Context, peerID string, data []byte, opts ...TransferOption) (Transfer, error) {
	chunk := clampChunk(m.cfg.FixedChunkBytes, m.cfg.MinChunkBytes, m.cfg.MaxChunkBytes)
	plan := m.newTransfer(peerID, data, chunk, 0, opts)
	return plan, m.sendStream(ctx, plan, data)
}

func (m *Mesh) newTransfer(peerID string, data []byte, chunk, window int, opts []TransferOption) Transfer {
	o := transferOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.streamID == "" {
		o.streamID = newID()
	}
	return Transfer{
		StreamID:  o.streamID,
		PeerID:    peerID,
		Total:     (len(data) + chunk - 1) / chunk,
		ChunkSize: chunk,
		Window:    window,
		Bytes:     len(data),
	}
}

func (m *Mesh) sendStream(ctx context.Context, plan Transfer, data []byte) error {
	if m.isClosed() {
		return ErrClosed
	}
	if plan.Total > m.cfg.MaxStreamChunks {
		return fmt.Errorf("%w: %d chunks exceeds %d", ErrInvalidStream, plan.Total, m.cfg.MaxStreamChunks)
	}
	started := m.clock.Now()
	for i := 0; i < plan.Total; i++ {
		lo := i * plan.ChunkSize
		hi := min(lo+plan.ChunkSize, len(data))
		buf, err := frame.Encode(frame.StreamChunk{StreamID: plan.StreamID, Index: i, Total: plan.Total}, data[lo:hi])
		if err != nil {
			return err
		}
		if err := m.transport.SendRaw(ctx, plan.PeerID, buf); err != nil {
			return fmt.Errorf("mesh: send chunk %d/%d: %w", i, plan.Total, err)
		}
		m.addBytesSent(plan.PeerID, hi-lo)

		last := i == plan.Total-1
		if plan.Window > 0 && plan.Pacing > 0 && !last && (i+1)%plan.Window == 0 {
			if err := m.pause(ctx, plan.Pacing); err != nil {
				return err
			}
		}
	}

	buf, err := frame.Encode(frame.StreamEnd{StreamID: plan.StreamID, Total: plan.Total}, nil)
	if err != nil {
		return err
	}
	if err := m.transport.SendRaw(ctx, plan.PeerID, buf); err != nil {
		return fmt.Errorf("mesh: send end: %w", err)
	}

	elapsed := m.clock.Since(started)
	m.mu.Lock()
	m.recordThroughputLocked(plan.PeerID, plan.Bytes, elapsed)
	m.mu.Unlock()
	m.log.Debug().
		Str("stream", plan.StreamID).
		Str("peer", plan.PeerID).
		Int("chunks", plan.Total).
		Int("chunk_bytes", plan.ChunkSize).
		Int("window", plan.Window).
		Dur("elapsed", elapsed).
		Msg("stream sent")
	return nil
}

// pause yields between windows; ctx or Close cuts it short.
func (m *Mesh) pause(ctx context.Context, d time.Duration) error {
	t := m.clock.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.ctx.Done():
		return ErrClosed
	}
}
