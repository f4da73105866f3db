package frame

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Wire prefix: [4 magic "FBIN"][1 version][4 header_len][header_len JSON][payload].
const (
	Magic   uint32 = 0x4642494E
	Version uint8  = 1
)

const (
	PrefixLen    = 9
	MinHeaderLen = 2
	MaxHeaderLen = 64 * 1024
)

// Header kinds carried in the JSON header "kind" field.
const (
	KindStreamChunk = "STREAM_CHUNK"
	KindStreamEnd   = "STREAM_END"
)

var (
	ErrShortFrame         = errors.New("frame: short frame")
	ErrInvalidMagic       = errors.New("frame: invalid magic")
	ErrUnsupportedVersion = errors.New("frame: unsupported version")
	ErrInvalidHeaderLen   = errors.New("frame: invalid header length")
	ErrInvalidHeader      = errors.New("frame: invalid header")
	ErrUnknownKind        = errors.New("frame: unknown header kind")
)

// Header is the tagged descriptor preceding a frame payload.
// Implemented by StreamChunk and StreamEnd.
type Header interface {
	Kind() string
	Stream() string
}

// StreamChunk carries chunk Index of Total for StreamID.
type StreamChunk struct {
	StreamID string
	Index    int
	Total    int
}

func (StreamChunk) Kind() string     { return KindStreamChunk }
func (h StreamChunk) Stream() string { return h.StreamID }

// StreamEnd marks that all Total chunks of StreamID were sent.
type StreamEnd struct {
	StreamID string
	Total    int
}

func (StreamEnd) Kind() string     { return KindStreamEnd }
func (h StreamEnd) Stream() string { return h.StreamID }

type chunkHeader struct {
	Kind     string `json:"kind"`
	StreamID string `json:"streamId"`
	Index    int    `json:"index"`
	Total    int    `json:"total"`
}

type endHeader struct {
	Kind     string `json:"kind"`
	StreamID string `json:"streamId"`
	Total    int    `json:"total"`
}

// rawHeader accepts any header shape so missing fields can be told apart from zero values.
type rawHeader struct {
	Kind     *string `json:"kind"`
	StreamID *string `json:"streamId"`
	Index    *int    `json:"index"`
	Total    *int    `json:"total"`
}

// Encode builds one wire frame from h and payload.
func Encode(h Header, payload []byte) ([]byte, error) {
	var (
		hb  []byte
		err error
	)
	switch v := h.(type) {
	case StreamChunk:
		hb, err = json.Marshal(chunkHeader{Kind: KindStreamChunk, StreamID: v.StreamID, Index: v.Index, Total: v.Total})
	case StreamEnd:
		hb, err = json.Marshal(endHeader{Kind: KindStreamEnd, StreamID: v.StreamID, Total: v.Total})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, h)
	}
	if err != nil {
		return nil, err
	}
	if len(hb) > MaxHeaderLen {
		return nil, ErrInvalidHeaderLen
	}

	buf := make([]byte, PrefixLen+len(hb)+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	buf[4] = Version
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(hb)))
	copy(buf[PrefixLen:], hb)
	copy(buf[PrefixLen+len(hb):], payload)
	return buf, nil
}

// Decode parses one wire frame. The returned payload aliases buf.
func Decode(buf []byte) (Header, []byte, error) {
	if len(buf) < PrefixLen {
		return nil, nil, ErrShortFrame
	}
	if binary.BigEndian.Uint32(buf[0:4]) != Magic {
		return nil, nil, ErrInvalidMagic
	}
	if buf[4] != Version {
		return nil, nil, ErrUnsupportedVersion
	}
	n := uint64(binary.BigEndian.Uint32(buf[5:9]))
	if n < MinHeaderLen || n > MaxHeaderLen || PrefixLen+n > uint64(len(buf)) {
		return nil, nil, ErrInvalidHeaderLen
	}
	end := PrefixLen + int(n)

	var raw rawHeader
	if err := json.Unmarshal(buf[PrefixLen:end], &raw); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	if raw.Kind == nil || raw.StreamID == nil || strings.TrimSpace(*raw.StreamID) == "" {
		return nil, nil, fmt.Errorf("%w: missing kind or streamId", ErrInvalidHeader)
	}

	payload := buf[end:]
	switch *raw.Kind {
	case KindStreamChunk:
		if raw.Index == nil || raw.Total == nil {
			return nil, nil, fmt.Errorf("%w: chunk missing index or total", ErrInvalidHeader)
		}
		return StreamChunk{StreamID: *raw.StreamID, Index: *raw.Index, Total: *raw.Total}, payload, nil
	case KindStreamEnd:
		if raw.Total == nil {
			return nil, nil, fmt.Errorf("%w: end missing total", ErrInvalidHeader)
		}
		return StreamEnd{StreamID: *raw.StreamID, Total: *raw.Total}, payload, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownKind, *raw.Kind)
	}
}
