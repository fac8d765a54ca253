package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Frame layout (§4.1): magic | version | flags | len(uint32) | body | crc32.
const (
	frameMagic   uint32 = 0x4d435231 // "MCR1"
	frameVersion byte   = 1

	frameFlagCompressed byte = 1 << 0
	frameFlagTombstone  byte = 1 << 1

	frameHeaderSize = 4 + 1 + 1 + 4 // magic + version + flags + len
	frameCRCSize    = 4
)

// DefaultCompressionThreshold is the body size at or above which
// compression kicks in when enabled (§4.1).
const DefaultCompressionThreshold = 1024

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// codec encodes and decodes memory record frames, optionally compressing
// bodies above a size threshold with zstd.
type codec struct {
	compressionEnabled bool
	threshold          int

	encOnce sync.Once
	enc     *zstd.Encoder
	decOnce sync.Once
	dec     *zstd.Decoder
}

func newCodec(compressionEnabled bool, threshold int) *codec {
	if threshold <= 0 {
		threshold = DefaultCompressionThreshold
	}
	return &codec{compressionEnabled: compressionEnabled, threshold: threshold}
}

func (c *codec) encoder() *zstd.Encoder {
	c.encOnce.Do(func() {
		c.enc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	return c.enc
}

func (c *codec) decoder() *zstd.Decoder {
	c.decOnce.Do(func() {
		c.dec, _ = zstd.NewReader(nil)
	})
	return c.dec
}

// recordBody is the canonical serialization of a Memory's persisted fields.
// Kept separate from Memory itself so the wire shape can evolve independently
// of the in-memory type.
type recordBody struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	SessionID      string         `json:"session_id"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Importance     float64        `json:"importance"`
	CreatedAt      int64          `json:"created_at_ms"`
	ExpiresAt      int64          `json:"expires_at_ms,omitempty"`
	LastAccessedAt int64          `json:"last_accessed_at_ms"`
	AccessCount    uint64         `json:"access_count"`
}

// EncodeMemory serializes m into a self-describing frame. tombstone marks
// the frame as a deletion marker for the given id (the body still carries
// enough of the record to aid diagnostics, but readers must treat a
// tombstone frame as "deleted" regardless of body content).
func (c *codec) EncodeMemory(m *Memory, tombstone bool) ([]byte, error) {
	body, err := json.Marshal(toRecordBody(m))
	if err != nil {
		return nil, fmt.Errorf("%w: marshal record: %v", ErrInternal, err)
	}
	return c.encodeFrame(body, tombstone)
}

func (c *codec) encodeFrame(body []byte, tombstone bool) ([]byte, error) {
	crc := crc32.Checksum(body, castagnoli)

	flags := byte(0)
	if tombstone {
		flags |= frameFlagTombstone
	}

	payload := body
	if c.compressionEnabled && len(body) >= c.threshold {
		payload = c.encoder().EncodeAll(body, nil)
		flags |= frameFlagCompressed
	}

	out := make([]byte, frameHeaderSize+len(payload)+frameCRCSize)
	binary.BigEndian.PutUint32(out[0:4], frameMagic)
	out[4] = frameVersion
	out[5] = flags
	binary.BigEndian.PutUint32(out[6:10], uint32(len(payload)))
	copy(out[frameHeaderSize:], payload)
	binary.BigEndian.PutUint32(out[frameHeaderSize+len(payload):], crc)

	return out, nil
}

// decodedFrame is the result of decoding a raw frame. ID is always
// populated, whether the frame is a memory record or a tombstone.
type decodedFrame struct {
	ID        string
	Tombstone bool
	Memory    *Memory
}

// DecodeMemory parses a frame previously produced by EncodeMemory or
// EncodeTombstone. Returns ErrCorruptRecord if the magic/version don't match
// or the CRC disagrees with the (decompressed) body.
func (c *codec) DecodeMemory(raw []byte) (*decodedFrame, error) {
	body, tombstone, err := c.decodeFrame(raw)
	if err != nil {
		return nil, err
	}

	if tombstone {
		var t struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(body, &t); err != nil {
			return nil, fmt.Errorf("%w: unmarshal tombstone: %v", ErrCorruptRecord, err)
		}
		return &decodedFrame{ID: t.ID, Tombstone: true}, nil
	}

	var rb recordBody
	if err := json.Unmarshal(body, &rb); err != nil {
		return nil, fmt.Errorf("%w: unmarshal record: %v", ErrCorruptRecord, err)
	}

	m := fromRecordBody(&rb)
	return &decodedFrame{ID: m.ID, Memory: m}, nil
}

func (c *codec) decodeFrame(raw []byte) (body []byte, tombstone bool, err error) {
	if len(raw) < frameHeaderSize+frameCRCSize {
		return nil, false, fmt.Errorf("%w: short frame (%d bytes)", ErrCorruptRecord, len(raw))
	}

	magic := binary.BigEndian.Uint32(raw[0:4])
	version := raw[4]
	flags := raw[5]
	length := binary.BigEndian.Uint32(raw[6:10])

	if magic != frameMagic {
		return nil, false, fmt.Errorf("%w: bad magic %x", ErrCorruptRecord, magic)
	}
	if version != frameVersion {
		return nil, false, fmt.Errorf("%w: unsupported version %d", ErrCorruptRecord, version)
	}
	if frameHeaderSize+int(length)+frameCRCSize != len(raw) {
		return nil, false, fmt.Errorf("%w: length mismatch", ErrCorruptRecord)
	}

	payload := raw[frameHeaderSize : frameHeaderSize+int(length)]
	storedCRC := binary.BigEndian.Uint32(raw[frameHeaderSize+int(length):])

	plain := payload
	if flags&frameFlagCompressed != 0 {
		plain, err = c.decoder().DecodeAll(payload, nil)
		if err != nil {
			return nil, false, fmt.Errorf("%w: decompress: %v", ErrCorruptRecord, err)
		}
	}

	if crc32.Checksum(plain, castagnoli) != storedCRC {
		return nil, false, fmt.Errorf("%w: crc mismatch", ErrCorruptRecord)
	}

	return plain, flags&frameFlagTombstone != 0, nil
}

// EncodeTombstone produces a frame marking id as deleted.
func (c *codec) EncodeTombstone(id string) ([]byte, error) {
	body, err := json.Marshal(struct {
		ID string `json:"id"`
	}{ID: id})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal tombstone: %v", ErrInternal, err)
	}
	return c.encodeFrame(body, true)
}

func toRecordBody(m *Memory) *recordBody {
	rb := &recordBody{
		ID:             m.ID,
		UserID:         m.UserID,
		SessionID:      m.SessionID,
		Content:        m.Content,
		Metadata:       m.Metadata,
		Importance:     m.Importance,
		CreatedAt:      m.CreatedAt.UnixMilli(),
		LastAccessedAt: m.LastAccessedAt.UnixMilli(),
		AccessCount:    m.AccessCount,
	}
	if m.ExpiresAt != nil {
		rb.ExpiresAt = m.ExpiresAt.UnixMilli()
	}
	return rb
}

func fromRecordBody(rb *recordBody) *Memory {
	m := &Memory{
		ID:             rb.ID,
		UserID:         rb.UserID,
		SessionID:      rb.SessionID,
		Content:        rb.Content,
		Metadata:       rb.Metadata,
		Importance:     rb.Importance,
		CreatedAt:      msToTime(rb.CreatedAt),
		LastAccessedAt: msToTime(rb.LastAccessedAt),
		AccessCount:    rb.AccessCount,
	}
	if rb.ExpiresAt != 0 {
		t := msToTime(rb.ExpiresAt)
		m.ExpiresAt = &t
	}
	return m
}
