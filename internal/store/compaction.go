package store

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"
)

// DefaultCompactionThreshold is the live-fraction trigger (§6).
const DefaultCompactionThreshold = 0.5

// DefaultCompactionMinEvictions is the alternative eviction-count trigger
// (§4.2).
const DefaultCompactionMinEvictions = 1000

// frameSpan is one frame's location inside a segment file.
type frameSpan struct {
	Offset int64
	Raw    []byte
}

// scanAll reads every frame in the segment sequentially, from just after the
// header to the current size. Used by compaction and by diagnostics; normal
// reads go through the manifest's recorded (offset, length) instead.
func (s *segment) scanAll() ([]frameSpan, error) {
	s.mu.RLock()
	size := s.size
	s.mu.RUnlock()

	body := make([]byte, size-segmentHeaderSize)
	if len(body) > 0 {
		if _, err := s.file.ReadAt(body, segmentHeaderSize); err != nil {
			return nil, fmt.Errorf("%w: scan segment %d: %v", ErrIO, s.id, err)
		}
	}

	var spans []frameSpan
	pos := 0
	for pos < len(body) {
		if pos+frameHeaderSize+frameCRCSize > len(body) {
			break // trailing partial frame from a crash mid-write; ignore
		}
		length := int(binary.BigEndian.Uint32(body[pos+6 : pos+10]))
		total := frameHeaderSize + length + frameCRCSize
		if pos+total > len(body) {
			break
		}
		spans = append(spans, frameSpan{Offset: segmentHeaderSize + int64(pos), Raw: body[pos : pos+total]})
		pos += total
	}
	return spans, nil
}

// relocation records where a kept record landed in the compacted segment, so
// the caller can repoint its index entry at the new (segment, offset).
type relocation struct {
	ID     string
	Offset int64
	Length int
}

// Compact rewrites a sealed segment into a fresh segment containing only
// frames that are still the current location for their record id, then
// unlinks the old segment (§4.2). isLive is given the candidate frame's own
// (segmentID, offset) so a superseded copy of a live id — e.g. one rewritten
// by a touch flush — is dropped along with genuinely dead ids. The active
// segment is never compacted directly — it must be rolled first. Every kept
// record's new location is returned so the caller can update its index entry
// (P6: "compaction preserves content" requires get(id) to keep resolving).
func (ss *segmentStore) Compact(id uint64, cdc *codec, isLive func(recordID string, segmentID uint64, offset int64) bool, now time.Time) (newID uint64, kept []relocation, dropped int, err error) {
	ss.mu.RLock()
	if ss.active != nil && ss.active.id == id {
		ss.mu.RUnlock()
		return 0, nil, 0, fmt.Errorf("%w: cannot compact the active segment", ErrInternal)
	}
	old, ok := ss.sealed[id]
	ss.mu.RUnlock()
	if !ok {
		return 0, nil, 0, fmt.Errorf("%w: segment %d not found", ErrInternal, id)
	}

	spans, err := old.scanAll()
	if err != nil {
		return 0, nil, 0, err
	}

	ss.mu.Lock()
	newSegID := ss.nextID
	ss.nextID++
	ss.mu.Unlock()

	newSeg, err := createSegment(ss.dir, newSegID, now)
	if err != nil {
		return 0, nil, 0, err
	}
	newML, err := openManifestLog(manifestPath(ss.dir, newSegID))
	if err != nil {
		return 0, nil, 0, err
	}

	for _, span := range spans {
		decoded, err := cdc.DecodeMemory(span.Raw)
		if err != nil {
			// Corrupt frames are dropped during compaction. Nothing logs
			// them, and the id's index entry is left as it is.
			dropped++
			continue
		}
		if decoded.Tombstone || !isLive(decoded.ID, id, span.Offset) {
			dropped++
			continue
		}

		offset, werr := newSeg.append(span.Raw, decoded.Memory.CreatedAt)
		if werr != nil {
			newSeg.close()
			newML.Close()
			os.Remove(newSeg.path)
			os.Remove(manifestPath(ss.dir, newSegID))
			return 0, nil, 0, werr
		}
		if aerr := newML.Append(manifestEntry{
			Kind:      manifestWrite,
			RecordID:  decoded.ID,
			SegmentID: newSegID,
			Offset:    offset,
			Length:    len(span.Raw),
		}); aerr != nil {
			return 0, nil, 0, aerr
		}
		if aerr := newML.Append(manifestEntry{Kind: manifestAck, RecordID: decoded.ID, SegmentID: newSegID}); aerr != nil {
			return 0, nil, 0, aerr
		}
		kept = append(kept, relocation{ID: decoded.ID, Offset: offset, Length: len(span.Raw)})
	}

	ss.mu.Lock()
	ss.sealed[newSegID] = newSeg
	ss.manifest[newSegID] = newML
	delete(ss.sealed, id)
	delete(ss.manifest, id)
	ss.mu.Unlock()

	oldPath, oldManifestPath := old.path, manifestPath(ss.dir, id)
	if err := old.close(); err != nil {
		return newSegID, kept, dropped, err
	}
	if err := os.Remove(oldPath); err != nil {
		return newSegID, kept, dropped, fmt.Errorf("%w: unlink old segment: %v", ErrIO, err)
	}
	_ = os.Remove(oldManifestPath)

	return newSegID, kept, dropped, nil
}

// LiveFraction estimates a sealed segment's live-record ratio against its
// header record count, for the compaction trigger (§4.2).
func (ss *segmentStore) LiveFraction(id uint64, liveCount int) float64 {
	seg, ok := ss.segmentByID(id)
	if !ok {
		return 1
	}
	total := seg.recordCount()
	if total == 0 {
		return 1
	}
	return float64(liveCount) / float64(total)
}
