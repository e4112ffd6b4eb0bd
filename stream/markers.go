package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/onnwee/emote-tracker/kv"
)

// collisions tolerated before Append gives up
const maxAppendAttempts = 64

// ErrMarkerExists is returned when Append cannot find a free timestamp.
var ErrMarkerExists = errors.New("stream: marker timestamp collision")

// MarkerStore is the append-only, per-stream marker ledger and its aggregate
// record. It does not enforce lifecycle rules.
type MarkerStore struct {
	kv kv.Store
}

func NewMarkerStore(store kv.Store) *MarkerStore {
	return &MarkerStore{kv: store}
}

// Append writes m at the first free timestamp that is >= ts and strictly
// after the current last marker. The timestamp used is returned and stored in
// m.Timestamp.
func (s *MarkerStore) Append(ctx context.Context, channelID, streamID string, ts int64, m Marker) (int64, error) {
	last, ok, err := s.LastKey(ctx, channelID, streamID)
	if err != nil {
		return 0, err
	}
	if ok && ts <= last {
		ts = last + 1
	}
	for i := 0; i < maxAppendAttempts; i++ {
		m.Timestamp = ts
		created, err := s.kv.Create(ctx, kv.Marker(channelID, streamID, ts), m)
		if err != nil {
			return 0, fmt.Errorf("append %s marker: %w", m.Type, err)
		}
		if created {
			return ts, nil
		}
		ts++
	}
	return 0, fmt.Errorf("%w at %d", ErrMarkerExists, ts)
}

// FirstKey returns the earliest marker timestamp.
func (s *MarkerStore) FirstKey(ctx context.Context, channelID, streamID string) (int64, bool, error) {
	name, ok, err := s.kv.FirstChild(ctx, kv.Markers(channelID, streamID))
	return parseKey(name, ok, err)
}

// LastKey returns the latest marker timestamp.
func (s *MarkerStore) LastKey(ctx context.Context, channelID, streamID string) (int64, bool, error) {
	name, ok, err := s.kv.LastChild(ctx, kv.Markers(channelID, streamID))
	return parseKey(name, ok, err)
}

func parseKey(name string, ok bool, err error) (int64, bool, error) {
	if err != nil || !ok {
		return 0, false, err
	}
	ts, err := strconv.ParseInt(name, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("marker key %q: %w", name, err)
	}
	return ts, true, nil
}

// Get reads one marker.
func (s *MarkerStore) Get(ctx context.Context, channelID, streamID string, ts int64) (*Marker, bool, error) {
	var m Marker
	ok, err := s.kv.Get(ctx, kv.Marker(channelID, streamID, ts), &m)
	if err != nil || !ok {
		return nil, false, err
	}
	m.Timestamp = ts
	return &m, true, nil
}

// Field decodes a single field of a marker into out. It reports false when the
// marker or the field is missing.
func (s *MarkerStore) Field(ctx context.Context, channelID, streamID string, ts int64, field string, out any) (bool, error) {
	var doc map[string]json.RawMessage
	ok, err := s.kv.Get(ctx, kv.Marker(channelID, streamID, ts), &doc)
	if err != nil || !ok {
		return false, err
	}
	raw, ok := doc[field]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("marker field %s: %w", field, err)
	}
	return true, nil
}

// emoteCount reads the emoteCount of a marker; nil when unknown.
func (s *MarkerStore) emoteCount(ctx context.Context, channelID, streamID string, ts int64) (*int, error) {
	var n *int
	if _, err := s.Field(ctx, channelID, streamID, ts, "emoteCount", &n); err != nil {
		return nil, err
	}
	return n, nil
}

// Patch merges fields into a marker.
func (s *MarkerStore) Patch(ctx context.Context, channelID, streamID string, ts int64, fields map[string]any) error {
	if err := s.kv.Update(ctx, kv.Marker(channelID, streamID, ts), fields); err != nil {
		return fmt.Errorf("patch marker %d: %w", ts, err)
	}
	return nil
}

// List returns every marker of a stream in timestamp order.
func (s *MarkerStore) List(ctx context.Context, channelID, streamID string) ([]Marker, error) {
	names, err := s.kv.Children(ctx, kv.Markers(channelID, streamID))
	if err != nil {
		return nil, err
	}
	out := make([]Marker, 0, len(names))
	for _, name := range names {
		ts, _, err := parseKey(name, true, nil)
		if err != nil {
			return nil, err
		}
		m, ok, err := s.Get(ctx, channelID, streamID, ts)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, *m)
		}
	}
	return out, nil
}

// CreateRecord writes the aggregate record of a new stream.
func (s *MarkerStore) CreateRecord(ctx context.Context, channelID, streamID string, rec StreamRecord) error {
	if err := s.kv.Set(ctx, kv.StreamRecord(channelID, streamID), rec); err != nil {
		return fmt.Errorf("create stream record %s: %w", streamID, err)
	}
	return nil
}

// Record reads the aggregate record of a stream.
func (s *MarkerStore) Record(ctx context.Context, channelID, streamID string) (*StreamRecord, bool, error) {
	var rec StreamRecord
	ok, err := s.kv.Get(ctx, kv.StreamRecord(channelID, streamID), &rec)
	if err != nil || !ok {
		return nil, false, err
	}
	return &rec, true, nil
}

// UpdateRecord merges fields into the aggregate record.
func (s *MarkerStore) UpdateRecord(ctx context.Context, channelID, streamID string, fields map[string]any) error {
	if err := s.kv.Update(ctx, kv.StreamRecord(channelID, streamID), fields); err != nil {
		return fmt.Errorf("update stream record %s: %w", streamID, err)
	}
	return nil
}

// Streams lists the recorded stream ids of a channel.
func (s *MarkerStore) Streams(ctx context.Context, channelID string) ([]string, error) {
	return s.kv.Children(ctx, kv.Streams(channelID))
}
