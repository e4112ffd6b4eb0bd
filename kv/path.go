package kv

import (
	"fmt"
	"strconv"
	"strings"
)

// Path addresses a node in the store. Segments never contain "/".
type Path []string

// String renders the path with "/" separators.
func (p Path) String() string { return strings.Join(p, "/") }

// Parent returns the path without its last segment.
func (p Path) Parent() Path {
	if len(p) == 0 {
		return nil
	}
	return p[:len(p)-1]
}

// Name returns the last segment.
func (p Path) Name() string {
	if len(p) == 0 {
		return ""
	}
	return p[len(p)-1]
}

// Child returns a new path one level below p.
func (p Path) Child(segment string) Path {
	out := make(Path, 0, len(p)+1)
	out = append(out, p...)
	return append(out, segment)
}

// Validate rejects empty paths, empty segments and segments containing a separator.
func (p Path) Validate() error {
	if len(p) == 0 {
		return fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	for i, s := range p {
		if s == "" {
			return fmt.Errorf("%w: segment %d of %q is empty", ErrInvalidPath, i, p.String())
		}
		if strings.Contains(s, "/") {
			return fmt.Errorf("%w: segment %q contains '/'", ErrInvalidPath, s)
		}
	}
	return nil
}

// Layout:
//
//	stream/{channelId}/{streamId}                      stream record
//	stream/{channelId}/{streamId}/marker/{timestampMs} marker
//	temp/stream/{channelId}                            local state
//	temp/...                                           caches (tokens, chat tallies)
//	secrets/...                                        credentials

// Streams is the parent of every stream record of a channel.
func Streams(channelID string) Path { return Path{"stream", channelID} }

// StreamRecord addresses the aggregate record of one stream.
func StreamRecord(channelID, streamID string) Path { return Path{"stream", channelID, streamID} }

// Markers is the parent of a stream's markers.
func Markers(channelID, streamID string) Path {
	return Path{"stream", channelID, streamID, "marker"}
}

// Marker addresses a single marker keyed by its millisecond timestamp.
func Marker(channelID, streamID string, timestampMs int64) Path {
	return Markers(channelID, streamID).Child(strconv.FormatInt(timestampMs, 10))
}

// LocalState addresses the cached live-stream state of a channel.
func LocalState(channelID string) Path { return Path{"temp", "stream", channelID} }

// Temp addresses an arbitrary cache entry under temp/.
func Temp(segments ...string) Path { return append(Path{"temp"}, segments...) }

// Secret addresses a credential under secrets/.
func Secret(name string) Path { return Path{"secrets", name} }

// lessKey orders child names so that decimal timestamps sort numerically.
func lessKey(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}
