package stream

import (
	"context"
	"fmt"

	"github.com/onnwee/emote-tracker/kv"
)

// StateCache holds one LocalState per channel at temp/stream/{channel}.
type StateCache struct {
	kv kv.Store
}

func NewStateCache(store kv.Store) *StateCache {
	return &StateCache{kv: store}
}

// Get returns the cached state, nil when the channel is not live.
func (c *StateCache) Get(ctx context.Context, channelID string) (*LocalState, error) {
	var ls LocalState
	ok, err := c.kv.Get(ctx, kv.LocalState(channelID), &ls)
	if err != nil {
		return nil, fmt.Errorf("read local state %s: %w", channelID, err)
	}
	if !ok || ls.StreamID == "" {
		return nil, nil
	}
	return &ls, nil
}

func (c *StateCache) Put(ctx context.Context, channelID string, ls LocalState) error {
	if err := c.kv.Set(ctx, kv.LocalState(channelID), ls); err != nil {
		return fmt.Errorf("write local state %s: %w", channelID, err)
	}
	return nil
}

func (c *StateCache) Delete(ctx context.Context, channelID string) error {
	if err := c.kv.Delete(ctx, kv.LocalState(channelID)); err != nil {
		return fmt.Errorf("clear local state %s: %w", channelID, err)
	}
	return nil
}
