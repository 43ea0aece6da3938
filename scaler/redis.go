package scaler

import (
	"context"
	"strings"

	"github.com/redis/go-redis/v9"
)

// StreamDepth reads backlog depth from a Redis stream. With a consumer
// group named, depth is the group's lag (entries added but never
// delivered) plus its pending entries; without one, it is the raw stream
// length.
type StreamDepth struct {
	Client *redis.Client
	Stream string
	Group  string
}

var _ DepthSource = (*StreamDepth)(nil)

func (s *StreamDepth) Depth(ctx context.Context) (int64, error) {
	if s.Group == "" {
		return s.Client.XLen(ctx, s.Stream).Result()
	}

	groups, err := s.Client.XInfoGroups(ctx, s.Stream).Result()
	if err != nil {
		// A missing stream means nothing to do yet, not a failure.
		if strings.Contains(err.Error(), "no such key") {
			return 0, nil
		}
		return 0, err
	}
	for _, g := range groups {
		if g.Name == s.Group {
			return g.Lag + g.Pending, nil
		}
	}
	// Group not created yet: the whole stream is backlog.
	return s.Client.XLen(ctx, s.Stream).Result()
}
