package coord

import "github.com/redis/go-redis/v9"

// NewWithClient wraps an already-constructed redis client, bypassing
// the dial/ping sequence in New. Used by tests to point a CoordStore at
// an in-process miniredis instance.
func NewWithClient(client *redis.Client) *CoordStore {
	return &CoordStore{client: client}
}
