package chatserver

import (
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/cyberinferno/linechat/protocol"
	"github.com/cyberinferno/linechat/registry"
)

const defaultRosterCacheTTL = 30 * time.Second

// rosterCache memoises the /who answer per registry version. The version moves
// on every join and leave, so a cached line is never older than the roster it
// is served for.
type rosterCache struct {
	registry *registry.Registry
	cache    *cache.Cache
	group    singleflight.Group
	ttl      time.Duration
}

func newRosterCache(reg *registry.Registry, ttl time.Duration) *rosterCache {
	if ttl <= 0 {
		ttl = defaultRosterCacheTTL
	}

	return &rosterCache{
		registry: reg,
		cache:    cache.New(ttl, 2*ttl),
		ttl:      ttl,
	}
}

// line returns the roster line for the current registry version.
func (c *rosterCache) line() string {
	key := strconv.FormatUint(c.registry.Version(), 10)
	if v, ok := c.cache.Get(key); ok {
		return v.(string)
	}

	v, _, _ := c.group.Do(key, func() (any, error) {
		if cached, ok := c.cache.Get(key); ok {
			return cached, nil
		}

		// The roster may have moved on since key was computed; store the
		// rendered line under the version it was actually read at.
		names, version := c.registry.Roster()
		rendered := protocol.RosterLine(names)
		c.cache.Set(strconv.FormatUint(version, 10), rendered, c.ttl)

		return rendered, nil
	})

	return v.(string)
}
