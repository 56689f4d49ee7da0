package engine

import (
	"sort"
	"sync"

	"github.com/bitleak/eq/config"
)

var (
	mu     sync.RWMutex
	queues = make(map[string]*Queue)
)

func Register(pool string, q *Queue) {
	if pool == "" {
		pool = config.DefaultPoolName
	}
	mu.Lock()
	queues[pool] = q
	mu.Unlock()
}

func GetQueue(pool string) *Queue {
	if pool == "" {
		pool = config.DefaultPoolName
	}
	mu.RLock()
	defer mu.RUnlock()
	return queues[pool]
}

func ExistsPool(pool string) bool {
	return GetQueue(pool) != nil
}

// GetPools returns the registered pool names in sorted order
func GetPools() []string {
	mu.RLock()
	pools := make([]string, 0, len(queues))
	for pool := range queues {
		pools = append(pools, pool)
	}
	mu.RUnlock()
	sort.Strings(pools)
	return pools
}

// Shutdown closes every registered queue and empties the registry
func Shutdown() {
	mu.Lock()
	defer mu.Unlock()
	for pool, q := range queues {
		q.Close()
		delete(queues, pool)
	}
}
