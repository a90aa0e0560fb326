package auth

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"kiln/internal/kilnerr"
)

// OrgKeySet is a bounded LRU of blob keys known to be accessible to one
// organization. Positive hits may short-circuit a C2 database round trip
// (policy K1); eviction never causes a false-positive denial (policy K2)
// because a cache miss always falls back to the access index.
type OrgKeySet struct {
	mu    sync.Mutex
	cache *lru.Cache[string, struct{}]
}

func newOrgKeySet(capacity int) (*OrgKeySet, error) {
	c, err := lru.New[string, struct{}](capacity)
	if err != nil {
		return nil, kilnerr.New(kilnerr.Internal, "auth.newOrgKeySet", err)
	}
	return &OrgKeySet{cache: c}, nil
}

// Contains reports a positive hit. False does not imply denial — callers
// must still consult the access index on a miss.
func (o *OrgKeySet) Contains(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cache.Contains(key)
}

// Add records key as known-accessible, evicting the least recently used
// entry if the set is at capacity.
func (o *OrgKeySet) Add(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cache.Add(key, struct{}{})
}

// KeySets is the outer LRU: org ID to that org's OrgKeySet.
type KeySets struct {
	mu       sync.Mutex
	cache    *lru.Cache[int64, *OrgKeySet]
	keyCap   int
	orgCap   int
}

func NewKeySets(orgCapacity, keyCapacity int) (*KeySets, error) {
	c, err := lru.New[int64, *OrgKeySet](orgCapacity)
	if err != nil {
		return nil, kilnerr.New(kilnerr.Internal, "auth.NewKeySets", err)
	}
	return &KeySets{cache: c, keyCap: keyCapacity, orgCap: orgCapacity}, nil
}

// ForOrg returns (creating if necessary) the OrgKeySet for org.
func (k *KeySets) ForOrg(org int64) (*OrgKeySet, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if existing, ok := k.cache.Get(org); ok {
		return existing, nil
	}
	set, err := newOrgKeySet(k.keyCap)
	if err != nil {
		return nil, err
	}
	k.cache.Add(org, set)
	return set, nil
}
