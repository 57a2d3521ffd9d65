package session

import (
	"sort"
	"sync"

	"github.com/mpapenbr/iracing-equanimity-paint/log"
	"github.com/mpapenbr/iracing-equanimity-paint/pkg/model"
)

// Cache holds the participants seen during the current session.
// An entry is added the first time a user id is observed and is never updated.
// The tracker clears the cache when the session changes and forgets single
// entries only if their provisioning failed.
type Cache struct {
	mutex sync.Mutex
	items map[int]model.ParticipantDescriptor
	l     *log.Logger
}

func NewCache(l *log.Logger) *Cache {
	if l == nil {
		l = log.Default().Named("cache")
	}
	return &Cache{
		items: make(map[int]model.ParticipantDescriptor),
		l:     l,
	}
}

// ShouldProvision records d and returns true if its user id was not seen
// since the last Clear. Non-participants are never recorded.
func (c *Cache) ShouldProvision(d model.ParticipantDescriptor) bool {
	if !d.IsParticipant() {
		return false
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if _, ok := c.items[d.UserID]; ok {
		return false
	}
	c.items[d.UserID] = d
	c.l.Debug("added participant",
		log.Int("userId", d.UserID),
		log.Int("carIdx", d.CarIdx),
		log.String("carPath", d.CarPath))
	return true
}

func (c *Cache) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.l.Debug("clear", log.Int("items", len(c.items)))
	c.items = make(map[int]model.ParticipantDescriptor)
}

// Forget removes the entry of userID, the next ShouldProvision for it returns
// true again.
func (c *Cache) Forget(userID int) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.items, userID)
}

func (c *Cache) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.items)
}

// Snapshot returns the cached participants ordered by user id
func (c *Cache) Snapshot() []model.ParticipantDescriptor {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	ret := make([]model.ParticipantDescriptor, 0, len(c.items))
	for _, v := range c.items {
		ret = append(ret, v)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].UserID < ret[j].UserID })
	return ret
}
