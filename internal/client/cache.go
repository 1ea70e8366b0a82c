package client

import (
	"sync"
	"time"
)

// Record is the device-tier copy of an event.
type Record struct {
	ID           RecordID
	UID          string
	CalendarID   string
	Title        string
	Description  string
	Location     string
	Start        time.Time
	End          time.Time
	AllDay       bool
	Timezone     string
	Rrule        string
	Attendees    []string
	Resources    []string
	Sequence     int64
	Status       string
	VersionToken string

	// Pending marks a local write not yet acknowledged by the server.
	Pending bool
}

func cloneRecord(r *Record) *Record {
	c := *r
	c.Attendees = append([]string(nil), r.Attendees...)
	c.Resources = append([]string(nil), r.Resources...)
	return &c
}

// Cache is the keyed device store with secondary indexes on serverKey
// and uid. Replacements swap whole records; readers holding an old
// pointer never observe a half-applied update.
type Cache struct {
	mu        sync.RWMutex
	byID      map[RecordID]*Record
	byUID     map[string]RecordID
	nextLocal int64
}

func NewCache() *Cache {
	return &Cache{
		byID:  make(map[RecordID]*Record),
		byUID: make(map[string]RecordID),
	}
}

// Insert stores a record. A zero ID gets a fresh provisional key.
func (c *Cache) Insert(r *Record) RecordID {
	c.mu.Lock()
	defer c.mu.Unlock()

	if r.ID.IsZero() {
		c.nextLocal++
		r.ID = Provisional(c.nextLocal)
	}
	cp := cloneRecord(r)
	c.byID[cp.ID] = cp
	if cp.UID != "" {
		c.byUID[cp.UID] = cp.ID
	}
	return cp.ID
}

func (c *Cache) Get(id RecordID) (*Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.byID[id]
	if !ok {
		return nil, false
	}
	return cloneRecord(r), true
}

func (c *Cache) GetByServerKey(serverKey int64) (*Record, bool) {
	return c.Get(Confirmed(serverKey))
}

func (c *Cache) GetByUID(uid string) (*Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.byUID[uid]
	if !ok {
		return nil, false
	}
	r, ok := c.byID[id]
	if !ok {
		return nil, false
	}
	return cloneRecord(r), true
}

// Replace atomically removes old and inserts the replacement. This is
// how a provisional record becomes its canonical server counterpart.
func (c *Cache) Replace(old RecordID, r *Record) RecordID {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.byID[old]; ok {
		delete(c.byID, old)
		if prev.UID != "" {
			delete(c.byUID, prev.UID)
		}
	}
	cp := cloneRecord(r)
	c.byID[cp.ID] = cp
	if cp.UID != "" {
		c.byUID[cp.UID] = cp.ID
	}
	return cp.ID
}

func (c *Cache) Delete(id RecordID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.byID[id]; ok {
		delete(c.byID, id)
		if r.UID != "" {
			delete(c.byUID, r.UID)
		}
	}
}

func (c *Cache) List(calendarID string) []*Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*Record
	for _, r := range c.byID {
		if r.CalendarID == calendarID {
			out = append(out, cloneRecord(r))
		}
	}
	return out
}

func (c *Cache) ListPending(calendarID string) []*Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*Record
	for _, r := range c.byID {
		if r.CalendarID == calendarID && r.Pending {
			out = append(out, cloneRecord(r))
		}
	}
	return out
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID)
}
