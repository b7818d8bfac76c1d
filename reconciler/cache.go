package reconciler

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mud-band/mud.band-client-sub000/device"
)

// idleTTL is spec §4.8's "GC drops unreferenced cnfs older than 60 s".
const idleTTL = 60 * time.Second

// maxCachedConfigs bounds the LRU backing store; a band only ever has a
// handful of etags in flight (the live one plus whatever the background
// job is mid-reconcile against), so this is generous headroom rather than
// a tight budget.
const maxCachedConfigs = 64

// Handle is the reference-counted "cnf" wrapper spec §4.8 describes:
// readers take a shared reference via Acquire/Release, and the cache's GC
// job only reaps a handle once its busy counter is zero and it has sat
// unreferenced for idleTTL.
type Handle struct {
	Etag      string
	Config    *Config
	PeerSpecs []device.PeerSpec
	ACL       *device.ACLFilter

	mu          sync.Mutex
	busy        int
	idleSince   time.Time
}

// Acquire bumps the busy counter, suppressing GC for this handle until a
// matching Release.
func (h *Handle) Acquire() {
	h.mu.Lock()
	h.busy++
	h.mu.Unlock()
}

// Release drops the busy counter; once it reaches zero the handle becomes
// eligible for idle-GC after idleTTL elapses.
func (h *Handle) Release() {
	h.mu.Lock()
	h.busy--
	if h.busy <= 0 {
		h.busy = 0
		h.idleSince = time.Now()
	}
	h.mu.Unlock()
}

func (h *Handle) reapable(now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.busy == 0 && !h.idleSince.IsZero() && now.Sub(h.idleSince) >= idleTTL
}

// Cache holds parsed configs keyed by etag, handing out reference-counted
// Handles and reaping idle, unreferenced ones on a background tick (spec
// §4.8's "Config acquisition" paragraph). The background-tasks role is the
// only writer; the data-plane role only ever reads a Handle it was handed.
type Cache struct {
	mu    sync.Mutex
	store *lru.Cache[string, *Handle]

	stop chan struct{}
	once sync.Once
}

// NewCache builds an empty cache and starts its idle-GC goroutine. Call
// Close to stop the goroutine.
func NewCache() *Cache {
	store, _ := lru.New[string, *Handle](maxCachedConfigs)
	c := &Cache{store: store, stop: make(chan struct{})}
	go c.gcLoop()
	return c
}

// Close stops the background GC goroutine. Safe to call more than once.
func (c *Cache) Close() {
	c.once.Do(func() { close(c.stop) })
}

// Get returns the cached handle for etag, if present, without building a
// new one.
func (c *Cache) Get(etag string) (*Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Get(etag)
}

// Build decodes raw, validates and translates its ACL programs and peer
// rows, and installs the resulting Handle under its etag, replacing any
// prior entry for the same etag. Building happens whether or not an entry
// already exists so a changed config body under a reused etag is never
// silently ignored — the background job decides when Build is worth
// calling (normally only after the control-plane client reports the etag
// changed).
func (c *Cache) Build(raw []byte) (*Handle, error) {
	cfg, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	aclFilter, err := cfg.BuildACL()
	if err != nil {
		return nil, err
	}
	specs, err := cfg.PeerSpecs()
	if err != nil {
		return nil, err
	}

	h := &Handle{Etag: cfg.Etag, Config: cfg, PeerSpecs: specs, ACL: aclFilter, idleSince: time.Now()}

	c.mu.Lock()
	c.store.Add(cfg.Etag, h)
	c.mu.Unlock()
	return h, nil
}

// gcLoop reaps handles that are unreferenced and have been idle for at
// least idleTTL, per spec §4.8. It runs once per idleTTL/4 so entries are
// never held much longer than the stated bound.
func (c *Cache) gcLoop() {
	ticker := time.NewTicker(idleTTL / 4)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.reap(time.Now())
		}
	}
}

func (c *Cache) reap(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, etag := range c.store.Keys() {
		h, ok := c.store.Peek(etag)
		if !ok {
			continue
		}
		if h.reapable(now) {
			c.store.Remove(etag)
		}
	}
}
