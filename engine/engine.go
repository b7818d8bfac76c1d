// Package engine wires the single-threaded device.Device pipeline to the
// background-tasks and embedder roles spec §5 describes: a polling loop
// that fetches and applies configuration via the reconciler, and a small
// set of thread-safe control entry points the host can call.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mud-band/mud.band-client-sub000/device"
	"github.com/mud-band/mud.band-client-sub000/iface"
	"github.com/mud-band/mud.band-client-sub000/reconciler"
)

// ErrMFARequired is the sentinel a ControlPlaneClient returns when the
// control endpoint answered with the 301+sso_url envelope (spec §6/§7):
// "the data-plane must idle and signal 'MFA required' to the host until
// operator completes SSO."
var ErrMFARequired = errors.New("engine: mfa required")

// DefaultPollInterval is how often the background task asks the control
// plane for a fresh config when the caller doesn't specify one.
const DefaultPollInterval = 30 * time.Second

// Engine owns the background-tasks role: it polls a ControlPlaneClient,
// decodes and validates what comes back through the reconciler, and hands
// completed work to the data-plane thread via device.Device's atomic
// resync/snapshot flags. It never touches Peer/Keypair state directly.
type Engine struct {
	device          *device.Device
	cache           *reconciler.Cache
	cp              iface.ControlPlaneClient
	enrollmentToken string
	pollInterval    time.Duration
	log             *logrus.Logger

	mu       sync.Mutex
	latest   *reconciler.Handle
	lastEtag string

	snapshotMu sync.Mutex
	pending    chan []device.PeerSummary
}

// New builds an Engine bound to d. It registers d's resync/snapshot
// callbacks, so d.Run must not be started until after New returns.
func New(d *device.Device, cp iface.ControlPlaneClient, enrollmentToken string, pollInterval time.Duration, log *logrus.Logger) *Engine {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if log == nil {
		log = logrus.New()
	}
	e := &Engine{
		device:          d,
		cache:           reconciler.NewCache(),
		cp:              cp,
		enrollmentToken: enrollmentToken,
		pollInterval:    pollInterval,
		log:             log,
	}
	d.SetResyncFunc(e.resync)
	d.SetSnapshotFunc(e.deliverSnapshot)
	return e
}

// Close stops the reconciler's cnf cache GC goroutine. The caller is
// responsible for stopping Run and the device's own Run loop separately.
func (e *Engine) Close() {
	e.cache.Close()
}

// resync is the callback device.Device.Run invokes when the data-plane
// thread observes the resync flag (spec §4.6 step 1): apply the most
// recently fetched handle's peer specs and ACL. Acquire/Release brackets
// the apply so Run can never see a cnf the background GC reaps mid-use.
func (e *Engine) resync() error {
	e.mu.Lock()
	h := e.latest
	e.mu.Unlock()
	if h == nil {
		return nil
	}
	h.Acquire()
	defer h.Release()
	return reconciler.Apply(e.device, h)
}

// deliverSnapshot is the callback device.Device.Run invokes once it has
// serviced a pending RequestPeerSnapshot; it routes the result to whichever
// Snapshot call is currently waiting, if any.
func (e *Engine) deliverSnapshot(ps []device.PeerSummary) {
	e.snapshotMu.Lock()
	ch := e.pending
	e.pending = nil
	e.snapshotMu.Unlock()
	if ch != nil {
		ch <- ps
	}
}

// Snapshot is an embedder-role control entry point (spec §5): it can be
// called from any goroutine, asks the data-plane thread for a fresh peer
// table summary, and waits for the answer or ctx's cancellation.
func (e *Engine) Snapshot(ctx context.Context) ([]device.PeerSummary, error) {
	ch := make(chan []device.PeerSummary, 1)
	e.snapshotMu.Lock()
	e.pending = ch
	e.snapshotMu.Unlock()

	e.device.RequestPeerSnapshot()
	select {
	case ps := <-ch:
		return ps, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run is the background-tasks role's loop (spec §5): it periodically polls
// the control plane, and on a genuinely new config, builds and installs a
// fresh cnf handle before asking the data-plane thread to resync against
// it. It returns when stop is closed.
func (e *Engine) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	e.pollOnce()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.pollOnce()
		}
	}
}

func (e *Engine) pollOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	raw, err := e.cp.FetchConfig(ctx, e.enrollmentToken)
	if err != nil {
		if errors.Is(err, ErrMFARequired) {
			e.device.SetMFARequired(true)
			return
		}
		e.log.WithError(err).Warn("config fetch failed, keeping previous config")
		return
	}
	e.device.SetMFARequired(false)

	cfg, err := reconciler.Decode(raw)
	if err != nil {
		e.log.WithError(err).Warn("config decode failed, keeping previous config")
		return
	}

	e.mu.Lock()
	unchanged := cfg.Etag == e.lastEtag
	e.mu.Unlock()
	if unchanged {
		return // equivalent of the control plane's 304 response
	}

	h, err := e.cache.Build(raw)
	if err != nil {
		e.log.WithError(err).Warn("config build failed, keeping previous config")
		return
	}

	e.mu.Lock()
	e.latest = h
	e.lastEtag = cfg.Etag
	e.mu.Unlock()

	e.device.RequestResync()
}
