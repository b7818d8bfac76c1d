package reconciler

import (
	"github.com/mud-band/mud.band-client-sub000/device"
)

// Apply drives spec §4.8 steps 4-5 against an already-built Handle: the
// peer-table reconciliation (step 5) runs first, then the ACL swap (step 4,
// already validated by Cache.Build — an invalid program never reaches a
// Handle). If reconciliation fails, the previous ACL stays installed.
// Must be called from the data-plane goroutine (device.Device.Run's
// caller), since ReconcilePeers mutates Peer state directly.
func Apply(d *device.Device, h *Handle) error {
	if err := d.ReconcilePeers(h.PeerSpecs); err != nil {
		return err
	}
	d.SetACL(h.ACL)
	return nil
}
