package device

import (
	"net/netip"
	"time"

	"github.com/mud-band/mud.band-client-sub000/iface"
	"github.com/mud-band/mud.band-client-sub000/pbuf"
	"github.com/mud-band/mud.band-client-sub000/stats"
)

// tickInterval is the select loop's poll deadline (spec §4.6: "a single
// select ... deadline of ≤300ms"). DeviceTick is cheap and every predicate
// it evaluates is idempotent against wall-clock time, so running it on
// every tick rather than the coarser 400ms callout spec §4.7 describes for
// the original C client changes nothing observable.
const tickInterval = 300 * time.Millisecond

type udpDatagram struct {
	buf  []byte
	from iface.Addr
}

// Run is the data-plane thread (spec §5's single-threaded role): one
// goroutine feeds TUN reads into tunCh, one feeds UDP reads into udpCh, and
// this loop is the only place that ever touches Device/Peer/Keypair state,
// multiplexing the two inbound sources against the periodic timer tick with
// a single select, exactly as the teacher's per-transport receive routines
// are replaced here by channel hand-off into one arbiter. It returns when
// stop is closed or either reader goroutine hits a fatal I/O error.
func (d *Device) Run(stop <-chan struct{}) error {
	tunCh := make(chan []byte, 64)
	udpCh := make(chan udpDatagram, 64)
	errCh := make(chan error, 2)

	go d.readTunLoop(tunCh, errCh, stop)
	go d.readUDPLoop(udpCh, errCh, stop)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		// Spec §4.6 steps 1-3: service resync/snapshot requests, then
		// idle instead of touching TUN/UDP while MFA re-authentication
		// is outstanding.
		if d.serviceControlFlags() {
			select {
			case <-stop:
				return nil
			case err := <-errCh:
				return err
			case <-time.After(time.Second):
			}
			continue
		}

		select {
		case <-stop:
			return nil
		case err := <-errCh:
			return err
		case packet := <-tunCh:
			d.handleOutbound(packet)
		case dg := <-udpCh:
			d.HandleIncomingDatagram(dg.buf, dg.from)
		case <-ticker.C:
			start := d.clock.Now()
			d.DeviceTick()
			if d.stats != nil {
				d.stats.TickDuration.Observe(d.clock.Now().Sub(start).Seconds())
			}
		}
	}
}

// readTunLoop owns the only Pbuf used to read from TUN; every packet it
// hands off is copied into its own slice so the pooled buffer can be freed
// immediately; the arbiter goroutine never touches the pool from this side.
func (d *Device) readTunLoop(out chan<- []byte, errCh chan<- error, stop <-chan struct{}) {
	bufs := make([][]byte, 1)
	sizes := make([]int, 1)
	for {
		select {
		case <-stop:
			return
		default:
		}
		pb := d.pool.Alloc(d.mtu)
		if pb == nil {
			d.drop(stats.DropReasonBufferExhausted)
			continue
		}
		bufs[0] = pb.Bytes()
		n, err := d.tun.Read(bufs, sizes)
		if err != nil {
			d.pool.Free(pb)
			select {
			case errCh <- err:
			case <-stop:
			}
			return
		}
		if n == 0 {
			d.pool.Free(pb)
			continue
		}
		packet := append([]byte(nil), bufs[0][:sizes[0]]...)
		d.pool.Free(pb)
		select {
		case out <- packet:
		case <-stop:
			return
		}
	}
}

func (d *Device) readUDPLoop(out chan<- udpDatagram, errCh chan<- error, stop <-chan struct{}) {
	raw := make([]byte, pbuf.Headroom+d.mtu+64)
	for {
		select {
		case <-stop:
			return
		default:
		}
		n, from, err := d.socket.ReadFrom(raw)
		if err != nil {
			select {
			case errCh <- err:
			case <-stop:
			}
			return
		}
		buf := append([]byte(nil), raw[:n]...)
		select {
		case out <- udpDatagram{buf: buf, from: from}:
		case <-stop:
			return
		}
	}
}

// handleOutbound implements spec §4.6 step 4: a packet read off TUN is
// routed purely by its destination address against the allowed-IPs table,
// then handed to the encrypt-and-send path.
func (d *Device) handleOutbound(packet []byte) {
	if len(packet) < 20 || packet[0]>>4 != 4 {
		d.drop(stats.DropReasonMalformedPacket)
		return
	}
	dst := netip.AddrFrom4([4]byte{packet[16], packet[17], packet[18], packet[19]})
	peer := d.allowedIPs.Lookup(dst)
	if peer == nil {
		d.drop(stats.DropReasonNoPeer)
		return
	}
	_ = d.SendData(peer, packet)
}
