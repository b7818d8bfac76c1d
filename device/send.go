package device

import (
	"encoding/binary"
	"net/netip"

	"github.com/mud-band/mud.band-client-sub000/proxyhdr"
	"github.com/mud-band/mud.band-client-sub000/stats"
)

// sendableKeypair picks the keypair to encrypt under, following spec
// §4.6.1: prefer current; fall back to previous only for a responder that
// has never received on its current keypair (an initiator with a fresh
// current keypair that hasn't received yet is still the right key to keep
// using — falling back would use a keypair about to be retired for no
// reason).
func (peer *Peer) sendableKeypair() *Keypair {
	kp := peer.keypairs.current
	if kp != nil && !(!kp.isInitiator && kp.lastRx.IsZero()) {
		return kp
	}
	if prev := peer.keypairs.previous; prev != nil {
		return prev
	}
	return kp
}

// SendData implements the encrypt-and-send path (spec §4.6.1): pad, seal,
// optionally prepend the proxy header, and write to the peer's latest
// endpoint.
func (d *Device) SendData(peer *Peer, plaintext []byte) error {
	kp := peer.sendableKeypair()
	if kp == nil {
		peer.sendHandshake = true
		return d.SendHandshakeInitiation(peer)
	}

	unpadded := len(plaintext)
	padded := (unpadded + PaddingMultiple - 1) &^ (PaddingMultiple - 1)

	pb := d.pool.Alloc(MessageTransportHeaderSize + padded + 16)
	if pb == nil {
		if d.stats != nil {
			d.stats.Drop(stats.DropReasonBufferExhausted)
		}
		return nil
	}
	defer d.pool.Free(pb)

	buf := pb.Bytes()
	binary.LittleEndian.PutUint32(buf[0:4], MessageTransportType)
	binary.LittleEndian.PutUint32(buf[MessageTransportOffsetReceiver:], kp.remoteIndex)
	counter := kp.sendNonce
	kp.sendNonce++
	binary.LittleEndian.PutUint64(buf[MessageTransportOffsetCounter:], counter)

	var nonce [12]byte
	binary.LittleEndian.PutUint64(nonce[4:], counter)

	payload := make([]byte, 0, padded)
	payload = append(payload, plaintext...)
	payload = append(payload, make([]byte, padded-unpadded)...)
	sealed := kp.send.Seal(buf[:MessageTransportOffsetContent], nonce[:], payload, nil)

	endpoint, ok := peer.BestEndpoint()
	if !ok {
		return nil
	}

	now := d.clock.Now()
	sent := d.writeToEndpoint(sealed, peer, endpoint)
	if sent {
		peer.lastTx = now
		kp.lastTx = now
		if d.stats != nil {
			d.stats.PacketsSent.WithLabelValues("transport").Inc()
			d.stats.BytesSent.Add(float64(unpadded))
		}
	}

	if kp.sendNonce >= RekeyAfterMessages || (kp.isInitiator && d.clock.Now().Sub(kp.created) > RekeyAfterTime) {
		peer.sendHandshake = true
	}
	return nil
}

func ipv4Uint32(a netip.Addr) uint32 {
	if !a.Is4() {
		return 0
	}
	b := a.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// writeToEndpoint sends buf to the endpoint, prepending the proxy header
// when the endpoint is a relay (spec §4.6.1/§4.9). A failed socket write
// (ENOBUFS/EAGAIN or any other error) drops the packet and is never
// retried; it is reported only through the false return, not counted in
// stats.
func (d *Device) writeToEndpoint(buf []byte, peer *Peer, ep Endpoint) bool {
	out := buf
	if ep.Kind == EndpointProxy {
		pb := d.pool.Alloc(len(buf))
		if pb == nil {
			if d.stats != nil {
				d.stats.Drop(stats.DropReasonBufferExhausted)
			}
			return false
		}
		defer d.pool.Free(pb)
		framed, ok := pb.Prepend(proxyhdr.Size)
		if !ok {
			return false
		}
		copy(framed[proxyhdr.Size:], buf)
		hdr := proxyhdr.Header{Version: proxyhdr.Version1, Band: d.bandUUID}
		proxyhdr.PutUint32IP(&hdr.SrcIP, ipv4Uint32(d.innerAddr))
		proxyhdr.PutUint32IP(&hdr.DstIP, ipv4Uint32(peer.innerAddr))
		proxyhdr.Encode(framed[:proxyhdr.Size], hdr)
		out = framed
	}
	_, err := d.socket.WriteTo(out, ep.Addr)
	return err == nil
}

// SendHandshakeInitiation builds and fans out an INITIATION to every known
// endpoint (spec §4.6.1's multipath race: "transmit to every endpoint").
func (d *Device) SendHandshakeInitiation(peer *Peer) error {
	if d.clock.Now().Sub(peer.handshake.lastSentHandshake) < RekeyTimeout {
		return nil
	}

	msg, err := d.CreateMessageInitiation(peer)
	if err != nil {
		return err
	}

	var buf [MessageInitiationSize]byte
	if err := msg.marshal(buf[:]); err != nil {
		return err
	}
	peer.cookieGenerator.AddMacs(buf[:])

	peer.handshake.lastSentHandshake = d.clock.Now()
	peer.sendHandshake = false
	peer.timers.handshakeAttempts++

	sentAny := false
	for i := 0; i < peer.endpointCount; i++ {
		if d.writeToEndpoint(buf[:], peer, peer.endpoints[i]) {
			sentAny = true
		}
	}
	if sentAny && d.stats != nil {
		d.stats.HandshakesBegun.Inc()
	}
	return nil
}

// SendHandshakeResponse completes the responder side and transmits the
// RESPONSE to the initiator's latest observed endpoint.
func (d *Device) SendHandshakeResponse(peer *Peer) error {
	msg, err := d.CreateMessageResponse(peer)
	if err != nil {
		return err
	}
	var buf [MessageResponseSize]byte
	if err := msg.marshal(buf[:]); err != nil {
		return err
	}
	peer.cookieGenerator.AddMacs(buf[:])

	if err := peer.BeginSymmetricSession(); err != nil {
		return err
	}
	if d.stats != nil {
		d.stats.HandshakesOK.Inc()
	}

	endpoint, ok := peer.BestEndpoint()
	if !ok {
		return nil
	}
	d.writeToEndpoint(buf[:], peer, endpoint)
	return nil
}

// SendKeepalive sends an empty transport message to confirm a freshly
// installed keypair or satisfy the periodic keepalive timer.
func (d *Device) SendKeepalive(peer *Peer) error {
	return d.SendData(peer, nil)
}
