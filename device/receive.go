package device

import (
	"encoding/binary"
	"net/netip"

	"github.com/mud-band/mud.band-client-sub000/iface"
	"github.com/mud-band/mud.band-client-sub000/proxyhdr"
	"github.com/mud-band/mud.band-client-sub000/stats"
)

// HandleIncomingDatagram is the single entry point for every UDP datagram
// the pipeline reads: a datagram whose source port is the relay port carries
// a proxy frame, which is validated and stripped (spec §4.9); the inner
// message is then classified by type and dispatched to the matching handler.
// Safe to call only from the data-plane thread.
func (d *Device) HandleIncomingDatagram(raw []byte, from iface.Addr) {
	payload := raw
	kind := EndpointDirect

	if from.Port == d.relayPort {
		hdr, err := proxyhdr.Decode(raw)
		if err != nil || hdr.Band != d.bandUUID {
			d.drop(stats.DropReasonMalformedPacket)
			return
		}
		kind = EndpointProxy
		payload = raw[proxyhdr.Size:]
	}

	if len(payload) < 4 {
		d.drop(stats.DropReasonMalformedPacket)
		return
	}

	msgType := binary.LittleEndian.Uint32(payload[:4])
	switch msgType {
	case MessageInitiationType:
		d.handleInitiation(payload, from, kind)
	case MessageResponseType:
		d.handleResponse(payload, from, kind)
	case MessageCookieReplyType:
		d.handleCookieReply(payload)
	case MessageTransportType:
		d.handleTransport(payload, from, kind)
	default:
		d.drop(stats.DropReasonMalformedPacket)
	}
}

func (d *Device) drop(reason stats.DropReason) {
	if d.stats != nil {
		d.stats.Drop(reason)
	}
}

// underLoadMAC2Gate implements spec §4.4's cookie-under-load rule: a source
// address that has exhausted its ratelimiter.Ratelimiter budget must prove,
// via a valid MAC2, that it recently received a cookie from this device
// before its initiation/response gets any further processing. A source
// still within budget skips straight to MAC1-only validation, matching the
// teacher's IsUnderLoad()-gated CheckMAC2 call in its own receive path.
func (d *Device) underLoadMAC2Gate(payload []byte, from iface.Addr) bool {
	if d.rateLimiter.Allow(from.IP) {
		return true
	}
	if d.cookieChecker.CheckMAC2(payload, addrBytes(from)) {
		return true
	}
	d.sendCookieReply(payload, from)
	return false
}

func (d *Device) sendCookieReply(payload []byte, from iface.Addr) {
	sender := binary.LittleEndian.Uint32(payload[4:8])
	reply, err := d.cookieChecker.CreateReply(payload, sender, addrBytes(from))
	if err != nil {
		return
	}
	var buf [MessageCookieReplySize]byte
	if err := reply.marshal(buf[:]); err != nil {
		return
	}
	_, _ = d.socket.WriteTo(buf[:], from)
}

func (d *Device) handleInitiation(payload []byte, from iface.Addr, kind EndpointKind) {
	if len(payload) != MessageInitiationSize {
		d.drop(stats.DropReasonMalformedPacket)
		return
	}
	if !d.cookieChecker.CheckMAC1(payload) {
		d.drop(stats.DropReasonMAC1Invalid)
		return
	}
	if !d.underLoadMAC2Gate(payload, from) {
		d.drop(stats.DropReasonMAC2Invalid)
		return
	}

	var msg MessageInitiation
	if err := msg.unmarshal(payload); err != nil {
		d.drop(stats.DropReasonMalformedPacket)
		return
	}

	peer := d.ConsumeMessageInitiation(&msg)
	if peer == nil {
		d.drop(stats.DropReasonNoPeer)
		return
	}

	peer.SetEndpointFromPacket(from, kind)
	peer.lastRx = d.clock.Now()
	peer.rxBytes += uint64(len(payload))

	_ = d.SendHandshakeResponse(peer)
}

func (d *Device) handleResponse(payload []byte, from iface.Addr, kind EndpointKind) {
	if len(payload) != MessageResponseSize {
		d.drop(stats.DropReasonMalformedPacket)
		return
	}
	if !d.cookieChecker.CheckMAC1(payload) {
		d.drop(stats.DropReasonMAC1Invalid)
		return
	}
	if !d.underLoadMAC2Gate(payload, from) {
		d.drop(stats.DropReasonMAC2Invalid)
		return
	}

	var msg MessageResponse
	if err := msg.unmarshal(payload); err != nil {
		d.drop(stats.DropReasonMalformedPacket)
		return
	}

	peer := d.ConsumeMessageResponse(&msg)
	if peer == nil {
		d.drop(stats.DropReasonNoPeer)
		return
	}

	peer.SetEndpointFromPacket(from, kind)
	peer.lastRx = d.clock.Now()
	peer.rxBytes += uint64(len(payload))

	if err := peer.BeginSymmetricSession(); err != nil {
		d.drop(stats.DropReasonDecryptFailed)
		return
	}
	if d.stats != nil {
		d.stats.HandshakesOK.Inc()
	}
	_ = d.SendKeepalive(peer)
}

func (d *Device) handleCookieReply(payload []byte) {
	if len(payload) != MessageCookieReplySize {
		d.drop(stats.DropReasonMalformedPacket)
		return
	}
	var msg MessageCookieReply
	if err := msg.unmarshal(payload); err != nil {
		d.drop(stats.DropReasonMalformedPacket)
		return
	}
	entry := d.indexTable.Lookup(msg.Receiver)
	if entry.peer == nil {
		d.drop(stats.DropReasonNoPeer)
		return
	}
	entry.peer.cookieGenerator.ConsumeReply(&msg)
}

// handleTransport implements the decrypt-and-deliver path (spec §4.6.2):
// keypair lookup, age check, AEAD open, passive keypair promotion, replay
// check, allowed-IPs enforcement, and ACL evaluation, in that order, so
// a packet never reaches TUN without having passed every gate.
func (d *Device) handleTransport(payload []byte, from iface.Addr, kind EndpointKind) {
	if len(payload) < MessageTransportSize {
		d.drop(stats.DropReasonMalformedPacket)
		return
	}

	receiver := binary.LittleEndian.Uint32(payload[MessageTransportOffsetReceiver:MessageTransportOffsetCounter])
	entry := d.indexTable.Lookup(receiver)
	keypair := entry.keypair
	if keypair == nil || entry.peer == nil {
		d.drop(stats.DropReasonNoPeer)
		return
	}
	peer := entry.peer

	now := d.clock.Now()
	if now.Sub(keypair.created) > RejectAfterTime {
		d.drop(stats.DropReasonExpiredKeypair)
		return
	}

	counter := binary.LittleEndian.Uint64(payload[MessageTransportOffsetCounter:MessageTransportOffsetContent])
	content := payload[MessageTransportOffsetContent:]

	var nonce [12]byte
	binary.LittleEndian.PutUint64(nonce[4:], counter)

	plaintext, err := keypair.receive.Open(content[:0], nonce[:], content, nil)
	if err != nil {
		d.drop(stats.DropReasonDecryptFailed)
		return
	}

	// Any successfully-authenticated packet, keepalive or not, proves the
	// source is live and promotes a staged "next" keypair (spec §4.6.2
	// step 3): both happen before the replay/allowed-IPs/ACL gates below,
	// which apply only to packets carrying an inner payload.
	peer.SetEndpointFromPacket(from, kind)
	peer.ReceivedWithKeypair(keypair)

	peer.lastRx = now
	keypair.lastRx = now
	peer.rxBytes += uint64(len(payload))
	if d.stats != nil {
		d.stats.PacketsReceived.WithLabelValues("transport").Inc()
		d.stats.BytesReceived.Add(float64(len(plaintext)))
	}

	if len(plaintext) == 0 {
		// Keepalive: authenticates the path, carries no inner packet, and
		// per spec §4.6.2 is not subject to the replay-window check below.
		return
	}

	if !keypair.replay.validateCounter(counter) {
		d.drop(stats.DropReasonReplay)
		return
	}

	src, ok := innerSrcAddr(plaintext)
	if !ok || !d.allowedIPs.AllowedForPeer(peer, src) {
		d.drop(stats.DropReasonAllowedIPViolation)
		return
	}

	if d.acl != nil && !d.acl.Evaluate(plaintext, uint32(len(plaintext))) {
		d.drop(stats.DropReasonACLBlocked)
		return
	}

	if _, err := d.tun.Write([][]byte{plaintext}); err != nil {
		d.log.WithError(err).Debug("tun write failed")
	}
}

// innerSrcAddr reads the source address out of a decrypted IPv4 header
// (bytes 12-15), the only family this implementation carries (spec §1
// Non-goals excludes IPv6).
func innerSrcAddr(packet []byte) (netip.Addr, bool) {
	if len(packet) < 20 || packet[0]>>4 != 4 {
		return netip.Addr{}, false
	}
	return netip.AddrFrom4([4]byte{packet[12], packet[13], packet[14], packet[15]}), true
}
