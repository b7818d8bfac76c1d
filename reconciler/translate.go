package reconciler

import (
	"encoding/base64"
	"fmt"
	"net"
	"net/netip"

	"github.com/mud-band/mud.band-client-sub000/acl"
	"github.com/mud-band/mud.band-client-sub000/device"
	"github.com/mud-band/mud.band-client-sub000/iface"
	"github.com/mud-band/mud.band-client-sub000/wgcrypto"
)

// decodePublicKey parses the control plane's base64 static public key
// encoding (spec §4.8's "static public key (base64)").
func decodePublicKey(s string) (wgcrypto.PublicKey, error) {
	var pk wgcrypto.PublicKey
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return pk, fmt.Errorf("reconciler: decode pubkey: %w", err)
	}
	if len(raw) != wgcrypto.KeySize {
		return pk, fmt.Errorf("reconciler: pubkey wrong length: %d", len(raw))
	}
	copy(pk[:], raw)
	return pk, nil
}

// toEndpointSpecs translates a peer's device_addresses into device
// EndpointSpecs, skipping proxy-typed entries when both sides are on an
// Open NAT (spec §4.8 step 1: "skip endpoints typed proxy — no relay
// needed").
func toEndpointSpecs(addrs []DeviceAddress, skipProxy bool) ([]device.EndpointSpec, error) {
	specs := make([]device.EndpointSpec, 0, len(addrs))
	for _, a := range addrs {
		kind := device.EndpointDirect
		if a.Type == "proxy" {
			if skipProxy {
				continue
			}
			kind = device.EndpointProxy
		}
		ip, err := netip.ParseAddr(a.Address)
		if err != nil {
			return nil, fmt.Errorf("reconciler: bad endpoint address %q: %w", a.Address, err)
		}
		specs = append(specs, device.EndpointSpec{
			Addr: iface.Addr{IP: ip, Port: a.Port},
			Kind: kind,
		})
	}
	return specs, nil
}

// toPeerSpec translates one config peer row into a device.PeerSpec (spec
// §4.8 step 1): resolve its static key, inner address, allowed range, and
// endpoint list, applying the Open-NAT keepalive/proxy-skip rule.
func (c *Config) toPeerSpec(p PeerBlock) (device.PeerSpec, error) {
	pk, err := decodePublicKey(p.WireguardPubkey)
	if err != nil {
		return device.PeerSpec{}, err
	}
	innerAddr, err := netip.ParseAddr(p.PrivateIP)
	if err != nil {
		return device.PeerSpec{}, fmt.Errorf("reconciler: bad peer private_ip %q: %w", p.PrivateIP, err)
	}
	bits, err := maskStringToPrefixLen(p.PrivateMask)
	if err != nil {
		return device.PeerSpec{}, fmt.Errorf("reconciler: bad peer private_mask %q: %w", p.PrivateMask, err)
	}
	prefix := netip.PrefixFrom(innerAddr, bits)

	open := c.bothOpen(p)
	endpoints, err := toEndpointSpecs(p.DeviceAddresses, open)
	if err != nil {
		return device.PeerSpec{}, err
	}

	keepalive := device.KeepaliveTimeout
	if open {
		keepalive = 0
	}

	return device.PeerSpec{
		PublicKey:         pk,
		InnerAddr:         innerAddr,
		AllowedRanges:     []device.AllowedRange{{Prefix: prefix}},
		Endpoints:         endpoints,
		OTPEnabled:        p.OTPReceiver != [3]HexUint64{},
		OTPSender:         uint64(p.OTPSender),
		OTPReceiver:       [3]uint64{uint64(p.OTPReceiver[0]), uint64(p.OTPReceiver[1]), uint64(p.OTPReceiver[2])},
		KeepaliveInterval: keepalive,
	}, nil
}

// maskStringToPrefixLen converts a dotted-decimal netmask ("255.255.255.0")
// into a CIDR prefix length, matching original_source's representation of
// private_mask (validated there only as IPv4-shaped, never as an integer).
func maskStringToPrefixLen(s string) (int, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil || !addr.Is4() {
		return 0, fmt.Errorf("not a dotted-decimal IPv4 mask")
	}
	b := addr.As4()
	ones, bits := net.IPv4Mask(b[0], b[1], b[2], b[3]).Size()
	if bits == 0 {
		return 0, fmt.Errorf("not a contiguous netmask")
	}
	return ones, nil
}

// PeerSpecs translates every peer row in the config into device.PeerSpecs,
// in the order given, ready for device.Device.ReconcilePeers (spec §4.8
// steps 1-3).
func (c *Config) PeerSpecs() ([]device.PeerSpec, error) {
	specs := make([]device.PeerSpec, 0, len(c.Peers))
	for i, p := range c.Peers {
		spec, err := c.toPeerSpec(p)
		if err != nil {
			return nil, fmt.Errorf("reconciler: peer %d: %w", i, err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// translateProgram converts the wire encoding of one ACL program (an array
// of `[code, jt, jf, k]` 4-tuples) into acl.Insn values.
func translateProgram(wire [][4]uint32) []acl.Insn {
	prog := make([]acl.Insn, len(wire))
	for i, insn := range wire {
		prog[i] = acl.Insn{
			Code: uint16(insn[0]),
			Jt:   uint8(insn[1]),
			Jf:   uint8(insn[2]),
			K:    insn[3],
		}
	}
	return prog
}

// BuildACL validates and translates every program in the config's ACL
// block (spec §4.8 step 4: "replace the device's ACL only if every
// program validates; otherwise keep the previous"). It returns an error
// naming the first invalid program instead of a partially-built filter.
func (c *Config) BuildACL() (*device.ACLFilter, error) {
	policy := device.ACLAllow
	if c.ACL.DefaultPolicy == "block" {
		policy = device.ACLBlock
	}

	if len(c.ACL.Programs) > acl.MaxPrograms {
		return nil, fmt.Errorf("reconciler: too many ACL programs: %d (max %d)", len(c.ACL.Programs), acl.MaxPrograms)
	}

	programs := make([][]acl.Insn, len(c.ACL.Programs))
	for i, wire := range c.ACL.Programs {
		prog := translateProgram(wire)
		if err := acl.Validate(prog); err != nil {
			return nil, fmt.Errorf("reconciler: ACL program %d: %w", i, err)
		}
		programs[i] = prog
	}

	return &device.ACLFilter{Programs: programs, DefaultPolicy: policy}, nil
}
