// Package reconciler turns the control-plane's JSON configuration contract
// (spec §4.8/§6) into the device package's reuse-or-rebuild peer specs and
// ACL program table, and caches parsed configs behind a reference-counted
// "cnf" handle (spec §4.8's "Config acquisition" paragraph).
package reconciler

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Config is the typed decode target for the control-plane's JSON body
// (spec §6's literal schema). Decoding goes straight into this struct tree
// via encoding/json — never into map[string]any — per SPEC_FULL.md's
// redesign flag against ad hoc JSON reflection.
type Config struct {
	Etag      string         `json:"etag"`
	Interface InterfaceBlock `json:"interface"`
	Peers     []PeerBlock    `json:"peers"`
	ACL       ACLBlock       `json:"acl"`
}

type InterfaceBlock struct {
	Name        string `json:"name"`
	DeviceUUID  string `json:"device_uuid"`
	PrivateIP   string `json:"private_ip"`
	PrivateMask string `json:"private_mask"`
	MTU         int    `json:"mtu"`
	ListenPort  uint16 `json:"listen_port"`
	NatType     int    `json:"nat_type"`
	RemoteAddr  string `json:"remote_addr"`
}

// DeviceAddress is one of a peer's up-to-16 reachability candidates.
type DeviceAddress struct {
	Address string `json:"address"`
	Port    uint16 `json:"port"`
	Type    string `json:"type"` // "direct" | "proxy"
}

// PeerBlock is the wire shape of one config peer row. Following
// original_source/bin/mudband/linux/mudband_confmgr.c: private_mask is a
// dotted-decimal netmask string (not a prefix-length integer), nat_type is
// an integer enum (2 == Open), and otp_sender/otp_receiver are hex strings
// parsed as uint64 (strtoull(..., 16)).
type PeerBlock struct {
	WireguardPubkey string          `json:"wireguard_pubkey"`
	PrivateIP       string          `json:"private_ip"`
	PrivateMask     string          `json:"private_mask"`
	NatType         int             `json:"nat_type"`
	OTPSender       HexUint64       `json:"otp_sender"`
	OTPReceiver     [3]HexUint64    `json:"otp_receiver"`
	DeviceAddresses []DeviceAddress `json:"device_addresses"`
}

// HexUint64 decodes a JSON string of hex digits into a uint64, matching
// original_source's strtoull(..., 16) parse of otp_sender/otp_receiver.
type HexUint64 uint64

func (h *HexUint64) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("reconciler: otp value not a string: %w", err)
	}
	if s == "" {
		*h = 0
		return nil
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return fmt.Errorf("reconciler: bad hex otp value %q: %w", s, err)
	}
	*h = HexUint64(v)
	return nil
}

// ACLBlock carries the program table as the literal wire encoding: each
// instruction is a 4-element array `[code, jt, jf, k]` (spec §6).
type ACLBlock struct {
	DefaultPolicy string        `json:"default_policy"` // "allow" | "block"
	Programs      [][][4]uint32 `json:"programs"`
}

// natOpen mirrors original_source's nat_type enum value 2 ("Open"), the
// sentinel spec §4.8 step 1 checks on both sides before dropping keepalive
// and skipping proxy endpoints.
const natOpen = 2

// bothOpen reports whether this side and the peer are both behind an
// "Open" NAT, the condition under which step 1 drops the keepalive
// requirement and skips proxy endpoints entirely.
func (c *Config) bothOpen(peer PeerBlock) bool {
	return c.Interface.NatType == natOpen && peer.NatType == natOpen
}

// Decode parses raw into a Config, rejecting a response that doesn't carry
// an etag (every other reconciler operation keys off it).
func Decode(raw []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("reconciler: decode config: %w", err)
	}
	if cfg.Etag == "" {
		return nil, fmt.Errorf("reconciler: config missing etag")
	}
	return &cfg, nil
}
