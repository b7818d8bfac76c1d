// Command mudbandd runs the mud.band data-plane engine as a standalone
// process: it owns a UDP socket and a TUN device, fetches its mesh
// configuration from a control-plane endpoint, and forwards traffic
// between the two per the reconciled peer table and ACL.
package main

import (
	"encoding/base64"
	"flag"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mud-band/mud.band-client-sub000/device"
	"github.com/mud-band/mud.band-client-sub000/engine"
	"github.com/mud-band/mud.band-client-sub000/iface/fakes"
	"github.com/mud-band/mud.band-client-sub000/stats"
	"github.com/mud-band/mud.band-client-sub000/wgcrypto"
)

func main() {
	var (
		privateKeyB64   = flag.String("private-key", "", "base64-encoded Curve25519 private key")
		innerAddrFlag   = flag.String("inner-addr", "", "this device's inner IPv4 address")
		listenPort      = flag.Uint("listen-port", 51820, "UDP port to bind")
		mtu             = flag.Int("mtu", 1420, "TUN MTU")
		bandUUIDFlag    = flag.String("band-uuid", "", "this mesh's band UUID, used to validate proxy-framed packets")
		controlPlaneURL = flag.String("control-plane-url", "", "base URL of the mud.band control-plane endpoint")
		enrollmentToken = flag.String("enrollment-token", "", "enrollment token presented to the control plane")
		pollInterval    = flag.Duration("poll-interval", engine.DefaultPollInterval, "config poll interval")
		logLevel        = flag.String("log-level", "info", "logrus level")
	)
	flag.Parse()

	log := logrus.New()
	if lvl, err := logrus.ParseLevel(*logLevel); err == nil {
		log.SetLevel(lvl)
	}

	rawKey, err := base64.StdEncoding.DecodeString(*privateKeyB64)
	if err != nil || len(rawKey) != wgcrypto.KeySize {
		log.Fatal("mudbandd: -private-key must be a base64 Curve25519 key")
	}
	var privateKey wgcrypto.PrivateKey
	copy(privateKey[:], rawKey)

	innerAddr, err := netip.ParseAddr(*innerAddrFlag)
	if err != nil {
		log.WithError(err).Fatal("mudbandd: -inner-addr invalid")
	}

	bandUUID, err := uuid.Parse(*bandUUIDFlag)
	if err != nil {
		log.WithError(err).Fatal("mudbandd: -band-uuid invalid")
	}

	socket, err := listenUDP(uint16(*listenPort))
	if err != nil {
		log.WithError(err).Fatal("mudbandd: udp listen failed")
	}
	defer socket.Close()

	// TUN device access is a platform-specific collaborator the core
	// engine is deliberately generic over (spec Non-goals: "kernel
	// integration"); mudbandd's job here is to wire the engine together,
	// not to ship every OS's adapter, so a real deployment swaps this for
	// a platform TunDevice implementation.
	tun := fakes.NewTun(*mtu)

	collector := stats.NewCollector()

	d, err := device.NewDevice(device.DeviceInit{
		PrivateKey: privateKey,
		InnerAddr:  innerAddr,
		BandUUID:   [16]byte(bandUUID),
		MTU:        *mtu,
		Tun:        tun,
		Socket:     socket,
		Clock:      realClock{},
		Log:        log,
		Stats:      collector,
	})
	if err != nil {
		log.WithError(err).Fatal("mudbandd: device init failed")
	}
	defer d.Close()

	cp := newHTTPControlPlaneClient(*controlPlaneURL)
	eng := engine.New(d, cp, *enrollmentToken, *pollInterval, log)
	defer eng.Close()

	stop := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		close(stop)
	}()

	go eng.Run(stop)

	if err := d.Run(stop); err != nil {
		log.WithError(err).Error("mudbandd: data-plane loop exited")
		os.Exit(1)
	}
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
