package main

import (
	"net"
	"net/netip"

	"github.com/mud-band/mud.band-client-sub000/iface"
)

// udpSocket adapts a real *net.UDPConn to iface.UdpSocket, the one
// genuinely portable collaborator among the platform adapters spec §6
// lists (unlike TUN device access, a UDP socket needs no OS-specific
// integration beyond the standard library).
type udpSocket struct {
	conn *net.UDPConn
}

func listenUDP(port uint16) (*udpSocket, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: int(port)})
	if err != nil {
		return nil, err
	}
	return &udpSocket{conn: conn}, nil
}

func (s *udpSocket) ReadFrom(buf []byte) (int, iface.Addr, error) {
	n, addr, err := s.conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		return n, iface.Addr{}, err
	}
	return n, iface.Addr{IP: addr.Addr(), Port: addr.Port()}, nil
}

func (s *udpSocket) WriteTo(buf []byte, to iface.Addr) (int, error) {
	return s.conn.WriteToUDPAddrPort(buf, netip.AddrPortFrom(to.IP, to.Port))
}

func (s *udpSocket) LocalAddr() iface.Addr {
	ap := s.conn.LocalAddr().(*net.UDPAddr)
	addr, _ := netip.AddrFromSlice(ap.IP)
	return iface.Addr{IP: addr.Unmap(), Port: uint16(ap.Port)}
}

func (s *udpSocket) Close() error {
	return s.conn.Close()
}
