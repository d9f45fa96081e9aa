package socket

import (
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/moqsien/gkreactor/iface"
	"github.com/moqsien/gkreactor/utils/errs"
)

func resolveNetwork(network string, kind iface.Kind) (family, sotype int, err error) {
	sotype = unix.SOCK_STREAM
	if kind == iface.KindDatagram {
		sotype = unix.SOCK_DGRAM
	}
	switch network {
	case "tcp", "tcp4":
		if kind != iface.KindDatagram {
			return unix.AF_INET, sotype, nil
		}
	case "tcp6":
		if kind != iface.KindDatagram {
			return unix.AF_INET6, sotype, nil
		}
	case "udp", "udp4":
		if kind == iface.KindDatagram {
			return unix.AF_INET, sotype, nil
		}
	case "udp6":
		if kind == iface.KindDatagram {
			return unix.AF_INET6, sotype, nil
		}
	}
	return 0, 0, fmt.Errorf("%w: network %q for %s", errs.ErrUnsupportedAddr, network, kind)
}

func splitAddr(addr net.Addr) (ip net.IP, port int, zone string, err error) {
	switch a := addr.(type) {
	case nil:
	case *net.TCPAddr:
		if a != nil {
			ip, port, zone = a.IP, a.Port, a.Zone
		}
	case *net.UDPAddr:
		if a != nil {
			ip, port, zone = a.IP, a.Port, a.Zone
		}
	default:
		err = fmt.Errorf("%w: %T", errs.ErrUnsupportedAddr, addr)
	}
	return
}

// toSockaddr converts addr for a socket of the given family. A nil addr or a
// nil IP means the wildcard address.
func toSockaddr(family int, addr net.Addr) (unix.Sockaddr, error) {
	ip, port, zone, err := splitAddr(addr)
	if err != nil {
		return nil, err
	}
	switch family {
	case unix.AF_INET:
		sa := &unix.SockaddrInet4{Port: port}
		if ip != nil && !ip.IsUnspecified() {
			ip4 := ip.To4()
			if ip4 == nil {
				return nil, fmt.Errorf("%w: %s is not an IPv4 address", errs.ErrUnsupportedAddr, ip)
			}
			copy(sa.Addr[:], ip4)
		}
		return sa, nil
	case unix.AF_INET6:
		sa := &unix.SockaddrInet6{Port: port, ZoneId: zoneToIndex(zone)}
		if ip != nil && !ip.IsUnspecified() {
			ip6 := ip.To16()
			if ip6 == nil {
				return nil, fmt.Errorf("%w: %s is not an IPv6 address", errs.ErrUnsupportedAddr, ip)
			}
			copy(sa.Addr[:], ip6)
		}
		return sa, nil
	}
	return nil, fmt.Errorf("%w: family %d", errs.ErrUnsupportedAddr, family)
}

// fromSockaddr returns a *net.TCPAddr for stream kinds and a *net.UDPAddr for datagrams.
func fromSockaddr(sa unix.Sockaddr, kind iface.Kind) net.Addr {
	var (
		ip   net.IP
		port int
		zone string
	)
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		ip = make(net.IP, net.IPv4len)
		copy(ip, a.Addr[:])
		port = a.Port
	case *unix.SockaddrInet6:
		ip = make(net.IP, net.IPv6len)
		copy(ip, a.Addr[:])
		port = a.Port
		zone = indexToZone(a.ZoneId)
	default:
		return nil
	}
	if kind == iface.KindDatagram {
		return &net.UDPAddr{IP: ip, Port: port, Zone: zone}
	}
	return &net.TCPAddr{IP: ip, Port: port, Zone: zone}
}

func zoneToIndex(zone string) uint32 {
	if zone == "" {
		return 0
	}
	if ifi, err := net.InterfaceByName(zone); err == nil {
		return uint32(ifi.Index)
	}
	n, _ := strconv.Atoi(zone)
	return uint32(n)
}

func indexToZone(index uint32) string {
	if index == 0 {
		return ""
	}
	if ifi, err := net.InterfaceByIndex(int(index)); err == nil {
		return ifi.Name
	}
	return strconv.Itoa(int(index))
}
