// Package netifaces resolves the address queryguard listens on from an
// interface name, an IPv4 address or a CIDR block.
package netifaces

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
)

// InterfaceInfo holds the IPv4 configuration of one interface address.
type InterfaceInfo struct {
	Name      string
	Prefix    netip.Prefix
	Broadcast netip.Addr
}

// Addr returns the interface address.
func (i InterfaceInfo) Addr() netip.Addr { return i.Prefix.Addr() }

// Interfaces returns every IPv4 address configured on the host.
func Interfaces() ([]InterfaceInfo, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("listing interfaces: %w", err)
	}

	var result []InterfaceInfo
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			info, ok := fromIPNet(iface.Name, ipnet)
			if ok {
				result = append(result, info)
			}
		}
	}
	return result, nil
}

func fromIPNet(name string, ipnet *net.IPNet) (InterfaceInfo, bool) {
	ip4 := ipnet.IP.To4()
	if ip4 == nil {
		return InterfaceInfo{}, false
	}
	ones, bits := ipnet.Mask.Size()
	if bits != 32 {
		return InterfaceInfo{}, false
	}
	addr := netip.AddrFrom4([4]byte(ip4))
	prefix := netip.PrefixFrom(addr, ones)
	return InterfaceInfo{Name: name, Prefix: prefix, Broadcast: broadcast(prefix)}, true
}

// FindByName finds the first IPv4 address of an interface (e.g. "eth0").
func FindByName(name string) (*InterfaceInfo, error) {
	return find(func(i InterfaceInfo) bool { return i.Name == name }, "interface %s not found", name)
}

// FindByIP finds the interface holding an IPv4 address.
func FindByIP(ip netip.Addr) (*InterfaceInfo, error) {
	return find(func(i InterfaceInfo) bool { return i.Addr() == ip }, "interface with IP %s not found", ip)
}

// FindByCIDR finds an interface whose address falls within cidr.
func FindByCIDR(cidr netip.Prefix) (*InterfaceInfo, error) {
	return find(func(i InterfaceInfo) bool { return cidr.Contains(i.Addr()) }, "no interface found in network %s", cidr)
}

func find(match func(InterfaceInfo) bool, format string, arg any) (*InterfaceInfo, error) {
	ifaces, err := Interfaces()
	if err != nil {
		return nil, err
	}
	for _, info := range ifaces {
		if match(info) {
			return &info, nil
		}
	}
	return nil, fmt.Errorf(format, arg)
}

// ResolveListen turns target into a listen address on port. Target may be an
// IPv4 address, a CIDR block matching a local address, or an interface
// name. An empty target listens on all interfaces.
func ResolveListen(target string, port uint16) (netip.AddrPort, error) {
	if target == "" {
		return netip.AddrPortFrom(netip.IPv4Unspecified(), port), nil
	}
	if ip, err := netip.ParseAddr(target); err == nil {
		if !ip.Unmap().Is4() {
			return netip.AddrPort{}, fmt.Errorf("%s is not an IPv4 address", target)
		}
		return netip.AddrPortFrom(ip.Unmap(), port), nil
	}

	var (
		info *InterfaceInfo
		err  error
	)
	if prefix, perr := netip.ParsePrefix(target); perr == nil {
		info, err = FindByCIDR(prefix)
	} else {
		info, err = FindByName(target)
	}
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(info.Addr(), port), nil
}

func broadcast(p netip.Prefix) netip.Addr {
	a := p.Addr().As4()
	mask := ^uint32(0) << (32 - p.Bits())
	binary.BigEndian.PutUint32(a[:], binary.BigEndian.Uint32(a[:])|^mask)
	return netip.AddrFrom4(a)
}
