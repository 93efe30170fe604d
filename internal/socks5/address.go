package socks5

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
)

// Address is a SOCKS5 destination: an IPv4/IPv6 literal or a host name, plus a
// port. Its wire encoding (atyp, address bytes, big-endian port) is shared by
// the SOCKS5 request/reply and the relay protocol's destination record.
type Address struct {
	Type   Atyp
	IP     net.IP
	Domain string
	Port   uint16
}

// Host returns the destination host without the port.
func (a Address) Host() string {
	if a.Type == AtypDomain {
		return a.Domain
	}
	return a.IP.String()
}

// String returns the destination in host:port form.
func (a Address) String() string {
	return net.JoinHostPort(a.Host(), strconv.Itoa(int(a.Port)))
}

// Encode returns the wire form of the address:
//
//	atyp(1) || [ ipv4(4) | ipv6(16) | len(1) host(len) ] || port(2, big-endian)
func (a Address) Encode() []byte {
	var out []byte
	switch a.Type {
	case AtypIPv4:
		out = make([]byte, 0, 1+net.IPv4len+2)
		out = append(out, byte(AtypIPv4))
		out = append(out, a.IP.To4()...)
	case AtypIPv6:
		out = make([]byte, 0, 1+net.IPv6len+2)
		out = append(out, byte(AtypIPv6))
		out = append(out, a.IP.To16()...)
	case AtypDomain:
		out = make([]byte, 0, 2+len(a.Domain)+2)
		out = append(out, byte(AtypDomain), byte(len(a.Domain)))
		out = append(out, a.Domain...)
	}
	return binary.BigEndian.AppendUint16(out, a.Port)
}

// ParseAddress decodes a wire-form address from the front of b. It returns the
// address and the number of bytes consumed.
func ParseAddress(b []byte) (Address, int, error) {
	if len(b) < 1 {
		return Address{}, 0, fmt.Errorf("socks5: short address record")
	}

	var (
		a Address
		n int
	)
	a.Type = Atyp(b[0])

	switch a.Type {
	case AtypIPv4:
		n = 1 + net.IPv4len + 2
		if len(b) < n {
			return Address{}, 0, fmt.Errorf("socks5: short IPv4 record")
		}
		a.IP = net.IP(append([]byte(nil), b[1:1+net.IPv4len]...))
	case AtypIPv6:
		n = 1 + net.IPv6len + 2
		if len(b) < n {
			return Address{}, 0, fmt.Errorf("socks5: short IPv6 record")
		}
		a.IP = net.IP(append([]byte(nil), b[1:1+net.IPv6len]...))
	case AtypDomain:
		if len(b) < 2 {
			return Address{}, 0, fmt.Errorf("socks5: short host record")
		}
		l := int(b[1])
		if l == 0 {
			return Address{}, 0, ErrZeroLengthHost
		}
		n = 2 + l + 2
		if len(b) < n {
			return Address{}, 0, fmt.Errorf("socks5: short host record")
		}
		a.Domain = string(b[2 : 2+l])
	default:
		return Address{}, 0, fmt.Errorf("%w: %#02x", ErrBadAddrType, b[0])
	}

	a.Port = binary.BigEndian.Uint16(b[n-2 : n])
	return a, n, nil
}

// HeadSize returns the length of the address record at the front of pkg, or
// def when the record is too short or of an unknown type. Obfuscation plugins
// use this to know how much of the first payload is routing metadata rather
// than application data.
func HeadSize(pkg []byte, def int) int {
	if len(pkg) < 2 {
		return def
	}
	switch Atyp(pkg[0] & 0x07) {
	case AtypIPv4:
		return 1 + net.IPv4len + 2
	case AtypIPv6:
		return 1 + net.IPv6len + 2
	case AtypDomain:
		return 2 + int(pkg[1]) + 2
	default:
		return def
	}
}
