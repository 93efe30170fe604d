package tunnel

import (
	"net"
)

// Policy answers the listener's authentication and access questions for a
// session.
type Policy interface {
	// CanAuthNone reports whether unauthenticated clients are accepted.
	CanAuthNone(t *Tunnel) bool

	// CanAuthPasswd reports whether username/password clients are accepted.
	CanAuthPasswd(t *Tunnel) bool

	// CanAccess reports whether an outbound connection to ip is allowed.
	// Evaluated before every outbound connect.
	CanAccess(ip net.IP) bool
}

// RulesetPolicy is the default policy: anonymous clients are fine, credential
// auth is not offered, and outbound connects to loopback are refused so the
// client cannot be used to reach services hiding behind the local interface.
type RulesetPolicy struct{}

func (RulesetPolicy) CanAuthNone(*Tunnel) bool { return true }

func (RulesetPolicy) CanAuthPasswd(*Tunnel) bool { return false }

func (RulesetPolicy) CanAccess(ip net.IP) bool {
	if ip == nil {
		return false
	}
	// To4 also catches ::ffff:127.x.x.x style addresses.
	if v4 := ip.To4(); v4 != nil {
		return v4[0] != 127
	}
	return !ip.Equal(net.IPv6loopback)
}
