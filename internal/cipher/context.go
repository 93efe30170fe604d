package cipher

import (
	"github.com/veksel-project/veksel/internal/obfs"
)

// Settings selects the cipher and plugins for a session.
type Settings struct {
	Method        string
	Password      string
	Protocol      string
	ProtocolParam string
	Obfs          string
	ObfsParam     string

	// Relay endpoint, handed to the plugins for camouflage headers.
	Host string
	Port uint16
}

// Context is the per-tunnel encryption context: protocol plugin inside the
// stream cipher, obfuscation plugin outside. Outbound payloads pass through
// protocol, cipher, obfuscation; inbound payloads the reverse.
type Context struct {
	stream   *StreamCipher
	protocol obfs.Protocol
	plugin   obfs.Plugin

	released bool
}

// NewContext creates a session context. mtu bounds the size of a single
// shaped frame.
func NewContext(cfg Settings, mtu int) (*Context, error) {
	stream, err := NewStreamCipher(cfg.Method, cfg.Password)
	if err != nil {
		return nil, err
	}

	info := obfs.ServerInfo{
		Host: cfg.Host,
		Port: cfg.Port,
		Key:  stream.Key(),
		MTU:  mtu,
	}

	protocol, err := obfs.NewProtocol(cfg.Protocol, cfg.ProtocolParam, info)
	if err != nil {
		return nil, err
	}

	plugin, err := obfs.New(cfg.Obfs, cfg.ObfsParam, info)
	if err != nil {
		return nil, err
	}

	return &Context{
		stream:   stream,
		protocol: protocol,
		plugin:   plugin,
	}, nil
}

// ServerInfo returns the parameter block of the protocol plugin, or of the
// obfuscation plugin when no protocol layer is configured. The tunnel seeds
// BufferSize and HeadLen here before the first Encrypt.
func (c *Context) ServerInfo() *obfs.ServerInfo {
	if c.protocol != nil {
		return c.protocol.ServerInfo()
	}
	return c.plugin.ServerInfo()
}

// Encrypt transforms an outbound plaintext payload into its wire form. The
// result may be empty when the obfuscation plugin defers the payload until
// the server has spoken.
func (c *Context) Encrypt(p []byte) ([]byte, error) {
	d, err := c.protocol.ClientPreEncrypt(p)
	if err != nil {
		return nil, err
	}
	if d, err = c.stream.Encrypt(d); err != nil {
		return nil, err
	}
	return c.plugin.ClientEncode(d)
}

// Decrypt transforms an inbound wire payload into plaintext. The whole of p
// is always consumed. sendback, when non-nil, is an obfuscation frame that
// must be written to the server before streaming continues.
func (c *Context) Decrypt(p []byte) (plain, sendback []byte, err error) {
	d, sendback, err := c.plugin.ClientDecode(p)
	if err != nil {
		return nil, nil, err
	}
	if len(d) > 0 {
		if d, err = c.stream.Decrypt(d); err != nil {
			return nil, nil, err
		}
		if d, err = c.protocol.ClientPostDecrypt(d); err != nil {
			return nil, nil, err
		}
	}
	return d, sendback, nil
}

// NeedFeedback reports whether the obfuscation plugin requires the server's
// first frame before application data may flow.
func (c *Context) NeedFeedback() bool {
	return c.plugin.ServerFirst()
}

// Release clears key material. Safe to call more than once.
func (c *Context) Release() {
	if c.released {
		return
	}
	c.released = true
	c.stream.Zero()
}
