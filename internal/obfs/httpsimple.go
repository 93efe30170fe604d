package obfs

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"strings"
)

// httpSimple disguises the session opening as a plain HTTP request. The first
// outbound payload's head bytes travel percent-encoded in the request path;
// the remainder follows as the request body. The server's response headers are
// stripped from the first inbound payload. Everything after the first
// exchange passes through untouched.
type httpSimple struct {
	info ServerInfo

	sentHeader bool
	recvHeader bool
	recvBuf    []byte
}

const httpUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36"

func newHTTPSimple(info ServerInfo) *httpSimple {
	return &httpSimple{info: info}
}

func (h *httpSimple) Name() string            { return "http-simple" }
func (h *httpSimple) ServerInfo() *ServerInfo { return &h.info }
func (h *httpSimple) ServerFirst() bool       { return false }

// hostHeader picks the Host header value: the plugin parameter may carry a
// comma-separated list of camouflage hosts, otherwise the relay host is used.
func (h *httpSimple) hostHeader() string {
	host := h.info.Host
	if h.info.Param != "" {
		candidates := strings.Split(h.info.Param, ",")
		host = strings.TrimSpace(candidates[0])
	}
	if h.info.Port != 80 {
		return fmt.Sprintf("%s:%d", host, h.info.Port)
	}
	return host
}

func (h *httpSimple) ClientEncode(p []byte) ([]byte, error) {
	if h.sentHeader {
		return p, nil
	}
	h.sentHeader = true

	// The percent-encoded path carries the destination record plus a little
	// of what follows, so a DPI box sees a GET with a plausible path.
	headLen := h.info.HeadLen
	if headLen <= 0 || headLen > len(p) {
		headLen = len(p)
	}
	extra := make([]byte, 1)
	rand.Read(extra)
	headLen += int(extra[0]) % 16
	if headLen > len(p) {
		headLen = len(p)
	}

	var path bytes.Buffer
	for _, b := range p[:headLen] {
		fmt.Fprintf(&path, "%%%02x", b)
	}

	var out bytes.Buffer
	fmt.Fprintf(&out, "GET /%s HTTP/1.1\r\n", path.String())
	fmt.Fprintf(&out, "Host: %s\r\n", h.hostHeader())
	fmt.Fprintf(&out, "User-Agent: %s\r\n", httpUserAgent)
	out.WriteString("Accept: text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8\r\n")
	out.WriteString("Accept-Language: en-US,en;q=0.8\r\n")
	out.WriteString("Accept-Encoding: gzip, deflate\r\n")
	out.WriteString("DNT: 1\r\n")
	out.WriteString("Connection: keep-alive\r\n\r\n")
	out.Write(p[headLen:])
	return out.Bytes(), nil
}

func (h *httpSimple) ClientDecode(p []byte) ([]byte, []byte, error) {
	if h.recvHeader {
		return p, nil, nil
	}

	h.recvBuf = append(h.recvBuf, p...)
	i := bytes.Index(h.recvBuf, []byte("\r\n\r\n"))
	if i < 0 {
		if len(h.recvBuf) > 4096 {
			return nil, nil, fmt.Errorf("obfs: response header exceeds 4096 bytes")
		}
		// Header still incomplete; everything consumed, nothing to surface.
		return nil, nil, nil
	}

	h.recvHeader = true
	body := append([]byte(nil), h.recvBuf[i+4:]...)
	h.recvBuf = nil
	return body, nil, nil
}
