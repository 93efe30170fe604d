package tunnel

// stage is the position of a session in its lifecycle. Every completion event
// is dispatched through the stage switch in advance; each handler performs one
// forward action and moves to the next stage.
type stage int

const (
	// stageHandshake waits for and parses the client greeting.
	stageHandshake stage = iota

	// stageHandshakeAuth would collect username/password credentials. The
	// method is never selected, so the stage is unreachable; it is kept so
	// the lifecycle has a place for it when credential auth lands.
	stageHandshakeAuth

	// stageMethodReplied waits for the method-selection reply write.
	stageMethodReplied

	// stageRequest waits for and parses the CONNECT/UDP-ASSOCIATE request.
	stageRequest

	// stageUDPAssocReplied waits for the UDP-ASSOCIATE reply write, then
	// closes; the TCP connection's end also ends the association.
	stageUDPAssocReplied

	// stageLinkConnecting waits for the framed transport to reach the relay.
	stageLinkConnecting

	// stageLinkFirstData waits for the first decryptable relay frame on the
	// framed transport.
	stageLinkFirstData

	// stageLinkStreaming pipes client data into the framed transport.
	stageLinkStreaming

	// stageResolveDone waits for the relay host DNS lookup.
	stageResolveDone

	// stageConnecting waits for the TCP connect to the relay.
	stageConnecting

	// stageAuthSent waits for the opening payload write to the relay.
	stageAuthSent

	// stageAwaitFeedback waits for the relay's obfuscation handshake frame.
	stageAwaitFeedback

	// stageReceiptSent waits for the obfuscation receipt write to the relay.
	stageReceiptSent

	// stageReplySent waits for the SOCKS5 success reply write, then branches
	// into one of the streaming stages.
	stageReplySent

	// stageStreaming pipes data between client and relay in both directions.
	stageStreaming

	// stageKill tears the session down.
	stageKill
)

var stageNames = map[stage]string{
	stageHandshake:       "handshake",
	stageHandshakeAuth:   "handshake_auth",
	stageMethodReplied:   "method_replied",
	stageRequest:         "request",
	stageUDPAssocReplied: "udp_assoc_replied",
	stageLinkConnecting:  "link_connecting",
	stageLinkFirstData:   "link_first_data",
	stageLinkStreaming:   "link_streaming",
	stageResolveDone:     "resolve_done",
	stageConnecting:      "connecting",
	stageAuthSent:        "auth_sent",
	stageAwaitFeedback:   "await_feedback",
	stageReceiptSent:     "receipt_sent",
	stageReplySent:       "reply_sent",
	stageStreaming:       "streaming",
	stageKill:            "kill",
}

func (s stage) String() string {
	if n, ok := stageNames[s]; ok {
		return n
	}
	return "unknown"
}
