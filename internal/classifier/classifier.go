// Package classifier decides what to do with a datagram arriving on the
// game server's query socket.
package classifier

import (
	"bytes"

	"github.com/mojo333/queryguard/internal/a2s"
)

// Verdict is the outcome of classifying a single datagram.
type Verdict int

const (
	// PassThrough hands the datagram to the server unmodified.
	PassThrough Verdict = iota
	// InfoQuery is a server info request that can be answered from cache.
	InfoQuery
	// PlayerQuery is a player list request that can be answered from cache.
	PlayerQuery
	// Reject drops the datagram.
	Reject
)

func (v Verdict) String() string {
	switch v {
	case PassThrough:
		return "pass"
	case InfoQuery:
		return "info"
	case PlayerQuery:
		return "player"
	case Reject:
		return "reject"
	}
	return "unknown"
}

// Query reports whether v is answered from a reply cache.
func (v Verdict) Query() bool {
	return v == InfoQuery || v == PlayerQuery
}

// Classify maps a raw datagram to a Verdict. In strict mode every
// connectionless packet type is validated; otherwise only info requests are
// singled out.
func Classify(b []byte, strict bool) Verdict {
	v, _ := Explain(b, strict)
	return v
}

// Explain is Classify with a short human readable reason, empty unless the
// verdict is Reject.
func Explain(b []byte, strict bool) (Verdict, string) {
	n := len(b)
	if n == 0 {
		return Reject, "empty datagram"
	}
	if n < a2s.HeaderLength {
		return PassThrough, ""
	}

	marker, err := a2s.PeekMarker(b)
	if err != nil {
		return Reject, "truncated header"
	}
	if marker == a2s.SplitMarker {
		return Reject, "split marker"
	}
	if marker != a2s.ConnectionlessMarker {
		return PassThrough, ""
	}
	h, err := a2s.ParseHeader(b)
	if err != nil {
		return Reject, "truncated header"
	}

	if !strict {
		if h.Type == a2s.TypeInfoRequest {
			return InfoQuery, ""
		}
		return PassThrough, ""
	}

	switch h.Type {
	case a2s.TypeChallenge, a2s.TypeMasterChallenge:
		if n > a2s.MaxChallengeLength {
			return Reject, "oversized challenge"
		}
		if bytes.HasPrefix(h.Payload, []byte(a2s.SpoofedReplySignature)) {
			return Reject, "reflected status reply"
		}
		return PassThrough, ""

	case a2s.TypeInfoRequest:
		if n != a2s.InfoRequestLength {
			return Reject, "bad info request length"
		}
		if string(h.Payload) != a2s.InfoRequestPayload {
			return Reject, "bad info request payload"
		}
		return InfoQuery, ""

	case a2s.TypePlayerRequest:
		return PlayerQuery, ""

	case a2s.TypeRulesRequest:
		if n != a2s.RulesRequestLength {
			return Reject, "bad rules request length"
		}
		return PassThrough, ""

	case a2s.TypeHandshake, a2s.TypeSteamAuth:
		return PassThrough, ""
	}

	return Reject, "unknown type"
}
