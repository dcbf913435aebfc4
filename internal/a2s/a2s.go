// Package a2s implements the subset of the connectionless server query
// wire format needed to classify requests and to build info and player
// replies. All integers are little-endian.
package a2s

import "runtime"

// Packet markers found in the first four bytes of a datagram.
const (
	ConnectionlessMarker int32 = -1 // 0xFFFFFFFF
	SplitMarker          int32 = -2 // 0xFFFFFFFE

	HeaderLength = 5
)

// Request type tags.
const (
	TypeChallenge       byte = 'W'
	TypeMasterChallenge byte = 's'
	TypeInfoRequest     byte = 'T'
	TypePlayerRequest   byte = 'U'
	TypeRulesRequest    byte = 'V'
	TypeHandshake       byte = 'q'
	TypeSteamAuth       byte = 'k'
)

// Reply type tags.
const (
	TypeInfoReply   byte = 'I'
	TypePlayerReply byte = 'D'
)

// InfoRequestPayload is the only payload accepted for a strict info request.
const InfoRequestPayload = "Source Engine Query\x00"

// InfoRequestLength is the total length of a well-formed info request.
const InfoRequestLength = HeaderLength + len(InfoRequestPayload)

// RulesRequestLength is the total length of a well-formed rules request.
const RulesRequestLength = 9

// SpoofedReplySignature marks challenge requests that are really reflected
// status replies.
const SpoofedReplySignature = "statusResponse"

// MaxChallengeLength bounds challenge and master challenge requests.
const MaxChallengeLength = 100

// ProtocolVersion is advertised in info replies.
const ProtocolVersion byte = 17

// ServerTypeDedicated is advertised in info replies.
const ServerTypeDedicated byte = 'd'

// Extra data flags of the info reply.
const (
	EDFPort      byte = 0x80
	EDFSteamID   byte = 0x10
	EDFTags      byte = 0x20
	EDFLongAppID byte = 0x01
)

// Platform returns the platform tag for the running operating system.
func Platform() byte {
	switch runtime.GOOS {
	case "windows":
		return 'w'
	case "darwin":
		return 'm'
	default:
		return 'l'
	}
}

// RequestInfo returns a well-formed info request datagram.
func RequestInfo() []byte {
	w := NewWriter(InfoRequestLength)
	w.Long(ConnectionlessMarker)
	w.Byte(TypeInfoRequest)
	w.Raw([]byte(InfoRequestPayload))
	return w.Bytes()
}
