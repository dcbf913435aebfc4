// Package packet defines the datagram value passed between the receive
// queue, the sampler and the filter pipeline.
package packet

import (
	"net/netip"
	"time"
)

// MaxDatagramSize is the largest UDP payload the pipeline will read.
const MaxDatagramSize = 65535

// Datagram is a captured UDP payload together with its source endpoint.
// A Datagram is never modified after capture.
type Datagram struct {
	From     netip.AddrPort
	Data     []byte
	Captured time.Time
}

// Capture copies data into a new Datagram stamped with the current time.
func Capture(from netip.AddrPort, data []byte) Datagram {
	buf := make([]byte, len(data))
	copy(buf, data)
	return Datagram{From: from, Data: buf, Captured: time.Now()}
}

// Len returns the payload length.
func (d Datagram) Len() int {
	return len(d.Data)
}
