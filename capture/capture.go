package capture

import (
	"context"
)

// observation modes
const (
	ModeDevice  = "device"
	ModeNetwork = "network"
)

// protocol labels used throughout the pipeline
const (
	ProtocolTCP   = "TCP"
	ProtocolUDP   = "UDP"
	ProtocolICMP  = "ICMP"
	ProtocolOther = "OTHER"
)

// ConnectionRecord is one observed connection event. It is created by a
// capture source, consumed exactly once by enrichment and then discarded.
type ConnectionRecord struct {
	Timestamp float64 `json:"timestamp"`
	SrcIP     string  `json:"src_ip"`
	DstIP     string  `json:"dst_ip"`
	SrcPort   int     `json:"src_port"`
	DstPort   int     `json:"dst_port"`
	Protocol  string  `json:"protocol"`
	SrcMAC    string  `json:"src_mac,omitempty"`
	DstMAC    string  `json:"dst_mac,omitempty"`
	Mode      string  `json:"mode"`
	// RawFlags carries opaque protocol-specific flags, e.g. the TCP flag
	// bitmask, used as features by the scorers
	RawFlags uint32 `json:"raw_flags"`
}

// Valid reports whether a record may enter the pipeline. A record with a
// missing destination IP is dropped at ingress.
func (r *ConnectionRecord) Valid() bool {
	if r.DstIP == "" {
		return false
	}
	if r.SrcPort < 0 || r.SrcPort > 65535 || r.DstPort < 0 || r.DstPort > 65535 {
		return false
	}
	return true
}

// FiveTuple returns the (src_ip, src_port, dst_ip, dst_port, protocol) key
// used for duplicate suppression
func (r *ConnectionRecord) FiveTuple() FiveTuple {
	return FiveTuple{
		SrcIP:    r.SrcIP,
		SrcPort:  r.SrcPort,
		DstIP:    r.DstIP,
		DstPort:  r.DstPort,
		Protocol: r.Protocol,
	}
}

type FiveTuple struct {
	SrcIP    string
	SrcPort  int
	DstIP    string
	DstPort  int
	Protocol string
}

// Source is a lazy, finite-or-infinite, non-restartable sequence of
// connection records. Start yields the sequence; Stop releases resources and
// terminates the sequence deterministically by closing the channel.
type Source interface {
	Start(ctx context.Context) (<-chan ConnectionRecord, error)
	Stop()
}
