package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cobaltgraph/cobaltgraph/logger"
	"github.com/cobaltgraph/cobaltgraph/util"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
)

const pcapSnapLen = 65535

// NetworkSource captures packets promiscuously from a network interface and
// emits a record per observed connection event with MAC addresses populated.
// Opening the interface requires CAP_NET_RAW or root.
type NetworkSource struct {
	iface    string
	dedup    *dedupWindow
	handle   *pcap.Handle
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once

	// openLive is swappable for tests
	openLive func(device string, snaplen int32, promisc bool, timeout time.Duration) (*pcap.Handle, error)
}

func NewNetworkSource(iface string) *NetworkSource {
	return &NetworkSource{
		iface:    iface,
		dedup:    newDedupWindow(DefaultDedupWindow),
		done:     make(chan struct{}),
		openLive: pcap.OpenLive,
	}
}

// Start opens the interface in promiscuous mode and returns the record
// sequence. The returned channel is closed when Stop is called or the
// context is cancelled.
func (s *NetworkSource) Start(ctx context.Context) (<-chan ConnectionRecord, error) {
	zlog := logger.GetLogger()

	handle, err := s.openLive(s.iface, pcapSnapLen, true, pcap.BlockForever)
	if err != nil {
		return nil, fmt.Errorf("unable to open interface %s for capture: %w", s.iface, err)
	}
	s.handle = handle

	ctx, s.cancel = context.WithCancel(ctx)
	out := make(chan ConnectionRecord, 256)

	packetSource := gopacket.NewPacketSource(handle, handle.LinkType())
	packetSource.NoCopy = true

	go func() {
		defer close(out)
		defer close(s.done)
		defer handle.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case packet, ok := <-packetSource.Packets():
				if !ok {
					return
				}
				record, ok := s.decode(packet)
				if !ok {
					continue
				}
				select {
				case out <- record:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	zlog.Info().Str("interface", s.iface).Msg("network capture started")
	return out, nil
}

// Stop closes the capture handle and terminates the sequence. Safe to call
// more than once.
func (s *NetworkSource) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
			<-s.done
		}
	})
}

// decode converts a packet into a connection record, suppressing flows
// already seen within the dedup window
func (s *NetworkSource) decode(packet gopacket.Packet) (ConnectionRecord, bool) {
	record := ConnectionRecord{
		Timestamp: float64(packet.Metadata().Timestamp.UnixNano()) / 1e9,
		Mode:      ModeNetwork,
		Protocol:  ProtocolOther,
	}

	if eth, ok := packet.Layer(layers.LayerTypeEthernet).(*layers.Ethernet); ok {
		record.SrcMAC = util.CanonicalMAC(eth.SrcMAC.String())
		record.DstMAC = util.CanonicalMAC(eth.DstMAC.String())
	}

	switch ip := packet.NetworkLayer().(type) {
	case *layers.IPv4:
		record.SrcIP = util.CanonicalIP(ip.SrcIP.String())
		record.DstIP = util.CanonicalIP(ip.DstIP.String())
	case *layers.IPv6:
		record.SrcIP = util.CanonicalIP(ip.SrcIP.String())
		record.DstIP = util.CanonicalIP(ip.DstIP.String())
	default:
		return record, false
	}

	switch transport := packet.TransportLayer().(type) {
	case *layers.TCP:
		record.Protocol = ProtocolTCP
		record.SrcPort = int(transport.SrcPort)
		record.DstPort = int(transport.DstPort)
		record.RawFlags = tcpFlagBitmask(transport)
	case *layers.UDP:
		record.Protocol = ProtocolUDP
		record.SrcPort = int(transport.SrcPort)
		record.DstPort = int(transport.DstPort)
	default:
		if packet.Layer(layers.LayerTypeICMPv4) != nil || packet.Layer(layers.LayerTypeICMPv6) != nil {
			record.Protocol = ProtocolICMP
		}
	}

	if !record.Valid() {
		return record, false
	}
	if !s.dedup.observe(record.FiveTuple()) {
		return record, false
	}
	return record, true
}

// tcpFlagBitmask packs the TCP flags into the classic header bit order
func tcpFlagBitmask(tcp *layers.TCP) uint32 {
	var flags uint32
	if tcp.FIN {
		flags |= 0x01
	}
	if tcp.SYN {
		flags |= 0x02
	}
	if tcp.RST {
		flags |= 0x04
	}
	if tcp.PSH {
		flags |= 0x08
	}
	if tcp.ACK {
		flags |= 0x10
	}
	if tcp.URG {
		flags |= 0x20
	}
	if tcp.ECE {
		flags |= 0x40
	}
	if tcp.CWR {
		flags |= 0x80
	}
	return flags
}
