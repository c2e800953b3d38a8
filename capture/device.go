package capture

import (
	"context"
	"sync"
	"syscall"
	"time"

	"github.com/cobaltgraph/cobaltgraph/logger"
	"github.com/cobaltgraph/cobaltgraph/util"

	gnet "github.com/shirou/gopsutil/v3/net"
)

// DeviceSource reads the current socket state of the local host on a fixed
// tick and emits a record per newly observed 5-tuple. It needs no elevated
// privileges, which makes it the default observation mode.
type DeviceSource struct {
	tick     time.Duration
	dedup    *dedupWindow
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once

	// connections is swappable for tests
	connections func(ctx context.Context, kind string) ([]gnet.ConnectionStat, error)
}

func NewDeviceSource(tick time.Duration) *DeviceSource {
	if tick <= 0 {
		tick = time.Second
	}
	return &DeviceSource{
		tick:        tick,
		dedup:       newDedupWindow(DefaultDedupWindow),
		done:        make(chan struct{}),
		connections: gnet.ConnectionsWithContext,
	}
}

// Start begins polling socket state and returns the record sequence. The
// returned channel is closed when Stop is called or the context is cancelled.
func (s *DeviceSource) Start(ctx context.Context) (<-chan ConnectionRecord, error) {
	zlog := logger.GetLogger()

	// probe once up front so a broken proc filesystem surfaces as a
	// startup failure instead of a silent empty stream
	if _, err := s.connections(ctx, "inet"); err != nil {
		return nil, err
	}

	ctx, s.cancel = context.WithCancel(ctx)
	out := make(chan ConnectionRecord, 64)

	go func() {
		defer close(out)
		defer close(s.done)

		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				records := s.poll(ctx)
				for i := range records {
					select {
					case out <- records[i]:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	zlog.Info().Dur("tick", s.tick).Msg("device capture started")
	return out, nil
}

// Stop terminates the sequence. Safe to call more than once.
func (s *DeviceSource) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
			<-s.done
		}
	})
}

// poll reads the socket table and converts newly observed established
// connections into records
func (s *DeviceSource) poll(ctx context.Context) []ConnectionRecord {
	zlog := logger.GetLogger()

	conns, err := s.connections(ctx, "inet")
	if err != nil {
		zlog.Warn().Err(err).Msg("failed to read socket state")
		return nil
	}

	now := float64(time.Now().UnixNano()) / 1e9

	var records []ConnectionRecord
	for _, conn := range conns {
		// sockets without a remote end (listeners, unbound UDP) carry no
		// destination signal
		if conn.Raddr.IP == "" {
			continue
		}
		if conn.Status != "" && conn.Status != "ESTABLISHED" {
			continue
		}

		record := ConnectionRecord{
			Timestamp: now,
			SrcIP:     util.CanonicalIP(conn.Laddr.IP),
			DstIP:     util.CanonicalIP(conn.Raddr.IP),
			SrcPort:   int(conn.Laddr.Port),
			DstPort:   int(conn.Raddr.Port),
			Protocol:  socketProtocol(conn.Type),
			Mode:      ModeDevice,
		}
		if !record.Valid() {
			continue
		}
		if !s.dedup.observe(record.FiveTuple()) {
			continue
		}
		records = append(records, record)
	}
	return records
}

func socketProtocol(sockType uint32) string {
	switch sockType {
	case syscall.SOCK_STREAM:
		return ProtocolTCP
	case syscall.SOCK_DGRAM:
		return ProtocolUDP
	case syscall.SOCK_RAW:
		return ProtocolICMP
	default:
		return ProtocolOther
	}
}
