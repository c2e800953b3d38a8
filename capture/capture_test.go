package capture

import (
	"context"
	"syscall"
	"testing"
	"time"

	gnet "github.com/shirou/gopsutil/v3/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionRecordValid(t *testing.T) {
	tests := []struct {
		name     string
		record   ConnectionRecord
		expected bool
	}{
		{
			name:     "Valid",
			record:   ConnectionRecord{DstIP: "8.8.8.8", SrcPort: 55000, DstPort: 443},
			expected: true,
		},
		{
			name:     "Missing dst_ip",
			record:   ConnectionRecord{SrcIP: "10.0.0.2", DstPort: 443},
			expected: false,
		},
		{
			name:     "Port too large",
			record:   ConnectionRecord{DstIP: "8.8.8.8", DstPort: 70000},
			expected: false,
		},
		{
			name:     "Negative port",
			record:   ConnectionRecord{DstIP: "8.8.8.8", SrcPort: -1},
			expected: false,
		},
		{
			name:     "Port zero is allowed",
			record:   ConnectionRecord{DstIP: "8.8.8.8", DstPort: 0},
			expected: true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require.Equal(t, test.expected, test.record.Valid())
		})
	}
}

func TestDedupWindow(t *testing.T) {
	now := time.Now()
	d := newDedupWindow(30 * time.Second)
	d.now = func() time.Time { return now }

	tuple := FiveTuple{SrcIP: "10.0.0.2", SrcPort: 55000, DstIP: "8.8.8.8", DstPort: 443, Protocol: ProtocolTCP}

	// first observation passes, repeats inside the window are suppressed
	require.True(t, d.observe(tuple))
	require.False(t, d.observe(tuple))

	now = now.Add(29 * time.Second)
	require.False(t, d.observe(tuple))

	// once the window slides past, the tuple is new again
	now = now.Add(2 * time.Second)
	require.True(t, d.observe(tuple))

	// a different tuple is independent
	other := tuple
	other.DstPort = 80
	require.True(t, d.observe(other))
}

func TestDeviceSourceEmitsNewConnections(t *testing.T) {
	source := NewDeviceSource(10 * time.Millisecond)
	source.connections = func(_ context.Context, _ string) ([]gnet.ConnectionStat, error) {
		return []gnet.ConnectionStat{
			{
				Type:   syscall.SOCK_STREAM,
				Status: "ESTABLISHED",
				Laddr:  gnet.Addr{IP: "10.0.0.2", Port: 55000},
				Raddr:  gnet.Addr{IP: "8.8.8.8", Port: 443},
			},
			{
				// listener has no remote end and must be skipped
				Type:   syscall.SOCK_STREAM,
				Status: "LISTEN",
				Laddr:  gnet.Addr{IP: "0.0.0.0", Port: 22},
			},
			{
				// non-established sockets carry no destination signal yet
				Type:   syscall.SOCK_STREAM,
				Status: "TIME_WAIT",
				Laddr:  gnet.Addr{IP: "10.0.0.2", Port: 55001},
				Raddr:  gnet.Addr{IP: "1.1.1.1", Port: 80},
			},
		}, nil
	}

	records, err := source.Start(context.Background())
	require.NoError(t, err)
	defer source.Stop()

	select {
	case record := <-records:
		assert.Equal(t, "8.8.8.8", record.DstIP)
		assert.Equal(t, 443, record.DstPort)
		assert.Equal(t, ProtocolTCP, record.Protocol)
		assert.Equal(t, ModeDevice, record.Mode)
		assert.Empty(t, record.SrcMAC)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for device record")
	}

	// the same socket state polled again must not re-emit inside the window
	select {
	case record, ok := <-records:
		if ok {
			t.Fatalf("expected duplicate suppression, got record for %s", record.DstIP)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDeviceSourceStopClosesSequence(t *testing.T) {
	source := NewDeviceSource(10 * time.Millisecond)
	source.connections = func(_ context.Context, _ string) ([]gnet.ConnectionStat, error) {
		return nil, nil
	}

	records, err := source.Start(context.Background())
	require.NoError(t, err)

	source.Stop()
	// Stop is idempotent
	source.Stop()

	select {
	case _, ok := <-records:
		require.False(t, ok, "channel must be closed after Stop")
	case <-time.After(2 * time.Second):
		t.Fatal("channel was not closed after Stop")
	}
}

func TestSocketProtocol(t *testing.T) {
	assert.Equal(t, ProtocolTCP, socketProtocol(syscall.SOCK_STREAM))
	assert.Equal(t, ProtocolUDP, socketProtocol(syscall.SOCK_DGRAM))
	assert.Equal(t, ProtocolICMP, socketProtocol(syscall.SOCK_RAW))
	assert.Equal(t, ProtocolOther, socketProtocol(0))
}
