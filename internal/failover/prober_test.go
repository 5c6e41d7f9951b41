package failover

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"wgproxy/internal/fleet"
)

const pingOutput = `PING example.com (93.184.216.34) 56(84) bytes of data.
64 bytes from 93.184.216.34: icmp_seq=1 ttl=56 time=11.2 ms
64 bytes from 93.184.216.34: icmp_seq=2 ttl=56 time=12.8 ms
64 bytes from 93.184.216.34: icmp_seq=4 ttl=56 time=14.0 ms

--- example.com ping statistics ---
4 packets transmitted, 3 received, 25% packet loss, time 3004ms
rtt min/avg/max/mdev = 11.2/12.6/14.0/1.1 ms
`

func TestParsePingOutput(t *testing.T) {
	times, loss := parsePingOutput(pingOutput)
	assert.Equal(t, []float64{11.2, 12.8, 14.0}, times)
	assert.Equal(t, 25.0, loss)
}

func TestParsePingOutputNoSummary(t *testing.T) {
	times, loss := parsePingOutput("garbage without any summary line")
	assert.Empty(t, times)
	assert.Equal(t, 100.0, loss, "missing summary counts as total loss")
}

func TestParsePingOutputTotalLoss(t *testing.T) {
	out := `PING 10.0.0.1 (10.0.0.1) 56(84) bytes of data.

--- 10.0.0.1 ping statistics ---
5 packets transmitted, 0 received, 100% packet loss, time 4089ms
`
	times, loss := parsePingOutput(out)
	assert.Empty(t, times)
	assert.Equal(t, 100.0, loss)
}

func TestMean(t *testing.T) {
	assert.InDelta(t, 12.666, mean([]float64{11.2, 12.8, 14.0}), 0.001)
}

func TestProbeWithoutEndpoint(t *testing.T) {
	p := &PingProber{Count: 1, Timeout: time.Second, LossThreshold: 50, LatencyCeilingMs: 300}
	res := p.Probe(context.Background(), fleet.Server{ID: "s1"})
	assert.False(t, res.Available)
	assert.Equal(t, 100.0, res.PacketLoss)
	assert.Equal(t, 999.0, res.LatencyMs)
}
