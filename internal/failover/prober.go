package failover

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"wgproxy/internal/fleet"
)

// ProbeResult is one availability measurement for a server.
type ProbeResult struct {
	Available  bool      `json:"available"`
	PacketLoss float64   `json:"packet_loss"`
	LatencyMs  float64   `json:"latency"`
	CheckedAt  time.Time `json:"checked_at"`
}

// ProbeFunc measures one server's reachability. Swappable in tests.
type ProbeFunc func(ctx context.Context, srv fleet.Server) ProbeResult

// PingProber shells out to the system ping and derives mean latency and
// loss percentage from its output. A server is available iff loss is below
// the threshold and mean latency below the ceiling.
type PingProber struct {
	Count            int
	Timeout          time.Duration
	LossThreshold    float64
	LatencyCeilingMs float64
}

func (p *PingProber) Probe(ctx context.Context, srv fleet.Server) ProbeResult {
	result := ProbeResult{PacketLoss: 100, LatencyMs: 999, CheckedAt: time.Now()}
	if srv.Endpoint == "" {
		return result
	}

	// The deadline covers all pings plus one extra timeout of slack.
	deadline := p.Timeout * time.Duration(p.Count+1)
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "ping",
		"-c", strconv.Itoa(p.Count),
		"-W", strconv.Itoa(int(p.Timeout/time.Second)),
		srv.Endpoint,
	)
	out, err := cmd.Output()
	if err != nil && len(out) == 0 {
		// Command failed outright: treat as total loss.
		return result
	}

	times, loss := parsePingOutput(string(out))
	result.PacketLoss = loss
	if len(times) > 0 {
		result.LatencyMs = mean(times)
	}
	result.Available = loss < p.LossThreshold && result.LatencyMs < p.LatencyCeilingMs
	return result
}

// parsePingOutput extracts the per-packet "time=" values and the summary
// loss percentage. Loss defaults to 100 when the summary line is missing.
func parsePingOutput(out string) (times []float64, loss float64) {
	loss = 100
	for _, line := range strings.Split(out, "\n") {
		if idx := strings.Index(line, "time="); idx >= 0 {
			field := line[idx+len("time="):]
			if sp := strings.IndexByte(field, ' '); sp >= 0 {
				field = field[:sp]
			}
			if v, err := strconv.ParseFloat(field, 64); err == nil {
				times = append(times, v)
			}
		}
		if strings.Contains(line, "packet loss") {
			fields := strings.Fields(line)
			for _, f := range fields {
				if strings.HasSuffix(f, "%") {
					if v, err := strconv.ParseFloat(strings.TrimSuffix(f, "%"), 64); err == nil {
						loss = v
					}
				}
			}
		}
	}
	return times, loss
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
