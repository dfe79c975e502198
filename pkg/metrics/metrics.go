package metrics

import (
	"fmt"
	"sync"
	"time"
)

// Metrics holds in-process counters for the bridge. Scraped via /metrics
// and /metrics/prometheus; no external metrics backend required.
type Metrics struct {
	mu sync.RWMutex

	// HTTP request metrics
	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64

	EndpointRequests map[string]int64
	EndpointErrors   map[string]int64
	EndpointLatency  map[string][]time.Duration

	// Pipeline stage metrics (stt, llm, tts)
	StageCalls   map[string]int64
	StageErrors  map[string]int64
	StageLatency map[string][]time.Duration

	// Conversation metrics, keyed by transport (webhook, streaming)
	Turns        map[string]int64
	TurnFailures map[string]int64
	TurnLatency  map[string][]time.Duration

	// Playback
	PlaybackFrames int64
	ActiveStreams  int64

	// Circuit breaker state per stage
	BreakerState    map[string]string
	BreakerFailures map[string]int64

	StartTime time.Time
}

var globalMetrics = &Metrics{
	EndpointRequests: make(map[string]int64),
	EndpointErrors:   make(map[string]int64),
	EndpointLatency:  make(map[string][]time.Duration),
	StageCalls:       make(map[string]int64),
	StageErrors:      make(map[string]int64),
	StageLatency:     make(map[string][]time.Duration),
	Turns:            make(map[string]int64),
	TurnFailures:     make(map[string]int64),
	TurnLatency:      make(map[string][]time.Duration),
	BreakerState:     make(map[string]string),
	BreakerFailures:  make(map[string]int64),
	StartTime:        time.Now(),
}

const latencyWindow = 100

func appendLatency(m map[string][]time.Duration, key string, latency time.Duration) {
	if len(m[key]) >= latencyWindow {
		m[key] = m[key][1:]
	}
	m[key] = append(m[key], latency)
}

// RecordRequest records an HTTP request against an endpoint label.
func RecordRequest(endpoint string, success bool, latency time.Duration) {
	globalMetrics.mu.Lock()
	defer globalMetrics.mu.Unlock()

	globalMetrics.TotalRequests++
	if success {
		globalMetrics.SuccessfulRequests++
	} else {
		globalMetrics.FailedRequests++
		globalMetrics.EndpointErrors[endpoint]++
	}

	globalMetrics.EndpointRequests[endpoint]++
	appendLatency(globalMetrics.EndpointLatency, endpoint, latency)
}

// RecordServiceCall records one pipeline stage invocation.
func RecordServiceCall(stage string, success bool, latency time.Duration) {
	globalMetrics.mu.Lock()
	defer globalMetrics.mu.Unlock()

	globalMetrics.StageCalls[stage]++
	if !success {
		globalMetrics.StageErrors[stage]++
	}
	appendLatency(globalMetrics.StageLatency, stage, latency)
}

// RecordTurn records one completed conversation turn end to end.
func RecordTurn(transport string, success bool, latency time.Duration) {
	globalMetrics.mu.Lock()
	defer globalMetrics.mu.Unlock()

	globalMetrics.Turns[transport]++
	if !success {
		globalMetrics.TurnFailures[transport]++
	}
	appendLatency(globalMetrics.TurnLatency, transport, latency)
}

// AddPlaybackFrames counts outbound audio frames written to streams.
func AddPlaybackFrames(n int64) {
	globalMetrics.mu.Lock()
	defer globalMetrics.mu.Unlock()
	globalMetrics.PlaybackFrames += n
}

// SetActiveStreams publishes the current live-stream gauge.
func SetActiveStreams(n int64) {
	globalMetrics.mu.Lock()
	defer globalMetrics.mu.Unlock()
	globalMetrics.ActiveStreams = n
}

// UpdateCircuitBreaker publishes breaker state for a pipeline stage.
func UpdateCircuitBreaker(stage, state string, failures int64) {
	globalMetrics.mu.Lock()
	defer globalMetrics.mu.Unlock()

	globalMetrics.BreakerState[stage] = state
	globalMetrics.BreakerFailures[stage] = failures
}

func avgLatency(m map[string][]time.Duration) map[string]float64 {
	out := make(map[string]float64)
	for key, latencies := range m {
		if len(latencies) == 0 {
			continue
		}
		var sum time.Duration
		for _, l := range latencies {
			sum += l
		}
		out[key] = sum.Seconds() / float64(len(latencies))
	}
	return out
}

// GetMetrics returns a snapshot for the JSON /metrics endpoint.
func GetMetrics() map[string]interface{} {
	globalMetrics.mu.RLock()
	defer globalMetrics.mu.RUnlock()

	uptime := time.Since(globalMetrics.StartTime)

	return map[string]interface{}{
		"uptime_seconds": uptime.Seconds(),
		"requests": map[string]interface{}{
			"total":      globalMetrics.TotalRequests,
			"successful": globalMetrics.SuccessfulRequests,
			"failed":     globalMetrics.FailedRequests,
		},
		"endpoints": map[string]interface{}{
			"requests":            globalMetrics.EndpointRequests,
			"errors":              globalMetrics.EndpointErrors,
			"latency_avg_seconds": avgLatency(globalMetrics.EndpointLatency),
		},
		"pipeline": map[string]interface{}{
			"calls":               globalMetrics.StageCalls,
			"errors":              globalMetrics.StageErrors,
			"latency_avg_seconds": avgLatency(globalMetrics.StageLatency),
		},
		"turns": map[string]interface{}{
			"total":               globalMetrics.Turns,
			"failures":            globalMetrics.TurnFailures,
			"latency_avg_seconds": avgLatency(globalMetrics.TurnLatency),
		},
		"playback": map[string]interface{}{
			"frames_total":   globalMetrics.PlaybackFrames,
			"active_streams": globalMetrics.ActiveStreams,
		},
		"circuit_breakers": map[string]interface{}{
			"state":    globalMetrics.BreakerState,
			"failures": globalMetrics.BreakerFailures,
		},
	}
}

// GetPrometheusMetrics renders the snapshot in Prometheus text format.
func GetPrometheusMetrics() string {
	globalMetrics.mu.RLock()
	defer globalMetrics.mu.RUnlock()

	var output string

	output += "# HELP voicebridge_uptime_seconds Process uptime in seconds\n"
	output += "# TYPE voicebridge_uptime_seconds gauge\n"
	output += fmt.Sprintf("voicebridge_uptime_seconds %.2f\n", time.Since(globalMetrics.StartTime).Seconds())

	output += "# HELP voicebridge_requests_total Total number of HTTP requests\n"
	output += "# TYPE voicebridge_requests_total counter\n"
	output += fmt.Sprintf("voicebridge_requests_total{status=\"total\"} %d\n", globalMetrics.TotalRequests)
	output += fmt.Sprintf("voicebridge_requests_total{status=\"successful\"} %d\n", globalMetrics.SuccessfulRequests)
	output += fmt.Sprintf("voicebridge_requests_total{status=\"failed\"} %d\n", globalMetrics.FailedRequests)

	output += "# HELP voicebridge_endpoint_requests_total Total requests per endpoint\n"
	output += "# TYPE voicebridge_endpoint_requests_total counter\n"
	for endpoint, count := range globalMetrics.EndpointRequests {
		output += fmt.Sprintf("voicebridge_endpoint_requests_total{endpoint=\"%s\"} %d\n", endpoint, count)
	}

	output += "# HELP voicebridge_stage_calls_total Total pipeline stage calls\n"
	output += "# TYPE voicebridge_stage_calls_total counter\n"
	for stage, count := range globalMetrics.StageCalls {
		output += fmt.Sprintf("voicebridge_stage_calls_total{stage=\"%s\"} %d\n", stage, count)
	}

	output += "# HELP voicebridge_stage_errors_total Total pipeline stage errors\n"
	output += "# TYPE voicebridge_stage_errors_total counter\n"
	for stage, count := range globalMetrics.StageErrors {
		output += fmt.Sprintf("voicebridge_stage_errors_total{stage=\"%s\"} %d\n", stage, count)
	}

	output += "# HELP voicebridge_turns_total Total conversation turns per transport\n"
	output += "# TYPE voicebridge_turns_total counter\n"
	for transport, count := range globalMetrics.Turns {
		output += fmt.Sprintf("voicebridge_turns_total{transport=\"%s\"} %d\n", transport, count)
	}

	output += "# HELP voicebridge_playback_frames_total Outbound audio frames written\n"
	output += "# TYPE voicebridge_playback_frames_total counter\n"
	output += fmt.Sprintf("voicebridge_playback_frames_total %d\n", globalMetrics.PlaybackFrames)

	output += "# HELP voicebridge_active_streams Live voicebot streams\n"
	output += "# TYPE voicebridge_active_streams gauge\n"
	output += fmt.Sprintf("voicebridge_active_streams %d\n", globalMetrics.ActiveStreams)

	return output
}
