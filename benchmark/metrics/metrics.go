package metrics

import "time"

type ProxyType string

const (
	ProxyAMQplex  ProxyType = "amqplex"
	ProxyAMQProxy ProxyType = "amqproxy"
)

type BenchmarkResult struct {
	Proxy       ProxyType     `json:"proxy"`
	Scenario    string        `json:"scenario"`
	Messages    int64         `json:"messages"`
	Duration    time.Duration `json:"duration"`
	Throughput  float64       `json:"throughput_msg_per_sec"`
	CPUStats    CPUStats      `json:"cpu"`
	MemoryStats MemoryStats   `json:"memory"`
	Timestamp   time.Time     `json:"timestamp"`
}

type CPUStats struct {
	CPUPercent float64 `json:"cpu_percent"`
}

type MemoryStats struct {
	MaxRSS     int64 `json:"max_rss_kb"`
	CurrentRSS int64 `json:"current_rss_kb"`
}
