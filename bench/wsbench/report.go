package main

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"time"
)

// Stats 统计数据
type Stats struct {
	mu sync.Mutex

	// 连接
	TotalAttempts int64
	SuccessConns  int64
	FailedConns   int64
	CurrentConns  int64
	Disconnects   int64

	// 事件
	EventsPublished  int64
	PublishFailed    int64
	EventsReceived   int64
	PresenceReceived int64

	// 心跳
	PingsSent     int64
	PongsReceived int64

	connLatencies  []int64 // 纳秒
	eventLatencies []int64
	errors         map[string]int64

	StartTime time.Time
	EndTime   time.Time
}

func newStats() *Stats {
	return &Stats{errors: make(map[string]int64), StartTime: time.Now()}
}

func (s *Stats) recordConnLatency(d time.Duration) {
	s.mu.Lock()
	s.connLatencies = append(s.connLatencies, d.Nanoseconds())
	s.mu.Unlock()
}

func (s *Stats) recordEventLatency(d time.Duration) {
	s.mu.Lock()
	s.eventLatencies = append(s.eventLatencies, d.Nanoseconds())
	s.mu.Unlock()
}

// recordError 按错误文本前 50 个字符聚合
func (s *Stats) recordError(err error) {
	msg := err.Error()
	if len(msg) > 50 {
		msg = msg[:50]
	}
	s.mu.Lock()
	s.errors[msg]++
	s.mu.Unlock()
}

// Result 压测结果
type Result struct {
	Mode        string `json:"mode"`
	Target      string `json:"target"`
	TargetConns int    `json:"target_conns"`

	TotalAttempts int64   `json:"total_attempts"`
	SuccessConns  int64   `json:"success_conns"`
	FailedConns   int64   `json:"failed_conns"`
	SuccessRate   float64 `json:"success_rate_percent"`
	Disconnects   int64   `json:"disconnects"`
	FinalConns    int64   `json:"final_conns"`

	ConnLatency  LatencyStats `json:"conn_latency_ms"`
	EventLatency LatencyStats `json:"event_latency_ms"`

	EventsPublished  int64   `json:"events_published"`
	PublishFailed    int64   `json:"publish_failed"`
	EventsReceived   int64   `json:"events_received"`
	DeliveryRatio    float64 `json:"delivery_ratio_percent"`
	PresenceReceived int64   `json:"presence_received"`

	PingsSent     int64   `json:"pings_sent"`
	PongsReceived int64   `json:"pongs_received"`
	PongRate      float64 `json:"pong_rate_percent"`

	Errors     map[string]int64 `json:"errors"`
	ActualTime float64          `json:"actual_time_seconds"`
}

// LatencyStats 延迟统计（毫秒）
type LatencyStats struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Avg    float64 `json:"avg"`
	P50    float64 `json:"p50"`
	P90    float64 `json:"p90"`
	P95    float64 `json:"p95"`
	P99    float64 `json:"p99"`
	StdDev float64 `json:"std_dev"`
}

func generateResult(cfg Config, stats *Stats) Result {
	stats.mu.Lock()
	defer stats.mu.Unlock()

	r := Result{
		Mode:             cfg.Mode,
		Target:           cfg.Target,
		TargetConns:      cfg.Conns,
		TotalAttempts:    stats.TotalAttempts,
		SuccessConns:     stats.SuccessConns,
		FailedConns:      stats.FailedConns,
		Disconnects:      stats.Disconnects,
		FinalConns:       stats.CurrentConns,
		EventsPublished:  stats.EventsPublished,
		PublishFailed:    stats.PublishFailed,
		EventsReceived:   stats.EventsReceived,
		PresenceReceived: stats.PresenceReceived,
		PingsSent:        stats.PingsSent,
		PongsReceived:    stats.PongsReceived,
		ConnLatency:      calculateLatencyStats(stats.connLatencies),
		EventLatency:     calculateLatencyStats(stats.eventLatencies),
		Errors:           stats.errors,
		ActualTime:       stats.EndTime.Sub(stats.StartTime).Seconds(),
	}

	if r.TotalAttempts > 0 {
		r.SuccessRate = percent(r.SuccessConns, r.TotalAttempts)
	}
	if r.PingsSent > 0 {
		r.PongRate = percent(r.PongsReceived, r.PingsSent)
	}
	// 每个事件应到达每个在线连接
	if expected := r.EventsPublished * r.SuccessConns; expected > 0 {
		r.DeliveryRatio = percent(r.EventsReceived, expected)
	}
	return r
}

func percent(part, total int64) float64 {
	return float64(part) / float64(total) * 100
}

func calculateLatencyStats(latencies []int64) LatencyStats {
	if len(latencies) == 0 {
		return LatencyStats{}
	}

	sorted := make([]int64, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	toMs := func(ns float64) float64 { return ns / 1e6 }

	var sum float64
	for _, v := range sorted {
		sum += float64(v)
	}
	avg := sum / float64(len(sorted))

	var variance float64
	for _, v := range sorted {
		diff := float64(v) - avg
		variance += diff * diff
	}
	variance /= float64(len(sorted))

	at := func(p int) float64 { return toMs(float64(sorted[len(sorted)*p/100])) }
	return LatencyStats{
		Count:  len(sorted),
		Min:    toMs(float64(sorted[0])),
		Max:    toMs(float64(sorted[len(sorted)-1])),
		Avg:    toMs(avg),
		P50:    at(50),
		P90:    at(90),
		P95:    at(95),
		P99:    at(99),
		StdDev: toMs(math.Sqrt(variance)),
	}
}

func outputJSON(result Result) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "JSON 编码错误: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

func printLatency(title string, l LatencyStats) {
	fmt.Printf("--- %s (ms, n=%d) ---\n", title, l.Count)
	fmt.Printf("Min: %.2f  Avg: %.2f  Max: %.2f  StdDev: %.2f\n", l.Min, l.Avg, l.Max, l.StdDev)
	fmt.Printf("P50: %.2f  P90: %.2f  P95: %.2f  P99: %.2f\n", l.P50, l.P90, l.P95, l.P99)
	fmt.Println()
}

func outputText(r Result) {
	fmt.Println()
	fmt.Println("==================== 压测结果 ====================")
	fmt.Println()
	fmt.Println("--- 连接统计 ---")
	fmt.Printf("尝试连接数:     %d\n", r.TotalAttempts)
	fmt.Printf("成功连接数:     %d\n", r.SuccessConns)
	fmt.Printf("失败连接数:     %d\n", r.FailedConns)
	fmt.Printf("连接成功率:     %.2f%%\n", r.SuccessRate)
	fmt.Printf("断开连接数:     %d\n", r.Disconnects)
	fmt.Printf("最终连接数:     %d\n", r.FinalConns)
	fmt.Println()

	printLatency("连接延迟", r.ConnLatency)

	if r.Mode == modeFanout {
		fmt.Println("--- 扇出统计 ---")
		fmt.Printf("发布事件数:     %d (失败 %d)\n", r.EventsPublished, r.PublishFailed)
		fmt.Printf("收到事件数:     %d\n", r.EventsReceived)
		fmt.Printf("投递率:         %.2f%%\n", r.DeliveryRatio)
		fmt.Println()
		printLatency("端到端延迟", r.EventLatency)
	}

	fmt.Println("--- 心跳统计 ---")
	fmt.Printf("发送 Ping 数:   %d\n", r.PingsSent)
	fmt.Printf("接收 Pong 数:   %d\n", r.PongsReceived)
	fmt.Printf("Pong 响应率:    %.2f%%\n", r.PongRate)
	fmt.Printf("在线状态事件:   %d\n", r.PresenceReceived)
	fmt.Println()

	if len(r.Errors) > 0 {
		fmt.Println("--- 错误统计 ---")
		for err, count := range r.Errors {
			fmt.Printf("%s: %d\n", err, count)
		}
		fmt.Println()
	}

	fmt.Printf("--- 运行时间: %.2f 秒 ---\n", r.ActualTime)
	fmt.Println("=================================================")
}

func outputCSV(r Result) {
	fmt.Println("metric,value")
	fmt.Printf("mode,%s\n", r.Mode)
	fmt.Printf("target,%s\n", r.Target)
	fmt.Printf("target_conns,%d\n", r.TargetConns)
	fmt.Printf("duration_seconds,%.2f\n", r.ActualTime)
	fmt.Printf("success_conns,%d\n", r.SuccessConns)
	fmt.Printf("failed_conns,%d\n", r.FailedConns)
	fmt.Printf("success_rate_percent,%.2f\n", r.SuccessRate)
	fmt.Printf("disconnects,%d\n", r.Disconnects)
	fmt.Printf("conn_latency_p50_ms,%.2f\n", r.ConnLatency.P50)
	fmt.Printf("conn_latency_p99_ms,%.2f\n", r.ConnLatency.P99)
	if r.Mode == modeFanout {
		fmt.Printf("events_published,%d\n", r.EventsPublished)
		fmt.Printf("events_received,%d\n", r.EventsReceived)
		fmt.Printf("delivery_ratio_percent,%.2f\n", r.DeliveryRatio)
		fmt.Printf("event_latency_p50_ms,%.2f\n", r.EventLatency.P50)
		fmt.Printf("event_latency_p95_ms,%.2f\n", r.EventLatency.P95)
		fmt.Printf("event_latency_p99_ms,%.2f\n", r.EventLatency.P99)
	}
	fmt.Printf("pings_sent,%d\n", r.PingsSent)
	fmt.Printf("pongs_received,%d\n", r.PongsReceived)
	fmt.Printf("pong_rate_percent,%.2f\n", r.PongRate)
}
