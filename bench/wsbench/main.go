package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/EthanQC/realtime/pkg/jwt"
)

// Config 压测配置
type Config struct {
	Mode         string        // connect-only, fanout
	Target       string        // WebSocket URL
	API          string        // HTTP 地址，fanout 模式通过 /internal/events 发布
	InternalKey  string        // 内部接口密钥
	JWTSecret    string        // 为每个连接签发 token，为空时以游客连接
	JWTIssuer    string        // token issuer
	Conns        int           // 总连接数
	Duration     time.Duration // 压测持续时间
	Ramp         time.Duration // 爬坡时间
	PingInterval time.Duration // 应用层 ping 间隔
	Rate         int           // 每秒发布事件数（fanout 模式）
	PayloadSize  int           // 事件填充大小
	Group        string        // fanout 模式订阅的群
	Output       string        // 输出格式：text, json, csv
	Verbose      bool          // 详细输出
}

func main() {
	cfg := parseFlags()

	fmt.Println("=== wsbench - realtime 压测工具 ===")
	fmt.Printf("模式: %s\n", cfg.Mode)
	fmt.Printf("目标: %s\n", cfg.Target)
	fmt.Printf("连接数: %d\n", cfg.Conns)
	fmt.Printf("持续时间: %s\n", cfg.Duration)
	fmt.Printf("爬坡时间: %s\n", cfg.Ramp)
	if cfg.Mode == modeFanout {
		fmt.Printf("发布速率: %d/s -> group:%s\n", cfg.Rate, cfg.Group)
	}
	fmt.Println()

	stats := newStats()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\n收到中断信号，正在关闭...")
		cancel()
	}()

	var tokens jwt.Manager
	if cfg.JWTSecret != "" {
		tokens = jwt.NewManager(cfg.JWTSecret, cfg.JWTIssuer)
	}

	runBench(ctx, cfg, tokens, stats)
	stats.EndTime = time.Now()

	result := generateResult(cfg, stats)
	switch cfg.Output {
	case "json":
		outputJSON(result)
	case "csv":
		outputCSV(result)
	default:
		outputText(result)
	}
}

const (
	modeConnectOnly = "connect-only"
	modeFanout      = "fanout"
)

func parseFlags() Config {
	cfg := Config{}

	flag.StringVar(&cfg.Mode, "mode", modeConnectOnly, "压测模式: connect-only, fanout")
	flag.StringVar(&cfg.Target, "target", "ws://localhost:8084/ws", "WebSocket URL")
	flag.StringVar(&cfg.API, "api", "http://localhost:8084", "HTTP 地址")
	flag.StringVar(&cfg.InternalKey, "internal-key", "", "X-Internal-Key")
	flag.StringVar(&cfg.JWTSecret, "jwt-secret", "", "JWT 密钥，为空时不认证")
	flag.StringVar(&cfg.JWTIssuer, "jwt-issuer", "", "JWT issuer")
	flag.IntVar(&cfg.Conns, "conns", 1000, "总连接数")
	flag.DurationVar(&cfg.Duration, "duration", 5*time.Minute, "压测持续时间")
	flag.DurationVar(&cfg.Ramp, "ramp", time.Minute, "爬坡时间")
	flag.DurationVar(&cfg.PingInterval, "ping-interval", 30*time.Second, "应用层 ping 间隔")
	flag.IntVar(&cfg.Rate, "rate", 10, "每秒发布事件数（fanout 模式）")
	flag.IntVar(&cfg.PayloadSize, "payload-size", 128, "事件填充大小（字节）")
	flag.StringVar(&cfg.Group, "group", "bench", "fanout 模式订阅的群")
	flag.StringVar(&cfg.Output, "output", "text", "输出格式: text, json, csv")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "详细输出")

	flag.Parse()
	return cfg
}

func runBench(ctx context.Context, cfg Config, tokens jwt.Manager, stats *Stats) {
	var wg sync.WaitGroup
	connCh := make(chan *Client, cfg.Conns)

	connsPerSecond := float64(cfg.Conns) / cfg.Ramp.Seconds()
	if connsPerSecond < 1 {
		connsPerSecond = 1
	}
	fmt.Printf("爬坡速率: %.1f 连接/秒\n\n", connsPerSecond)

	bar := progressbar.NewOptions(cfg.Conns,
		progressbar.OptionSetDescription("建立连接"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("conn"),
	)

	ticker := time.NewTicker(time.Duration(float64(time.Second) / connsPerSecond))
	defer ticker.Stop()

	for id := 0; id < cfg.Conns; {
		select {
		case <-ctx.Done():
			id = cfg.Conns
			continue
		case <-ticker.C:
		}

		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			defer bar.Add(1)

			c, err := dial(ctx, id, cfg, tokens, stats)
			if err != nil {
				stats.recordError(err)
				if cfg.Verbose {
					fmt.Printf("连接 %d 失败: %v\n", id, err)
				}
				return
			}
			connCh <- c
		}(id)
		id++
	}

	wg.Wait()
	bar.Finish()
	fmt.Println()

	close(connCh)
	var clients []*Client
	for c := range connCh {
		clients = append(clients, c)
	}
	fmt.Printf("成功建立 %d 个连接\n", len(clients))
	if len(clients) == 0 {
		fmt.Println("没有成功建立的连接，退出")
		return
	}

	remaining := cfg.Duration - time.Since(stats.StartTime)
	if remaining <= 0 {
		remaining = time.Minute
	}
	fmt.Printf("维持连接 %s...\n\n", remaining)

	runCtx, stop := context.WithTimeout(ctx, remaining)
	defer stop()

	var connWg sync.WaitGroup
	for _, c := range clients {
		connWg.Add(1)
		go func(c *Client) {
			defer connWg.Done()
			c.run(runCtx, cfg.PingInterval)
		}(c)
	}

	if cfg.Mode == modeFanout {
		p := newPublisher(cfg, stats)
		connWg.Add(1)
		go func() {
			defer connWg.Done()
			p.run(runCtx)
		}()
	}

	done := make(chan struct{})
	go func() {
		connWg.Wait()
		close(done)
	}()

	report := time.NewTicker(10 * time.Second)
	defer report.Stop()
	for {
		select {
		case <-done:
			return
		case <-report.C:
			printProgress(stats)
		}
	}
}

func printProgress(stats *Stats) {
	elapsed := time.Since(stats.StartTime)
	fmt.Printf("[%s] 当前连接: %d | 成功: %d | 失败: %d | 断开: %d | 发布: %d | 收到事件: %d | Ping/Pong: %d/%d\n",
		elapsed.Round(time.Second),
		atomic.LoadInt64(&stats.CurrentConns),
		atomic.LoadInt64(&stats.SuccessConns),
		atomic.LoadInt64(&stats.FailedConns),
		atomic.LoadInt64(&stats.Disconnects),
		atomic.LoadInt64(&stats.EventsPublished),
		atomic.LoadInt64(&stats.EventsReceived),
		atomic.LoadInt64(&stats.PingsSent),
		atomic.LoadInt64(&stats.PongsReceived))
}
