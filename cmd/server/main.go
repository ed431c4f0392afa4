package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lk2023060901/chatroom-garden-go/internal/server"
	"github.com/lk2023060901/chatroom-garden-go/pkg/log"
	"github.com/lk2023060901/chatroom-garden-go/pkg/metrics"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "server exited with error:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath, err := server.ResolveConfigPath(os.Args[1:])
	if err != nil {
		return err
	}
	cfg, err := server.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger, props, err := log.InitLogger(&cfg.Log)
	if err != nil {
		return err
	}
	log.ReplaceGlobals(logger, props)
	defer log.Sync()

	metrics.Register(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Serve)
	g.Go(func() error {
		<-gctx.Done()
		srv.Shutdown()
		return nil
	})

	if addr := cfg.Metrics.ListenAddress; addr != "" {
		go serveMetrics(addr)
	}

	// 控制台管理循环。stdin 读取无法随上下文取消，
	// 因此放在独立协程里，进程退出时随之结束。
	go consoleLoop(srv, stop)

	return g.Wait()
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Info("metrics endpoint listening", zap.String("address", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warn("metrics endpoint exited", zap.Error(err))
	}
}

// consoleLoop 为运维提供的标准输入命令行：
//
//	list     显示在线用户
//	listall  显示全部账户及其在线状态与最近登录地址
//	quit     有序关停服务
func consoleLoop(srv *server.Server, quit context.CancelFunc) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
		case "":
			continue

		case "list":
			names := srv.OnlineUsernames()
			fmt.Printf("在线用户（%d 人）：%s\n",
				len(names), strings.Join(names, ", "))

		case "listall":
			users := srv.AllUsers()
			fmt.Printf("全部账户（%d 个）：\n", len(users))
			for _, u := range users {
				status := "离线"
				if u.Online {
					status = "在线"
				}
				addr := u.LastAddress
				if addr == "" {
					addr = "-"
				}
				fmt.Printf("  %-16s %s  最近登录地址: %s\n", u.Username, status, addr)
			}

		case "quit":
			fmt.Println("正在关闭服务器...")
			quit()
			return

		default:
			fmt.Println("可用命令: list | listall | quit")
		}
	}
}
