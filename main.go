package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"posrelay/admin"
	"posrelay/config"
	"posrelay/metrics"
	"posrelay/session"
	"posrelay/transport"
	"posrelay/transport/loopback"
	"posrelay/transport/rtcnet"
	"posrelay/transport/wsnet"
)

const usage = `usage:
  posrelay [-config file] server [--port N]
  posrelay [-config file] client [host[:port]]
`

// posrelay 入口：解析参数与配置，启动服务端或客户端角色，按固定频率驱动 Tick
func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("posrelay", flag.ContinueOnError)
	cfgPath := fs.String("config", "posrelay.yaml", "path to yaml config")
	fs.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}

	mode, rest := fs.Arg(0), fs.Args()[1:]
	var clientAddr string
	switch mode {
	case "server":
		sfs := flag.NewFlagSet("server", flag.ContinueOnError)
		port := sfs.Int("port", cfg.Network.Port, "listen port")
		if err := sfs.Parse(rest); err != nil {
			return 2
		}
		if err := config.ValidatePort(*port); err != nil {
			fmt.Fprintf(os.Stderr, "server: %v\n", err)
			return 1
		}
		cfg.Network.Port = *port
	case "client":
		if len(rest) > 0 {
			clientAddr = rest[0]
		}
		if _, err := config.ServerAddress(clientAddr, cfg.Network.Port); err != nil {
			fmt.Fprintf(os.Stderr, "client: %v\n", err)
			return 1
		}
	default:
		fs.Usage()
		return 2
	}

	// 使用第三方 zap 日志库写入日志文件（带滚动）
	logger, err := session.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Sugar()

	tr, err := newTransport(cfg.Network)
	if err != nil {
		log.Errorf("%v", err)
		return 1
	}
	m := metrics.New()
	boot := session.NewBootstrapper(tr, logger, cfg.Network.Port)
	net := session.NewNetwork(boot, session.Options{Metrics: m, Linger: cfg.Network.Linger(), StaleTicks: cfg.Network.StaleTicks})

	if mode == "server" {
		err = net.StartServer(cfg.Network.Port)
	} else {
		err = net.StartClient(clientAddr)
	}
	if err != nil {
		log.Errorf("start %s: %v", mode, err)
		return 1
	}

	var adm *admin.Server
	if cfg.Admin.Enabled {
		adm = admin.NewServer(cfg.Admin.Address, net, m, log)
		adm.Start()
	}

	// 优雅退出（Ctrl+C）
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	runErr := session.Run(ctx, net, cfg.Network.TickInterval(), log)

	log.Info("shutting down...")
	if err := net.Close(); err != nil {
		log.Warnf("close: %v", err)
	}
	if adm != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := adm.Shutdown(sctx); err != nil {
			log.Warnf("admin shutdown: %v", err)
		}
	}
	if runErr != nil {
		log.Errorw("session stopped on fatal error", zap.Error(runErr))
		return 1
	}
	return 0
}

func newTransport(cfg config.NetworkConfig) (transport.Transport, error) {
	switch cfg.Transport {
	case config.TransportWebSocket:
		return wsnet.New(), nil
	case config.TransportWebRTC:
		return rtcnet.New(cfg.ICEServers), nil
	case config.TransportLoopback:
		return loopback.NewNetwork().NewTransport(), nil
	default:
		return nil, errors.New("unknown transport " + cfg.Transport)
	}
}
