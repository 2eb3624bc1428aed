package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"context"

	"github.com/lamyinia/TellYou-sub000/global"
	"github.com/lamyinia/TellYou-sub000/logger"
)

func main() {
	confPath := flag.String("config", "config.yaml", "配置文件路径")
	nodeType := flag.String("node", "", "覆盖配置里的 node_type: gateway | data")
	flag.Parse()

	cfg, err := global.Load(*confPath)
	if err != nil {
		logger.Errorf("load config: %v", err)
		os.Exit(1)
	}
	if *nodeType != "" {
		cfg.NodeType = *nodeType
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cfg.NodeType {
	case global.NodeGateway:
		err = runGateway(ctx, cfg)
	case global.NodeData:
		err = runData(ctx, cfg)
	default:
		logger.Errorf("unknown node_type %q", cfg.NodeType)
		os.Exit(1)
	}
	if err != nil {
		logger.Errorf("node exited: %v", err)
		logger.Sync()
		os.Exit(1)
	}
	logger.Sync()
}
