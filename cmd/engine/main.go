package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"cta-grid-engine/internal/config"
	"cta-grid-engine/internal/engine"
	"cta-grid-engine/internal/gateway"
	"cta-grid-engine/internal/logger"
	"cta-grid-engine/internal/monitor"
	"cta-grid-engine/internal/registry"
	"cta-grid-engine/internal/report"
	"cta-grid-engine/internal/session"
	"cta-grid-engine/internal/storage"
	"cta-grid-engine/internal/strategy"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the config file")
	reportEvery := flag.Duration("report", time.Minute, "status report interval, 0 to disable")
	flag.Parse()

	// 先用默认配置把日志立起来，加载配置的过程本身也需要记日志
	logger.Init(logger.Config{Level: "info", Output: "console"})

	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}

	logger.Init(cfg.Log)
	defer logger.S().Sync()

	if err := os.MkdirAll(cfg.DataRoot, 0o755); err != nil {
		logger.S().Fatalf("创建数据目录失败: %v", err)
	}

	// 合约注册表：预置配置中的交易规则，运行中从网关回填
	reg, err := registry.Open(cfg.RegistryPath)
	if err != nil {
		logger.S().Fatalf("打开合约注册表失败: %v", err)
	}
	defer reg.Close()
	for _, contract := range cfg.Contracts {
		if err := reg.Put(contract); err != nil {
			logger.S().Warnf("预置合约 %s 失败: %v", contract.Symbol, err)
		}
	}

	var journal engine.Journal
	if cfg.JournalPath != "" {
		j, err := storage.Open(cfg.JournalPath)
		if err != nil {
			logger.S().Fatalf("打开成交流水库失败: %v", err)
		}
		defer j.Close()
		journal = j
	}

	gw := buildGateway(cfg)

	hub := monitor.NewHub()
	if err := hub.Serve(cfg.MonitorAddr); err != nil {
		logger.S().Fatalf("启动监控服务失败: %v", err)
	}
	defer hub.Close()

	eng := engine.New(gw, reg, journal, hub, config.DefaultQueueSize)

	var templates []*strategy.CtaTemplate
	for _, sc := range cfg.Strategies {
		tpl := strategy.NewCtaTemplate(sc, eng.BindContext(sc.Name), session.NewCNEquity(), cfg.DataRoot)
		if err := eng.Register(tpl); err != nil {
			logger.S().Fatalf("注册策略 %s 失败: %v", sc.Name, err)
		}
		templates = append(templates, tpl)
	}
	if len(templates) == 0 {
		logger.S().Fatal("配置中没有任何策略实例")
	}

	if err := eng.Start(); err != nil {
		logger.S().Fatalf("引擎启动失败: %v", err)
	}
	logger.S().Infof("引擎已启动: %d 个策略, 网关 %s", len(templates), gw.Name())

	reportStop := make(chan struct{})
	if *reportEvery > 0 {
		go reportLoop(templates, *reportEvery, reportStop)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	close(reportStop)
	eng.Stop()
	logger.S().Info("引擎已停止，状态已保存。")
}

// buildGateway 按配置选择网关实现
func buildGateway(cfg *config.Config) gateway.Gateway {
	switch cfg.Gateway.Mode {
	case "binance":
		if cfg.Gateway.APIKey == "" || cfg.Gateway.SecretKey == "" {
			logger.S().Fatal("binance模式需要设置 BINANCE_API_KEY 和 BINANCE_SECRET_KEY")
		}
		return gateway.NewBinanceGateway(cfg.Gateway.APIKey, cfg.Gateway.SecretKey)
	case "paper":
		return gateway.NewPaperGateway(cfg.Gateway.PaperCash, cfg.Contracts)
	default:
		logger.S().Fatalf("未知的网关模式: %s", cfg.Gateway.Mode)
		return nil
	}
}

// reportLoop 定期输出各策略的状态表格
func reportLoop(templates []*strategy.CtaTemplate, every time.Duration, stop <-chan struct{}) {
	rep := report.New(nil)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			statuses := make([]report.StrategyStatus, 0, len(templates))
			for _, tpl := range templates {
				statuses = append(statuses, tpl.Status())
			}
			rep.Render(statuses)
		}
	}
}
