package config

import (
	"encoding/json"
	"os"

	"github.com/spf13/cast"

	"cta-grid-engine/internal/logger"
	"cta-grid-engine/internal/models"
)

// Config 聚合了引擎进程的全部配置
type Config struct {
	DataRoot     string                `json:"data_root"`     // 策略状态文件的根目录
	JournalPath  string                `json:"journal_path"`  // SQLite成交流水库路径
	RegistryPath string                `json:"registry_path"` // 合约注册表BadgerDB目录
	MonitorAddr  string                `json:"monitor_addr"`  // 监控事件websocket监听地址，留空不启用
	Gateway      GatewayConfig         `json:"gateway"`
	Log          logger.Config         `json:"log"`
	Contracts    []models.ContractData `json:"contracts"` // 预置的合约交易规则
	Strategies   []StrategyConfig      `json:"strategies"`
}

// GatewayConfig 选择并配置网关实现
type GatewayConfig struct {
	Mode      string  `json:"mode"` // "paper" 或 "binance"
	APIKey    string  `json:"api_key,omitempty"`
	SecretKey string  `json:"secret_key,omitempty"`
	PaperCash float64 `json:"paper_cash,omitempty"` // paper模式的初始资金，默认1000000
}

// StrategyConfig 是单个策略实例的配置
type StrategyConfig struct {
	Name           string   `json:"name"`
	Symbols        []string `json:"symbols"`
	CancelSeconds  int      `json:"cancel_seconds,omitempty"`   // 超时撤单秒数，默认120
	DepthFraction  float64  `json:"depth_fraction,omitempty"`   // 按五档盘口深度限制单笔下单量的比例，默认0.25
	OpenPriceTicks int      `json:"open_price_ticks,omitempty"` // 开仓委托价相对最新价上浮的tick数，默认10
	QueueSize      int      `json:"queue_size,omitempty"`       // 事件队列长度，默认1024
}

// 默认值集中在这里，便于和配置文件对照
const (
	DefaultCancelSeconds  = 120
	DefaultDepthFraction  = 0.25
	DefaultOpenPriceTicks = 10
	DefaultQueueSize      = 1024
)

// Load 从指定路径加载JSON配置文件并解析到Config结构体中
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	cfg := &Config{}
	if err := decoder.Decode(cfg); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	return cfg, nil
}

// applyEnvOverrides 允许用环境变量覆盖敏感或部署相关的配置项。
// 密钥不放进配置文件，和 .env 配合使用。
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CTA_DATA_ROOT"); v != "" {
		c.DataRoot = v
	}
	if v := os.Getenv("CTA_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("CTA_MONITOR_ADDR"); v != "" {
		c.MonitorAddr = v
	}
	if v := os.Getenv("CTA_GATEWAY_MODE"); v != "" {
		c.Gateway.Mode = v
	}
	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		c.Gateway.APIKey = v
	}
	if v := os.Getenv("BINANCE_SECRET_KEY"); v != "" {
		c.Gateway.SecretKey = v
	}
	if v := os.Getenv("CTA_CANCEL_SECONDS"); v != "" {
		secs := cast.ToInt(v)
		if secs > 0 {
			for i := range c.Strategies {
				c.Strategies[i].CancelSeconds = secs
			}
		}
	}
	if v := os.Getenv("CTA_LOG_COMPRESS"); v != "" {
		c.Log.Compress = cast.ToBool(v)
	}
}

func (c *Config) applyDefaults() {
	if c.Gateway.Mode == "" {
		c.Gateway.Mode = "paper"
	}
	if c.Gateway.PaperCash <= 0 {
		c.Gateway.PaperCash = 1000000
	}
	for i := range c.Strategies {
		s := &c.Strategies[i]
		if s.CancelSeconds <= 0 {
			s.CancelSeconds = DefaultCancelSeconds
		}
		if s.DepthFraction <= 0 {
			s.DepthFraction = DefaultDepthFraction
		}
		if s.OpenPriceTicks <= 0 {
			s.OpenPriceTicks = DefaultOpenPriceTicks
		}
		if s.QueueSize <= 0 {
			s.QueueSize = DefaultQueueSize
		}
	}
}
