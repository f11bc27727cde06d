package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "kraken"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyPairDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("exchange.base_url", "https://api.kraken.com")
	v.SetDefault("exchange.websocket_url", "wss://ws.kraken.com")
	v.SetDefault("exchange.requests_per_second", 3)
	// 出于安全考虑默认纸面交易。
	v.SetDefault("exchange.paper_trading", true)
	v.SetDefault("exchange.paper_initial_usd", 10000)

	v.SetDefault("trading.live_confirmation", "")

	v.SetDefault("strategy.timeframe", "5m")
	v.SetDefault("strategy.candle_limit", 100)
	v.SetDefault("strategy.min_consensus", 1)
	v.SetDefault("strategy.crossover_max_age", "30m")
	v.SetDefault("strategy.momentum.lookback", 20)
	v.SetDefault("strategy.momentum.threshold", 0.02)
	v.SetDefault("strategy.momentum.rsi_oversold", 30)
	v.SetDefault("strategy.momentum.rsi_overbought", 70)
	v.SetDefault("strategy.momentum.adx_threshold", 25)
	v.SetDefault("strategy.mean_reversion.bollinger_period", 20)
	v.SetDefault("strategy.mean_reversion.bollinger_std", 2)
	v.SetDefault("strategy.mean_reversion.rsi_period", 14)
	v.SetDefault("strategy.mean_reversion.rsi_oversold", 30)
	v.SetDefault("strategy.mean_reversion.rsi_overbought", 70)
	v.SetDefault("strategy.scalping.dip_percent", 0.5)
	v.SetDefault("strategy.scalping.profit_percent", 1.0)

	v.SetDefault("advisory.enabled", false)
	v.SetDefault("advisory.mandatory", true)
	v.SetDefault("advisory.base_url", "https://api.deepseek.com/v1")
	v.SetDefault("advisory.model", "deepseek-chat")
	v.SetDefault("advisory.timeout", "15s")
	v.SetDefault("advisory.min_confidence", 70)

	v.SetDefault("risk.base_risk_per_trade", 0.02)
	v.SetDefault("risk.min_order_value_usd", 50)
	v.SetDefault("risk.max_order_size_usd", 1000)
	v.SetDefault("risk.max_position_size_usd", 2500)
	v.SetDefault("risk.max_total_exposure_usd", 10000)
	v.SetDefault("risk.max_daily_loss_usd", 500)
	v.SetDefault("risk.max_drawdown", 0.20)
	v.SetDefault("risk.max_consecutive_losses", 5)
	v.SetDefault("risk.default_stop_loss_percent", 2.0)
	v.SetDefault("risk.default_take_profit_percent", 3.0)
	v.SetDefault("risk.risk_reward_ratio", 2.0)
	v.SetDefault("risk.atr_multiplier", 2.0)

	v.SetDefault("execution.sell_retry_attempts", 3)
	v.SetDefault("execution.sell_retry_backoff", "3s")
	v.SetDefault("execution.trailing_activate_percent", 1.5)
	v.SetDefault("execution.trailing_distance_percent", 1.0)

	v.SetDefault("alert.enabled", false)
	v.SetDefault("alert.timeout", "5s")

	v.SetDefault("database.path", "data/krakenbot.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("scheduler.trade_interval", "30s")
	v.SetDefault("scheduler.monitor_interval", "60s")

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.port", 8090)
}

func applyPairDefaults(cfg *Config) {
	for i := range cfg.Trading.Pairs {
		pair := &cfg.Trading.Pairs[i]
		if pair.AllocationPercent == 0 {
			pair.AllocationPercent = 10
		}
		if len(pair.Strategies) == 0 {
			pair.Strategies = []string{"momentum"}
		}
		if pair.QuantityDecimals <= 0 {
			pair.QuantityDecimals = 8
		}
	}
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
