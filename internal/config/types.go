package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// LiveConfirmationToken 为启用实盘交易必须填写的确认口令。
const LiveConfirmationToken = "I-UNDERSTAND-THE-RISKS"

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Strategy  StrategyConfig  `mapstructure:"strategy"`
	Advisory  AdvisoryConfig  `mapstructure:"advisory"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Alert     AlertConfig     `mapstructure:"alert"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// ExchangeConfig 描述 Kraken 连接信息。
type ExchangeConfig struct {
	APIKey            string  `mapstructure:"api_key"`
	APISecret         string  `mapstructure:"api_secret"`
	BaseURL           string  `mapstructure:"base_url"`
	WebsocketURL      string  `mapstructure:"websocket_url"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	PaperTrading      bool    `mapstructure:"paper_trading"`
	PaperInitialUSD   float64 `mapstructure:"paper_initial_usd"`
}

// PairConfig 描述单个交易对的启用状态与策略集合。
type PairConfig struct {
	Symbol            string   `mapstructure:"symbol"`
	Enabled           bool     `mapstructure:"enabled"`
	AllocationPercent float64  `mapstructure:"allocation_percent"`
	Strategies        []string `mapstructure:"strategies"`
	QuantityDecimals  int      `mapstructure:"quantity_decimals"`
}

// TradingConfig 管理交易对与实盘开关。
type TradingConfig struct {
	Pairs            []PairConfig `mapstructure:"pairs"`
	LiveConfirmation string       `mapstructure:"live_confirmation"`
}

// EnabledPairs 返回启用的交易对列表。
func (t TradingConfig) EnabledPairs() []PairConfig {
	enabled := make([]PairConfig, 0, len(t.Pairs))
	for _, pair := range t.Pairs {
		if pair.Enabled {
			enabled = append(enabled, pair)
		}
	}
	return enabled
}

// MomentumConfig 控制动量策略阈值。
type MomentumConfig struct {
	Lookback      int     `mapstructure:"lookback"`
	Threshold     float64 `mapstructure:"threshold"`
	RSIOversold   float64 `mapstructure:"rsi_oversold"`
	RSIOverbought float64 `mapstructure:"rsi_overbought"`
	ADXThreshold  float64 `mapstructure:"adx_threshold"`
}

// MeanReversionConfig 控制均值回归策略阈值。
type MeanReversionConfig struct {
	BollingerPeriod int     `mapstructure:"bollinger_period"`
	BollingerStd    float64 `mapstructure:"bollinger_std"`
	RSIPeriod       int     `mapstructure:"rsi_period"`
	RSIOversold     float64 `mapstructure:"rsi_oversold"`
	RSIOverbought   float64 `mapstructure:"rsi_overbought"`
}

// ScalpingConfig 控制剥头皮策略阈值。
type ScalpingConfig struct {
	DipPercent    float64 `mapstructure:"dip_percent"`
	ProfitPercent float64 `mapstructure:"profit_percent"`
}

// StrategyConfig 管理信号评估层参数。
type StrategyConfig struct {
	Timeframe       string              `mapstructure:"timeframe"`
	CandleLimit     int                 `mapstructure:"candle_limit"`
	MinConsensus    int                 `mapstructure:"min_consensus"`
	CrossoverMaxAge time.Duration       `mapstructure:"crossover_max_age"`
	Momentum        MomentumConfig      `mapstructure:"momentum"`
	MeanReversion   MeanReversionConfig `mapstructure:"mean_reversion"`
	Scalping        ScalpingConfig      `mapstructure:"scalping"`
}

// AdvisoryConfig 描述外部顾问服务调用参数。
type AdvisoryConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Mandatory     bool          `mapstructure:"mandatory"`
	APIKey        string        `mapstructure:"api_key"`
	BaseURL       string        `mapstructure:"base_url"`
	Model         string        `mapstructure:"model"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MinConfidence float64       `mapstructure:"min_confidence"`
}

// RiskConfig 管理风控参数。
type RiskConfig struct {
	BaseRiskPerTrade         float64 `mapstructure:"base_risk_per_trade"`
	MinOrderValueUSD         float64 `mapstructure:"min_order_value_usd"`
	MaxOrderSizeUSD          float64 `mapstructure:"max_order_size_usd"`
	MaxPositionSizeUSD       float64 `mapstructure:"max_position_size_usd"`
	MaxTotalExposureUSD      float64 `mapstructure:"max_total_exposure_usd"`
	MaxDailyLossUSD          float64 `mapstructure:"max_daily_loss_usd"`
	MaxDrawdown              float64 `mapstructure:"max_drawdown"`
	MaxConsecutiveLosses     int     `mapstructure:"max_consecutive_losses"`
	DefaultStopLossPercent   float64 `mapstructure:"default_stop_loss_percent"`
	DefaultTakeProfitPercent float64 `mapstructure:"default_take_profit_percent"`
	RiskRewardRatio          float64 `mapstructure:"risk_reward_ratio"`
	ATRMultiplier            float64 `mapstructure:"atr_multiplier"`
}

// ExecutionConfig 控制订单执行与持仓维护行为。
type ExecutionConfig struct {
	SellRetryAttempts       int           `mapstructure:"sell_retry_attempts"`
	SellRetryBackoff        time.Duration `mapstructure:"sell_retry_backoff"`
	TrailingActivatePercent float64       `mapstructure:"trailing_activate_percent"`
	TrailingDistancePercent float64       `mapstructure:"trailing_distance_percent"`
}

// AlertConfig 控制告警推送。
type AlertConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// SchedulerConfig 控制主循环节奏。
type SchedulerConfig struct {
	TradeInterval   time.Duration `mapstructure:"trade_interval"`
	MonitorInterval time.Duration `mapstructure:"monitor_interval"`
}

// MonitorConfig 控制监控接口。
type MonitorConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}

	if c.Exchange.BaseURL == "" {
		err = multierr.Append(err, errors.New("exchange.base_url 不能为空"))
	}
	if c.Exchange.WebsocketURL == "" {
		err = multierr.Append(err, errors.New("exchange.websocket_url 不能为空"))
	}
	if c.Exchange.RequestsPerSecond <= 0 {
		err = multierr.Append(err, errors.New("exchange.requests_per_second 必须大于0"))
	}
	if !c.Exchange.PaperTrading {
		if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
			err = multierr.Append(err, errors.New("实盘模式必须配置 exchange.api_key 与 api_secret"))
		}
		if c.Trading.LiveConfirmation != LiveConfirmationToken {
			err = multierr.Append(err, fmt.Errorf("实盘模式必须将 trading.live_confirmation 设为 %q", LiveConfirmationToken))
		}
	}

	if len(c.Trading.EnabledPairs()) == 0 {
		err = multierr.Append(err, errors.New("trading.pairs 至少需要启用一个交易对"))
	}
	var totalAllocation float64
	for _, pair := range c.Trading.Pairs {
		if strings.TrimSpace(pair.Symbol) == "" {
			err = multierr.Append(err, errors.New("trading.pairs 存在缺少 symbol 的交易对"))
			continue
		}
		if pair.AllocationPercent < 0 || pair.AllocationPercent > 100 {
			err = multierr.Append(err, fmt.Errorf("交易对 %s 的 allocation_percent 必须位于[0,100]", pair.Symbol))
		}
		if pair.Enabled {
			totalAllocation += pair.AllocationPercent
			if len(pair.Strategies) == 0 {
				err = multierr.Append(err, fmt.Errorf("交易对 %s 启用时必须至少配置一个策略", pair.Symbol))
			}
		}
	}
	if totalAllocation > 100 {
		err = multierr.Append(err, fmt.Errorf("启用交易对的 allocation_percent 总和 %.1f 超过 100", totalAllocation))
	}

	if c.Strategy.Timeframe == "" {
		err = multierr.Append(err, errors.New("strategy.timeframe 不能为空"))
	}
	if c.Strategy.CandleLimit < 30 {
		err = multierr.Append(err, errors.New("strategy.candle_limit 不能小于30"))
	}
	if c.Strategy.MinConsensus <= 0 {
		err = multierr.Append(err, errors.New("strategy.min_consensus 必须大于0"))
	}
	if c.Strategy.CrossoverMaxAge <= 0 {
		err = multierr.Append(err, errors.New("strategy.crossover_max_age 必须为正"))
	}

	if c.Advisory.Enabled {
		if c.Advisory.APIKey == "" {
			err = multierr.Append(err, errors.New("advisory.api_key 不能为空"))
		}
		if c.Advisory.Model == "" {
			err = multierr.Append(err, errors.New("advisory.model 不能为空"))
		}
		if c.Advisory.Timeout <= 0 {
			err = multierr.Append(err, errors.New("advisory.timeout 必须大于0"))
		}
		if c.Advisory.MinConfidence < 0 || c.Advisory.MinConfidence > 100 {
			err = multierr.Append(err, errors.New("advisory.min_confidence 必须位于[0,100]"))
		}
	}

	if c.Risk.BaseRiskPerTrade <= 0 || c.Risk.BaseRiskPerTrade > 0.1 {
		err = multierr.Append(err, errors.New("risk.base_risk_per_trade 必须位于(0,0.1]"))
	}
	if c.Risk.MinOrderValueUSD <= 0 {
		err = multierr.Append(err, errors.New("risk.min_order_value_usd 必须大于0"))
	}
	if c.Risk.MaxOrderSizeUSD < c.Risk.MinOrderValueUSD {
		err = multierr.Append(err, errors.New("risk.max_order_size_usd 不能小于 min_order_value_usd"))
	}
	if c.Risk.MaxPositionSizeUSD < c.Risk.MaxOrderSizeUSD {
		err = multierr.Append(err, errors.New("risk.max_position_size_usd 不能小于 max_order_size_usd"))
	}
	if c.Risk.MaxTotalExposureUSD < c.Risk.MaxPositionSizeUSD {
		err = multierr.Append(err, errors.New("risk.max_total_exposure_usd 不能小于 max_position_size_usd"))
	}
	if c.Risk.MaxDailyLossUSD <= 0 {
		err = multierr.Append(err, errors.New("risk.max_daily_loss_usd 必须大于0"))
	}
	if c.Risk.MaxDrawdown <= 0 || c.Risk.MaxDrawdown > 1 {
		err = multierr.Append(err, errors.New("risk.max_drawdown 必须位于(0,1]"))
	}
	if c.Risk.MaxConsecutiveLosses <= 0 {
		err = multierr.Append(err, errors.New("risk.max_consecutive_losses 必须大于0"))
	}
	if c.Risk.DefaultStopLossPercent <= 0 || c.Risk.DefaultStopLossPercent >= 100 {
		err = multierr.Append(err, errors.New("risk.default_stop_loss_percent 必须位于(0,100)"))
	}
	if c.Risk.DefaultTakeProfitPercent <= 0 || c.Risk.DefaultTakeProfitPercent >= 100 {
		err = multierr.Append(err, errors.New("risk.default_take_profit_percent 必须位于(0,100)"))
	}
	if c.Risk.RiskRewardRatio <= 0 {
		err = multierr.Append(err, errors.New("risk.risk_reward_ratio 必须大于0"))
	}
	if c.Risk.ATRMultiplier <= 0 {
		err = multierr.Append(err, errors.New("risk.atr_multiplier 必须大于0"))
	}

	if c.Execution.SellRetryAttempts < 1 || c.Execution.SellRetryAttempts > 10 {
		err = multierr.Append(err, errors.New("execution.sell_retry_attempts 必须位于[1,10]"))
	}
	if c.Execution.SellRetryBackoff <= 0 {
		err = multierr.Append(err, errors.New("execution.sell_retry_backoff 必须为正"))
	}
	if c.Execution.TrailingActivatePercent <= 0 {
		err = multierr.Append(err, errors.New("execution.trailing_activate_percent 必须大于0"))
	}
	if c.Execution.TrailingDistancePercent <= 0 || c.Execution.TrailingDistancePercent >= 100 {
		err = multierr.Append(err, errors.New("execution.trailing_distance_percent 必须位于(0,100)"))
	}

	if c.Alert.Enabled {
		if c.Alert.WebhookURL == "" {
			err = multierr.Append(err, errors.New("alert.webhook_url 不能为空"))
		}
		if c.Alert.Timeout <= 0 {
			err = multierr.Append(err, errors.New("alert.timeout 必须大于0"))
		}
	}

	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}

	if c.Scheduler.TradeInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.trade_interval 必须为正"))
	}
	if c.Scheduler.MonitorInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.monitor_interval 必须为正"))
	}

	if c.Monitor.Enabled && (c.Monitor.Port <= 0 || c.Monitor.Port > 65535) {
		err = multierr.Append(err, errors.New("monitor.port 必须位于(0,65535]"))
	}

	return err
}
