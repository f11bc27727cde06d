package advisory

import (
	"errors"
	"fmt"
	"strings"
)

// TechnicalContext 汇总触发本次咨询的技术信号。
type TechnicalContext struct {
	Action     string  `json:"action"`
	Strength   float64 `json:"strength"`
	Confidence float64 `json:"confidence"`
	Strategy   string  `json:"strategy"`
	Reason     string  `json:"reason"`
	RSI        float64 `json:"rsi"`
	ADX        float64 `json:"adx"`
	MACDHist   float64 `json:"macd_histogram"`
}

// MarketContext 描述当前行情。
type MarketContext struct {
	Close             float64 `json:"close"`
	PreviousClose     float64 `json:"previous_close"`
	BollingerPosition float64 `json:"bollinger_position"`
}

// PortfolioContext 描述账户与持仓状况。
type PortfolioContext struct {
	BalanceUSD    float64 `json:"balance_usd"`
	ExposureUSD   float64 `json:"exposure_usd"`
	OpenPositions int     `json:"open_positions"`
	DailyPnLUSD   float64 `json:"daily_pnl_usd"`
}

// VolatilityContext 描述波动率状况。
type VolatilityContext struct {
	Regime      string  `json:"regime"`
	ATRRelative float64 `json:"atr_relative"`
}

// Request 为一次顾问咨询的完整输入。
type Request struct {
	Symbol     string
	Price      float64
	Technical  TechnicalContext
	Market     MarketContext
	Portfolio  PortfolioContext
	Volatility VolatilityContext
}

// Verdict 表示顾问服务返回的裁定。百分比建议字段为0表示不提供建议。
type Verdict struct {
	Action                       string  `json:"action"`
	ConfidencePercent            float64 `json:"confidence_percent"`
	SuggestedPositionSizePercent float64 `json:"suggested_position_size_percent"`
	SuggestedStopLossPercent     float64 `json:"suggested_stop_loss_percent"`
	SuggestedTakeProfitPercent   float64 `json:"suggested_take_profit_percent"`
	Reasoning                    string  `json:"reasoning"`
}

const (
	ActionApprove = "APPROVE"
	ActionReject  = "REJECT"
)

// Approved 返回裁定是否放行，且置信度不低于给定阈值。
func (v Verdict) Approved(minConfidence float64) bool {
	return strings.EqualFold(v.Action, ActionApprove) && v.ConfidencePercent >= minConfidence
}

// Validate 校验裁定字段合法性。
func (v Verdict) Validate() error {
	action := strings.ToUpper(strings.TrimSpace(v.Action))
	if action != ActionApprove && action != ActionReject {
		return fmt.Errorf("action 字段取值非法: %s", v.Action)
	}
	if v.ConfidencePercent < 0 || v.ConfidencePercent > 100 {
		return fmt.Errorf("confidence_percent 必须位于 [0,100]，当前为 %f", v.ConfidencePercent)
	}
	if v.SuggestedPositionSizePercent < 0 || v.SuggestedPositionSizePercent > 100 {
		return fmt.Errorf("suggested_position_size_percent 必须位于 [0,100]，当前为 %f", v.SuggestedPositionSizePercent)
	}
	if v.SuggestedStopLossPercent < 0 {
		return fmt.Errorf("suggested_stop_loss_percent 不能为负，当前为 %f", v.SuggestedStopLossPercent)
	}
	if v.SuggestedTakeProfitPercent < 0 {
		return fmt.Errorf("suggested_take_profit_percent 不能为负，当前为 %f", v.SuggestedTakeProfitPercent)
	}
	if strings.TrimSpace(v.Reasoning) == "" {
		return errors.New("reasoning 不能为空")
	}
	return nil
}
