package advisory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/template"
)

const verdictTemplate = `
你是一个保守的加密货币交易风控顾问。一条技术信号正在等待执行，你的任务是独立复核并决定放行或否决。

交易对: {{ .Symbol }}
当前价格: {{ printf "%.4f" .Price }}

技术信号:
{{ .TechnicalJSON }}

市场状况:
{{ .MarketJSON }}

账户状况:
{{ .PortfolioJSON }}

波动率状况:
{{ .VolatilityJSON }}

复核时请遵循：
1. 信号逻辑与市场状况是否自洽，是否存在明显的反向证据；
2. 账户当前敞口与当日盈亏是否还能承受新的风险；
3. 波动率偏高时收紧建议仓位与止损，不确定时倾向否决；
4. 你只能放行或否决，不能修改信号方向。

请严格输出唯一的 JSON 对象，格式如下：
{
  "action": "APPROVE|REJECT",
  "confidence_percent": 0-100,
  "suggested_position_size_percent": 0-100,
  "suggested_stop_loss_percent": 0.0,
  "suggested_take_profit_percent": 0.0,
  "reasoning": "..."
}

注意事项：
- 三个 suggested 字段为可选建议，不提供时请填 0。
- reasoning 必须给出支撑结论的关键理由。
`

var tmpl = template.Must(template.New("verdict").Parse(verdictTemplate))

type promptContext struct {
	Symbol         string
	Price          float64
	TechnicalJSON  string
	MarketJSON     string
	PortfolioJSON  string
	VolatilityJSON string
}

// BuildPrompt 将信号与上下文渲染成提示词字符串。
func BuildPrompt(req Request) (string, error) {
	technical, err := json.MarshalIndent(req.Technical, "", "  ")
	if err != nil {
		return "", fmt.Errorf("序列化技术信号失败: %w", err)
	}
	market, err := json.MarshalIndent(req.Market, "", "  ")
	if err != nil {
		return "", fmt.Errorf("序列化市场状况失败: %w", err)
	}
	portfolio, err := json.MarshalIndent(req.Portfolio, "", "  ")
	if err != nil {
		return "", fmt.Errorf("序列化账户状况失败: %w", err)
	}
	volatility, err := json.MarshalIndent(req.Volatility, "", "  ")
	if err != nil {
		return "", fmt.Errorf("序列化波动率状况失败: %w", err)
	}

	ctx := promptContext{
		Symbol:         req.Symbol,
		Price:          req.Price,
		TechnicalJSON:  string(technical),
		MarketJSON:     string(market),
		PortfolioJSON:  string(portfolio),
		VolatilityJSON: string(volatility),
	}

	var buf bytes.Buffer
	if err = tmpl.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("渲染提示词失败: %w", err)
	}

	return buf.String(), nil
}
