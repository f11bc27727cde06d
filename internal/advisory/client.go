package advisory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"krakenbot/internal/config"
)

// Advisor 对技术信号给出放行或否决的裁定。
type Advisor interface {
	Validate(ctx context.Context, req Request) (Verdict, error)
}

// Client 封装 OpenAI 调用逻辑。
type Client struct {
	cfg    config.AdvisoryConfig
	logger *zap.Logger
	sdk    *openai.Client
}

var _ Advisor = (*Client)(nil)

// NewClient 使用给定配置创建顾问客户端。
func NewClient(cfg config.AdvisoryConfig, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("advisory api_key 不能为空")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sdkConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		sdkConfig.BaseURL = cfg.BaseURL
	}
	sdkConfig.HTTPClient = &http.Client{
		Timeout: cfg.Timeout,
	}

	return &Client{
		cfg:    cfg,
		logger: logger.Named("advisory"),
		sdk:    openai.NewClientWithConfig(sdkConfig),
	}, nil
}

// Validate 提交信号复核请求并解析裁定。
// 任何错误都由调用方按 fail-closed 规则处理：强制模式下等同于否决。
func (c *Client) Validate(ctx context.Context, req Request) (Verdict, error) {
	if c.cfg.Model == "" {
		return Verdict{}, errors.New("advisory model 不能为空")
	}

	prompt, err := BuildPrompt(req)
	if err != nil {
		return Verdict{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	response, err := c.sdk.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
		Temperature: 0,
	})
	if err != nil {
		c.logger.Error("调用顾问服务失败", zap.String("symbol", req.Symbol), zap.Error(err))
		return Verdict{}, fmt.Errorf("调用顾问服务失败: %w", err)
	}

	if len(response.Choices) == 0 {
		return Verdict{}, errors.New("顾问服务返回结果为空")
	}

	rawContent := strings.TrimSpace(response.Choices[0].Message.Content)
	if rawContent == "" {
		return Verdict{}, errors.New("顾问服务返回内容为空")
	}

	verdict, err := parseVerdict(rawContent)
	if err != nil {
		c.logger.Error("解析顾问裁定失败",
			zap.Error(err),
			zap.String("raw_content", rawContent),
		)
		return Verdict{}, err
	}

	if err := verdict.Validate(); err != nil {
		return Verdict{}, err
	}

	c.logger.Info("顾问裁定完成",
		zap.String("symbol", req.Symbol),
		zap.String("action", verdict.Action),
		zap.Float64("confidence_percent", verdict.ConfidencePercent),
		zap.String("reasoning", verdict.Reasoning),
	)

	return verdict, nil
}

func parseVerdict(content string) (Verdict, error) {
	jsonPayload, err := extractJSON(content)
	if err != nil {
		return Verdict{}, err
	}

	var verdict Verdict
	if err = json.Unmarshal(jsonPayload, &verdict); err != nil {
		return Verdict{}, fmt.Errorf("解析裁定JSON失败: %w", err)
	}

	return verdict, nil
}

func extractJSON(content string) ([]byte, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")

	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("顾问输出未找到有效JSON: %s", content)
	}

	return []byte(content[start : end+1]), nil
}
