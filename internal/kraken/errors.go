package kraken

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	// ErrAuth 表示密钥、签名或 nonce 被交易所拒绝，属于致命错误，不可盲目重试。
	ErrAuth = errors.New("kraken: authentication rejected")
	// ErrRateLimited 表示触发交易所限流，属于瞬时错误。
	ErrRateLimited = errors.New("kraken: rate limited")
	// ErrInsufficientBalance 表示余额不足，跳过本次决策即可。
	ErrInsufficientBalance = errors.New("kraken: insufficient balance")
	// ErrOrderRejected 表示委托被交易所拒绝。
	ErrOrderRejected = errors.New("kraken: order rejected")
	// ErrUnavailable 表示交易所暂时不可用（维护、过载）。
	ErrUnavailable = errors.New("kraken: service unavailable")
)

// classifyAPIError 将响应中的错误码归类到本地错误类型。
func classifyAPIError(codes []string) error {
	if len(codes) == 0 {
		return nil
	}

	joined := strings.Join(codes, "; ")

	for _, code := range codes {
		code = strings.TrimSpace(code)
		switch {
		case strings.HasPrefix(code, "EAPI:Invalid key"),
			strings.HasPrefix(code, "EAPI:Invalid signature"),
			strings.HasPrefix(code, "EAPI:Invalid nonce"),
			strings.HasPrefix(code, "EGeneral:Permission denied"):
			return fmt.Errorf("%w: %s", ErrAuth, joined)
		case strings.HasPrefix(code, "EAPI:Rate limit exceeded"),
			strings.HasPrefix(code, "EOrder:Rate limit exceeded"),
			strings.HasPrefix(code, "EGeneral:Too many requests"):
			return fmt.Errorf("%w: %s", ErrRateLimited, joined)
		case strings.HasPrefix(code, "EOrder:Insufficient funds"),
			strings.HasPrefix(code, "EGeneral:Insufficient funds"):
			return fmt.Errorf("%w: %s", ErrInsufficientBalance, joined)
		case strings.HasPrefix(code, "EService:Unavailable"),
			strings.HasPrefix(code, "EService:Busy"),
			strings.HasPrefix(code, "EService:Market in cancel_only mode"):
			return fmt.Errorf("%w: %s", ErrUnavailable, joined)
		case strings.HasPrefix(code, "EOrder:"):
			return fmt.Errorf("%w: %s", ErrOrderRejected, joined)
		}
	}

	return fmt.Errorf("kraken: api error: %s", joined)
}

// IsRetryable 判断错误是否可在客户端重试。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnavailable) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
