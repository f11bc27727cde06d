package advisory

import (
	"strings"
	"testing"
)

func validVerdict() Verdict {
	return Verdict{
		Action:            ActionApprove,
		ConfidencePercent: 82,
		Reasoning:         "趋势与波动率均支持入场",
	}
}

func TestVerdictValidate(t *testing.T) {
	if err := validVerdict().Validate(); err != nil {
		t.Fatalf("valid verdict rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Verdict)
	}{
		{"unknown action", func(v *Verdict) { v.Action = "HOLD" }},
		{"confidence above 100", func(v *Verdict) { v.ConfidencePercent = 120 }},
		{"negative confidence", func(v *Verdict) { v.ConfidencePercent = -1 }},
		{"negative stop", func(v *Verdict) { v.SuggestedStopLossPercent = -0.5 }},
		{"oversized position", func(v *Verdict) { v.SuggestedPositionSizePercent = 150 }},
		{"empty reasoning", func(v *Verdict) { v.Reasoning = "  " }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad := validVerdict()
			tt.mutate(&bad)
			if err := bad.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestVerdictApproved(t *testing.T) {
	v := validVerdict()

	if !v.Approved(70) {
		t.Error("confidence 82 should pass threshold 70")
	}
	if v.Approved(90) {
		t.Error("confidence 82 must not pass threshold 90")
	}

	v.Action = "approve"
	if !v.Approved(70) {
		t.Error("action matching should be case-insensitive")
	}

	v.Action = ActionReject
	if v.Approved(0) {
		t.Error("reject must never be approved")
	}
}

func TestParseVerdictExtractsJSON(t *testing.T) {
	content := "根据分析，结论如下：\n```json\n" +
		`{"action":"APPROVE","confidence_percent":75,"suggested_stop_loss_percent":1.5,"reasoning":"动量充分"}` +
		"\n```"

	verdict, err := parseVerdict(content)
	if err != nil {
		t.Fatalf("parseVerdict returned error: %v", err)
	}
	if verdict.Action != "APPROVE" {
		t.Errorf("action = %s, want APPROVE", verdict.Action)
	}
	if verdict.ConfidencePercent != 75 {
		t.Errorf("confidence = %v, want 75", verdict.ConfidencePercent)
	}
	if verdict.SuggestedStopLossPercent != 1.5 {
		t.Errorf("suggested stop = %v, want 1.5", verdict.SuggestedStopLossPercent)
	}
}

func TestParseVerdictNoJSON(t *testing.T) {
	if _, err := parseVerdict("抱歉，我无法给出结论。"); err == nil {
		t.Fatal("expected error for content without JSON")
	}
}

func TestBuildPrompt(t *testing.T) {
	req := Request{
		Symbol: "XBT/USD",
		Price:  45123.5,
		Technical: TechnicalContext{
			Action:     "BUY",
			Strategy:   "momentum",
			Confidence: 0.8,
			RSI:        62,
		},
		Portfolio: PortfolioContext{BalanceUSD: 10000, OpenPositions: 1},
		Volatility: VolatilityContext{
			Regime:      "MEDIUM",
			ATRRelative: 0.015,
		},
	}

	prompt, err := BuildPrompt(req)
	if err != nil {
		t.Fatalf("BuildPrompt returned error: %v", err)
	}
	for _, want := range []string{"XBT/USD", "45123.5", "momentum", "MEDIUM", "APPROVE|REJECT"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}
