package ensemble

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/aristath/tradebridge/internal/config"
	"github.com/aristath/tradebridge/internal/domain"
)

// providerReply is the JSON every scoring provider must return. Anything
// else is non-compliant and dropped before aggregation.
type providerReply struct {
	Score       float64 `json:"score"`
	ExpectedRR  float64 `json:"expected_rr"`
	Confidence  float64 `json:"confidence"`
	ShouldTrade bool    `json:"should_trade"`
	Reasoning   string  `json:"reasoning"`
}

// HTTPProvider scores via a provider-hosted HTTP endpoint. The three
// LLM-backed variants differ only in endpoint path and auth headers.
type HTTPProvider struct {
	id     string
	path   string
	client *resty.Client
	log    zerolog.Logger
}

func newHTTPProvider(id, baseURL, path string, headers map[string]string, log zerolog.Logger) *HTTPProvider {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(60*time.Second).
		SetRetryCount(1).
		SetHeader("Content-Type", "application/json")
	for k, v := range headers {
		client.SetHeader(k, v)
	}
	return &HTTPProvider{
		id:     id,
		path:   path,
		client: client,
		log:    log.With().Str("provider", id).Logger(),
	}
}

// NewOpenAIProvider creates the GPT-class scoring provider.
func NewOpenAIProvider(cfg config.ProviderConfig, log zerolog.Logger) *HTTPProvider {
	return newHTTPProvider(cfg.ID, cfg.BaseURL, "/score/"+cfg.Model, map[string]string{
		"Authorization": "Bearer " + cfg.APIKey,
	}, log)
}

// NewAnthropicProvider creates the Claude-class scoring provider.
func NewAnthropicProvider(cfg config.ProviderConfig, log zerolog.Logger) *HTTPProvider {
	return newHTTPProvider(cfg.ID, cfg.BaseURL, "/score/"+cfg.Model, map[string]string{
		"x-api-key":         cfg.APIKey,
		"anthropic-version": "2023-06-01",
	}, log)
}

// NewGeminiProvider creates the Gemini-class scoring provider.
func NewGeminiProvider(cfg config.ProviderConfig, log zerolog.Logger) *HTTPProvider {
	return newHTTPProvider(cfg.ID, cfg.BaseURL, "/score/"+cfg.Model, map[string]string{
		"x-goog-api-key": cfg.APIKey,
	}, log)
}

// NewProviderFromConfig builds the right variant for a provider config.
func NewProviderFromConfig(cfg config.ProviderConfig, log zerolog.Logger) *HTTPProvider {
	switch cfg.ID {
	case "anthropic":
		return NewAnthropicProvider(cfg, log)
	case "gemini":
		return NewGeminiProvider(cfg, log)
	default:
		return NewOpenAIProvider(cfg, log)
	}
}

// ID returns the provider id.
func (p *HTTPProvider) ID() string { return p.id }

// Score posts the feature payload and parses the reply. A 4xx reply is fatal
// for this request and surfaced with the provider's message; validation of
// the numeric ranges happens in the fan-out.
func (p *HTTPProvider) Score(ctx context.Context, req ScoreRequest) (domain.ProviderScore, error) {
	var reply providerReply
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&reply).
		Post(p.path)
	if err != nil {
		return domain.ProviderScore{}, fmt.Errorf("provider %s: %w", p.id, err)
	}
	if resp.IsError() {
		return domain.ProviderScore{}, fmt.Errorf("provider %s: HTTP %d: %s", p.id, resp.StatusCode(), resp.String())
	}

	return domain.ProviderScore{
		ProviderID:  p.id,
		Score:       reply.Score,
		ExpectedRR:  reply.ExpectedRR,
		Confidence:  reply.Confidence,
		ShouldTrade: reply.ShouldTrade,
		RawText:     reply.Reasoning,
	}, nil
}
