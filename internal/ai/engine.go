package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/shopspring/decimal"
	"github.com/vox-trader/agent-core/internal/apperr"
	"github.com/vox-trader/agent-core/internal/config"
	"github.com/vox-trader/agent-core/internal/exchange"
	"github.com/vox-trader/agent-core/internal/models"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	ErrModelUnavailable = apperr.New(apperr.KindUpstream, "MODEL_UNAVAILABLE", "model unavailable")
	ErrInvalidResponse  = apperr.New(apperr.KindUpstream, "INVALID_MODEL_RESPONSE", "no action found in model response")
	ErrUnknownModel     = apperr.New(apperr.KindValidation, "UNKNOWN_MODEL", "unknown model")
)

// ChatClient is the subset of the OpenAI client the engine uses
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// AnalyzeRequest is the input of one decision
type AnalyzeRequest struct {
	UserID           uint
	Symbol           string
	Interval         string
	Strategy         models.Strategy
	CustomPrompt     string
	MarketType       models.MarketType
	Model            string
	ImageBase64      string
	Chart            *exchange.ChartContext
	PortfolioContext string
	Source           models.TradeSource
}

// Engine turns chart context into a BUY/SELL/HOLD decision through an
// OpenAI-compatible chat completion
type Engine struct {
	clients     map[Provider]ChatClient
	limiters    map[Provider]*rate.Limiter
	timeout     time.Duration
	temperature float32
	maxTokens   int
	log         *zap.Logger
}

// NewEngine creates clients for every provider with an API key
func NewEngine(cfg config.AIConfig, log *zap.Logger) *Engine {
	clients := make(map[Provider]ChatClient)
	providers := map[Provider]config.AIProviderConfig{
		ProviderGLM:    cfg.GLM,
		ProviderOpenAI: cfg.OpenAI,
	}
	for p, pc := range providers {
		if pc.APIKey == "" {
			continue
		}
		ocfg := openai.DefaultConfig(pc.APIKey)
		if pc.BaseURL != "" {
			ocfg.BaseURL = strings.TrimRight(pc.BaseURL, "/")
		}
		ocfg.HTTPClient = &http.Client{Timeout: cfg.Timeout()}
		clients[p] = openai.NewClientWithConfig(ocfg)
	}
	return NewEngineWithClients(clients, cfg, log)
}

// NewEngineWithClients builds an engine over the given provider clients
func NewEngineWithClients(clients map[Provider]ChatClient, cfg config.AIConfig, log *zap.Logger) *Engine {
	perMin := cfg.RequestsPerMin
	if perMin <= 0 {
		perMin = 60
	}
	limiters := make(map[Provider]*rate.Limiter, len(clients))
	for p := range clients {
		limiters[p] = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMin)), 5)
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Engine{
		clients:     clients,
		limiters:    limiters,
		timeout:     cfg.Timeout(),
		temperature: cfg.Temperature,
		maxTokens:   maxTokens,
		log:         log.Named("ai"),
	}
}

// Available reports whether the model's provider is configured
func (e *Engine) Available(modelID string) bool {
	m, ok := LookupModel(modelID)
	if !ok {
		return false
	}
	_, ok = e.clients[m.Provider]
	return ok
}

// Analyze makes one model call and returns the unsaved Analysis.
// An unparseable reply is not an error: the action falls back to HOLD.
func (e *Engine) Analyze(ctx context.Context, req AnalyzeRequest) (*models.Analysis, error) {
	modelID := strings.TrimSpace(req.Model)
	if modelID == "" {
		modelID = DefaultModel
	}
	info, ok := LookupModel(modelID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}
	client, ok := e.clients[info.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: no API key configured for provider %s", ErrModelUnavailable, info.Provider)
	}
	if err := e.limiters[info.Provider].Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}

	chatReq := openai.ChatCompletionRequest{
		Model: info.ID,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			userMessage(BuildUserPrompt(&req), req.ImageBase64, info.Vision),
		},
	}
	if info.Provider == ProviderOpenAI {
		chatReq.MaxCompletionTokens = e.maxTokens
	} else {
		chatReq.MaxTokens = e.maxTokens
		chatReq.Temperature = e.temperature
	}

	callCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	e.log.Info("sending analysis request",
		zap.Uint("user_id", req.UserID),
		zap.String("symbol", req.Symbol),
		zap.String("interval", req.Interval),
		zap.String("model", info.ID),
	)
	started := time.Now()
	resp, err := client.CreateChatCompletion(callCtx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrModelUnavailable, describeAPIError(err))
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrModelUnavailable)
	}

	content := resp.Choices[0].Message.Content
	decision, perr := ParseDecision(content)
	if perr != nil {
		e.log.Warn("model response had no action, holding",
			zap.String("model", info.ID), zap.Int("length", len(content)), zap.Error(perr))
	}

	cached := 0
	if resp.Usage.PromptTokensDetails != nil {
		cached = resp.Usage.PromptTokensDetails.CachedTokens
	}
	cost := info.Cost(resp.Usage.PromptTokens, cached, resp.Usage.CompletionTokens)

	e.log.Info("received analysis",
		zap.String("model", info.ID),
		zap.String("action", string(decision.Action)),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		zap.Duration("took", time.Since(started)),
	)

	source := req.Source
	if source == "" {
		source = models.SourceManual
	}
	analysis := &models.Analysis{
		UserID:           req.UserID,
		Symbol:           req.Symbol,
		Interval:         req.Interval,
		Strategy:         req.Strategy,
		CustomPrompt:     req.CustomPrompt,
		MarketType:       req.MarketType,
		Model:            info.ID,
		Source:           source,
		Action:           decision.Action,
		BuyAt:            decision.BuyAt,
		SellAt:           decision.SellAt,
		AnalysisText:     decision.Text,
		Message:          decision.Message,
		LastPrice:        decimal.Zero,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		CachedTokens:     cached,
		CostUSD:          cost,
	}
	if req.Chart != nil {
		analysis.LastPrice = req.Chart.LastPrice
	}
	return analysis, nil
}

func userMessage(prompt, image string, vision bool) openai.ChatCompletionMessage {
	image = strings.TrimSpace(image)
	if image == "" || !vision {
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt}
	}
	url := image
	if !strings.HasPrefix(url, "data:") {
		url = "data:image/png;base64," + url
	}
	return openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser,
		MultiContent: []openai.ChatMessagePart{
			{Type: openai.ChatMessagePartTypeText, Text: prompt},
			{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: url, Detail: openai.ImageURLDetailAuto}},
		},
	}
}

func describeAPIError(err error) string {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Sprintf("status %d: %s", apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return fmt.Sprintf("status %d", reqErr.HTTPStatusCode)
	}
	return err.Error()
}
