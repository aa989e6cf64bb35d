package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tg-media-vault/internal/domain"
)

const systemPrompt = `Ты извлекаешь данные о товаре из подписи к фото.
Верни JSON с полями: product_name, product_code, vendor_uid, purchase_date (YYYY-MM-DD), quantity (число), notes.
Пропусти поля, которых нет в тексте. Если данных о товаре нет совсем, верни {}.`

// LLMAnalyzer извлекает поля товара через LLM. При любой ошибке модели
// отвечает детерминированный разбор правилами — анализ не считается
// проваленным, пока работает хотя бы один из двух путей.
type LLMAnalyzer struct {
	client   *Client
	fallback *RulesAnalyzer
	model    string
	log      zerolog.Logger
}

var _ domain.CaptionAnalyzer = (*LLMAnalyzer)(nil)

// NewLLM создаёт анализатор с запасным разбором правилами.
func NewLLM(client *Client, model string, logger zerolog.Logger) *LLMAnalyzer {
	return &LLMAnalyzer{client: client, fallback: NewRules(), model: model, log: logger}
}

type llmProductPayload struct {
	ProductName  string `json:"product_name"`
	ProductCode  string `json:"product_code"`
	VendorUID    string `json:"vendor_uid"`
	PurchaseDate string `json:"purchase_date"`
	Quantity     int    `json:"quantity"`
	Notes        string `json:"notes"`
}

// Analyze извлекает поля товара из подписи.
func (a *LLMAnalyzer) Analyze(ctx context.Context, caption string) (*domain.ProductInfo, error) {
	text := strings.TrimSpace(caption)
	if text == "" {
		return nil, nil
	}

	resp, err := a.client.CreateChatCompletion(ctx, ChatCompletionRequest{
		Model: a.model,
		Messages: []ChatMessage{
			{Role: RoleSystem, Content: systemPrompt},
			{Role: RoleUser, Content: text},
		},
		Temperature:    0,
		ResponseFormat: &ChatCompletionResponseFormat{Type: ResponseFormatTypeJSONObject},
	})
	if err != nil {
		a.log.Warn().Err(err).Msg("analyzer: LLM недоступен, разбор правилами")
		return a.fallback.Analyze(ctx, caption)
	}
	if len(resp.Choices) == 0 {
		return a.fallback.Analyze(ctx, caption)
	}

	info, err := parseLLMPayload(resp.Choices[0].Message.Content)
	if err != nil {
		a.log.Warn().Err(err).Msg("analyzer: нечитаемый ответ LLM, разбор правилами")
		return a.fallback.Analyze(ctx, caption)
	}
	return info, nil
}

func parseLLMPayload(content string) (*domain.ProductInfo, error) {
	var payload llmProductPayload
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return nil, fmt.Errorf("decode llm payload: %w", err)
	}
	info := &domain.ProductInfo{
		ProductName: strings.TrimSpace(payload.ProductName),
		ProductCode: strings.TrimSpace(payload.ProductCode),
		VendorUID:   strings.ToUpper(strings.TrimSpace(payload.VendorUID)),
		Quantity:    payload.Quantity,
		Notes:       strings.TrimSpace(payload.Notes),
	}
	if payload.PurchaseDate != "" {
		if ts, err := time.Parse("2006-01-02", payload.PurchaseDate); err == nil {
			info.PurchaseDate = &ts
		}
	}
	if info.Completeness() == 0 {
		return nil, nil
	}
	return info, nil
}
