// Package gemini はGoogle Gemini APIを用いたテキスト生成・画像解析を提供する。
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/hitoshi/doctorplus/internal/model"
)

var (
	// ErrEmptyResponse はモデルがテキストを返さなかった場合のエラー。
	ErrEmptyResponse = errors.New("gemini: empty response")
	// ErrBlocked はセーフティ設定によりプロンプトまたは応答がブロックされた場合のエラー。
	ErrBlocked = errors.New("gemini: blocked by safety settings")
)

// safetySettings は全呼び出しに適用するセーフティポリシー。
// 4カテゴリすべてを中程度以上でブロックする。
var safetySettings = []*genai.SafetySetting{
	{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockThresholdBlockMediumAndAbove},
	{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockThresholdBlockMediumAndAbove},
	{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockThresholdBlockMediumAndAbove},
	{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockThresholdBlockMediumAndAbove},
}

// Options はClient生成時の設定。
type Options struct {
	APIKey          string
	Model           string
	BaseURL         string // 空の場合はSDKのデフォルトエンドポイント
	MaxOutputTokens int
	HTTPClient      *http.Client
}

// Client はGemini APIのクライアント。
// 起動時に1回生成し、全リクエストで共有する。
type Client struct {
	genai           *genai.Client
	model           string
	maxOutputTokens int32
	logger          *slog.Logger
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(ctx context.Context, opts Options, logger *slog.Logger) (*Client, error) {
	if opts.APIKey == "" {
		return nil, errors.New("gemini: api key is required")
	}
	if opts.Model == "" {
		return nil, errors.New("gemini: model is required")
	}

	cc := &genai.ClientConfig{
		APIKey:     opts.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: opts.HTTPClient,
	}
	if opts.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: opts.BaseURL}
	}

	gc, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &Client{
		genai:           gc,
		model:           opts.Model,
		maxOutputTokens: int32(opts.MaxOutputTokens),
		logger:          logger,
	}, nil
}

// Chat はシステム指示付きのチャットセッションを履歴なしで開始し、1メッセージを送信する。
func (c *Client) Chat(ctx context.Context, systemInstruction, message string) (string, error) {
	cfg := c.config()
	cfg.SystemInstruction = genai.NewContentFromText(systemInstruction, genai.RoleUser)

	chat, err := c.genai.Chats.Create(ctx, c.model, cfg, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create chat session: %w", err)
	}

	resp, err := chat.SendMessage(ctx, genai.Part{Text: message})
	if err != nil {
		c.logger.Error("Gemini APIのチャット呼び出しに失敗しました",
			slog.String("error", err.Error()),
		)
		return "", fmt.Errorf("failed to send chat message: %w", err)
	}

	return c.extractText(resp, "chat")
}

// Generate は単発のテキスト生成を行う。
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}

	resp, err := c.genai.Models.GenerateContent(ctx, c.model, contents, c.config())
	if err != nil {
		c.logger.Error("Gemini APIのテキスト生成に失敗しました",
			slog.String("error", err.Error()),
		)
		return "", fmt.Errorf("failed to generate content: %w", err)
	}

	return c.extractText(resp, "generate")
}

// GenerateWithImage はテキストとインライン画像を1つのユーザーターンとして送信する。
func (c *Client) GenerateWithImage(ctx context.Context, prompt string, image model.InlineImage) (string, error) {
	parts := []*genai.Part{
		genai.NewPartFromText(prompt),
		genai.NewPartFromBytes(image.Data, image.MIMEType),
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	resp, err := c.genai.Models.GenerateContent(ctx, c.model, contents, c.config())
	if err != nil {
		c.logger.Error("Gemini APIの画像解析に失敗しました",
			slog.String("error", err.Error()),
			slog.String("mime_type", image.MIMEType),
			slog.Int("image_bytes", len(image.Data)),
		)
		return "", fmt.Errorf("failed to generate content with image: %w", err)
	}

	return c.extractText(resp, "generate_with_image")
}

// config は呼び出しごとに新しい生成設定を返す。
// SystemInstructionを設定する呼び出しがあるため共有しない。
func (c *Client) config() *genai.GenerateContentConfig {
	return &genai.GenerateContentConfig{
		SafetySettings:  safetySettings,
		MaxOutputTokens: c.maxOutputTokens,
	}
}

// extractText はレスポンスからテキストを取り出す。
// ブロックされた場合はErrBlocked、テキストが空の場合はErrEmptyResponseを返す。
func (c *Client) extractText(resp *genai.GenerateContentResponse, operation string) (string, error) {
	if resp == nil {
		return "", ErrEmptyResponse
	}

	if pf := resp.PromptFeedback; pf != nil && pf.BlockReason != "" {
		c.logger.Warn("プロンプトがセーフティ設定によりブロックされました",
			slog.String("operation", operation),
			slog.String("block_reason", string(pf.BlockReason)),
		)
		return "", ErrBlocked
	}

	text := resp.Text()
	if strings.TrimSpace(text) != "" {
		return text, nil
	}

	if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason == genai.FinishReasonSafety {
		c.logger.Warn("応答がセーフティ設定によりブロックされました",
			slog.String("operation", operation),
		)
		return "", ErrBlocked
	}

	c.logger.Warn("Gemini APIが空の応答を返しました",
		slog.String("operation", operation),
	)
	return "", ErrEmptyResponse
}
