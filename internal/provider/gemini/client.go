package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"
)

// Interface compliance check.
var _ model.BaseChatModel = (*ChatModel)(nil)

// Config configures a [ChatModel].
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   *int
	Temperature *float32
	TopP        *float32
}

// ChatModel implements [model.BaseChatModel] on top of the genai client.
type ChatModel struct {
	client *genai.Client
	cfg    Config
}

// New creates a Gemini chat model. BaseURL is optional.
func New(ctx context.Context, cfg Config) (*ChatModel, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: empty api key")
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}

	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	c, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	return &ChatModel{client: c, cfg: cfg}, nil
}

// Generate sends the conversation and returns the complete reply.
func (m *ChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	name, contents, config, err := m.request(input, opts)
	if err != nil {
		return nil, err
	}

	resp, err := m.client.Models.GenerateContent(ctx, name, contents, config)
	if err != nil {
		return nil, fmt.Errorf("gemini: generate content: %w", err)
	}
	return toMessage(resp), nil
}

// Stream sends the conversation and emits reply chunks as they arrive.
func (m *ChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	name, contents, config, err := m.request(input, opts)
	if err != nil {
		return nil, err
	}

	sr, sw := schema.Pipe[*schema.Message](1)
	go func() {
		defer sw.Close()
		for resp, err := range m.client.Models.GenerateContentStream(ctx, name, contents, config) {
			if err != nil {
				sw.Send(nil, fmt.Errorf("gemini: stream content: %w", err))
				return
			}
			if closed := sw.Send(toMessage(resp), nil); closed {
				return
			}
		}
	}()
	return sr, nil
}

func (m *ChatModel) request(input []*schema.Message, opts []model.Option) (string, []*genai.Content, *genai.GenerateContentConfig, error) {
	options := model.GetCommonOptions(&model.Options{
		Model:       &m.cfg.Model,
		MaxTokens:   m.cfg.MaxTokens,
		Temperature: m.cfg.Temperature,
		TopP:        m.cfg.TopP,
	}, opts...)

	contents, system := ConvertMessages(input)
	if len(contents) == 0 {
		return "", nil, nil, errors.New("gemini: no messages")
	}

	config := &genai.GenerateContentConfig{
		SystemInstruction: system,
		Temperature:       options.Temperature,
		TopP:              options.TopP,
		StopSequences:     options.Stop,
	}
	if options.MaxTokens != nil {
		config.MaxOutputTokens = int32(*options.MaxTokens)
	}

	name := m.cfg.Model
	if options.Model != nil && strings.TrimSpace(*options.Model) != "" {
		name = *options.Model
	}
	return name, contents, config, nil
}

// ConvertMessages converts eino messages to genai contents and collects
// system messages into a single system instruction.
// Exported for testing.
func ConvertMessages(msgs []*schema.Message) ([]*genai.Content, *genai.Content) {
	var (
		contents []*genai.Content
		system   *genai.Content
	)
	for _, msg := range msgs {
		if msg == nil {
			continue
		}

		role := string(genai.RoleUser)
		switch msg.Role {
		case schema.System:
			if msg.Content == "" {
				continue
			}
			if system == nil {
				system = &genai.Content{}
			}
			system.Parts = append(system.Parts, &genai.Part{Text: msg.Content})
			continue
		case schema.Assistant:
			role = string(genai.RoleModel)
		}

		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: msg.Content}},
		})
	}
	return contents, system
}

func toMessage(resp *genai.GenerateContentResponse) *schema.Message {
	out := &schema.Message{Role: schema.Assistant}
	if resp == nil {
		return out
	}

	meta := &schema.ResponseMeta{}
	if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
		cand := resp.Candidates[0]
		meta.FinishReason = string(cand.FinishReason)
		if cand.Content != nil {
			var b strings.Builder
			for _, p := range cand.Content.Parts {
				if p != nil {
					b.WriteString(p.Text)
				}
			}
			out.Content = b.String()
		}
	}
	if u := resp.UsageMetadata; u != nil {
		meta.Usage = &schema.TokenUsage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	out.ResponseMeta = meta
	return out
}
