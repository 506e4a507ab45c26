package vision

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"google.golang.org/genai"
)

const (
	DefaultBedrockModel = "amazon.nova-lite-v1:0"
	DefaultGeminiModel  = "gemini-2.5-flash"
)

// Describer turns an image into a short spoken-style description.
type Describer interface {
	Describe(ctx context.Context, image []byte, mimeType, prompt string) (string, error)
}

var errNoText = errors.New("image description contained no text")

type converseClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockDescriber uses the Converse API with a multimodal model.
type BedrockDescriber struct {
	client  converseClient
	modelID string
}

func NewBedrockDescriber(client converseClient, modelID string) *BedrockDescriber {
	if strings.TrimSpace(modelID) == "" {
		modelID = DefaultBedrockModel
	}
	return &BedrockDescriber{client: client, modelID: modelID}
}

func (d *BedrockDescriber) Describe(ctx context.Context, image []byte, mimeType, prompt string) (string, error) {
	if d == nil || d.client == nil {
		return "", fmt.Errorf("bedrock vision client is not configured")
	}
	format, err := imageFormat(mimeType)
	if err != nil {
		return "", err
	}
	out, err := d.client.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId: aws.String(d.modelID),
		Messages: []types.Message{{
			Role: types.ConversationRoleUser,
			Content: []types.ContentBlock{
				&types.ContentBlockMemberText{Value: prompt},
				&types.ContentBlockMemberImage{Value: types.ImageBlock{
					Format: format,
					Source: &types.ImageSourceMemberBytes{Value: image},
				}},
			},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("bedrock converse: %w", err)
	}
	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return "", errNoText
	}
	for _, block := range msg.Value.Content {
		if text, ok := block.(*types.ContentBlockMemberText); ok && strings.TrimSpace(text.Value) != "" {
			return strings.TrimSpace(text.Value), nil
		}
	}
	return "", errNoText
}

func imageFormat(mimeType string) (types.ImageFormat, error) {
	switch strings.ToLower(mimeType) {
	case "image/png":
		return types.ImageFormatPng, nil
	case "image/jpeg", "image/jpg":
		return types.ImageFormatJpeg, nil
	case "image/gif":
		return types.ImageFormatGif, nil
	case "image/webp":
		return types.ImageFormatWebp, nil
	default:
		return "", fmt.Errorf("unsupported image type %q", mimeType)
	}
}

// GeminiDescriber uses the Gemini API.
type GeminiDescriber struct {
	client *genai.Client
	model  string
}

func NewGeminiDescriber(ctx context.Context, apiKey, model, baseURL string) (*GeminiDescriber, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if strings.TrimSpace(model) == "" {
		model = DefaultGeminiModel
	}
	cfg := &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI}
	if strings.TrimSpace(baseURL) != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiDescriber{client: client, model: model}, nil
}

func (d *GeminiDescriber) Describe(ctx context.Context, image []byte, mimeType, prompt string) (string, error) {
	contents := []*genai.Content{genai.NewContentFromParts([]*genai.Part{
		genai.NewPartFromText(prompt),
		genai.NewPartFromBytes(image, mimeType),
	}, genai.RoleUser)}
	resp, err := d.client.Models.GenerateContent(ctx, d.model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", errNoText
	}
	return text, nil
}

// Prompt builds the instruction sent with the screenshot.
func Prompt(focus string) string {
	focus = strings.TrimSpace(focus)
	if focus == "" {
		return "Describe what you see in this image in one or two sentences, phrased as 'This image shows...'."
	}
	return "Describe this image in one or two sentences. Focus on: " + focus
}
