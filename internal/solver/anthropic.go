package solver

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const DefaultModel = "claude-sonnet-4-5"

// Anthropic reads captchas with a vision-capable Claude model.
type Anthropic struct {
	api        *anthropic.Client
	model      anthropic.Model
	codeLength int
}

// NewAnthropic creates a solver. Extra request options (base URL, retries)
// are passed through to the SDK client.
func NewAnthropic(apiKey, model string, codeLength int, opts ...option.RequestOption) *Anthropic {
	all := []option.RequestOption{}
	if apiKey != "" {
		all = append(all, option.WithAPIKey(apiKey))
	}
	all = append(all, opts...)
	client := anthropic.NewClient(all...)
	if model == "" {
		model = DefaultModel
	}
	return &Anthropic{
		api:        &client,
		model:      anthropic.Model(model),
		codeLength: codeLength,
	}
}

func buildPrompt(codeLength int) string {
	if codeLength <= 0 {
		return "Read the characters in this captcha image. Reply with the characters only."
	}
	return fmt.Sprintf("Read the %d characters in this captcha image. Reply with exactly those %d characters and nothing else.", codeLength, codeLength)
}

// Solve sends the image to the model and returns the letters and digits of
// its reply.
func (a *Anthropic) Solve(ctx context.Context, image []byte) (string, error) {
	if len(image) == 0 {
		return "", nil
	}
	mediaType := http.DetectContentType(image)
	switch mediaType {
	case "image/jpeg", "image/png", "image/gif", "image/webp":
	default:
		mediaType = "image/jpeg"
	}

	msg, err := a.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: 16,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewImageBlockBase64(mediaType, base64.StdEncoding.EncodeToString(image)),
				anthropic.NewTextBlock(buildPrompt(a.codeLength)),
			),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call: %w", err)
	}

	for _, block := range msg.Content {
		if block.Type == "text" {
			return normalize(block.Text), nil
		}
	}
	return "", nil
}
