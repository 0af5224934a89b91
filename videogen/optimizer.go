package videogen

import (
	"context"
	"fmt"
	"strings"

	"github.com/hazyhaar/splatpipe/stage"
)

// metaPrompt steers the text model to rewrite a user prompt into something
// the video model handles well: explicit camera motion, lighting, and
// composition. Output must be the rewritten prompt alone.
const metaPrompt = `You are a prompt engineer for a text-to-video generation model.
Rewrite the user's base prompt to be more descriptive, dynamic, and cinematic.
Add camera movement, tracking, lighting, and composition detail while
preserving the core subject. The camera should orbit the subject so that the
footage covers many viewpoints.

Your output MUST be only the rewritten prompt text and nothing else.

User's base prompt:
%q
`

// OptimizePrompt asks the text model to rewrite prompt for better video
// output. Callers treat failure as non-fatal and submit the original prompt.
func (c *Client) OptimizePrompt(ctx context.Context, prompt string) (string, error) {
	if c.cfg.APIKey == "" {
		return "", stage.Errf(stage.KindAuth, "missing API key: set GEMINI_API_KEY")
	}

	body := textRequest{
		Contents: []content{{
			Role:  "user",
			Parts: []part{{Text: fmt.Sprintf(metaPrompt, prompt)}},
		}},
		GenerationConfig: generationConfig{
			ResponseMimeType: "text/plain",
			Temperature:      1.4,
			TopP:             0.9,
		},
	}
	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?key=%s",
		c.cfg.BaseURL, c.cfg.OptimizerModel, c.cfg.APIKey)

	// The streaming endpoint returns a JSON array of response chunks.
	var chunks []textResponse
	if err := c.postJSON(ctx, url, body, &chunks); err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, chunk := range chunks {
		for _, cand := range chunk.Candidates {
			for _, p := range cand.Content.Parts {
				sb.WriteString(p.Text)
			}
			break // first candidate only
		}
	}

	optimized := strings.TrimSpace(sb.String())
	if optimized == "" {
		return "", stage.Errf(stage.KindTransient, "optimizer returned an empty rewrite")
	}

	c.logger.Info("prompt optimized", "model", c.cfg.OptimizerModel, "chars", len(optimized))
	return optimized, nil
}
