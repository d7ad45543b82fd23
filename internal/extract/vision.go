package extract

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

// ocrPrompt asks for a faithful transcription rather than a description,
// so the resulting chunks can be cited like any text document.
const ocrPrompt = "Transcribe all readable text from this image exactly as written. " +
	"If the image contains a chart or diagram, describe its data concisely after the transcription. " +
	"Output only the transcription and description, no commentary."

// VisionCaptioner transcribes images through a multimodal model.
type VisionCaptioner struct {
	g     *genkit.Genkit
	model string
}

func NewVisionCaptioner(g *genkit.Genkit, model string) *VisionCaptioner {
	return &VisionCaptioner{g: g, model: model}
}

// Describe sends the image inline as a data URI and returns the model's
// transcription.
func (v *VisionCaptioner) Describe(ctx context.Context, mediaType string, data []byte) (string, error) {
	encoded := base64.StdEncoding.EncodeToString(data)
	resp, err := genkit.Generate(ctx, v.g,
		ai.WithModelName(v.model),
		ai.WithMessages(ai.NewUserMessage(
			ai.NewMediaPart(mediaType, "data:"+mediaType+";base64,"+encoded),
			ai.NewTextPart(ocrPrompt),
		)),
	)
	if err != nil {
		return "", fmt.Errorf("generate transcription: %w", err)
	}
	return resp.Text(), nil
}
