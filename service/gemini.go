package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"ViralLaunch-server/config"

	"github.com/google/generative-ai-go/genai"
	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
)

// GeminiGenerator serves text and images through the Gemini SDK and video
// through Veo operations.
type GeminiGenerator struct {
	client     *genai.Client
	textModel  string
	imageModel string
	refs       *ReferenceResolver
	video      *VeoClient
	logger     *slog.Logger
}

func NewGeminiGenerator(ctx context.Context, cfg config.GeminiConfig, refs *ReferenceResolver, logger *slog.Logger) (*GeminiGenerator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: %w", ErrConfig, config.ErrMissingCredential)
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("%w: create gemini client: %w", ErrConfig, err)
	}
	video, err := NewVeoClient(ctx, cfg, refs)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	return &GeminiGenerator{
		client:     client,
		textModel:  cfg.TextModel,
		imageModel: cfg.ImageModel,
		refs:       refs,
		video:      video,
		logger:     logger.With("component", "gemini"),
	}, nil
}

func (g *GeminiGenerator) Close() error {
	return g.client.Close()
}

func (g *GeminiGenerator) GenerateText(ctx context.Context, prompt string) (string, error) {
	model := g.client.GenerativeModel(g.textModel)
	model.ResponseMIMEType = "application/json"
	model.SetTemperature(0.7)

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", classifyGeminiError(err)
	}
	if err := checkFiltered(resp); err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			sb.WriteString(string(t))
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("%w: empty text response", ErrNoContent)
	}
	return sb.String(), nil
}

func (g *GeminiGenerator) GenerateImage(ctx context.Context, req ImageRequest) (*Media, error) {
	model := g.client.GenerativeModel(g.imageModel)

	parts := []genai.Part{genai.Text(req.Prompt)}
	for _, ref := range req.ReferenceImages {
		m, err := g.refs.Resolve(ctx, ref)
		if err != nil {
			return nil, err
		}
		parts = append(parts, genai.Blob{MIMEType: m.MIMEType, Data: m.Data})
	}

	resp, err := model.GenerateContent(ctx, parts...)
	if err != nil {
		return nil, classifyGeminiError(err)
	}
	if err := checkFiltered(resp); err != nil {
		return nil, err
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		if blob, ok := part.(genai.Blob); ok && len(blob.Data) > 0 {
			return &Media{Data: blob.Data, MIMEType: blob.MIMEType}, nil
		}
	}
	g.logger.WarnContext(ctx, "image response carried no image data", "model", g.imageModel)
	return nil, fmt.Errorf("%w: no image returned", ErrNoContent)
}

func (g *GeminiGenerator) GenerateVideo(ctx context.Context, req VideoRequest) (string, error) {
	return g.video.Start(ctx, req)
}

func (g *GeminiGenerator) PollOperation(ctx context.Context, handle string) (*Operation, error) {
	return g.video.Poll(ctx, handle)
}

// checkFiltered maps blocked or empty responses to ErrNoContent.
func checkFiltered(resp *genai.GenerateContentResponse) error {
	if resp == nil {
		return fmt.Errorf("%w: nil response", ErrNoContent)
	}
	if fb := resp.PromptFeedback; fb != nil && fb.BlockReason != genai.BlockReasonUnspecified {
		return fmt.Errorf("%w: prompt blocked (%s)", ErrNoContent, fb.BlockReason)
	}
	if len(resp.Candidates) == 0 {
		return fmt.Errorf("%w: no candidates", ErrNoContent)
	}
	c := resp.Candidates[0]
	if c.FinishReason == genai.FinishReasonSafety {
		return fmt.Errorf("%w: response filtered for safety", ErrNoContent)
	}
	if c.Content == nil || len(c.Content.Parts) == 0 {
		return fmt.Errorf("%w: empty candidate (%s)", ErrNoContent, c.FinishReason)
	}
	return nil
}

// classifyGeminiError wraps retryable SDK failures in TransientError.
func classifyGeminiError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && retryableStatus(gerr.Code) {
		return &TransientError{StatusCode: gerr.Code, Err: err}
	}
	var aerr *apierror.APIError
	if errors.As(err, &aerr) {
		if code := aerr.HTTPCode(); retryableStatus(code) {
			return &TransientError{StatusCode: code, Err: err}
		}
		if st := aerr.GRPCStatus(); st != nil {
			if code := httpCodeForGRPC(st.Code()); retryableStatus(code) {
				return &TransientError{StatusCode: code, Err: err}
			}
		}
	}
	return err
}

func httpCodeForGRPC(c codes.Code) int {
	switch c {
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Internal:
		return http.StatusInternalServerError
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	}
	return 0
}
