package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"ViralLaunch-server/config"

	"google.golang.org/genai"
)

// videoAPI is the part of the genai client used for long-running video
// generation.
type videoAPI interface {
	GenerateVideos(ctx context.Context, model, prompt string, image *genai.Image, cfg *genai.GenerateVideosConfig) (*genai.GenerateVideosOperation, error)
	GetVideosOperation(ctx context.Context, op *genai.GenerateVideosOperation, cfg *genai.GetOperationConfig) (*genai.GenerateVideosOperation, error)
	Download(ctx context.Context, uri genai.DownloadURI, cfg *genai.DownloadFileConfig) ([]byte, error)
}

type genaiVideoAPI struct {
	client *genai.Client
}

func (a genaiVideoAPI) GenerateVideos(ctx context.Context, model, prompt string, image *genai.Image, cfg *genai.GenerateVideosConfig) (*genai.GenerateVideosOperation, error) {
	return a.client.Models.GenerateVideos(ctx, model, prompt, image, cfg)
}

func (a genaiVideoAPI) GetVideosOperation(ctx context.Context, op *genai.GenerateVideosOperation, cfg *genai.GetOperationConfig) (*genai.GenerateVideosOperation, error) {
	return a.client.Operations.GetVideosOperation(ctx, op, cfg)
}

func (a genaiVideoAPI) Download(ctx context.Context, uri genai.DownloadURI, cfg *genai.DownloadFileConfig) ([]byte, error) {
	return a.client.Files.Download(ctx, uri, cfg)
}

// VeoClient drives Veo video generation operations.
type VeoClient struct {
	api   videoAPI
	model string
	refs  *ReferenceResolver
}

func NewVeoClient(ctx context.Context, cfg config.GeminiConfig, refs *ReferenceResolver) (*VeoClient, error) {
	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: cfg.Timeout},
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions.BaseURL = cfg.BaseURL
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create video client: %w", err)
	}
	return newVeoClient(genaiVideoAPI{client: client}, cfg.VideoModel, refs), nil
}

func newVeoClient(api videoAPI, model string, refs *ReferenceResolver) *VeoClient {
	return &VeoClient{api: api, model: model, refs: refs}
}

// Start submits the request and returns the operation name.
func (c *VeoClient) Start(ctx context.Context, req VideoRequest) (string, error) {
	var image *genai.Image
	if req.ReferenceImage != "" {
		m, err := c.refs.Resolve(ctx, req.ReferenceImage)
		if err != nil {
			return "", err
		}
		image = &genai.Image{ImageBytes: m.Data, MIMEType: m.MIMEType}
	}
	cfg := &genai.GenerateVideosConfig{NumberOfVideos: 1}
	if req.DurationSeconds > 0 {
		d := int32(req.DurationSeconds)
		cfg.DurationSeconds = &d
	}
	op, err := c.api.GenerateVideos(ctx, c.model, req.Prompt, image, cfg)
	if err != nil {
		return "", classifyVideoError(err)
	}
	if op == nil || op.Name == "" {
		return "", fmt.Errorf("video request returned no operation name")
	}
	return op.Name, nil
}

// Poll fetches the operation and downloads the video once it is done.
func (c *VeoClient) Poll(ctx context.Context, handle string) (*Operation, error) {
	op, err := c.api.GetVideosOperation(ctx, &genai.GenerateVideosOperation{Name: handle}, nil)
	if err != nil {
		return nil, classifyVideoError(err)
	}
	res := &Operation{Handle: handle, Done: op.Done}
	if !op.Done {
		return res, nil
	}
	if len(op.Error) > 0 {
		res.Err = fmt.Errorf("video operation failed (%v): %v", op.Error["code"], op.Error["message"])
		return res, nil
	}
	var video *genai.Video
	if op.Response != nil && len(op.Response.GeneratedVideos) > 0 && op.Response.GeneratedVideos[0] != nil {
		video = op.Response.GeneratedVideos[0].Video
	}
	if video == nil {
		if op.Response != nil && op.Response.RAIMediaFilteredCount > 0 {
			res.Err = fmt.Errorf("%w: video filtered: %s", ErrNoContent,
				strings.Join(op.Response.RAIMediaFilteredReasons, "; "))
			return res, nil
		}
		res.Err = fmt.Errorf("%w: no video returned", ErrNoContent)
		return res, nil
	}

	data := video.VideoBytes
	if len(data) == 0 {
		data, err = c.api.Download(ctx, genai.NewDownloadURIFromVideo(video), nil)
		if err != nil {
			return nil, fmt.Errorf("download video: %w", classifyVideoError(err))
		}
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty video download", ErrNoContent)
	}
	mime := video.MIMEType
	if mime == "" {
		mime = "video/mp4"
	}
	res.Video = &Media{Data: data, MIMEType: mime}
	return res, nil
}

// classifyVideoError wraps retryable genai API errors in TransientError.
func classifyVideoError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && retryableStatus(apiErr.Code) {
		return &TransientError{StatusCode: apiErr.Code, Err: err}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && retryableStatus(apiErrPtr.Code) {
		return &TransientError{StatusCode: apiErrPtr.Code, Err: err}
	}
	return classifyGeminiError(err)
}
