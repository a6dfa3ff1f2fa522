package service

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"ViralLaunch-server/config"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
)

func TestNewGeminiGeneratorRequiresKey(t *testing.T) {
	_, err := NewGeminiGenerator(context.Background(), config.GeminiConfig{}, nil, discardLogger())
	assert.ErrorIs(t, err, ErrConfig)
	assert.ErrorIs(t, err, config.ErrMissingCredential)
}

func TestClassifyGeminiError(t *testing.T) {
	err := classifyGeminiError(&googleapi.Error{Code: http.StatusTooManyRequests, Message: "quota"})
	assert.True(t, IsTransient(err))

	err = classifyGeminiError(&googleapi.Error{Code: http.StatusBadRequest, Message: "bad prompt"})
	assert.False(t, IsTransient(err))

	plain := errors.New("boom")
	assert.Same(t, plain, classifyGeminiError(plain))
}

func TestHTTPCodeForGRPC(t *testing.T) {
	assert.Equal(t, http.StatusTooManyRequests, httpCodeForGRPC(codes.ResourceExhausted))
	assert.Equal(t, http.StatusServiceUnavailable, httpCodeForGRPC(codes.Unavailable))
	assert.Zero(t, httpCodeForGRPC(codes.InvalidArgument))
}

func TestCheckFiltered(t *testing.T) {
	assert.ErrorIs(t, checkFiltered(nil), ErrNoContent)
	assert.ErrorIs(t, checkFiltered(&genai.GenerateContentResponse{}), ErrNoContent)

	blocked := &genai.GenerateContentResponse{
		PromptFeedback: &genai.PromptFeedback{BlockReason: genai.BlockReasonSafety},
	}
	assert.ErrorIs(t, checkFiltered(blocked), ErrNoContent)

	safety := &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonSafety}}}
	assert.ErrorIs(t, checkFiltered(safety), ErrNoContent)

	ok := &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		FinishReason: genai.FinishReasonStop,
		Content:      &genai.Content{Parts: []genai.Part{genai.Text("{}")}},
	}}}
	assert.NoError(t, checkFiltered(ok))
}
