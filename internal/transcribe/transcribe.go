// Package transcribe converts audio to text through the OpenAI Whisper
// API. It backs the transcribe.* RPC methods.
package transcribe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/arbor-sh/arbor/internal/config"
	"github.com/arbor-sh/arbor/internal/observability"
)

// MaxAudioBytes caps uploads at the Whisper API limit.
const MaxAudioBytes = 25 * 1024 * 1024

// ErrAudioTooLarge rejects uploads past MaxAudioBytes.
var ErrAudioTooLarge = errors.New("transcribe: audio exceeds 25MB limit")

// ModelInfo describes one transcription model.
type ModelInfo struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
}

// Service performs transcriptions.
type Service struct {
	client   *openai.Client
	model    string
	language string
	log      *observability.Logger
}

// New builds a Service from config. The API key falls back to the
// OpenAI provider key when the transcribe section has none.
func New(cfg config.TranscribeConfig, fallbackKey string, log *observability.Logger) (*Service, error) {
	key := cfg.APIKey
	if key == "" {
		key = fallbackKey
	}
	if key == "" {
		return nil, errors.New("transcribe: no API key configured")
	}
	if log == nil {
		log = observability.NewNopLogger()
	}

	clientCfg := openai.DefaultConfig(key)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	model := cfg.Model
	if model == "" {
		model = openai.Whisper1
	}
	return &Service{
		client:   openai.NewClientWithConfig(clientCfg),
		model:    model,
		language: cfg.Language,
		log:      log,
	}, nil
}

// Transcribe converts one audio stream to text. language overrides the
// configured hint; empty lets the model detect.
func (s *Service) Transcribe(ctx context.Context, audio io.Reader, mimeType, language string) (string, error) {
	data, err := io.ReadAll(io.LimitReader(audio, MaxAudioBytes+1))
	if err != nil {
		return "", fmt.Errorf("transcribe: read audio: %w", err)
	}
	if len(data) == 0 {
		return "", errors.New("transcribe: audio is empty")
	}
	if len(data) > MaxAudioBytes {
		return "", ErrAudioTooLarge
	}

	lang := language
	if lang == "" {
		lang = s.language
	}

	resp, err := s.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    s.model,
		FilePath: filenameFor(mimeType),
		Reader:   bytes.NewReader(data),
		Language: lang,
	})
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}

	text := strings.TrimSpace(resp.Text)
	s.log.Debug(ctx, "transcription complete", "bytes", len(data), "chars", len(text))
	return text, nil
}

// ListModels returns the models the service can route.
func (s *Service) ListModels() []ModelInfo {
	return []ModelInfo{{ID: s.model, Provider: "openai"}}
}

// filenameFor maps a MIME type to a filename with an extension the API
// recognizes.
func filenameFor(mimeType string) string {
	if idx := strings.IndexByte(mimeType, ';'); idx >= 0 {
		mimeType = mimeType[:idx]
	}
	switch strings.ToLower(strings.TrimSpace(mimeType)) {
	case "audio/flac":
		return "audio.flac"
	case "audio/m4a", "audio/mp4", "audio/x-m4a":
		return "audio.m4a"
	case "audio/mpga":
		return "audio.mpga"
	case "audio/ogg", "audio/opus":
		return "audio.ogg"
	case "audio/wav", "audio/x-wav":
		return "audio.wav"
	case "audio/webm":
		return "audio.webm"
	default:
		return "audio.mp3"
	}
}

// IsSupportedMimeType reports whether the API accepts the MIME type.
func IsSupportedMimeType(mimeType string) bool {
	if idx := strings.IndexByte(mimeType, ';'); idx >= 0 {
		mimeType = mimeType[:idx]
	}
	switch strings.ToLower(strings.TrimSpace(mimeType)) {
	case "audio/flac", "audio/m4a", "audio/mp3", "audio/mp4", "audio/mpeg",
		"audio/mpga", "audio/ogg", "audio/opus", "audio/wav", "audio/webm",
		"audio/x-m4a", "audio/x-wav":
		return true
	}
	return false
}
