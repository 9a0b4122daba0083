package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"voice-notes-go/internal/logger"
	"voice-notes-go/internal/types"
)

// ErrNoSpeech is returned by providers when the audio holds no speech.
// The adapter turns it into an empty transcript.
var ErrNoSpeech = errors.New("no speech detected")

// Request is one segment to transcribe.
type Request struct {
	Data     []byte
	Mime     string
	Filename string
}

// Provider is an external speech-to-text service.
type Provider interface {
	Name() string
	Transcribe(ctx context.Context, req Request) (string, error)
}

// HTTPProvider talks to an OpenAI-compatible /audio/transcriptions endpoint.
type HTTPProvider struct {
	BaseURL    string
	APIKey     string
	Model      string
	HTTPClient *http.Client
}

func NewHTTPProvider(baseURL, apiKey, model string) *HTTPProvider {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "whisper-1"
	}
	return &HTTPProvider{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		Model:      model,
		HTTPClient: &http.Client{},
	}
}

func (p *HTTPProvider) Name() string { return "asr" }

type transcriptionResponse struct {
	Text  *string `json:"text"`
	Error *struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

func (p *HTTPProvider) endpoint() string {
	url := strings.TrimSuffix(p.BaseURL, "/")
	if strings.HasSuffix(url, "/audio/transcriptions") {
		return url
	}
	return url + "/audio/transcriptions"
}

// quoteEscaper escapes a header parameter the way multipart.CreateFormFile does.
var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func (p *HTTPProvider) Transcribe(ctx context.Context, req Request) (string, error) {
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, quoteEscaper.Replace(req.Filename)))
	h.Set("Content-Type", req.Mime)
	part, err := w.CreatePart(h)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(req.Data); err != nil {
		return "", fmt.Errorf("write form file: %w", err)
	}
	_ = w.WriteField("model", p.Model)
	_ = w.WriteField("response_format", "json")
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.endpoint(), body)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())
	if p.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	resp, err := p.HTTPClient.Do(httpReq)
	if err != nil {
		return "", types.ClassifyTransport(p.Name(), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", types.ClassifyTransport(p.Name(), err)
	}

	var parsed transcriptionResponse
	decodeErr := json.Unmarshal(raw, &parsed)

	if resp.StatusCode != http.StatusOK {
		if decodeErr == nil && parsed.Error != nil && isNoSpeech(parsed.Error.Code, parsed.Error.Message) {
			return "", ErrNoSpeech
		}
		class, reason := types.ClassifyStatus(resp.StatusCode)
		return "", &types.ProviderError{
			Provider: p.Name(),
			Class:    class,
			Reason:   reason,
			Status:   resp.StatusCode,
			Err:      fmt.Errorf("%s", truncate(string(raw), 300)),
		}
	}
	if decodeErr != nil || parsed.Text == nil {
		return "", &types.ProviderError{
			Provider: p.Name(),
			Class:    types.ClassTransient,
			Reason:   types.ReasonMalformed,
			Status:   resp.StatusCode,
			Err:      fmt.Errorf("unexpected body: %s", truncate(string(raw), 300)),
		}
	}
	if strings.TrimSpace(*parsed.Text) == "" {
		return "", ErrNoSpeech
	}
	return *parsed.Text, nil
}

func isNoSpeech(code, msg string) bool {
	s := strings.ToLower(code + " " + msg)
	return strings.Contains(s, "no_speech") || strings.Contains(s, "no speech")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Mock returns canned text, selected with USE_MOCK_TRANSCRIBE=true.
type Mock struct{}

func (Mock) Name() string { return "mock-asr" }

func (Mock) Transcribe(ctx context.Context, req Request) (string, error) {
	return fmt.Sprintf("MOCK TRANSCRIPT for %s (%d bytes).", req.Filename, len(req.Data)), nil
}

// Options bound the retry loop around a provider.
type Options struct {
	Timeout     time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Adapter checks the container, calls the provider with a timeout and
// retries transient failures.
type Adapter struct {
	provider Provider
	opts     Options
	log      *logrus.Entry
}

func NewAdapter(p Provider, opts Options) *Adapter {
	if opts.Timeout == 0 {
		opts.Timeout = 45 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseDelay == 0 {
		opts.BaseDelay = 500 * time.Millisecond
	}
	if opts.MaxDelay == 0 {
		opts.MaxDelay = 8 * time.Second
	}
	return &Adapter{
		provider: p,
		opts:     opts,
		log:      logger.New().WithField("component", "transcription"),
	}
}

// Transcribe returns the text of one segment. Empty text with a nil error
// means the provider heard no speech. Container mismatches come back as
// types.KindStructural and are never sent to the provider.
func (a *Adapter) Transcribe(ctx context.Context, data []byte, mime, filename string) (string, error) {
	if err := CheckContainer(mime, data); err != nil {
		a.log.WithFields(logrus.Fields{"filename": filename, "mime": mime}).WithError(err).Warn("container check failed")
		return "", err
	}

	req := Request{Data: data, Mime: mime, Filename: filename}
	var (
		text    string
		lastErr error
		attempt int
	)
	op := func() error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
		defer cancel()

		out, err := a.provider.Transcribe(callCtx, req)
		if errors.Is(err, ErrNoSpeech) {
			text = ""
			return nil
		}
		if err != nil {
			lastErr = err
			class := types.ClassOf(err)
			a.log.WithFields(logrus.Fields{
				"filename": filename,
				"attempt":  attempt,
				"class":    class.String(),
			}).WithError(err).Warn("transcription attempt failed")
			if !class.Retryable() {
				return backoff.Permanent(err)
			}
			return err
		}
		text = out
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.opts.BaseDelay
	b.MaxInterval = a.opts.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(a.opts.MaxAttempts-1)), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		if lastErr == nil {
			lastErr = err
		}
		return "", fmt.Errorf("transcribe %s after %d attempts: %w", filename, attempt, lastErr)
	}
	return text, nil
}
