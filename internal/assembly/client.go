package assembly

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"call-intake/internal/calls"
	"call-intake/internal/routing"
	"call-intake/pkg/logger"
	"call-intake/pkg/utils"
)

var (
	// ErrTranscription means the service accepted the audio but could not transcribe it.
	ErrTranscription = errors.New("assembly: transcription failed")
	ErrTimeout       = errors.New("assembly: transcription timed out")
)

// Transcript is a finished transcription.
type Transcript struct {
	ID              string
	Text            string
	DurationSeconds int
	Utterances      []Utterance
}

type Utterance struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
	StartMS int    `json:"start"`
	EndMS   int    `json:"end"`
}

// Speakers renders the transcript with speaker labels, one utterance per line.
func (t Transcript) Speakers() string {
	if len(t.Utterances) == 0 {
		return t.Text
	}
	var b strings.Builder
	for i, u := range t.Utterances {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "Speaker %s: %s", u.Speaker, u.Text)
	}
	return b.String()
}

type Config struct {
	BaseURL string
	APIKey  string
	// Timeout bounds the whole transcription, including polling.
	Timeout time.Duration
	// PollInterval is the pause between status checks.
	PollInterval time.Duration
	Language     string
}

// Client talks to the transcription/analysis service.
type Client struct {
	cfg   Config
	http  *http.Client
	retry utils.RetryPolicy
}

func NewClient(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.Language == "" {
		cfg.Language = "ru"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	p := utils.DefaultRetryPolicy()
	p.Retryable = retryable
	return &Client{cfg: cfg, http: httpClient, retry: p}
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string { return fmt.Sprintf("assembly http %d: %s", e.code, e.body) }

func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	var ne net.Error
	return errors.As(err, &ne)
}

func (c *Client) do(ctx context.Context, method, path string, body func() io.Reader, contentType string, out any) error {
	return utils.WithRetry(ctx, c.retry, func(ctx context.Context) error {
		var rd io.Reader
		if body != nil {
			rd = body()
		}
		req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, rd)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", c.cfg.APIKey)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode >= 300 {
			return &statusError{code: resp.StatusCode, body: string(b)}
		}
		if out == nil || len(b) == 0 {
			return nil
		}
		if err := json.Unmarshal(b, out); err != nil {
			return fmt.Errorf("assembly: decode %s: %w", path, err)
		}
		return nil
	})
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path, func() io.Reader { return bytes.NewReader(raw) }, "application/json", out)
}

// upload buffers the recording once so retries can resend it.
func (c *Client) upload(ctx context.Context, rec calls.Recording) (string, error) {
	if rec.Body == nil {
		return "", errors.New("assembly: recording has no body")
	}
	audio, err := io.ReadAll(rec.Body)
	if err != nil {
		return "", fmt.Errorf("assembly: read recording: %w", err)
	}
	var resp struct {
		UploadURL string `json:"upload_url"`
	}
	if err := c.do(ctx, http.MethodPost, "/v2/upload", func() io.Reader { return bytes.NewReader(audio) }, "application/octet-stream", &resp); err != nil {
		return "", err
	}
	if resp.UploadURL == "" {
		return "", errors.New("assembly: upload returned no url")
	}
	return resp.UploadURL, nil
}

type transcriptResponse struct {
	ID            string      `json:"id"`
	Status        string      `json:"status"`
	Text          string      `json:"text"`
	Error         string      `json:"error"`
	AudioDuration float64     `json:"audio_duration"`
	Utterances    []Utterance `json:"utterances"`
}

// Transcribe uploads the audio, starts a job and polls until it finishes.
// DurationSeconds is the measured audio length.
func (c *Client) Transcribe(ctx context.Context, rec calls.Recording) (Transcript, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	audioURL, err := c.upload(ctx, rec)
	if err != nil {
		return Transcript{}, err
	}
	var job transcriptResponse
	if err := c.postJSON(ctx, "/v2/transcript", map[string]any{
		"audio_url":      audioURL,
		"language_code":  c.cfg.Language,
		"speaker_labels": true,
	}, &job); err != nil {
		return Transcript{}, err
	}
	log := logger.From(ctx).With("transcript_id", job.ID)
	log.Debug("transcription started")

	for {
		switch job.Status {
		case "completed":
			return Transcript{
				ID:              job.ID,
				Text:            job.Text,
				DurationSeconds: int(job.AudioDuration + 0.5),
				Utterances:      job.Utterances,
			}, nil
		case "error":
			return Transcript{}, fmt.Errorf("%w: %s", ErrTranscription, job.Error)
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return Transcript{}, ErrTimeout
			}
			return Transcript{}, ctx.Err()
		case <-time.After(c.cfg.PollInterval):
		}
		if err := c.do(ctx, http.MethodGet, "/v2/transcript/"+job.ID, nil, "", &job); err != nil {
			return Transcript{}, err
		}
	}
}

// Analyze answers the report questions over a finished transcript.
func (c *Client) Analyze(ctx context.Context, t Transcript, questions []routing.Question) (map[string]string, error) {
	if len(questions) == 0 {
		return map[string]string{}, nil
	}
	type q struct {
		Question string `json:"question"`
	}
	req := struct {
		TranscriptIDs []string `json:"transcript_ids"`
		Questions     []q      `json:"questions"`
	}{TranscriptIDs: []string{t.ID}}
	for _, qq := range questions {
		req.Questions = append(req.Questions, q{Question: qq.Prompt})
	}
	var resp struct {
		Response []struct {
			Question string `json:"question"`
			Answer   string `json:"answer"`
		} `json:"response"`
	}
	if err := c.postJSON(ctx, "/lemur/v3/generate/question-answer", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Response) != len(questions) {
		return nil, fmt.Errorf("assembly: expected %d answers, got %d", len(questions), len(resp.Response))
	}
	out := make(map[string]string, len(questions))
	for i, qq := range questions {
		out[qq.Key] = strings.TrimSpace(resp.Response[i].Answer)
	}
	return out, nil
}
