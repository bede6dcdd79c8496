package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/jmehdipour/licensing-gateway/internal/config"
)

// Request identifies a transcript.
type Request struct {
	VideoID string `json:"video_id"`
	Mode    string `json:"mode"`
	Lang    string `json:"lang"`
}

// Transcript is an upstream transcript.
type Transcript struct {
	Text           string   `json:"text"`
	VideoID        string   `json:"video_id"`
	Mode           string   `json:"mode"`
	Lang           string   `json:"lang"`
	AvailableLangs []string `json:"available_langs,omitempty"`
}

type Provider interface {
	Name() string
	Ready() bool
	Acquire() bool
	Transcript(ctx context.Context, req Request) (Transcript, error)
}

// HTTPProvider calls one transcript API account behind its own breaker.
type HTTPProvider struct {
	name    string
	baseURL string
	path    string
	apiKey  string
	client  *http.Client
	br      *ProviderBreaker
}

func NewHTTPProvider(cfg config.ProviderConfig) *HTTPProvider {
	timeoutMs := cfg.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = 15000
	}
	openForMs := cfg.Breaker.OpenForMs
	if openForMs <= 0 {
		openForMs = 15000
	}
	path := cfg.TranscriptPath
	if path == "" {
		path = "/v1/transcript"
	}

	return &HTTPProvider{
		name:    cfg.Name,
		baseURL: cfg.BaseURL,
		path:    path,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
		br:      NewProviderBreaker(cfg.Name, cfg.Breaker.FailThreshold, time.Duration(openForMs)*time.Millisecond),
	}
}

func (p *HTTPProvider) Name() string  { return p.name }
func (p *HTTPProvider) Ready() bool   { return p.br.Ready() }
func (p *HTTPProvider) Acquire() bool { return p.br.Acquire() }

func (p *HTTPProvider) Transcript(ctx context.Context, req Request) (Transcript, error) {
	t, err := p.get(ctx, req)
	p.br.Record(err)
	return t, err
}

type transcriptBody struct {
	Content        string   `json:"content"`
	Transcript     string   `json:"transcript"`
	Lang           string   `json:"lang"`
	AvailableLangs []string `json:"availableLangs"`
}

func (p *HTTPProvider) get(ctx context.Context, req Request) (Transcript, error) {
	q := url.Values{
		"url":  {"https://www.youtube.com/watch?v=" + req.VideoID},
		"text": {"true"},
		"mode": {req.Mode},
	}
	if req.Lang != "" && req.Lang != "auto" {
		q.Set("lang", req.Lang)
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+p.path+"?"+q.Encode(), nil)
	if err != nil {
		return Transcript{}, err
	}
	hreq.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		hreq.Header.Set("x-api-key", p.apiKey)
	}

	res, err := p.client.Do(hreq)
	if err != nil {
		return Transcript{}, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, res.Body)
		return Transcript{}, fmt.Errorf("provider=%s status=%d", p.name, res.StatusCode)
	}

	var body transcriptBody
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return Transcript{}, fmt.Errorf("provider=%s decode: %w", p.name, err)
	}
	text := body.Content
	if text == "" {
		text = body.Transcript
	}
	if text == "" {
		return Transcript{}, fmt.Errorf("provider=%s empty transcript", p.name)
	}

	lang := body.Lang
	if lang == "" {
		lang = req.Lang
	}
	return Transcript{
		Text:           text,
		VideoID:        req.VideoID,
		Mode:           req.Mode,
		Lang:           lang,
		AvailableLangs: body.AvailableLangs,
	}, nil
}
