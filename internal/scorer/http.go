package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// HTTPScorer calls an external inference service:
//
//	POST {url} {"eventId": ..., "domain": ..., "features": {...}}
//	200  {"score": 87.5, "factors": [{"name", "weight", "level"}], "model": "..."}
type HTTPScorer struct {
	url        string
	httpClient *http.Client
	now        func() time.Time
}

// NewHTTPScorer creates a scorer for the given endpoint.
func NewHTTPScorer(url string, timeout time.Duration) *HTTPScorer {
	return &HTTPScorer{
		url: url,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		now: time.Now,
	}
}

type scoreRequest struct {
	EventID  string         `json:"eventId"`
	Domain   string         `json:"domain"`
	Features map[string]any `json:"features"`
}

type scoreResponse struct {
	Score   *float64            `json:"score"`
	Factors []domain.RiskFactor `json:"factors"`
	Model   string              `json:"model"`
}

// Score implements domain.RiskScorer.
func (s *HTTPScorer) Score(ctx context.Context, ev domain.Event) (*domain.RiskAssessment, error) {
	body, err := json.Marshal(scoreRequest{
		EventID:  ev.ID,
		Domain:   ev.Domain,
		Features: ev.Features,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: marshaling request: %v", domain.ErrScorer, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: creating request: %v", domain.ErrScorer, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, fmt.Errorf("%w: %v", domain.ErrScorerTimeout, err)
		}
		return nil, fmt.Errorf("%w: request failed: %v", domain.ErrScorer, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", domain.ErrScorer, resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if isTimeout(ctx, err) {
			return nil, fmt.Errorf("%w: %v", domain.ErrScorerTimeout, err)
		}
		return nil, fmt.Errorf("%w: decoding response: %v", domain.ErrScorer, err)
	}
	if out.Score == nil {
		return nil, fmt.Errorf("%w: response has no score", domain.ErrScorer)
	}

	a := &domain.RiskAssessment{
		EventID:  ev.ID,
		Score:    *out.Score,
		Factors:  out.Factors,
		Model:    out.Model,
		ScoredAt: s.now().UTC(),
	}
	if err := Check(a); err != nil {
		return nil, err
	}
	return a, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
