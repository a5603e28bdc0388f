package oracle

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"bunkcore/internal/logging"
	"bunkcore/pkg/domain"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

type parseResponse struct {
	Intents []Intent `json:"intents"`
}

type tieBreakCandidate struct {
	PersonID  domain.PersonID `json:"person_id"`
	Name      string          `json:"name"`
	Grade     int             `json:"grade"`
	AgeMonths int             `json:"age_months"`
	School    string          `json:"school,omitempty"`
}

type tieBreakRequest struct {
	Name       string              `json:"name"`
	Candidates []tieBreakCandidate `json:"candidates"`
}

type tieBreakResponse struct {
	PersonID domain.PersonID `json:"person_id"`
}

// HTTPClient calls a remote interpretation service. It also serves as the
// name resolver's tie-breaker.
type HTTPClient struct {
	client *resty.Client
	logger *zap.Logger
}

// NewHTTPClient constructs a client for baseURL with retries on transport
// errors and 5xx responses.
func NewHTTPClient(baseURL string, timeout time.Duration, retries int, logger *zap.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(retries).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &HTTPClient{client: client, logger: logging.OrNop(logger)}
}

// Parse implements Oracle.
func (c *HTTPClient) Parse(ctx context.Context, req Request) ([]Intent, error) {
	var out parseResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post("/v1/parse")
	if err != nil {
		c.logger.Error("oracle parse call failed", zap.String("field", string(req.FieldType)), zap.Error(err))
		return nil, fmt.Errorf("oracle parse: %w", err)
	}
	if resp.IsError() {
		c.logger.Error("oracle parse rejected", zap.Int("status_code", resp.StatusCode()))
		return nil, fmt.Errorf("oracle parse: status %d", resp.StatusCode())
	}
	return out.Intents, nil
}

// TieBreak asks the service to choose among ambiguous candidates.
func (c *HTTPClient) TieBreak(ctx context.Context, name string, candidates []domain.Person) (domain.PersonID, error) {
	body := tieBreakRequest{Name: name}
	for _, p := range candidates {
		body.Candidates = append(body.Candidates, tieBreakCandidate{
			PersonID:  p.ID,
			Name:      p.FullName(),
			Grade:     p.Grade,
			AgeMonths: p.AgeMonths,
			School:    p.School,
		})
	}
	var out tieBreakResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		Post("/v1/tiebreak")
	if err != nil {
		return 0, fmt.Errorf("oracle tiebreak: %w", err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("oracle tiebreak: status %d", resp.StatusCode())
	}
	return out.PersonID, nil
}
