package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"creditgate/funding"
	"creditgate/risk"
)

// ErrUnavailable is returned once retries against the scoring service are
// exhausted.
var ErrUnavailable = errors.New("scoring: service unavailable")

// Client is the HTTP client for the scoring and projection service.
//
//	GET {base}/v1/users/{id}/risk-factors
//	GET {base}/v1/users/{id}/funding-route
type Client struct {
	base       string
	http       *http.Client
	newBackOff func() backoff.BackOff
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 3 * time.Second}
	}
	return &Client{
		base: baseURL,
		http: httpClient,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxElapsedTime = time.Second
			return backoff.WithMaxRetries(b, 2)
		},
	}
}

func (c *Client) WithBackOff(newBackOff func() backoff.BackOff) *Client {
	c.newBackOff = newBackOff
	return c
}

type factorsResponse struct {
	ElevatedScrutiny bool              `json:"elevated_scrutiny"`
	ProductPullClass map[string]string `json:"product_pull_class"`
}

func (c *Client) RiskFactors(ctx context.Context, userID string) (risk.Factors, error) {
	var out factorsResponse
	if err := c.get(ctx, "/v1/users/"+url.PathEscape(userID)+"/risk-factors", &out); err != nil {
		return risk.Factors{}, err
	}
	f := risk.Factors{
		ElevatedScrutiny: out.ElevatedScrutiny,
		ProductPullClass: make(map[string]risk.PullClass, len(out.ProductPullClass)),
	}
	for product, class := range out.ProductPullClass {
		switch risk.PullClass(class) {
		case risk.PullClassHard, risk.PullClassSoft:
			f.ProductPullClass[product] = risk.PullClass(class)
		default:
			// Unknown classifications are treated as hard, the stricter reading.
			f.ProductPullClass[product] = risk.PullClassHard
		}
	}
	return f, nil
}

func (c *Client) Route(ctx context.Context, userID string) (funding.Route, error) {
	var out funding.Route
	if err := c.get(ctx, "/v1/users/"+url.PathEscape(userID)+"/funding-route", &out); err != nil {
		return funding.Route{}, err
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("scoring: build request: %w", err))
		}
		req.Header.Set("Accept", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("scoring: %w", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			_, _ = io.Copy(io.Discard, resp.Body)
			return fmt.Errorf("scoring: status %d", resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			_, _ = io.Copy(io.Discard, resp.Body)
			return backoff.Permanent(fmt.Errorf("scoring: status %d", resp.StatusCode))
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("scoring: decode: %w", err))
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(c.newBackOff(), ctx)); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}
