package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
)

// RefreshVerifier validates tokens by calling the identity provider's
// auth-refresh endpoint, PocketBase style: the token goes in the
// Authorization header and a 2xx response carries the authenticated record.
type RefreshVerifier struct {
	url        string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

type RefreshOption func(*RefreshVerifier)

func WithHTTPClient(client *http.Client) RefreshOption {
	return func(v *RefreshVerifier) {
		if client != nil {
			v.httpClient = client
		}
	}
}

func WithRetries(maxRetries int, baseDelay, maxDelay time.Duration) RefreshOption {
	return func(v *RefreshVerifier) {
		v.maxRetries = maxRetries
		v.baseDelay = baseDelay
		v.maxDelay = maxDelay
	}
}

func NewRefreshVerifier(url string, opts ...RefreshOption) *RefreshVerifier {
	v := &RefreshVerifier{
		url:        strings.TrimSpace(url),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		maxRetries: 2,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

type refreshResponse struct {
	Token  string `json:"token"`
	Record struct {
		ID string `json:"id"`
	} `json:"record"`
}

// Verify returns *Error when the provider rejects the token. Any other error
// means the provider could not be reached and says nothing about the token.
func (v *RefreshVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, unauthorized("missing token")
	}
	schedule := v.schedule()
	for {
		identity, retry, err := v.verifyOnce(ctx, token)
		if err == nil || !retry {
			return identity, err
		}
		delay := schedule.NextBackOff()
		if delay == backoff.Stop {
			return Identity{}, err
		}
		if waitErr := waitWithContext(ctx, delay); waitErr != nil {
			return Identity{}, waitErr
		}
	}
}

func (v *RefreshVerifier) schedule() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = v.baseDelay
	b.MaxInterval = v.maxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(max(v.maxRetries, 0)))
}

func (v *RefreshVerifier) verifyOnce(ctx context.Context, token string) (Identity, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, nil)
	if err != nil {
		return Identity{}, false, err
	}
	req.Header.Set("Authorization", token)
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return Identity{}, ctx.Err() == nil, err
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return Identity{}, true, readErr
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		var out refreshResponse
		if err := json.Unmarshal(payload, &out); err != nil {
			return Identity{}, false, fmt.Errorf("decode auth refresh response: %w", err)
		}
		if out.Record.ID == "" {
			return Identity{}, false, unauthorized("auth refresh returned no record")
		}
		return Identity{OwnerID: out.Record.ID}, false, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusNotFound:
		return Identity{}, false, unauthorized(fmt.Sprintf("identity provider rejected token (http %d)", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Identity{}, true, fmt.Errorf("identity provider unavailable: http %d", resp.StatusCode)
	default:
		return Identity{}, false, fmt.Errorf("identity provider returned http %d", resp.StatusCode)
	}
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
