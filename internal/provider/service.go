package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/logging"
	prometheusCallsync "git.mci.dev/mse/sre/phoenix/golang/callsync/internal/prometheus"
	"github.com/avast/retry-go"
	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

var (
	ErrCallNotFound        = errors.New("provider does not know the call")
	ErrUnexpectedStatus    = errors.New("provider returned unexpected status")
	ErrProviderServerError = errors.New("provider server error")
	ErrEmptyProviderCallID = errors.New("provider call id is required")
)

const maxResponseSize = 4 << 20

type Client struct {
	HTTPClient       *http.Client
	BaseURL          string
	CallPath         string
	APIKey           string
	RetryMaxAttempts uint
	RetryBackoffMin  time.Duration
	RetryBackoffMax  time.Duration
	CircuitBreaker   *gobreaker.CircuitBreaker[[]byte]
}

func NewClient() *Client {
	return &Client{
		HTTPClient:       &http.Client{Timeout: time.Duration(config.Conf.ProviderTimeout) * time.Second},
		BaseURL:          config.Conf.ProviderBaseURL,
		CallPath:         config.Conf.ProviderCallPath,
		APIKey:           config.Conf.ProviderAPIKey,
		RetryMaxAttempts: config.Conf.ProviderRetryMaxAttempts,
		RetryBackoffMin:  time.Duration(config.Conf.ProviderRetryBackoffMin) * time.Second,
		RetryBackoffMax:  time.Duration(config.Conf.ProviderRetryBackoffMax) * time.Second,
		CircuitBreaker:   newProviderCircuitBreaker(),
	}
}

func newProviderCircuitBreaker() *gobreaker.CircuitBreaker[[]byte] {
	settings := gobreaker.Settings{
		Name:     "Provider",
		Interval: time.Duration(config.Conf.ProviderIntervalCB) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.Conf.ProviderConsecutiveFailures
		},
		OnStateChange: func(name string, fromState, toState gobreaker.State) {
			prometheusCallsync.BreakerTransitions.WithLabelValues(name, toState.String()).Inc()

			// An open breaker only fails pulls; pollers keep ticking until it closes.
			logging.Logger.Warn("Circuit state changed",
				zap.String("service", name),
				zap.String("from", fromState.String()),
				zap.String("to", toState.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrCallNotFound) || errors.Is(err, ErrUnexpectedStatus)
		},
	}

	return gobreaker.NewCircuitBreaker[[]byte](settings)
}

// PullStatus returns the provider's current snapshot of the call.
func (client *Client) PullStatus(ctx context.Context, providerCallID string) (*Snapshot, error) {
	if providerCallID == "" {
		return nil, ErrEmptyProviderCallID
	}

	apiURL, err := url.JoinPath(client.BaseURL, client.CallPath, url.PathEscape(providerCallID))
	if err != nil {
		return nil, err
	}

	body, err := client.CircuitBreaker.Execute(func() ([]byte, error) {
		return client.doRequestWithRetry(ctx, apiURL)
	})
	if err != nil {
		return nil, err
	}

	var snapshot Snapshot

	err = json.Unmarshal(body, &snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to decode provider snapshot: %w", err)
	}

	if snapshot.CallID == "" {
		snapshot.CallID = providerCallID
	}

	logging.Logger.Debug("[PullStatus] Provider snapshot fetched",
		zap.String("provider_call_id", providerCallID),
		zap.String("status", snapshot.RawStatus()),
	)

	return &snapshot, nil
}

func (client *Client) doRequestWithRetry(ctx context.Context, apiURL string) ([]byte, error) {
	var body []byte

	err := retry.Do(
		func() error {
			var err error

			body, err = client.doRequest(ctx, apiURL)

			return err
		},
		retry.Context(ctx),
		retry.Attempts(client.RetryMaxAttempts),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(client.RetryBackoffMin),
		retry.MaxDelay(client.RetryBackoffMax),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, ErrCallNotFound) && !errors.Is(err, ErrUnexpectedStatus)
		}),
	)
	if err != nil {
		return nil, err
	}

	return body, nil
}

func (client *Client) doRequest(ctx context.Context, apiURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", client.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := client.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProviderServerError, err)
	}

	defer func() {
		cerr := resp.Body.Close()
		if cerr != nil {
			logging.Logger.Error("Failed to close response body", zap.String("error", cerr.Error()))
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProviderServerError, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrCallNotFound
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return nil, fmt.Errorf("%w: status %d", ErrProviderServerError, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: status %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	return body, nil
}
