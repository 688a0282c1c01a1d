package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/nexus-im/chatclient/internal/logging"
	"github.com/nexus-im/chatclient/store/conversation"
)

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrNotFound           = errors.New("not found")
	ErrServiceUnavailable = errors.New("service unavailable")
)

// User is a backend account as the user-graph endpoints return it.
type User struct {
	ID    conversation.UserID `json:"id"`
	Name  string              `json:"name"`
	Roles []string            `json:"roles,omitempty"`
}

type Config struct {
	BaseURL         string
	Token           string
	Timeout         time.Duration
	RetryInitial    time.Duration
	RetryMaxElapsed time.Duration
	BreakerFailures int
	BreakerTimeout  time.Duration
}

// Client reads chat history and the user graph from the backend REST API.
type Client struct {
	base  string
	token string
	http  *http.Client
	cb    *gobreaker.CircuitBreaker
	conf  Config
	log   *zap.Logger
}

func NewClient(conf Config, logger *zap.Logger) *Client {
	log := logging.OrNop(logger).Named("api")
	if conf.Timeout <= 0 {
		conf.Timeout = 10 * time.Second
	}
	if conf.RetryInitial <= 0 {
		conf.RetryInitial = 200 * time.Millisecond
	}
	if conf.RetryMaxElapsed <= 0 {
		conf.RetryMaxElapsed = 5 * time.Second
	}
	if conf.BreakerFailures <= 0 {
		conf.BreakerFailures = 5
	}

	tr := &http.Transport{
		DialContext:     (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		MaxIdleConns:    10,
		IdleConnTimeout: 90 * time.Second,
	}

	st := gobreaker.Settings{
		Name:        "backend-api",
		MaxRequests: 1,
		Timeout:     conf.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(conf.BreakerFailures)
		},
		IsSuccessful: func(err error) bool {
			// the backend answered; only outages count against it
			return err == nil || !errors.Is(err, ErrServiceUnavailable)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Info("circuit breaker state", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}

	return &Client{
		base:  strings.TrimRight(conf.BaseURL, "/"),
		token: conf.Token,
		http:  &http.Client{Transport: tr, Timeout: conf.Timeout},
		cb:    gobreaker.NewCircuitBreaker(st),
		conf:  conf,
		log:   log,
	}
}

// History returns the messages exchanged between self and peer, oldest first.
func (c *Client) History(ctx context.Context, self, peer conversation.UserID) ([]conversation.Message, error) {
	var out []conversation.Message
	if err := c.get(ctx, fmt.Sprintf("/chat/history/%d/%d", self, peer), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Me returns the account the bearer token belongs to.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var u User
	if err := c.get(ctx, "/users/me", &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Client) Followers(ctx context.Context, id conversation.UserID) ([]User, error) {
	var out []User
	if err := c.get(ctx, fmt.Sprintf("/users/%d/followers", id), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Following(ctx context.Context, id conversation.UserID) ([]User, error) {
	var out []User
	if err := c.get(ctx, fmt.Sprintf("/users/%d/following", id), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Users lists every account. Only administrators may call it.
func (c *Client) Users(ctx context.Context) ([]User, error) {
	var out []User
	if err := c.get(ctx, "/admin/users", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, c.getWithRetry(ctx, path, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s: %v", ErrServiceUnavailable, path, err)
	}
	return err
}

// getWithRetry runs the request with exponential backoff. Network errors and
// 5xx answers are retried; anything else is final.
func (c *Client) getWithRetry(ctx context.Context, path string, out interface{}) error {
	attempt := 0
	operation := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			c.log.Debug("request failed", zap.String("path", path), zap.Int("attempt", attempt), zap.Error(err))
			return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
		}
		defer func() {
			_ = resp.Body.Close()
		}()

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return backoff.Permanent(fmt.Errorf("%w: %s returned %d", ErrUnauthorized, path, resp.StatusCode))
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrNotFound, path))
		case resp.StatusCode >= 500:
			// drain body to reuse connection
			_, _ = io.Copy(io.Discard, resp.Body)
			c.log.Debug("server error", zap.String("path", path), zap.Int("attempt", attempt), zap.Int("status", resp.StatusCode))
			return fmt.Errorf("%w: %s returned %d", ErrServiceUnavailable, path, resp.StatusCode)
		case resp.StatusCode >= 300:
			return backoff.Permanent(fmt.Errorf("%s: unexpected status %d", path, resp.StatusCode))
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode %s: %w", path, err))
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.conf.RetryInitial
	b.MaxElapsedTime = c.conf.RetryMaxElapsed
	return backoff.Retry(operation, backoff.WithContext(b, ctx))
}
