// Package client talks to a vestingd node over its HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"confidentialvesting/internal/address"
	"confidentialvesting/internal/api"
	"confidentialvesting/internal/chain"
	"confidentialvesting/internal/identity"
	"confidentialvesting/internal/permit"
	"confidentialvesting/internal/seal"
	"confidentialvesting/internal/vesting"
)

// StatusError is returned for any non-2xx answer.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("vestingd: %d: %s", e.Status, e.Message)
}

type Client struct {
	base string
	http *http.Client

	mu     sync.Mutex
	domain address.Address
}

// New returns a client for the node at base, e.g. http://127.0.0.1:8080.
// A nil httpClient gets a 30 second timeout.
func New(base string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{base: strings.TrimRight(base, "/"), http: httpClient}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var e api.Error
		raw, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(raw, &e) != nil || e.Message == "" {
			e.Message = strings.TrimSpace(string(raw))
		}
		return &StatusError{Status: resp.StatusCode, Message: e.Message}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func schedulePath(beneficiary, token address.Address) string {
	return "/v1/schedules/" + beneficiary.String() + "/" + token.String()
}

func (c *Client) NetworkInfo(ctx context.Context) (*api.NetworkInfo, error) {
	var info api.NetworkInfo
	if err := c.do(ctx, http.MethodGet, "/v1/network/key", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// NetworkKey fetches and decodes the key inputs are sealed to.
func (c *Client) NetworkKey(ctx context.Context) ([]byte, error) {
	info, err := c.NetworkInfo(ctx)
	if err != nil {
		return nil, err
	}
	return seal.FromBase64URL(info.NetworkKey)
}

// Domain returns the address envelopes for this node must be signed for.
func (c *Client) Domain(ctx context.Context) (address.Address, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.domain.IsZero() {
		return c.domain, nil
	}
	info, err := c.NetworkInfo(ctx)
	if err != nil {
		return address.Zero, err
	}
	c.domain = info.Domain
	return c.domain, nil
}

func (c *Client) Submit(ctx context.Context, e *identity.Envelope) (*chain.Receipt, error) {
	var r chain.Receipt
	if err := c.do(ctx, http.MethodPost, "/v1/tx", e, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Call signs payload as method for the node's domain with the given nonce
// and submits it. The domain is fetched once and cached.
func (c *Client) Call(ctx context.Context, s *identity.Signer, nonce uint64, method string, payload interface{}) (*chain.Receipt, error) {
	domain, err := c.Domain(ctx)
	if err != nil {
		return nil, err
	}
	e, err := identity.NewEnvelope(s, domain, nonce, method, payload)
	if err != nil {
		return nil, err
	}
	return c.Submit(ctx, e)
}

func (c *Client) Schedule(ctx context.Context, beneficiary, token address.Address) (*api.ScheduleResponse, error) {
	var r api.ScheduleResponse
	if err := c.do(ctx, http.MethodGet, schedulePath(beneficiary, token), nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *Client) sealed(ctx context.Context, path string, from address.Address, perm *permit.Permission) (string, error) {
	var r api.SealedResponse
	if err := c.do(ctx, http.MethodPost, path, api.SealedRequest{From: from, Permission: perm}, &r); err != nil {
		return "", err
	}
	return r.Sealed, nil
}

// SealedField reads one schedule field as from, sealed to perm's key.
func (c *Client) SealedField(ctx context.Context, from address.Address, field vesting.Field, perm *permit.Permission, beneficiary, token address.Address) (string, error) {
	return c.sealed(ctx, schedulePath(beneficiary, token)+"/sealed/"+string(field), from, perm)
}

func (c *Client) SealedVested(ctx context.Context, from address.Address, perm *permit.Permission, beneficiary, token address.Address) (string, error) {
	return c.sealed(ctx, schedulePath(beneficiary, token)+"/vested", from, perm)
}

func (c *Client) Balance(ctx context.Context, token, holder address.Address) (*api.BalanceResponse, error) {
	var r api.BalanceResponse
	if err := c.do(ctx, http.MethodGet, "/v1/tokens/"+token.String()+"/balances/"+holder.String(), nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *Client) SealedBalance(ctx context.Context, from, token address.Address, perm *permit.Permission) (string, error) {
	return c.sealed(ctx, "/v1/tokens/"+token.String()+"/balances/"+from.String()+"/sealed", from, perm)
}

// Events returns every event at or above height from.
func (c *Client) Events(ctx context.Context, from uint64) ([]chain.Event, error) {
	var r api.EventsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/events?from="+strconv.FormatUint(from, 10), nil, &r); err != nil {
		return nil, err
	}
	return r.Events, nil
}

// Healthy reports whether the node answers its health check.
func (c *Client) Healthy(ctx context.Context) bool {
	return c.do(ctx, http.MethodGet, "/healthcheck", nil, nil) == nil
}
