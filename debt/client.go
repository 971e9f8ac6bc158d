/*
Package debt adapts the invoice subsystem and the customer/season registry
to ledger.DebtSource and ledger.Directory.

IMPLEMENTATIONS:
  Client: HTTP, against the invoice service
  Static: in-process, seeded from a YAML file (development and tests)
*/
package debt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/agrimart/season-ledger/ledger"
	"github.com/agrimart/season-ledger/money"
)

// DefaultTimeout bounds one call to the invoice service.
const DefaultTimeout = 5 * time.Second

// ErrUnknown is returned for customers or seasons the source doesn't know.
var ErrUnknown = errors.New("unknown customer or season")

// StatusError is a non-200 answer from the invoice service.
type StatusError struct {
	Path   string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("invoice service %s: status %d", e.Path, e.Status)
}

// Unwrap maps 404 to ErrUnknown.
func (e *StatusError) Unwrap() error {
	if e.Status == http.StatusNotFound {
		return ErrUnknown
	}
	return nil
}

type debtAnswer struct {
	Amount *money.Amount `json:"amount"`
}

type nameAnswer struct {
	Name string `json:"name"`
}

// Client talks to the invoice service.
type Client struct {
	http *resty.Client
}

var (
	_ ledger.DebtSource = (*Client)(nil)
	_ ledger.Directory  = (*Client)(nil)
)

// NewClient returns a Client for baseURL. A zero timeout uses DefaultTimeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json").
			SetRetryCount(2).
			SetRetryWaitTime(100 * time.Millisecond),
	}
}

// SeasonDebt returns the customer's debt for one season.
func (c *Client) SeasonDebt(ctx context.Context, customerID ledger.CustomerID, seasonID ledger.SeasonID) (money.Amount, error) {
	var answer debtAnswer
	err := c.get(ctx, "/api/customers/{customerID}/seasons/{seasonID}/debt", map[string]string{
		"customerID": customerID.String(),
		"seasonID":   seasonID.String(),
	}, &answer)
	if err != nil {
		return money.Amount{}, err
	}
	if answer.Amount == nil {
		return money.Amount{}, fmt.Errorf("invoice service: no amount for customer %s season %s", customerID, seasonID)
	}
	return *answer.Amount, nil
}

// CustomerName returns the display name of a customer.
func (c *Client) CustomerName(ctx context.Context, id ledger.CustomerID) (string, error) {
	var answer nameAnswer
	err := c.get(ctx, "/api/customers/{id}", map[string]string{"id": id.String()}, &answer)
	return answer.Name, err
}

// SeasonName returns the display name of a season.
func (c *Client) SeasonName(ctx context.Context, id ledger.SeasonID) (string, error) {
	var answer nameAnswer
	err := c.get(ctx, "/api/seasons/{id}", map[string]string{"id": id.String()}, &answer)
	return answer.Name, err
}

func (c *Client) get(ctx context.Context, path string, params map[string]string, out any) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParams(params).
		Get(path)
	if err != nil {
		return fmt.Errorf("invoice service request: %w", err)
	}

	switch resp.StatusCode() {
	case http.StatusOK:
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return fmt.Errorf("invoice service %s: decoding answer: %w", resp.Request.URL, err)
		}
		return nil
	default:
		return &StatusError{Path: resp.Request.URL, Status: resp.StatusCode()}
	}
}
