// Package restprovider implements payments.Provider against a processor's
// REST/JSON API, authenticating with the merchant's public/private key pair.
package restprovider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/wudi/frontgate/internal/config"
	"github.com/wudi/frontgate/internal/logging"
	"github.com/wudi/frontgate/internal/payments"
	"github.com/wudi/frontgate/internal/proxy"
)

// maxResponseSize bounds processor response bodies.
const maxResponseSize = 1 << 20

// Client talks to the processor API. It is safe for concurrent use.
type Client struct {
	base       *url.URL
	merchantID string
	publicKey  string
	privateKey string
	http       *http.Client
	timeout    time.Duration
	logger     *zap.Logger
}

// New creates a processor client from configuration.
func New(cfg config.ProviderConfig) (*Client, error) {
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing provider url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("provider url %q must be absolute", cfg.URL)
	}
	if cfg.MerchantID == "" || cfg.PublicKey == "" || cfg.PrivateKey == "" {
		return nil, fmt.Errorf("provider merchant_id, public_key and private_key are required")
	}

	transport, err := proxy.NewTransport(cfg.Transport)
	if err != nil {
		return nil, fmt.Errorf("provider transport: %w", err)
	}

	return &Client{
		base:       base,
		merchantID: cfg.MerchantID,
		publicKey:  cfg.PublicKey,
		privateKey: cfg.PrivateKey,
		http:       &http.Client{Transport: transport},
		timeout:    cfg.Timeout,
		logger:     logging.With(zap.String("component", "payments-provider")),
	}, nil
}

var _ payments.Provider = (*Client)(nil)

// GenerateClientToken issues a token for the browser SDK.
func (c *Client) GenerateClientToken(ctx context.Context, req payments.GenerateClientTokenRequest) (payments.GenerateClientTokenResponse, error) {
	body, err := c.call(ctx, http.MethodPost, c.merchantPath("client_tokens"), map[string]any{
		"client_token.customer_id":         req.CustomerID,
		"client_token.merchant_account_id": req.MerchantAccountID,
	})
	if err != nil {
		return payments.GenerateClientTokenResponse{}, err
	}
	token := gjson.GetBytes(body, "client_token.value")
	if token.Type != gjson.String {
		return payments.GenerateClientTokenResponse{}, fmt.Errorf("client token response missing client_token.value")
	}
	return payments.GenerateClientTokenResponse{ClientToken: token.String()}, nil
}

// EnsureCustomer looks the customer up and creates it only when the
// processor does not know it yet.
func (c *Client) EnsureCustomer(ctx context.Context, req payments.EnsureCustomerRequest) (payments.EnsureCustomerResponse, error) {
	_, err := c.call(ctx, http.MethodGet, c.merchantPath("customers", req.CustomerID), nil)
	if err == nil {
		return payments.EnsureCustomerResponse{CustomerID: req.CustomerID}, nil
	}
	if pe, ok := err.(*payments.ProviderError); !ok || pe.Type != payments.ErrTypeNotFound {
		return payments.EnsureCustomerResponse{}, err
	}

	body, err := c.call(ctx, http.MethodPost, c.merchantPath("customers"), map[string]any{
		"customer.id":         req.CustomerID,
		"customer.email":      req.Email,
		"customer.first_name": req.FirstName,
		"customer.last_name":  req.LastName,
		"customer.company":    req.Company,
	})
	if err != nil {
		return payments.EnsureCustomerResponse{}, err
	}

	id := gjson.GetBytes(body, "customer.id").String()
	if id == "" {
		id = req.CustomerID
	}
	c.logger.Info("payments customer created", zap.String("customer_id", id))
	return payments.EnsureCustomerResponse{CustomerID: id, Created: true}, nil
}

// SavePaymentMethod vaults a nonce for the customer.
func (c *Client) SavePaymentMethod(ctx context.Context, req payments.SavePaymentMethodRequest) (payments.SavePaymentMethodResponse, error) {
	body, err := c.call(ctx, http.MethodPost, c.merchantPath("payment_methods"), map[string]any{
		"payment_method.customer_id":          req.CustomerID,
		"payment_method.payment_method_nonce": req.PaymentMethodNonce,
		"payment_method.options.make_default": req.MakeDefault,
	})
	if err != nil {
		return payments.SavePaymentMethodResponse{}, err
	}

	pm := gjson.GetBytes(body, "payment_method")
	token := pm.Get("token")
	if token.Type != gjson.String || token.String() == "" {
		return payments.SavePaymentMethodResponse{}, fmt.Errorf("payment method response missing token")
	}
	return payments.SavePaymentMethodResponse{
		Token:     token.String(),
		CardType:  pm.Get("card_type").String(),
		Last4:     pm.Get("last_4").String(),
		IsDefault: pm.Get("default").Bool(),
	}, nil
}

func (c *Client) merchantPath(segments ...string) string {
	parts := []string{"merchants", url.PathEscape(c.merchantID)}
	for _, s := range segments {
		parts = append(parts, url.PathEscape(s))
	}
	return strings.Join(parts, "/")
}

// encode builds a JSON document from dotted paths. Empty strings are
// omitted so optional members are not sent.
func encode(fields map[string]any) ([]byte, error) {
	paths := make([]string, 0, len(fields))
	for p := range fields {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	doc := []byte("{}")
	for _, p := range paths {
		v := fields[p]
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		var err error
		if doc, err = sjson.SetBytes(doc, p, v); err != nil {
			return nil, fmt.Errorf("encoding %s: %w", p, err)
		}
	}
	return doc, nil
}

// call performs one API request and returns the 2xx body. Non-2xx answers
// become *payments.ProviderError; transport failures stay plain errors.
func (c *Client) call(ctx context.Context, method, path string, fields map[string]any) ([]byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var body io.Reader
	if fields != nil {
		data, err := encode(fields)
		if err != nil {
			return nil, fmt.Errorf("encoding provider request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	u := c.base.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.publicKey, c.privateKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading provider response: %w", err)
	}
	if len(data) > maxResponseSize {
		return nil, fmt.Errorf("provider %s %s: response exceeds %d bytes", method, path, maxResponseSize)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		pe := providerError(resp.StatusCode, data)
		c.logger.Debug("provider request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("type", pe.Type),
		)
		return nil, pe
	}
	return data, nil
}

var statusTypes = map[int]string{
	http.StatusUnauthorized:        payments.ErrTypeAuthentication,
	http.StatusPaymentRequired:     payments.ErrTypeDeclined,
	http.StatusForbidden:           payments.ErrTypeAuthorization,
	http.StatusNotFound:            payments.ErrTypeNotFound,
	http.StatusConflict:            payments.ErrTypeDuplicate,
	http.StatusUnprocessableEntity: payments.ErrTypeValidation,
	http.StatusTooManyRequests:     payments.ErrTypeTooManyRequests,
	http.StatusInternalServerError: payments.ErrTypeServer,
	http.StatusServiceUnavailable:  payments.ErrTypeServiceUnavailable,
}

var knownTypes = map[string]bool{
	payments.ErrTypeAuthentication:     true,
	payments.ErrTypeAuthorization:      true,
	payments.ErrTypeNotFound:           true,
	payments.ErrTypeDuplicate:          true,
	payments.ErrTypeDeclined:           true,
	payments.ErrTypeValidation:         true,
	payments.ErrTypeTooManyRequests:    true,
	payments.ErrTypeServer:             true,
	payments.ErrTypeServiceUnavailable: true,
	payments.ErrTypeUnexpected:         true,
}

// providerError maps a failed response to a typed provider error. An
// explicit error.type in the body wins over the status mapping.
func providerError(status int, body []byte) *payments.ProviderError {
	typ, ok := statusTypes[status]
	if !ok {
		typ = payments.ErrTypeUnexpected
	}
	if t := gjson.GetBytes(body, "error.type").String(); knownTypes[t] {
		typ = t
	}

	msg := gjson.GetBytes(body, "error.message").String()
	if msg == "" {
		msg = gjson.GetBytes(body, "message").String()
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &payments.ProviderError{Type: typ, Message: msg}
}
