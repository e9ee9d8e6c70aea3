package payments

import (
	"context"
	"fmt"
)

// Provider is the payment processor behind the RPC surface. Implementations
// report processor-side failures as *ProviderError; any other error is
// treated as an unknown failure.
type Provider interface {
	GenerateClientToken(ctx context.Context, req GenerateClientTokenRequest) (GenerateClientTokenResponse, error)
	EnsureCustomer(ctx context.Context, req EnsureCustomerRequest) (EnsureCustomerResponse, error)
	SavePaymentMethod(ctx context.Context, req SavePaymentMethodRequest) (SavePaymentMethodResponse, error)
}

// Provider error types surfaced as provider_error_type.
const (
	ErrTypeAuthentication     = "authenticationError"
	ErrTypeAuthorization      = "authorizationError"
	ErrTypeNotFound           = "notFoundError"
	ErrTypeDuplicate          = "duplicateError"
	ErrTypeDeclined           = "declinedError"
	ErrTypeValidation         = "validationError"
	ErrTypeTooManyRequests    = "tooManyRequestsError"
	ErrTypeServer             = "serverError"
	ErrTypeServiceUnavailable = "serviceUnavailableError"
	ErrTypeUnexpected         = "unexpectedError"
)

// ProviderError is a failure reported by the payment processor itself.
type ProviderError struct {
	Type    string
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s", e.Type, e.Message)
}

// GenerateClientTokenRequest asks for a token the browser SDK can use.
type GenerateClientTokenRequest struct {
	CustomerID        string `json:"customer_id,omitempty"`
	MerchantAccountID string `json:"merchant_account_id,omitempty"`
}

type GenerateClientTokenResponse struct {
	ClientToken string `json:"client_token"`
}

// EnsureCustomerRequest creates the customer unless it already exists.
type EnsureCustomerRequest struct {
	CustomerID string `json:"customer_id"`
	Email      string `json:"email,omitempty"`
	FirstName  string `json:"first_name,omitempty"`
	LastName   string `json:"last_name,omitempty"`
	Company    string `json:"company,omitempty"`
}

type EnsureCustomerResponse struct {
	CustomerID string `json:"customer_id"`
	Created    bool   `json:"created"`
}

// SavePaymentMethodRequest vaults a payment method nonce for a customer.
type SavePaymentMethodRequest struct {
	CustomerID         string `json:"customer_id"`
	PaymentMethodNonce string `json:"payment_method_nonce"`
	MakeDefault        bool   `json:"make_default,omitempty"`
}

type SavePaymentMethodResponse struct {
	Token     string `json:"token"`
	CardType  string `json:"card_type,omitempty"`
	Last4     string `json:"last_4,omitempty"`
	IsDefault bool   `json:"is_default"`
}
