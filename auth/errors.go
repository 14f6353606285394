package auth

import (
	"errors"
	"fmt"
)

// Validation and discovery failures. Callers match them with errors.Is.
var (
	ErrDiscovery        = errors.New("oidc discovery failed")
	ErrJWKSFetch        = errors.New("error while fetching JWKs from authorization server")
	ErrKeyNotFound      = errors.New("no signing key found for kid")
	ErrMalformedToken   = errors.New("malformed token")
	ErrSignatureInvalid = errors.New("token signature invalid")
	ErrClaimsInvalid    = errors.New("token claims invalid")
)

// ErrorResponse is the OAuth 2.0 error document returned with a 400 from the
// token endpoint.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	ErrorURI         string `json:"error_uri,omitempty"`
}

// ExchangeResponseError reports an authorization server that rejected the
// code exchange with a well formed OAuth error.
type ExchangeResponseError struct {
	Response ErrorResponse
}

func (e *ExchangeResponseError) Error() string {
	if e.Response.ErrorDescription != "" {
		return fmt.Sprintf("token exchange rejected: %s: %s", e.Response.Error, e.Response.ErrorDescription)
	}
	return fmt.Sprintf("token exchange rejected: %s", e.Response.Error)
}

// ExchangeFailure reports any other failed code exchange: transport errors,
// unexpected statuses and unparseable responses.
type ExchangeFailure struct {
	Detail string
	Err    error
}

func (e *ExchangeFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("token exchange with authorization server failed: %s: %v", e.Detail, e.Err)
	}
	return "token exchange with authorization server failed: " + e.Detail
}

func (e *ExchangeFailure) Unwrap() error {
	return e.Err
}
