package core

import "errors"

var (
	// ErrAuth indicates bad credentials or a bad signature. Fatal, never retried.
	ErrAuth = errors.New("authentication failed")
	// ErrRateLimited indicates the exchange throttled the request.
	ErrRateLimited = errors.New("rate limited")
	// ErrValidation indicates the exchange returned a body that does not match
	// the expected schema.
	ErrValidation = errors.New("malformed exchange response")
	// ErrSessionExpired indicates the listen key is no longer valid.
	ErrSessionExpired = errors.New("session expired")
	// ErrInsufficientBalance indicates the exchange rejected the action due to insufficient funds.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrDuplicateOrder indicates the client order id has already been accepted before.
	ErrDuplicateOrder = errors.New("duplicate order")
	// ErrOrderNotFound indicates the order does not exist on exchange.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderRejected indicates the order was rejected by exchange.
	ErrOrderRejected = errors.New("order rejected")
)
