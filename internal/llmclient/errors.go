package llmclient

import "errors"

// Sentinel errors returned by HTTPClient.Complete: ErrAuth for 401/403,
// ErrNetwork for 5xx responses, ErrUsageLimit for 429.
var (
	ErrAuth       = errors.New("llmclient: authentication error")
	ErrNetwork    = errors.New("llmclient: network error")
	ErrUsageLimit = errors.New("llmclient: usage limit reached")
)
