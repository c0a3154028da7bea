package consts

// ContextKey is a custom type for context keys to avoid collisions between packages.
type ContextKey string

const (
	// BypassCacheKey is the context key for the "bypass_cache" boolean value.
	// When set, the directory provider skips the search result cache and
	// always asks the directory server.
	BypassCacheKey = ContextKey("bypass_cache")

	// RequestIDKey carries the HTTP API request id into provider logging.
	RequestIDKey = ContextKey("request_id")
)
