package config

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/migadu/contactdir/contact"
	"github.com/migadu/contactdir/helpers"
	"golang.org/x/text/language"
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output    string `toml:"output"`     // Log output: "stderr", "stdout", "syslog", or file path
	Format    string `toml:"format"`     // Log format: "json" or "console"
	Level     string `toml:"level"`      // Log level: "debug", "info", "warn", "error"
	SyslogTag string `toml:"syslog_tag"` // Tag used when output is "syslog" (default: "contactdir")
}

// RetryConfig controls how failed directory operations are retried
type RetryConfig struct {
	MaxRetries      int     `toml:"max_retries"`      // Attempts after the first one (default: 2)
	InitialInterval string  `toml:"initial_interval"` // First backoff (default: "200ms")
	MaxInterval     string  `toml:"max_interval"`     // Backoff cap (default: "2s")
	Multiplier      float64 `toml:"multiplier"`       // Backoff growth (default: 2.0)
}

// CircuitBreakerConfig controls the breaker in front of the directory
type CircuitBreakerConfig struct {
	Enabled     bool   `toml:"enabled"`
	MaxFailures int    `toml:"max_failures"` // Consecutive failures before opening (default: 5)
	Timeout     string `toml:"timeout"`      // Time spent open before a trial request (default: "30s")
	MaxRequests int    `toml:"max_requests"` // Trial requests allowed while half-open (default: 1)
}

// DirectoryConfig describes the LDAP server holding the contacts
type DirectoryConfig struct {
	URL                string `toml:"url"` // ldap://host:389 or ldaps://host:636
	BindDN             string `toml:"bind_dn"`
	BindPassword       string `toml:"bind_password"`
	BaseDN             string `toml:"base_dn"`
	Scope              string `toml:"scope"`       // "sub", "one" or "base" (default: "sub")
	BaseFilter         string `toml:"base_filter"` // ANDed with every translated filter
	FolderID           string `toml:"folder_id"`   // Folder id this directory is served as
	StartTLS           bool   `toml:"start_tls"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	DialTimeout        string `toml:"dial_timeout"`    // default: "5s"
	RequestTimeout     string `toml:"request_timeout"` // default: "10s"
	SizeLimit          int    `toml:"size_limit"`      // Entries per search, 0 = server limit

	Retry          RetryConfig          `toml:"retry"`
	CircuitBreaker CircuitBreakerConfig `toml:"circuit_breaker"`
}

// MappingConfig maps logical contact fields to directory attributes
type MappingConfig struct {
	// Fields maps a contact field name (e.g. "display_name") to an LDAP
	// attribute. An empty attribute marks the field as not queryable.
	Fields                      map[string]string `toml:"fields"`
	FolderField                 string            `toml:"folder_field"`
	DisplayNameField            string            `toml:"display_name_field"`
	DistributionListAttribute   string            `toml:"distribution_list_attribute"`
	IncludeDistributionLists    bool              `toml:"include_distribution_lists"`
	UIDAttribute                string            `toml:"uid_attribute"`
	DistributionListObjectClass string            `toml:"distribution_list_object_class"`
	MemberAttribute             string            `toml:"member_attribute"`
}

// Attribute implements ldapfilter.Mapping
func (m MappingConfig) Attribute(field string) (string, bool) {
	attr, ok := m.Fields[field]
	return attr, ok && attr != ""
}

// Attributes returns the distinct mapped attributes in sorted order, plus the
// uid, distribution list and member attributes. These are requested on every search.
func (m MappingConfig) Attributes() []string {
	seen := make(map[string]struct{})
	add := func(a string) {
		if a != "" {
			seen[a] = struct{}{}
		}
	}
	for _, a := range m.Fields {
		add(a)
	}
	add(m.UIDAttribute)
	add(m.DistributionListAttribute)
	add(m.MemberAttribute)
	if m.DistributionListObjectClass != "" {
		add("objectClass")
	}

	attrs := make([]string, 0, len(seen))
	for a := range seen {
		attrs = append(attrs, a)
	}
	sort.Strings(attrs)
	return attrs
}

// SearchConfig bounds client searches
type SearchConfig struct {
	MaxDepth         int    `toml:"max_depth"`
	MaxLeaves        int    `toml:"max_leaves"`
	MaxLiteralLength int    `toml:"max_literal_length"`
	MaxRangeSpan     int    `toml:"max_range_span"` // Characters one range rewrite may expand to
	DefaultLimit     int    `toml:"default_limit"`
	MaxLimit         int    `toml:"max_limit"`
	Locale           string `toml:"locale"`       // BCP 47 tag used for sorting (default: "en")
	DefaultSort      string `toml:"default_sort"` // Field used when a search names none
}

// GetLocale parses the sort locale.
func (s *SearchConfig) GetLocale() (language.Tag, error) {
	if s.Locale == "" {
		return language.English, nil
	}
	return language.Parse(s.Locale)
}

// CacheConfig holds search result cache configuration
type CacheConfig struct {
	Enabled         bool   `toml:"enabled"`
	TTL             string `toml:"ttl"`              // default: "1m"
	MaxEntries      int    `toml:"max_entries"`      // default: 1000
	CleanupInterval string `toml:"cleanup_interval"` // default: "5m"
}

// HTTPAPIConfig holds HTTP API server configuration
type HTTPAPIConfig struct {
	Start          bool     `toml:"start"`
	Addr           string   `toml:"addr"`
	APIKey         string   `toml:"api_key"`
	AllowedHosts   []string `toml:"allowed_hosts"`   // If empty, all hosts are allowed
	TrustedProxies []string `toml:"trusted_proxies"` // Proxies allowed to set X-Forwarded-For / X-Real-IP
	TLS            bool     `toml:"tls"`
	TLSCertFile    string   `toml:"tls_cert_file"`
	TLSKeyFile     string   `toml:"tls_key_file"`
}

// MetricsConfig holds metrics server configuration
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	Path    string `toml:"path"`
}

// Config holds all configuration for the application.
type Config struct {
	Logging   LoggingConfig   `toml:"logging"`
	Directory DirectoryConfig `toml:"directory"`
	Mapping   MappingConfig   `toml:"mapping"`
	Search    SearchConfig    `toml:"search"`
	Cache     CacheConfig     `toml:"cache"`
	HTTPAPI   HTTPAPIConfig   `toml:"http_api"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

// DefaultFieldMapping is the inetOrgPerson mapping used when no [mapping.fields]
// table is configured.
func DefaultFieldMapping() map[string]string {
	return map[string]string{
		"uid":                "entryUUID",
		"display_name":       "cn",
		"given_name":         "givenName",
		"sur_name":           "sn",
		"title":              "personalTitle",
		"company":            "o",
		"department":         "ou",
		"position":           "title",
		"email1":             "mail",
		"telephone_business": "telephoneNumber",
		"telephone_home":     "homePhone",
		"cellular_telephone": "mobile",
		"fax_business":       "facsimileTelephoneNumber",
		"street":             "street",
		"postal_code":        "postalCode",
		"city":               "l",
		"state":              "st",
		"note":               "description",
		"folder_id":          "",
	}
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Directory: DirectoryConfig{
			URL:            "ldap://localhost:389",
			Scope:          "sub",
			BaseFilter:     "(objectClass=inetOrgPerson)",
			FolderID:       "directory",
			DialTimeout:    "5s",
			RequestTimeout: "10s",
			SizeLimit:      1000,
			Retry: RetryConfig{
				MaxRetries:      2,
				InitialInterval: "200ms",
				MaxInterval:     "2s",
				Multiplier:      2.0,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     "30s",
				MaxRequests: 1,
			},
		},
		Mapping: MappingConfig{
			Fields:                      DefaultFieldMapping(),
			FolderField:                 "folder_id",
			DisplayNameField:            "display_name",
			UIDAttribute:                "entryUUID",
			DistributionListObjectClass: "groupOfNames",
			MemberAttribute:             "member",
		},
		Search: SearchConfig{
			MaxDepth:         16,
			MaxLeaves:        64,
			MaxLiteralLength: 256,
			MaxRangeSpan:     1024,
			DefaultLimit:     100,
			MaxLimit:         1000,
			Locale:           "en",
			DefaultSort:      "display_name",
		},
		Cache: CacheConfig{
			Enabled:         true,
			TTL:             "1m",
			MaxEntries:      1000,
			CleanupInterval: "5m",
		},
		HTTPAPI: HTTPAPIConfig{
			Start: false,
			Addr:  ":8090",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9090",
			Path:    "/metrics",
		},
	}
}

// GetDialTimeout parses the directory dial timeout.
func (d *DirectoryConfig) GetDialTimeout() (time.Duration, error) {
	if d.DialTimeout == "" {
		return 5 * time.Second, nil
	}
	return helpers.ParseDuration(d.DialTimeout)
}

// GetRequestTimeout parses the per-request directory timeout.
func (d *DirectoryConfig) GetRequestTimeout() (time.Duration, error) {
	if d.RequestTimeout == "" {
		return 10 * time.Second, nil
	}
	return helpers.ParseDuration(d.RequestTimeout)
}

// GetInitialInterval parses the first retry backoff.
func (r *RetryConfig) GetInitialInterval() (time.Duration, error) {
	if r.InitialInterval == "" {
		return 200 * time.Millisecond, nil
	}
	return helpers.ParseDuration(r.InitialInterval)
}

// GetMaxInterval parses the retry backoff cap.
func (r *RetryConfig) GetMaxInterval() (time.Duration, error) {
	if r.MaxInterval == "" {
		return 2 * time.Second, nil
	}
	return helpers.ParseDuration(r.MaxInterval)
}

// GetTimeout parses how long the breaker stays open.
func (c *CircuitBreakerConfig) GetTimeout() (time.Duration, error) {
	if c.Timeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(c.Timeout)
}

// GetTTL parses the cache entry lifetime.
func (c *CacheConfig) GetTTL() (time.Duration, error) {
	if c.TTL == "" {
		return time.Minute, nil
	}
	return helpers.ParseDuration(c.TTL)
}

// GetCleanupInterval parses the cache sweep interval.
func (c *CacheConfig) GetCleanupInterval() (time.Duration, error) {
	if c.CleanupInterval == "" {
		return 5 * time.Minute, nil
	}
	return helpers.ParseDuration(c.CleanupInterval)
}

// Validate checks the settings the server cannot start without. All problems
// are reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.Directory.URL == "" {
		errs = append(errs, errors.New("directory.url is required"))
	} else if u, err := url.Parse(c.Directory.URL); err != nil || (u.Scheme != "ldap" && u.Scheme != "ldaps" && u.Scheme != "ldapi") {
		errs = append(errs, fmt.Errorf("directory.url %q must be an ldap://, ldaps:// or ldapi:// URL", helpers.MaskURL(c.Directory.URL)))
	}
	if c.Directory.BaseDN == "" {
		errs = append(errs, errors.New("directory.base_dn is required"))
	}
	switch c.Directory.Scope {
	case "", "sub", "one", "base":
	default:
		errs = append(errs, fmt.Errorf("directory.scope %q must be one of sub, one, base", c.Directory.Scope))
	}
	if c.Directory.BindDN != "" && c.Directory.BindPassword == "" {
		errs = append(errs, errors.New("directory.bind_password is required when bind_dn is set"))
	}
	if c.Directory.SizeLimit < 0 {
		errs = append(errs, errors.New("directory.size_limit cannot be negative"))
	}

	durations := map[string]string{
		"directory.dial_timeout":            c.Directory.DialTimeout,
		"directory.request_timeout":         c.Directory.RequestTimeout,
		"directory.retry.initial_interval":  c.Directory.Retry.InitialInterval,
		"directory.retry.max_interval":      c.Directory.Retry.MaxInterval,
		"directory.circuit_breaker.timeout": c.Directory.CircuitBreaker.Timeout,
		"cache.ttl":                         c.Cache.TTL,
		"cache.cleanup_interval":            c.Cache.CleanupInterval,
	}
	keys := make([]string, 0, len(durations))
	for k := range durations {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v := durations[k]; v != "" {
			if _, err := helpers.ParseDuration(v); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", k, err))
			}
		}
	}

	errs = append(errs, c.Mapping.validate()...)

	if _, err := c.Search.GetLocale(); err != nil {
		errs = append(errs, fmt.Errorf("search.locale %q: %w", c.Search.Locale, err))
	}
	if c.Search.DefaultSort != "" {
		if _, err := contact.ParseField(c.Search.DefaultSort); err != nil {
			errs = append(errs, fmt.Errorf("search.default_sort: %w", err))
		}
	}
	if c.Search.MaxLimit > 0 && c.Search.DefaultLimit > c.Search.MaxLimit {
		errs = append(errs, fmt.Errorf("search.default_limit %d exceeds search.max_limit %d", c.Search.DefaultLimit, c.Search.MaxLimit))
	}

	if c.HTTPAPI.Start {
		if c.HTTPAPI.Addr == "" {
			errs = append(errs, errors.New("http_api.addr is required when http_api.start is true"))
		}
		if c.HTTPAPI.APIKey == "" {
			errs = append(errs, errors.New("http_api.api_key is required when http_api.start is true"))
		}
		if c.HTTPAPI.TLS && (c.HTTPAPI.TLSCertFile == "" || c.HTTPAPI.TLSKeyFile == "") {
			errs = append(errs, errors.New("http_api.tls_cert_file and http_api.tls_key_file are required when http_api.tls is true"))
		}
		if _, err := helpers.ParseNetworks(c.HTTPAPI.TrustedProxies); err != nil {
			errs = append(errs, fmt.Errorf("http_api.trusted_proxies: %w", err))
		}
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, errors.New("metrics.addr is required when metrics.enabled is true"))
	}

	return errors.Join(errs...)
}

func (m *MappingConfig) validate() []error {
	var errs []error

	if len(m.Fields) == 0 {
		errs = append(errs, errors.New("mapping.fields cannot be empty"))
	}
	names := make([]string, 0, len(m.Fields))
	for name := range m.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := contact.ParseField(name); err != nil {
			errs = append(errs, fmt.Errorf("mapping.fields: %w", err))
		}
		if attr := m.Fields[name]; strings.ContainsAny(attr, "()=*\\ ") {
			errs = append(errs, fmt.Errorf("mapping.fields.%s: invalid attribute name %q", name, attr))
		}
	}

	if m.FolderField == "" {
		errs = append(errs, errors.New("mapping.folder_field is required"))
	} else if _, err := contact.ParseField(m.FolderField); err != nil {
		errs = append(errs, fmt.Errorf("mapping.folder_field: %w", err))
	}
	if m.DisplayNameField == "" {
		errs = append(errs, errors.New("mapping.display_name_field is required"))
	} else if _, err := contact.ParseField(m.DisplayNameField); err != nil {
		errs = append(errs, fmt.Errorf("mapping.display_name_field: %w", err))
	}
	if m.IncludeDistributionLists && m.DistributionListAttribute == "" {
		errs = append(errs, errors.New("mapping.distribution_list_attribute is required when include_distribution_lists is true"))
	}
	if m.UIDAttribute == "" {
		errs = append(errs, errors.New("mapping.uid_attribute is required"))
	}
	return errs
}
