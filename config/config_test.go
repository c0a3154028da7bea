package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"
)

func validConfig() Config {
	cfg := NewDefaultConfig()
	cfg.Directory.BaseDN = "ou=people,dc=example,dc=com"
	return cfg
}

func TestDefaultConfigValidates(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	tag, err := cfg.Search.GetLocale()
	require.NoError(t, err)
	assert.Equal(t, language.English, tag)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing url", func(c *Config) { c.Directory.URL = "" }, "directory.url is required"},
		{"http url", func(c *Config) { c.Directory.URL = "http://example.com" }, "must be an ldap://"},
		{"missing base dn", func(c *Config) { c.Directory.BaseDN = "" }, "directory.base_dn is required"},
		{"bad scope", func(c *Config) { c.Directory.Scope = "tree" }, "directory.scope"},
		{"bind without password", func(c *Config) { c.Directory.BindDN = "cn=admin" }, "bind_password is required"},
		{"bad duration", func(c *Config) { c.Cache.TTL = "soon" }, "cache.ttl"},
		{"unknown mapped field", func(c *Config) { c.Mapping.Fields["shoe_size"] = "x" }, "shoe_size"},
		{"bad attribute", func(c *Config) { c.Mapping.Fields["nickname"] = "(uid)" }, "invalid attribute name"},
		{"empty mapping", func(c *Config) { c.Mapping.Fields = nil }, "mapping.fields cannot be empty"},
		{"unknown folder field", func(c *Config) { c.Mapping.FolderField = "folder" }, "mapping.folder_field"},
		{"missing display name field", func(c *Config) { c.Mapping.DisplayNameField = "" }, "display_name_field is required"},
		{"dl without attribute", func(c *Config) { c.Mapping.IncludeDistributionLists = true }, "distribution_list_attribute is required"},
		{"missing uid attribute", func(c *Config) { c.Mapping.UIDAttribute = "" }, "uid_attribute is required"},
		{"bad locale", func(c *Config) { c.Search.Locale = "not a locale!" }, "search.locale"},
		{"bad default sort", func(c *Config) { c.Search.DefaultSort = "shoe_size" }, "search.default_sort"},
		{"limits", func(c *Config) { c.Search.DefaultLimit = 5000 }, "exceeds search.max_limit"},
		{"api without key", func(c *Config) { c.HTTPAPI.Start = true }, "http_api.api_key is required"},
		{"bad trusted proxy", func(c *Config) {
			c.HTTPAPI.Start, c.HTTPAPI.APIKey = true, "k"
			c.HTTPAPI.TrustedProxies = []string{"10.0.0.0/8", "lb.example.com"}
		}, "http_api.trusted_proxies"},
		{"metrics without addr", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Addr = "" }, "metrics.addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := validConfig()
	cfg.Directory.URL = ""
	cfg.Mapping.UIDAttribute = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "directory.url")
	assert.Contains(t, err.Error(), "uid_attribute")
}

func TestDurationGetters(t *testing.T) {
	var d DirectoryConfig
	dial, err := d.GetDialTimeout()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, dial)

	var c CacheConfig
	ttl, err := c.GetTTL()
	require.NoError(t, err)
	assert.Equal(t, time.Minute, ttl)

	c.CleanupInterval = "1d"
	interval, err := c.GetCleanupInterval()
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, interval)

	b := CircuitBreakerConfig{Timeout: "-1s"}
	_, err = b.GetTimeout()
	assert.Error(t, err)
}

func TestMappingAttributes(t *testing.T) {
	m := MappingConfig{
		Fields:                      map[string]string{"display_name": "cn", "sur_name": "sn", "folder_id": "", "nickname": "cn"},
		UIDAttribute:                "entryUUID",
		DistributionListAttribute:   "displayName",
		DistributionListObjectClass: "groupOfNames",
		MemberAttribute:             "member",
	}
	assert.Equal(t, []string{"cn", "displayName", "entryUUID", "member", "objectClass", "sn"}, m.Attributes())

	attr, ok := m.Attribute("display_name")
	assert.True(t, ok)
	assert.Equal(t, "cn", attr)

	_, ok = m.Attribute("folder_id")
	assert.False(t, ok)
	_, ok = m.Attribute("company")
	assert.False(t, ok)
}
