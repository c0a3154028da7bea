// Package directory serves contact searches from an LDAP directory. Search
// terms are validated, translated to LDAP filters, run against the directory
// and the entries mapped, sorted and limited.
package directory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/migadu/contactdir/config"
	"github.com/migadu/contactdir/consts"
	"github.com/migadu/contactdir/contact"
	"github.com/migadu/contactdir/ldapfilter"
	"github.com/migadu/contactdir/logger"
	"github.com/migadu/contactdir/pkg/circuitbreaker"
	"github.com/migadu/contactdir/pkg/metrics"
	"github.com/migadu/contactdir/pkg/retry"
	"github.com/migadu/contactdir/pkg/searchcache"
	"github.com/migadu/contactdir/searchterm"
	"golang.org/x/text/language"
)

// SearchOptions control ordering and size of a result.
type SearchOptions struct {
	SortField string
	Order     contact.SortOrder
	Limit     int
}

// Provider answers contact searches for one directory, exposed as a single
// contact folder.
type Provider struct {
	cfg        config.DirectoryConfig
	mapping    config.MappingConfig
	search     config.SearchConfig
	translator *ldapfilter.Translator
	validator  *searchterm.Validator
	mapper     *entryMapper
	attributes []string
	scope      int
	locale     language.Tag

	dial    Dialer
	breaker *circuitbreaker.CircuitBreaker
	backoff retry.BackoffConfig
	cache   *searchcache.Cache[[]*contact.Contact]

	requestTimeout time.Duration
}

type Option func(*Provider)

// WithDialer replaces DialLDAP.
func WithDialer(d Dialer) Option {
	return func(p *Provider) { p.dial = d }
}

// WithSearchConfig sets validation limits, the sort locale and result limits.
func WithSearchConfig(s config.SearchConfig) Option {
	return func(p *Provider) { p.search = s }
}

// WithCache enables result caching.
func WithCache(c *searchcache.Cache[[]*contact.Contact]) Option {
	return func(p *Provider) { p.cache = c }
}

// New builds a provider. Nothing is dialled until the first search.
func New(cfg config.DirectoryConfig, mapping config.MappingConfig, opts ...Option) (*Provider, error) {
	p := &Provider{
		cfg:     cfg,
		mapping: mapping,
		search:  config.NewDefaultConfig().Search,
		dial:    DialLDAP,
	}
	for _, opt := range opts {
		opt(p)
	}

	switch cfg.Scope {
	case "", "sub":
		p.scope = ldap.ScopeWholeSubtree
	case "one":
		p.scope = ldap.ScopeSingleLevel
	case "base":
		p.scope = ldap.ScopeBaseObject
	default:
		return nil, fmt.Errorf("invalid directory scope %q", cfg.Scope)
	}

	var err error
	if p.locale, err = p.search.GetLocale(); err != nil {
		return nil, fmt.Errorf("invalid search locale: %w", err)
	}
	if p.requestTimeout, err = cfg.GetRequestTimeout(); err != nil {
		return nil, fmt.Errorf("invalid request timeout: %w", err)
	}

	initial, err := cfg.Retry.GetInitialInterval()
	if err != nil {
		return nil, fmt.Errorf("invalid retry interval: %w", err)
	}
	maxInterval, err := cfg.Retry.GetMaxInterval()
	if err != nil {
		return nil, fmt.Errorf("invalid retry max interval: %w", err)
	}
	p.backoff = retry.BackoffConfig{
		InitialInterval: initial,
		MaxInterval:     maxInterval,
		Multiplier:      cfg.Retry.Multiplier,
		Jitter:          true,
		MaxRetries:      cfg.Retry.MaxRetries,
		OnRetry: func(attempt int, err error) {
			metrics.DirectoryRetriesTotal.WithLabelValues("search").Inc()
		},
	}

	if cfg.CircuitBreaker.Enabled {
		timeout, err := cfg.CircuitBreaker.GetTimeout()
		if err != nil {
			return nil, fmt.Errorf("invalid circuit breaker timeout: %w", err)
		}
		maxFailures := cfg.CircuitBreaker.MaxFailures
		if maxFailures <= 0 {
			maxFailures = 5
		}
		p.breaker = circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
			Name:        "directory",
			MaxRequests: uint32(max(cfg.CircuitBreaker.MaxRequests, 1)),
			Timeout:     timeout,
			ReadyToTrip: circuitbreaker.ConsecutiveFailures(uint32(maxFailures)),
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled) || hasResultCode(err, ldap.LDAPResultFilterError, ldap.ErrorFilterCompile)
			},
			OnStateChange: func(name string, from, to circuitbreaker.State) {
				metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			},
		})
	}

	p.translator = ldapfilter.New(mapping, ldapfilter.Options{
		FolderField:               mapping.FolderField,
		DisplayNameField:          mapping.DisplayNameField,
		DistributionListAttribute: mapping.DistributionListAttribute,
		IncludeDistributionLists:  mapping.IncludeDistributionLists,
		MaxRangeSpan:              p.search.MaxRangeSpan,
	})
	p.validator = &searchterm.Validator{
		MaxDepth:         p.search.MaxDepth,
		MaxLeaves:        p.search.MaxLeaves,
		MaxLiteralLength: p.search.MaxLiteralLength,
	}
	p.mapper = newEntryMapper(mapping, cfg.FolderID)
	p.attributes = mapping.Attributes()

	return p, nil
}

// Mapping returns the field mapping the provider was built with.
func (p *Provider) Mapping() config.MappingConfig {
	return p.mapping
}

// FolderID returns the folder id the directory is served as.
func (p *Provider) FolderID() string {
	return p.cfg.FolderID
}

// Translate validates term and returns its filter translation without
// contacting the directory.
func (p *Provider) Translate(term searchterm.Term) (*ldapfilter.Result, error) {
	if err := p.validator.Validate(term); err != nil {
		return nil, err
	}
	res, err := p.translator.Translate(term)
	if err != nil {
		return nil, fmt.Errorf("failed to translate search term: %w", err)
	}
	return res, nil
}

// Search runs term against the directory.
func (p *Provider) Search(ctx context.Context, term searchterm.Term, opts SearchOptions) ([]*contact.Contact, error) {
	res, err := p.Translate(term)
	if err != nil {
		return nil, err
	}
	log := logger.FromContext(ctx)

	if len(res.DroppedFields) > 0 {
		log.Warn("Directory: search ignores fields without attributes", "fields", res.DroppedFields)
	}
	if !res.FolderScopeExact {
		return nil, fmt.Errorf("%w: folder comparisons are only supported as restrictions of the whole search, not under or/not",
			consts.ErrInvalidSearch)
	}
	if len(res.Folders) > 0 && !slices.Contains(res.Folders, p.cfg.FolderID) {
		log.Debug("Directory: search targets other folders", "folders", res.Folders, "served", p.cfg.FolderID)
		return []*contact.Contact{}, nil
	}
	if ldapfilter.IsMatchNone(res.Filter) {
		return []*contact.Contact{}, nil
	}

	filter := p.combine(res.Filter)
	log.Debug("Directory: searching", "filter", filter, "range_rewrites", res.RangeRewrites)

	contacts, err := p.fetch(ctx, "search", filter)
	if err != nil {
		return nil, err
	}
	return p.finish(contacts, opts)
}

// All returns every contact matched by the base filter.
func (p *Provider) All(ctx context.Context, opts SearchOptions) ([]*contact.Contact, error) {
	contacts, err := p.fetch(ctx, "all", p.combine(""))
	if err != nil {
		return nil, err
	}
	return p.finish(contacts, opts)
}

// Get returns the contact whose uid attribute equals uid.
func (p *Provider) Get(ctx context.Context, uid string) (*contact.Contact, error) {
	if uid == "" {
		return nil, consts.ErrContactNotFound
	}
	clause := "(" + p.mapping.UIDAttribute + "=" + ldapfilter.Escape(uid) + ")"

	contacts, err := p.fetch(ctx, "get", p.combine(clause))
	if err != nil {
		return nil, err
	}
	if len(contacts) == 0 {
		return nil, fmt.Errorf("%w: %s", consts.ErrContactNotFound, uid)
	}
	if len(contacts) > 1 {
		logger.FromContext(ctx).Warn("Directory: uid is not unique", "uid", uid, "matches", len(contacts))
	}
	return contacts[0], nil
}

// Ping binds and reads the search base. It bypasses the cache, retries and
// the circuit breaker so it reports the server's state as it is now.
func (p *Provider) Ping(ctx context.Context) error {
	req := ldap.NewSearchRequest(p.cfg.BaseDN, ldap.ScopeBaseObject, ldap.NeverDerefAliases,
		1, int(p.requestTimeout/time.Second), false, "(objectClass=*)", []string{"1.1"}, nil)
	if _, err := p.roundTrip(ctx, req); err != nil {
		var stop retry.StopError
		if errors.As(err, &stop) {
			err = stop.Err
		}
		return err
	}
	return nil
}

// Breaker returns the provider's circuit breaker, nil when disabled.
func (p *Provider) Breaker() *circuitbreaker.CircuitBreaker {
	return p.breaker
}

// MetricsStats implements metrics.StatsProvider.
func (p *Provider) MetricsStats(ctx context.Context) (*metrics.Stats, error) {
	stats := &metrics.Stats{}
	if p.cache != nil {
		stats.CacheEntries = p.cache.Len()
	}
	if p.breaker != nil {
		stats.BreakerName = p.breaker.Name()
		stats.BreakerState = int(p.breaker.State())
	}
	return stats, nil
}

// Close releases the cache.
func (p *Provider) Close(ctx context.Context) error {
	if p.cache != nil {
		return p.cache.Stop(ctx)
	}
	return nil
}

// combine ANDs the configured base filter with filter. An empty or
// match-all filter leaves the base filter alone.
func (p *Provider) combine(filter string) string {
	base := p.cfg.BaseFilter
	if filter == "" || ldapfilter.IsMatchAll(filter) {
		if base == "" {
			return "(objectClass=*)"
		}
		return base
	}
	if base == "" {
		return filter
	}
	return "(&" + base + filter + ")"
}

func (p *Provider) finish(cached []*contact.Contact, opts SearchOptions) ([]*contact.Contact, error) {
	contacts := slices.Clone(cached)

	sortField := opts.SortField
	if sortField == "" {
		sortField = p.search.DefaultSort
	}
	if sortField != "" && opts.Order != contact.NoOrder {
		field, err := contact.ParseField(sortField)
		if err != nil {
			return nil, fmt.Errorf("%w: sort: %v", consts.ErrInvalidSearch, err)
		}
		if err := contact.Sort(contacts, field, opts.Order, p.locale); err != nil {
			return nil, err
		}
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = p.search.DefaultLimit
	}
	if p.search.MaxLimit > 0 && limit > p.search.MaxLimit {
		limit = p.search.MaxLimit
	}
	if limit > 0 && len(contacts) > limit {
		contacts = contacts[:limit]
	}
	return contacts, nil
}

func (p *Provider) fetch(ctx context.Context, op, filter string) ([]*contact.Contact, error) {
	load := func(ctx context.Context) ([]*contact.Contact, error) {
		entries, err := p.query(ctx, op, filter)
		if err != nil {
			return nil, err
		}
		contacts := make([]*contact.Contact, 0, len(entries))
		for _, e := range entries {
			contacts = append(contacts, p.mapper.toContact(e))
		}
		metrics.DirectoryEntriesReturned.Observe(float64(len(contacts)))
		return contacts, nil
	}

	if p.cache == nil || ctx.Value(consts.BypassCacheKey) == true {
		return load(ctx)
	}

	// The load is shared by every caller waiting on key, so it must not end
	// when the caller that started it goes away.
	key := searchcache.Key(p.cfg.URL, p.cfg.BaseDN, strconv.Itoa(p.scope), filter,
		strings.Join(p.attributes, ","), strconv.Itoa(p.cfg.SizeLimit))
	contacts, _, err := p.cache.GetOrFetch(ctx, key, func() ([]*contact.Contact, error) {
		loadCtx, cancel := p.detach(ctx)
		defer cancel()
		return load(loadCtx)
	})
	return contacts, err
}

// detach keeps ctx's values but not its cancellation, bounded by the time all
// attempts of one query may take.
func (p *Provider) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if p.requestTimeout <= 0 {
		return context.WithCancel(detached)
	}
	attempts := time.Duration(p.backoff.MaxRetries + 1)
	budget := attempts*p.requestTimeout + (attempts-1)*p.backoff.MaxInterval
	return context.WithTimeout(detached, budget)
}

// query runs one search with retries behind the circuit breaker and maps
// failures to the package's sentinel errors.
func (p *Provider) query(ctx context.Context, op, filter string) ([]*ldap.Entry, error) {
	timeLimit := int(p.requestTimeout / time.Second)
	req := ldap.NewSearchRequest(p.cfg.BaseDN, p.scope, ldap.NeverDerefAliases,
		p.cfg.SizeLimit, timeLimit, false, filter, p.attributes, nil)

	run := func(ctx context.Context) ([]*ldap.Entry, error) {
		var entries []*ldap.Entry
		err := retry.WithRetry(ctx, func() error {
			e, err := p.roundTrip(ctx, req)
			if err != nil {
				if isPermanent(err) {
					return retry.Stop(err)
				}
				return err
			}
			entries = e
			return nil
		}, p.backoff)
		return entries, err
	}

	start := time.Now()
	var (
		entries []*ldap.Entry
		err     error
	)
	if p.breaker != nil {
		entries, err = circuitbreaker.ExecuteContext(ctx, p.breaker, run)
	} else {
		entries, err = run(ctx)
	}
	metrics.DirectorySearchDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, context.Canceled) {
			metrics.DirectorySearchesTotal.WithLabelValues(op, "cancelled").Inc()
			logger.FromContext(ctx).Debug("Directory: search cancelled", "op", op, "filter", filter)
			return nil, err
		}
		metrics.DirectorySearchesTotal.WithLabelValues(op, "failure").Inc()
		logger.FromContext(ctx).Error("Directory: search failed", "op", op, "filter", filter, "error", err)
		return nil, classify(err)
	}
	metrics.DirectorySearchesTotal.WithLabelValues(op, "success").Inc()
	return entries, nil
}

func (p *Provider) roundTrip(ctx context.Context, req *ldap.SearchRequest) ([]*ldap.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, retry.Stop(err)
	}

	conn, err := p.dial(ctx, p.cfg)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", p.cfg.URL, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if p.cfg.BindDN != "" {
		if err := conn.Bind(p.cfg.BindDN, p.cfg.BindPassword); err != nil {
			return nil, fmt.Errorf("bind as %s: %w", p.cfg.BindDN, err)
		}
	}

	res, err := conn.Search(req)
	if err != nil {
		if hasResultCode(err, ldap.LDAPResultSizeLimitExceeded) && res != nil {
			logger.FromContext(ctx).Warn("Directory: size limit exceeded, returning partial results",
				"size_limit", req.SizeLimit, "entries", len(res.Entries))
			return res.Entries, nil
		}
		if ctx.Err() != nil {
			return nil, retry.Stop(ctx.Err())
		}
		return nil, err
	}
	return res.Entries, nil
}

// hasResultCode reports whether err wraps an LDAP error with one of codes.
func hasResultCode(err error, codes ...uint16) bool {
	var lerr *ldap.Error
	if !errors.As(err, &lerr) {
		return false
	}
	return slices.Contains(codes, lerr.ResultCode)
}

func isPermanent(err error) bool {
	return hasResultCode(err,
		ldap.LDAPResultInvalidCredentials,
		ldap.LDAPResultInsufficientAccessRights,
		ldap.LDAPResultFilterError,
		ldap.ErrorFilterCompile,
		ldap.LDAPResultNoSuchObject,
		ldap.LDAPResultInvalidDNSyntax,
	)
}

func classify(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case circuitbreaker.IsOpen(err):
		return fmt.Errorf("%w: %v", consts.ErrDirectoryUnavailable, err)
	case hasResultCode(err, ldap.LDAPResultInvalidCredentials, ldap.LDAPResultInsufficientAccessRights):
		return fmt.Errorf("%w: %v", consts.ErrDirectoryAuth, err)
	case hasResultCode(err, ldap.LDAPResultFilterError, ldap.ErrorFilterCompile):
		return fmt.Errorf("%w: %v", consts.ErrInvalidSearch, err)
	case hasResultCode(err, ldap.LDAPResultNoSuchObject):
		return fmt.Errorf("directory base not found: %w", err)
	default:
		return fmt.Errorf("%w: %v", consts.ErrDirectoryUnavailable, err)
	}
}
