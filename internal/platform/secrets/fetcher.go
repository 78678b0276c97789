package secrets

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultEnvironment  = "local"
	defaultFallbackPath = ".secrets.local"
	defaultVersion      = "latest"
	meterScope          = "github.com/ecomcore/api/internal/platform/secrets"
)

// secretManagerClientFactory is swapped out in tests that need to simulate
// environments without Google credentials.
var secretManagerClientFactory = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret:// references against Google Secret Manager.
// Resolved values are cached per version, and a local key=value file can
// stand in when the remote service is unreachable or access is denied.
type Fetcher struct {
	client     secretManagerClient
	ownsClient bool

	logger *zap.Logger

	env            string
	defaultProject string
	projectByEnv   map[string]string
	versionPins    map[string]string

	fallback *fallbackFile
	metrics  fetcherMetrics

	mu       sync.RWMutex
	cache    map[string]cachedSecret
	watchers map[string][]chan struct{}
}

type cachedSecret struct {
	value     string
	canonical string
	version   string
	source    string
	fetchedAt time.Time
}

// fallbackFile lazily loads a local secrets file of key=value lines.
// Keys may be full secret:// references, optionally with a version query.
type fallbackFile struct {
	path   string
	once   sync.Once
	values map[string]string
	err    error
}

type fetcherMetrics struct {
	duration    metric.Float64Histogram
	hasDuration bool
	cacheHits   metric.Int64Counter
	hasHits     bool
}

type fetcherOptions struct {
	logger       *zap.Logger
	env          string
	defaultProj  string
	projectByEnv map[string]string
	versionPins  map[string]string
	fallbackPath string
	meter        metric.Meter
	client       secretManagerClient
	clientOpts   []option.ClientOption
}

// Option customises Fetcher construction.
type Option func(*fetcherOptions)

// WithLogger sets the logger used for diagnostic output.
func WithLogger(logger *zap.Logger) Option {
	return func(o *fetcherOptions) {
		o.logger = logger
	}
}

// WithEnvironment selects the environment key used when looking up
// per-environment project mappings and version pins.
func WithEnvironment(env string) Option {
	return func(o *fetcherOptions) {
		o.env = strings.ToLower(strings.TrimSpace(env))
	}
}

// WithDefaultProject sets the project consulted when no per-environment
// mapping and no project override on the reference applies.
func WithDefaultProject(projectID string) Option {
	return func(o *fetcherOptions) {
		o.defaultProj = strings.TrimSpace(projectID)
	}
}

// WithProjectMap supplies project IDs keyed by environment name.
func WithProjectMap(m map[string]string) Option {
	return func(o *fetcherOptions) {
		o.projectByEnv = cloneMap(m)
	}
}

// WithFallbackFile overrides the path of the local fallback secrets file.
func WithFallbackFile(path string) Option {
	return func(o *fetcherOptions) {
		o.fallbackPath = strings.TrimSpace(path)
	}
}

// WithMeter injects the OpenTelemetry meter used for fetch metrics.
func WithMeter(m metric.Meter) Option {
	return func(o *fetcherOptions) {
		o.meter = m
	}
}

// WithSecretManagerClient injects a preconfigured Secret Manager client.
func WithSecretManagerClient(client secretManagerClient) Option {
	return func(o *fetcherOptions) {
		o.client = client
	}
}

// WithClientOptions forwards Cloud client options to the Secret Manager client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(o *fetcherOptions) {
		o.clientOpts = append(o.clientOpts, opts...)
	}
}

// WithVersionPins sets version overrides keyed by canonical reference,
// optionally prefixed with "<env>:" to scope a pin to one environment.
func WithVersionPins(pins map[string]string) Option {
	return func(o *fetcherOptions) {
		o.versionPins = cloneMap(pins)
	}
}

// NewFetcher builds a Fetcher. Construction succeeds even when no Secret
// Manager client can be created; the fetcher then serves exclusively from
// the fallback file.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	o := fetcherOptions{
		logger:       zap.NewNop(),
		env:          strings.ToLower(strings.TrimSpace(os.Getenv("API_SECURITY_ENVIRONMENT"))),
		fallbackPath: defaultFallbackPath,
		projectByEnv: map[string]string{},
		versionPins:  map[string]string{},
	}
	if o.env == "" {
		o.env = defaultEnvironment
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	meter := o.meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(meterScope)
	}

	f := &Fetcher{
		logger:         o.logger,
		env:            o.env,
		defaultProject: o.defaultProj,
		projectByEnv:   cloneMap(o.projectByEnv),
		versionPins:    cloneMap(o.versionPins),
		fallback:       &fallbackFile{path: o.fallbackPath},
		metrics:        newFetcherMetrics(meter, o.logger),
		cache:          make(map[string]cachedSecret),
		watchers:       make(map[string][]chan struct{}),
	}

	if o.client != nil {
		f.client = o.client
		return f, nil
	}

	client, err := secretManagerClientFactory(ctx, o.clientOpts...)
	if err != nil {
		o.logger.Warn("secrets: secret manager unavailable, serving from fallback file", zap.Error(err))
		return f, nil
	}
	f.client = client
	f.ownsClient = true
	return f, nil
}

func newFetcherMetrics(meter metric.Meter, logger *zap.Logger) fetcherMetrics {
	var m fetcherMetrics
	var err error

	m.duration, err = meter.Float64Histogram(
		"secrets.fetch.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency in milliseconds for secret fetch attempts"),
	)
	m.hasDuration = err == nil
	if err != nil {
		logger.Warn("secrets: latency metric registration failed", zap.Error(err))
	}

	m.cacheHits, err = meter.Int64Counter(
		"secrets.fetch.cache_hits",
		metric.WithDescription("Count of cache hits when resolving secrets"),
	)
	m.hasHits = err == nil
	if err != nil {
		logger.Warn("secrets: cache hit metric registration failed", zap.Error(err))
	}
	return m
}

// Close releases the underlying client when the fetcher created it and
// closes all subscriber channels.
func (f *Fetcher) Close() error {
	f.mu.Lock()
	for canonical, chans := range f.watchers {
		delete(f.watchers, canonical)
		for _, ch := range chans {
			close(ch)
		}
	}
	f.mu.Unlock()

	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// Resolve returns the value for a secret reference. Remote values are cached
// until invalidated. Access and availability errors from Secret Manager fall
// through to the fallback file; other errors, including NotFound, do not.
func (f *Fetcher) Resolve(ctx context.Context, ref string) (string, error) {
	start := time.Now()
	parsed, err := parseRef(ref)
	if err != nil {
		return "", err
	}

	version := f.pinnedVersion(parsed)
	key := versionedKey(parsed.Canonical, version)

	if value, ok := f.cached(key); ok {
		f.metrics.recordHit(ctx, parsed.Canonical)
		f.metrics.recordDuration(ctx, time.Since(start), "cache", nil)
		return value, nil
	}

	if project := f.resolveProject(parsed); project != "" && f.client != nil {
		value, fetchErr := f.fetchRemote(ctx, project, parsed.Secret, version)
		switch {
		case fetchErr == nil:
			f.store(key, value, parsed.Canonical, version, "remote")
			f.metrics.recordDuration(ctx, time.Since(start), "remote", nil)
			return value, nil
		case !shouldFallBack(fetchErr):
			f.metrics.recordDuration(ctx, time.Since(start), "error", fetchErr)
			return "", fmt.Errorf("secrets: fetch failed for %s: %w", parsed.Canonical, fetchErr)
		}
		f.logger.Debug("secrets: remote fetch failed, trying fallback file",
			zap.String("ref", parsed.Canonical), zap.Error(fetchErr))
	}

	value, ok := f.fallback.lookup(f.logger, parsed.Canonical, version)
	if !ok {
		err := fmt.Errorf("secrets: fallback value not found for %s", parsed.Canonical)
		f.metrics.recordDuration(ctx, time.Since(start), "error", err)
		return "", err
	}
	f.store(key, value, parsed.Canonical, version, "fallback")
	f.metrics.recordDuration(ctx, time.Since(start), "fallback", nil)
	return value, nil
}

// Invalidate drops every cached version of the reference and wakes subscribers.
func (f *Fetcher) Invalidate(ref string) {
	parsed, err := parseRef(ref)
	if err != nil {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for key, entry := range f.cache {
		if entry.canonical == parsed.Canonical {
			delete(f.cache, key)
		}
	}
	// Sends stay under the lock so Close cannot close a channel mid-send.
	// Each channel is buffered and the send never blocks.
	for _, ch := range f.watchers[parsed.Canonical] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribe returns a channel that receives a signal whenever the reference
// is invalidated and a cancel function that unregisters the subscription.
// An unparsable reference yields a closed channel.
func (f *Fetcher) Subscribe(ref string) (<-chan struct{}, func()) {
	parsed, err := parseRef(ref)
	if err != nil {
		ch := make(chan struct{})
		close(ch)
		return ch, func() {}
	}

	ch := make(chan struct{}, 1)
	f.mu.Lock()
	f.watchers[parsed.Canonical] = append(f.watchers[parsed.Canonical], ch)
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		chans := f.watchers[parsed.Canonical]
		for i, c := range chans {
			if c == ch {
				chans = append(chans[:i], chans[i+1:]...)
				break
			}
		}
		if len(chans) == 0 {
			delete(f.watchers, parsed.Canonical)
			return
		}
		f.watchers[parsed.Canonical] = chans
	}
	return ch, cancel
}

// Notify handles an external rotation event for the reference.
func (f *Fetcher) Notify(ref string) {
	f.Invalidate(ref)
}

func (f *Fetcher) cached(key string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	entry, ok := f.cache[key]
	if !ok {
		return "", false
	}
	return entry.value, true
}

func (f *Fetcher) store(key, value, canonical, version, source string) {
	f.mu.Lock()
	f.cache[key] = cachedSecret{
		value:     value,
		canonical: canonical,
		version:   version,
		source:    source,
		fetchedAt: time.Now(),
	}
	f.mu.Unlock()
}

func (f *Fetcher) fetchRemote(ctx context.Context, projectID, secretName, version string) (string, error) {
	name := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", projectID, secretName, version)
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return "", err
	}
	if resp.GetPayload() == nil {
		return "", fmt.Errorf("secret manager returned empty payload for %s", name)
	}
	return string(resp.GetPayload().GetData()), nil
}

func (f *Fetcher) resolveProject(ref secretRef) string {
	if ref.Project != "" {
		return ref.Project
	}
	if id := strings.TrimSpace(f.projectByEnv[f.env]); id != "" {
		return id
	}
	return strings.TrimSpace(f.defaultProject)
}

// pinnedVersion picks the version in precedence order: explicit on the
// reference, env-scoped pin, global pin, then latest.
func (f *Fetcher) pinnedVersion(ref secretRef) string {
	if ref.Version != "" {
		return ref.Version
	}
	for _, key := range []string{f.env + ":" + ref.Canonical, ref.Canonical} {
		if pin := strings.TrimSpace(f.versionPins[key]); pin != "" {
			return pin
		}
	}
	return defaultVersion
}

func (ff *fallbackFile) lookup(logger *zap.Logger, canonical, version string) (string, bool) {
	ff.load()
	if ff.err != nil {
		logger.Debug("secrets: fallback file unreadable", zap.Error(ff.err))
		return "", false
	}
	if val, ok := ff.values[versionedKey(canonical, version)]; ok {
		return val, true
	}
	val, ok := ff.values[canonical]
	return val, ok
}

func (ff *fallbackFile) load() {
	ff.once.Do(func() {
		ff.values = map[string]string{}

		path := strings.TrimSpace(ff.path)
		if path == "" {
			return
		}
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}

		file, err := os.Open(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				ff.err = fmt.Errorf("secrets: unable to open fallback file %s: %w", path, err)
			}
			return
		}
		defer file.Close()

		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			key, value, found := strings.Cut(line, "=")
			key = strings.TrimSpace(key)
			if !found || key == "" {
				continue
			}
			ff.add(normalizeFallbackKey(key), strings.TrimSpace(value))
		}
		if err := scanner.Err(); err != nil {
			ff.err = fmt.Errorf("secrets: failed reading %s: %w", path, err)
		}
	})
}

func (ff *fallbackFile) add(key, value string) {
	parsed, err := parseRef(key)
	if err != nil {
		ff.values[key] = value
		return
	}
	version := parsed.Version
	if version == "" {
		version = defaultVersion
	}
	ff.values[parsed.Canonical] = value
	ff.values[versionedKey(parsed.Canonical, version)] = value
}

func (m fetcherMetrics) recordDuration(ctx context.Context, d time.Duration, source string, err error) {
	if !m.hasDuration {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("source", source)}
	if err != nil {
		attrs = append(attrs, attribute.String("error", err.Error()))
	}
	m.duration.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributes(attrs...))
}

func (m fetcherMetrics) recordHit(ctx context.Context, canonical string) {
	if !m.hasHits {
		return
	}
	m.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("secret", maskRef(canonical))))
}

type secretRef struct {
	Canonical string
	Secret    string
	Version   string
	Project   string
}

// parseRef accepts secret://<name> and sm://<name> references with optional
// version and project query parameters. The canonical form always uses the
// secret scheme with query and fragment stripped.
func parseRef(ref string) (secretRef, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return secretRef{}, errors.New("secrets: empty reference")
	}
	if rest, ok := strings.CutPrefix(ref, "sm://"); ok {
		ref = "secret://" + rest
	}

	u, err := url.Parse(ref)
	if err != nil {
		return secretRef{}, fmt.Errorf("secrets: invalid reference %q: %w", ref, err)
	}
	if u.Scheme != "secret" {
		return secretRef{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return secretRef{}, fmt.Errorf("secrets: missing secret name in %q", ref)
	}

	canonical := *u
	canonical.RawQuery = ""
	canonical.Fragment = ""

	query := u.Query()
	return secretRef{
		Canonical: canonical.String(),
		Secret:    name,
		Version:   strings.TrimSpace(query.Get("version")),
		Project:   strings.TrimSpace(query.Get("project")),
	}, nil
}

func versionedKey(canonical, version string) string {
	return canonical + "#" + version
}

func normalizeFallbackKey(key string) string {
	if rest, ok := strings.CutPrefix(key, "sm://"); ok {
		return "secret://" + rest
	}
	return key
}

func cloneMap(src map[string]string) map[string]string {
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// maskRef keeps raw secret names out of metric labels.
func maskRef(ref string) string {
	sum := sha256.Sum256([]byte(ref))
	return hex.EncodeToString(sum[:8])
}

func shouldFallBack(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}
