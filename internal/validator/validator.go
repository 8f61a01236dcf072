// Package validator rejects repository URLs that are malformed, point at
// private or metadata endpoints, carry injection markers, or fall outside the
// trusted-domain allowlist. Validation has no side effects beyond an optional
// DNS lookup.
package validator

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/net/publicsuffix"

	"github.com/JakeFAU/repo-scanner/internal/scan"
)

const defaultMaxLength = 2048

// Resolver looks up host addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Config controls what the Validator accepts.
type Config struct {
	TrustedDomains []string
	AllowedSchemes []string
	// AllowedPorts lists explicit ports that may appear in a URL. A URL without a port is always allowed.
	AllowedPorts []string
	// ResolveHosts enables the DNS check against private addresses.
	ResolveHosts bool
	Resolver     Resolver
	MaxLength    int
}

// Validator implements scan.URLValidator.
type Validator struct {
	trusted   []string
	schemes   map[string]struct{}
	ports     map[string]struct{}
	resolve   bool
	resolver  Resolver
	maxLength int
}

var (
	injectionChars = ";|&$`<>(){}'\"\\^!*"
	injectionSeqs  = []string{"..", "%2e", "%2f", "%5c", "%00", "%0a", "%0d", "%09", "%20", "%25"}

	segmentPattern   = `[A-Za-z0-9_][A-Za-z0-9_.\-]*`
	directPattern    = regexp.MustCompile(`^/` + segmentPattern + `(/` + segmentPattern + `)+\.git$`)
	gitlabGroupPath  = regexp.MustCompile(`^/groups/(` + segmentPattern + `(?:/` + segmentPattern + `)*)$`)
	githubOrgPath    = regexp.MustCompile(`^/orgs/([A-Za-z0-9][A-Za-z0-9\-]*)$`)
	metadataHosts    = map[string]struct{}{"metadata.google.internal": {}, "metadata": {}, "instance-data": {}, "metadata.azure.com": {}}
	metadataAddrs    = []netip.Addr{netip.MustParseAddr("169.254.169.254"), netip.MustParseAddr("fd00:ec2::254"), netip.MustParseAddr("100.100.100.200"), netip.MustParseAddr("169.254.170.2")}
	sharedAddrPrefix = netip.MustParsePrefix("100.64.0.0/10")
	thisNetPrefix    = netip.MustParsePrefix("0.0.0.0/8")
	numericHost      = regexp.MustCompile(`^(0x[0-9a-f]+|[0-9.]+)$`)
)

// New builds a Validator, applying defaults for empty settings.
func New(cfg Config) *Validator {
	trusted := make([]string, 0, len(cfg.TrustedDomains))
	for _, d := range cfg.TrustedDomains {
		d = strings.Trim(strings.ToLower(strings.TrimSpace(d)), ".")
		if d != "" {
			trusted = append(trusted, d)
		}
	}
	if len(trusted) == 0 {
		trusted = []string{"github.com", "gitlab.com", "bitbucket.org"}
	}
	schemes := toSet(cfg.AllowedSchemes, "https")
	ports := toSet(cfg.AllowedPorts, "443")
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	maxLength := cfg.MaxLength
	if maxLength <= 0 {
		maxLength = defaultMaxLength
	}
	return &Validator{
		trusted:   trusted,
		schemes:   schemes,
		ports:     ports,
		resolve:   cfg.ResolveHosts,
		resolver:  resolver,
		maxLength: maxLength,
	}
}

func toSet(values []string, def string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			set[v] = struct{}{}
		}
	}
	if len(set) == 0 {
		set[def] = struct{}{}
	}
	return set
}

func reject(reason scan.Reason, format string, args ...any) error {
	return &scan.ValidationError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Validate returns the canonical target or a *scan.ValidationError.
func (v *Validator) Validate(ctx context.Context, raw string) (scan.Target, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return scan.Target{}, reject(scan.ReasonEmpty, "url is required")
	}
	if len(raw) > v.maxLength {
		return scan.Target{}, reject(scan.ReasonTooLong, "url exceeds %d characters", v.maxLength)
	}
	if err := checkInjection(raw); err != nil {
		return scan.Target{}, err
	}
	u, err := url.Parse(raw)
	if err != nil {
		return scan.Target{}, reject(scan.ReasonMalformed, "parse url: %v", err)
	}
	if u.Scheme == "" || u.Host == "" || u.Opaque != "" {
		return scan.Target{}, reject(scan.ReasonMalformed, "url must be absolute with a host")
	}
	if u.User != nil {
		return scan.Target{}, reject(scan.ReasonCredentials, "credentials are not allowed in the url")
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return scan.Target{}, reject(scan.ReasonMalformed, "missing host")
	}
	if err := checkHost(host); err != nil {
		return scan.Target{}, err
	}
	scheme := strings.ToLower(u.Scheme)
	if _, ok := v.schemes[scheme]; !ok {
		return scan.Target{}, reject(scan.ReasonScheme, "scheme %q is not allowed", scheme)
	}
	port := u.Port()
	if port != "" {
		if _, ok := v.ports[port]; !ok {
			return scan.Target{}, reject(scan.ReasonPort, "port %s is not allowed", port)
		}
	}
	if err := v.checkTrusted(host); err != nil {
		return scan.Target{}, err
	}
	if u.RawQuery != "" || u.Fragment != "" || u.ForceQuery {
		return scan.Target{}, reject(scan.ReasonShape, "query strings and fragments are not allowed")
	}

	provider := providerFor(host)
	target, err := shape(provider, strings.TrimSuffix(u.EscapedPath(), "/"))
	if err != nil {
		return scan.Target{}, err
	}
	if v.resolve {
		if err := v.checkResolution(ctx, host); err != nil {
			return scan.Target{}, err
		}
	}

	canonicalHost := host
	if port != "" && !(scheme == "https" && port == "443") && !(scheme == "http" && port == "80") {
		canonicalHost = net.JoinHostPort(host, port)
	}
	target.Host = host
	target.Provider = provider
	target.URL = scheme + "://" + canonicalHost + target.URL
	return target, nil
}

func checkInjection(raw string) error {
	for _, r := range raw {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return reject(scan.ReasonInjection, "whitespace or control characters are not allowed")
		}
		if r > unicode.MaxASCII {
			return reject(scan.ReasonInjection, "non-ascii characters are not allowed")
		}
		if strings.ContainsRune(injectionChars, r) {
			return reject(scan.ReasonInjection, "character %q is not allowed", r)
		}
	}
	lower := strings.ToLower(raw)
	for _, seq := range injectionSeqs {
		if strings.Contains(lower, seq) {
			return reject(scan.ReasonInjection, "sequence %q is not allowed", seq)
		}
	}
	return nil
}

func checkHost(host string) error {
	if _, ok := metadataHosts[host]; ok {
		return reject(scan.ReasonMetadataHost, "host %s is a metadata endpoint", host)
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") ||
		host == "localhost.localdomain" || strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
		return reject(scan.ReasonPrivateHost, "host %s is local", host)
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(addr)
	}
	if numericHost.MatchString(host) {
		return reject(scan.ReasonPrivateHost, "numeric host %s is ambiguous", host)
	}
	return nil
}

// CheckAddr rejects metadata and non-publicly-routable addresses. Dialers use
// it to refuse connections that DNS rebinding would otherwise allow.
func CheckAddr(addr netip.Addr) error {
	return checkAddr(addr)
}

func checkAddr(addr netip.Addr) error {
	addr = addr.Unmap()
	for _, meta := range metadataAddrs {
		if addr == meta {
			return reject(scan.ReasonMetadataHost, "address %s is a metadata endpoint", addr)
		}
	}
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() ||
		addr.IsInterfaceLocalMulticast() || addr.IsMulticast() || addr.IsUnspecified() ||
		sharedAddrPrefix.Contains(addr) || thisNetPrefix.Contains(addr) {
		return reject(scan.ReasonPrivateHost, "address %s is not publicly routable", addr)
	}
	return nil
}

func (v *Validator) checkTrusted(host string) error {
	if suffix, _ := publicsuffix.PublicSuffix(host); suffix == host {
		return reject(scan.ReasonUntrustedHost, "host %s is a public suffix", host)
	}
	for _, domain := range v.trusted {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return nil
		}
	}
	return reject(scan.ReasonUntrustedHost, "host %s is not in the trusted domain list", host)
}

func (v *Validator) checkResolution(ctx context.Context, host string) error {
	addrs, err := v.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return reject(scan.ReasonResolution, "resolve %s: %v", host, err)
	}
	if len(addrs) == 0 {
		return reject(scan.ReasonResolution, "host %s has no addresses", host)
	}
	for _, a := range addrs {
		addr, ok := netip.AddrFromSlice(a.IP)
		if !ok {
			return reject(scan.ReasonResolution, "host %s resolved to an invalid address", host)
		}
		if err := checkAddr(addr); err != nil {
			return err
		}
	}
	return nil
}

func providerFor(host string) scan.Provider {
	registered, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		registered = host
	}
	switch {
	case registered == "github.com":
		return scan.ProviderGitHub
	case registered == "gitlab.com" || strings.HasPrefix(host, "gitlab."):
		return scan.ProviderGitLab
	case registered == "bitbucket.org":
		return scan.ProviderBitbucket
	default:
		return scan.ProviderGeneric
	}
}

// shape classifies the path. Group URLs match a narrow per-provider pattern
// and are exempt from the .git suffix rule.
func shape(provider scan.Provider, path string) (scan.Target, error) {
	for _, segment := range strings.Split(strings.TrimPrefix(path, "/"), "/") {
		if segment == "." || segment == "" {
			return scan.Target{}, reject(scan.ReasonShape, "empty or relative path segment")
		}
	}
	switch provider {
	case scan.ProviderGitLab:
		if strings.HasPrefix(path, "/groups/") {
			if m := gitlabGroupPath.FindStringSubmatch(path); m != nil && !strings.HasSuffix(path, ".git") {
				return scan.Target{Kind: scan.TargetGroup, Path: m[1], URL: path}, nil
			}
			return scan.Target{}, reject(scan.ReasonShape, "malformed group url")
		}
	case scan.ProviderGitHub:
		if strings.HasPrefix(path, "/orgs/") {
			if m := githubOrgPath.FindStringSubmatch(path); m != nil {
				return scan.Target{Kind: scan.TargetGroup, Path: m[1], URL: path}, nil
			}
			return scan.Target{}, reject(scan.ReasonShape, "malformed organization url")
		}
	}
	if !directPattern.MatchString(path) {
		return scan.Target{}, reject(scan.ReasonShape, "repository urls must look like /<owner>/<repo>.git")
	}
	return scan.Target{
		Kind: scan.TargetSingle,
		Path: strings.TrimSuffix(strings.TrimPrefix(path, "/"), ".git"),
		URL:  path,
	}, nil
}
