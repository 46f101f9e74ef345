// Package auth implements AuthState: the per-subject JWT allow and
// revocation lists a tenant loads from disk, and the sys_auth rule table
// that resolves which authentication method applies to a given user on a
// given client transport.
package auth

import (
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tenantcore/tenantd/internal/tenanterrors"
)

// Transport identifies the client-facing transport an auth rule can
// restrict itself to.
type Transport string

const (
	TransportTCP        Transport = "tcp"
	TransportTCPPG      Transport = "tcp_pg"
	TransportHTTP       Transport = "http"
	TransportSimpleHTTP Transport = "simple_http"
)

// Method identifies how a matched connection should authenticate.
type Method string

const (
	MethodTrust    Method = "trust"
	MethodSCRAM    Method = "scram"
	MethodPassword Method = "password"
	MethodJWT      Method = "jwt"
	MethodMTLS     Method = "mtls"
)

// Rule is one entry of the sys_auth table: it matches a set of users (or
// "*" for any user) restricted to a set of transports, and names the
// method to use. An empty transport set means any transport.
type Rule struct {
	Priority   int
	Users      map[string]struct{}
	Wildcard   bool
	Transports map[Transport]struct{}
	Method     Method
}

// Matches reports whether this rule applies to user over transport.
func (r Rule) Matches(user string, transport Transport) bool {
	if !r.Wildcard {
		if _, ok := r.Users[user]; !ok {
			return false
		}
	}
	if len(r.Transports) == 0 {
		return true
	}
	_, ok := r.Transports[transport]
	return ok
}

// DefaultMethodFunc resolves the server-wide default auth method for a
// transport, used when no sys_auth rule matches.
type DefaultMethodFunc func(Transport) Method

// AuthState holds one tenant's authentication helper state: the optional
// JWT subject allowlist and revocation list (each re-loadable from a file
// path), plus the sys_auth rule table.
type AuthState struct {
	subAllowlistPath   string
	revocationListPath string
	defaultMethod      DefaultMethodFunc

	// Each holds a *map[string]struct{}; a nil inner map means the
	// corresponding list is not configured and the check is skipped.
	subAllowlist   atomic.Value
	revocationList atomic.Value

	mu    sync.RWMutex
	rules []Rule // sorted by ascending Priority
}

// New creates an AuthState reading its lists from the given paths; either
// path may be empty, disabling the corresponding check. defaultMethod
// resolves the fallback method per transport.
func New(subAllowlistPath, revocationListPath string, defaultMethod DefaultMethodFunc) *AuthState {
	a := &AuthState{
		subAllowlistPath:   subAllowlistPath,
		revocationListPath: revocationListPath,
		defaultMethod:      defaultMethod,
	}
	var unset map[string]struct{}
	a.subAllowlist.Store(&unset)
	a.revocationList.Store(&unset)
	return a
}

// LoadJWCrypto (re-)loads the JWT subject allowlist and revocation list
// from their configured paths. Unlike the readiness file, these are part
// of the tenant's security posture: a failed read is fatal, not a
// fall-back to permissive defaults.
func (a *AuthState) LoadJWCrypto() error {
	if a.subAllowlistPath != "" {
		slog.Info("(re-)loading JWT subject allowlist", "path", a.subAllowlistPath)
		set, err := readLineSet(a.subAllowlistPath)
		if err != nil {
			return tenanterrors.NewStartupError("cannot load JWT sub allowlist", err)
		}
		a.subAllowlist.Store(&set)
	}

	if a.revocationListPath != "" {
		slog.Info("(re-)loading JWT revocation list", "path", a.revocationListPath)
		set, err := readLineSet(a.revocationListPath)
		if err != nil {
			return tenanterrors.NewStartupError("cannot load JWT revocation list", err)
		}
		a.revocationList.Store(&set)
	}
	return nil
}

// readLineSet reads path into a set of its non-blank lines.
func readLineSet(path string) (map[string]struct{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{})
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) != "" {
			set[line] = struct{}{}
		}
	}
	return set, nil
}

// CheckJWT validates the claims of an already-verified token against the
// subject allowlist and the revocation list. Signature verification and
// token issuance belong to the HTTP auth layer; this check only enforces
// the tenant's subject and key-id policy.
func (a *AuthState) CheckJWT(claims jwt.MapClaims) error {
	if allowed := *a.subAllowlist.Load().(*map[string]struct{}); allowed != nil {
		subject, _ := claims["sub"].(string)
		if subject == "" {
			return tenanterrors.NewAuthenticationError(
				"JWT does not contain a valid subject claim")
		}
		if _, ok := allowed[subject]; !ok {
			return tenanterrors.NewAuthenticationError("unauthorized subject")
		}
	}

	if revoked := *a.revocationList.Load().(*map[string]struct{}); revoked != nil {
		keyID, _ := claims["jti"].(string)
		if keyID == "" {
			return tenanterrors.NewAuthenticationError(
				"JWT does not contain a valid key id")
		}
		if _, isRevoked := revoked[keyID]; isRevoked {
			return tenanterrors.NewAuthenticationError("revoked key")
		}
	}

	return nil
}

// SetSysAuth replaces the sys_auth rule table, sorted by ascending
// priority.
func (a *AuthState) SetSysAuth(rules []Rule) {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	a.mu.Lock()
	a.rules = sorted
	a.mu.Unlock()
}

// GetAuthMethod resolves the method for user over transport, walking
// sys_auth in priority order and falling back to the server default
// method for the transport if nothing matches.
func (a *AuthState) GetAuthMethod(user string, transport Transport) Method {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, r := range a.rules {
		if r.Matches(user, transport) {
			return r.Method
		}
	}
	return a.defaultMethod(transport)
}
