package auth

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tenantcore/tenantd/internal/tenanterrors"
)

func writeList(t *testing.T, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0600); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func defaultSCRAM(Transport) Method { return MethodSCRAM }

func loadedAuthState(t *testing.T) *AuthState {
	t.Helper()
	allowlist := writeList(t, "allowlist", "alice")
	revocation := writeList(t, "revocation", "jti-5")
	a := New(allowlist, revocation, defaultSCRAM)
	if err := a.LoadJWCrypto(); err != nil {
		t.Fatalf("LoadJWCrypto: %v", err)
	}
	return a
}

func TestCheckJWT(t *testing.T) {
	a := loadedAuthState(t)

	tests := []struct {
		name    string
		claims  jwt.MapClaims
		wantErr string
	}{
		{
			name:   "allowed subject, fresh key",
			claims: jwt.MapClaims{"sub": "alice", "jti": "jti-1"},
		},
		{
			name:    "unknown subject",
			claims:  jwt.MapClaims{"sub": "bob", "jti": "jti-1"},
			wantErr: "unauthorized subject",
		},
		{
			name:    "revoked key",
			claims:  jwt.MapClaims{"sub": "alice", "jti": "jti-5"},
			wantErr: "revoked key",
		},
		{
			name:    "missing key id",
			claims:  jwt.MapClaims{"sub": "alice"},
			wantErr: "valid key id",
		},
		{
			name:    "missing subject",
			claims:  jwt.MapClaims{"jti": "jti-1"},
			wantErr: "valid subject claim",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := a.CheckJWT(tt.claims)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("CheckJWT: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			var authErr *tenanterrors.AuthenticationError
			if !errors.As(err, &authErr) {
				t.Fatalf("expected AuthenticationError, got %T", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestCheckJWTWithoutListsIsPermissive(t *testing.T) {
	a := New("", "", defaultSCRAM)
	if err := a.LoadJWCrypto(); err != nil {
		t.Fatalf("LoadJWCrypto: %v", err)
	}
	if err := a.CheckJWT(jwt.MapClaims{}); err != nil {
		t.Errorf("no lists configured: CheckJWT must pass, got %v", err)
	}
}

func TestLoadJWCryptoMissingFileIsFatal(t *testing.T) {
	a := New(filepath.Join(t.TempDir(), "nope"), "", defaultSCRAM)
	err := a.LoadJWCrypto()
	var startupErr *tenanterrors.StartupError
	if !errors.As(err, &startupErr) {
		t.Fatalf("expected StartupError, got %v", err)
	}
}

func TestLoadJWCryptoSkipsBlankLines(t *testing.T) {
	allowlist := writeList(t, "allowlist", "alice", "", "  ", "bob")
	a := New(allowlist, "", defaultSCRAM)
	if err := a.LoadJWCrypto(); err != nil {
		t.Fatalf("LoadJWCrypto: %v", err)
	}
	if err := a.CheckJWT(jwt.MapClaims{"sub": "bob"}); err != nil {
		t.Errorf("bob must be allowed: %v", err)
	}
	if err := a.CheckJWT(jwt.MapClaims{"sub": "  "}); err == nil {
		t.Error("blank subject lines must not become allowlist entries")
	}
}

func TestGetAuthMethod(t *testing.T) {
	a := New("", "", func(transport Transport) Method {
		if transport == TransportHTTP {
			return MethodJWT
		}
		return MethodSCRAM
	})

	a.SetSysAuth([]Rule{
		{
			Priority: 20,
			Wildcard: true,
			Method:   MethodPassword,
		},
		{
			Priority:   10,
			Users:      map[string]struct{}{"admin": {}},
			Transports: map[Transport]struct{}{TransportTCP: {}},
			Method:     MethodTrust,
		},
	})

	// Lower priority wins for a matching user+transport.
	if got := a.GetAuthMethod("admin", TransportTCP); got != MethodTrust {
		t.Errorf("admin/tcp = %q, want trust", got)
	}
	// Transport restriction keeps the admin rule from matching; the
	// wildcard rule applies.
	if got := a.GetAuthMethod("admin", TransportHTTP); got != MethodPassword {
		t.Errorf("admin/http = %q, want password", got)
	}
	if got := a.GetAuthMethod("random", TransportTCP); got != MethodPassword {
		t.Errorf("random/tcp = %q, want password", got)
	}

	// No rules at all: the per-transport server default applies.
	a.SetSysAuth(nil)
	if got := a.GetAuthMethod("any", TransportHTTP); got != MethodJWT {
		t.Errorf("default for http = %q, want jwt", got)
	}
	if got := a.GetAuthMethod("any", TransportTCP); got != MethodSCRAM {
		t.Errorf("default for tcp = %q, want scram", got)
	}
}
