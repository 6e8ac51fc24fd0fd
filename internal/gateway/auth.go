package gateway

import (
	"crypto/sha256"
	"crypto/subtle"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/reclaw/reclaw-core/internal/config"
)

// credentialQueryKeys are query parameters that would smuggle a secret into
// request logs and proxies. Any ingress request carrying one is rejected
// before routing, including the WS upgrade.
var credentialQueryKeys = []string{
	"token", "auth", "password", "access_token", "api_key", "apikey", "bearer",
}

// Credentials are the secrets a client presented, from connect params or
// the Authorization header. Empty fields were simply not presented.
type Credentials struct {
	Token    string
	Password string
	Bearer   string
}

// Authenticator validates gateway credentials for one of the three auth
// modes (none, token, password). Secrets are held and compared as SHA-256
// digests so the comparison cost does not depend on candidate length.
type Authenticator struct {
	mode           string
	tokenDigest    [sha256.Size]byte
	passwordDigest [sha256.Size]byte
}

func NewAuthenticator(cfg *config.Config) *Authenticator {
	a := &Authenticator{mode: cfg.AuthMode}
	if cfg.GatewayToken != "" {
		a.tokenDigest = sha256.Sum256([]byte(cfg.GatewayToken))
	}
	if cfg.GatewayPassword != "" {
		a.passwordDigest = sha256.Sum256([]byte(cfg.GatewayPassword))
	}
	return a
}

func (a *Authenticator) Mode() string { return a.mode }

// Check reports whether the presented credentials satisfy the configured
// mode. Mode none accepts everything; config validation restricts it to
// loopback binds.
func (a *Authenticator) Check(cred Credentials) bool {
	switch a.mode {
	case config.AuthModeNone:
		return true
	case config.AuthModeToken:
		return digestMatch(a.tokenDigest, cred.Token) || digestMatch(a.tokenDigest, cred.Bearer)
	case config.AuthModePassword:
		return digestMatch(a.passwordDigest, cred.Password) || digestMatch(a.passwordDigest, cred.Bearer)
	default:
		return false
	}
}

func digestMatch(want [sha256.Size]byte, candidate string) bool {
	if candidate == "" {
		return false
	}
	got := sha256.Sum256([]byte(candidate))
	return subtle.ConstantTimeCompare(want[:], got[:]) == 1
}

// bearerToken extracts an Authorization: Bearer credential, or "".
func bearerToken(r *http.Request) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authz, prefix))
}

// queryHoldsCredentials reports whether any reserved credential key is
// present in the query string, regardless of value.
func queryHoldsCredentials(q url.Values) bool {
	for _, key := range credentialQueryKeys {
		if _, ok := q[key]; ok {
			return true
		}
	}
	return false
}

// remoteIP strips the port from RemoteAddr so limiter keys survive
// reconnects from ephemeral ports.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
