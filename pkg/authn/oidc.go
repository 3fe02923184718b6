package authn

import (
	"context"
	"crypto/rsa"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sremani/artifortress/internal/apierr"
)

// ClaimRoleMapping is one `claim|value|repo_key|role` rule of §4.A: when
// the verified token's claim equals value (or value is "*" and the claim
// is non-empty), the principal gains repo_key:role as a scope.
type ClaimRoleMapping struct {
	Claim   string
	Value   string
	RepoKey string
	Role    string
}

// OIDCConfig configures compact-JWT verification.
type OIDCConfig struct {
	Issuer   string
	Audience string

	// HS256Secret, if set, enables the shared-secret algorithm.
	HS256Secret []byte
	// RSAKeys maps JWKS `kid` to a public key; a single entry is used when
	// the token carries no `kid`.
	RSAKeys map[string]*rsa.PublicKey

	ClaimRoleMappings []ClaimRoleMapping
}

// OIDCVerifier verifies compact JWTs per §4.A.
type OIDCVerifier struct {
	cfg OIDCConfig
}

// NewOIDCVerifier constructs a verifier from cfg.
func NewOIDCVerifier(cfg OIDCConfig) *OIDCVerifier {
	return &OIDCVerifier{cfg: cfg}
}

func (v *OIDCVerifier) keyFunc(token *jwt.Token) (interface{}, error) {
	switch token.Method.(type) {
	case *jwt.SigningMethodHMAC:
		if v.cfg.HS256Secret == nil {
			return nil, Error.New("HS256 not configured")
		}
		return v.cfg.HS256Secret, nil
	case *jwt.SigningMethodRSA:
		if kid, ok := token.Header["kid"].(string); ok && kid != "" {
			if key, ok := v.cfg.RSAKeys[kid]; ok {
				return key, nil
			}
			return nil, Error.New("unknown kid %q", kid)
		}
		if len(v.cfg.RSAKeys) == 1 {
			for _, key := range v.cfg.RSAKeys {
				return key, nil
			}
		}
		return nil, Error.New("no key for RS256 token without kid")
	default:
		return nil, Error.New("unsupported signing method %v", token.Header["alg"])
	}
}

// Verify parses and validates tokenString, returning the resolved
// Principal. asOf lets callers (and tests) pin "now" independent of the
// system clock.
func (v *OIDCVerifier) Verify(ctx context.Context, tokenString string, asOf time.Time) (*Principal, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithTimeFunc(func() time.Time { return asOf }))
	token, err := parser.ParseWithClaims(tokenString, claims, v.keyFunc)
	if err != nil || !token.Valid {
		return nil, apierr.Unauthenticated("invalid token")
	}

	if v.cfg.Issuer != "" {
		iss, _ := claims.GetIssuer()
		if iss != v.cfg.Issuer {
			return nil, apierr.Unauthenticated("unexpected issuer")
		}
	}
	if v.cfg.Audience != "" {
		aud, _ := claims.GetAudience()
		if !containsString(aud, v.cfg.Audience) {
			return nil, apierr.Unauthenticated("unexpected audience")
		}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil || !exp.Time.After(asOf) {
		return nil, apierr.Unauthenticated("token expired or missing exp")
	}
	if nbf, err := claims.GetNotBefore(); err == nil && nbf != nil && nbf.Time.After(asOf) {
		return nil, apierr.Unauthenticated("token not yet valid")
	}

	subject, _ := claims.GetSubject()
	if subject == "" {
		return nil, apierr.Unauthenticated("token missing subject")
	}

	scopes := extractScopes(claims)
	scopes = append(scopes, applyClaimRoleMappings(claims, v.cfg.ClaimRoleMappings)...)

	return &Principal{Subject: subject, Scopes: dedupe(scopes), Source: SourceOIDC}, nil
}

func extractScopes(claims jwt.MapClaims) []string {
	for _, key := range []string{"scope", "scp", "artifortress_scopes"} {
		raw, ok := claims[key]
		if !ok {
			continue
		}
		switch v := raw.(type) {
		case string:
			return strings.Fields(v)
		case []interface{}:
			var out []string
			for _, item := range v {
				if s, ok := item.(string); ok {
					out = append(out, s)
				}
			}
			return out
		}
	}
	return nil
}

func applyClaimRoleMappings(claims jwt.MapClaims, mappings []ClaimRoleMapping) []string {
	var out []string
	for _, m := range mappings {
		raw, ok := claims[m.Claim]
		if !ok {
			continue
		}
		val, ok := raw.(string)
		if !ok || val == "" {
			continue
		}
		if m.Value == "*" || m.Value == val {
			out = append(out, m.RepoKey+":"+m.Role)
		}
	}
	return out
}

func containsString(items []string, want string) bool {
	for _, i := range items {
		if i == want {
			return true
		}
	}
	return false
}

func dedupe(items []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, i := range items {
		if !seen[i] {
			seen[i] = true
			out = append(out, i)
		}
	}
	return out
}
