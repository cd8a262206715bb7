package auth

import (
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var ErrUnauthorized = errors.New("unauthorized")

type Config struct {
	// PublicKeysFile is a PEM file of PKIX public keys or certificates.
	PublicKeysFile string
	// Issuer, when set, must match the token's iss claim.
	Issuer string
	// Scope must appear in the space-separated scope claim or the roles array.
	Scope string
}

// Verifier checks bearer tokens on admin requests.
type Verifier struct {
	cfg  Config
	keys []interface{}
}

func NewVerifier(cfg Config) (*Verifier, error) {
	v := &Verifier{cfg: cfg}
	if cfg.PublicKeysFile == "" {
		return nil, fmt.Errorf("public keys file required")
	}
	data, err := os.ReadFile(cfg.PublicKeysFile)
	if err != nil {
		return nil, fmt.Errorf("read keys: %w", err)
	}
	keys, err := ParsePublicKeys(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load admin keys: %w", err)
	}
	v.keys = keys
	return v, nil
}

// NewVerifierWithKeys is used when keys are already loaded.
func NewVerifierWithKeys(cfg Config, keys ...interface{}) *Verifier {
	return &Verifier{cfg: cfg, keys: keys}
}

func ParsePublicKeys(data []byte) ([]interface{}, error) {
	var keys []interface{}
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			cert, certErr := x509.ParseCertificate(block.Bytes)
			if certErr != nil {
				continue
			}
			key = cert.PublicKey
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil, errors.New("no valid keys found")
	}
	return keys, nil
}

// VerifyRequest validates the Authorization bearer token and returns its subject.
func (v *Verifier) VerifyRequest(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", fmt.Errorf("%w: bearer token required", ErrUnauthorized)
	}
	return v.VerifyToken(strings.TrimPrefix(header, "Bearer "))
}

func (v *Verifier) VerifyToken(tokenStr string) (string, error) {
	if len(v.keys) == 0 {
		return "", fmt.Errorf("%w: no keys configured", ErrUnauthorized)
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "EdDSA"})}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}

	var (
		token *jwt.Token
		err   error
	)
	// PEM files carry no kid, so every key is tried.
	for _, key := range v.keys {
		token, err = jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
			return key, nil
		}, opts...)
		if err == nil && token.Valid {
			break
		}
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !token.Valid {
		return "", fmt.Errorf("%w: invalid token", ErrUnauthorized)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("%w: invalid claims", ErrUnauthorized)
	}
	if v.cfg.Scope != "" && !hasScope(claims, v.cfg.Scope) {
		return "", fmt.Errorf("%w: missing required scope", ErrUnauthorized)
	}
	sub, _ := claims.GetSubject()
	return sub, nil
}

func hasScope(claims jwt.MapClaims, want string) bool {
	if scope, ok := claims["scope"].(string); ok {
		for _, s := range strings.Fields(scope) {
			if s == want {
				return true
			}
		}
	}
	if roles, ok := claims["roles"].([]interface{}); ok {
		for _, r := range roles {
			if s, ok := r.(string); ok && s == want {
				return true
			}
		}
	}
	return false
}

// Middleware rejects requests without a valid admin token.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := v.VerifyRequest(r); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		next.ServeHTTP(w, r)
	})
}
