package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"
)

// InvestorAuthConfig configures HS256 verification of investor tokens. The
// token subject must be the investor's hex address.
type InvestorAuthConfig struct {
	Secret    string
	Issuer    string
	Audience  string
	ClockSkew time.Duration
}

// InvestorAuthenticator resolves the calling investor from a bearer JWT.
type InvestorAuthenticator struct {
	secret []byte
	parser *jwt.Parser
	logger *slog.Logger
}

type investorContextKey struct{}

// InvestorFromContext returns the authenticated investor address.
func InvestorFromContext(ctx context.Context) (common.Address, bool) {
	if ctx == nil {
		return common.Address{}, false
	}
	addr, ok := ctx.Value(investorContextKey{}).(common.Address)
	return addr, ok
}

// NewInvestorAuthenticator validates cfg and builds the token parser.
func NewInvestorAuthenticator(cfg InvestorAuthConfig, logger *slog.Logger) (*InvestorAuthenticator, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, errors.New("investor jwt secret not configured")
	}
	if logger == nil {
		logger = slog.Default()
	}
	skew := cfg.ClockSkew
	if skew <= 0 {
		skew = 2 * time.Minute
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(skew),
		jwt.WithExpirationRequired(),
	}
	if issuer := strings.TrimSpace(cfg.Issuer); issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience := strings.TrimSpace(cfg.Audience); audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return &InvestorAuthenticator{
		secret: []byte(secret),
		parser: jwt.NewParser(opts...),
		logger: logger,
	}, nil
}

// Middleware rejects requests without a valid investor token.
func (a *InvestorAuthenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a == nil {
			writeError(w, http.StatusInternalServerError, "authentication unavailable", "")
			return
		}
		raw := parseBearerToken(r.Header.Get("Authorization"))
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token", "")
			return
		}
		investor, err := a.Verify(raw)
		if err != nil {
			a.logger.Warn("pegd: investor token rejected", "error", err)
			writeError(w, http.StatusUnauthorized, "invalid token", "")
			return
		}
		ctx := context.WithValue(r.Context(), investorContextKey{}, investor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Verify parses raw and returns the investor address named by its subject.
func (a *InvestorAuthenticator) Verify(raw string) (common.Address, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := a.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		return common.Address{}, err
	}
	if !token.Valid {
		return common.Address{}, errors.New("token invalid")
	}
	subject := strings.TrimSpace(claims.Subject)
	if !common.IsHexAddress(subject) {
		return common.Address{}, fmt.Errorf("subject %q is not an address", subject)
	}
	investor := common.HexToAddress(subject)
	if investor == (common.Address{}) {
		return common.Address{}, errors.New("subject is the zero address")
	}
	return investor, nil
}

// IssueInvestorToken signs an HS256 token for investor. Used by operators
// and tests to mint credentials against the shared secret.
func IssueInvestorToken(secret string, investor common.Address, issuer, audience string, ttl time.Duration, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   investor.Hex(),
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if audience != "" {
		claims.Audience = jwt.ClaimStrings{audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
