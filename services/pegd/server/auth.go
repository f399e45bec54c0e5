package server

import (
	"context"
	"crypto/subtle"
	"crypto/x509"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"cryptofiat/observability/logging"
)

// AdminAuthConfig selects how operators reach /admin. Either mechanism may
// be used alone. ClientSubjects, when set, restricts mTLS access to the
// listed certificate common names.
type AdminAuthConfig struct {
	BearerToken    string
	AllowMTLS      bool
	ClientSubjects []string
}

// AdminAuthenticator only proves transport-level access. Who may change a
// rate is decided by the signature inside the request body.
type AdminAuthenticator struct {
	token    []byte
	mtls     bool
	subjects map[string]struct{}
	logger   *slog.Logger
}

// Principal records which mechanism admitted an admin request.
type Principal struct {
	Method  string
	Subject string
}

type principalKey struct{}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func NewAdminAuthenticator(cfg AdminAuthConfig, logger *slog.Logger) (*AdminAuthenticator, error) {
	token := strings.TrimSpace(cfg.BearerToken)
	if token == "" && !cfg.AllowMTLS {
		return nil, errors.New("admin auth: configure a bearer token or mTLS")
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &AdminAuthenticator{mtls: cfg.AllowMTLS, logger: logger}
	if token != "" {
		a.token = []byte(token)
	}
	if len(cfg.ClientSubjects) > 0 {
		a.subjects = make(map[string]struct{}, len(cfg.ClientSubjects))
		for _, cn := range cfg.ClientSubjects {
			if cn = strings.TrimSpace(cn); cn != "" {
				a.subjects[cn] = struct{}{}
			}
		}
	}
	return a, nil
}

func (a *AdminAuthenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a == nil {
			writeError(w, http.StatusInternalServerError, "authentication unavailable", "")
			return
		}
		p, ok := a.admit(r)
		if !ok {
			a.logger.Warn("pegd: admin request rejected",
				"path", r.URL.Path,
				"remote", r.RemoteAddr,
				logging.MaskField("authorization", r.Header.Get("Authorization")))
			writeError(w, http.StatusUnauthorized, "authentication required", "")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

func (a *AdminAuthenticator) admit(r *http.Request) (Principal, bool) {
	if a.token != nil {
		presented := parseBearerToken(r.Header.Get("Authorization"))
		if presented != "" && subtle.ConstantTimeCompare([]byte(presented), a.token) == 1 {
			return Principal{Method: "bearer"}, true
		}
	}
	if a.mtls {
		if cert := clientCertificate(r); cert != nil {
			cn := cert.Subject.CommonName
			if a.subjects == nil {
				return Principal{Method: "mtls", Subject: cn}, true
			}
			if _, ok := a.subjects[cn]; ok {
				return Principal{Method: "mtls", Subject: cn}, true
			}
		}
	}
	return Principal{}, false
}

// clientCertificate returns the leaf of the first verified chain. The
// listener verifies certificates when presented, so an unverified peer
// certificate never reaches here.
func clientCertificate(r *http.Request) *x509.Certificate {
	if r.TLS == nil || len(r.TLS.VerifiedChains) == 0 || len(r.TLS.VerifiedChains[0]) == 0 {
		return nil
	}
	return r.TLS.VerifiedChains[0][0]
}

func parseBearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
