// Package auth verifies and issues the HS256 bearer tokens of the API.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/immunolab/immunolab-server/internal/domain"
	"github.com/immunolab/immunolab-server/internal/middleware"
)

// PrincipalKey is the gin context key holding the authenticated caller.
const PrincipalKey = "principal"

// Claims are the token claims understood by the API.
type Claims struct {
	jwt.RegisteredClaims
	Role      domain.Role `json:"role"`
	PatientID string      `json:"patient_id,omitempty"`
}

// Authenticator signs and verifies tokens with a shared secret.
type Authenticator struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time
}

// NewAuthenticator creates an authenticator from config.
func NewAuthenticator(config domain.AuthConfig) (*Authenticator, error) {
	if config.Secret == "" {
		return nil, errors.New("auth secret is required")
	}
	ttl := config.TokenTTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Authenticator{
		secret:   []byte(config.Secret),
		issuer:   config.Issuer,
		audience: config.Audience,
		ttl:      ttl,
		now:      time.Now,
	}, nil
}

// IssueToken signs a token for subject. Patient tokens must name the
// patient they may read.
func (a *Authenticator) IssueToken(subject string, role domain.Role, patientID string) (string, time.Time, error) {
	if subject == "" {
		return "", time.Time{}, errors.New("subject is required")
	}
	switch role {
	case domain.RoleAdmin:
	case domain.RolePatient:
		if patientID == "" {
			return "", time.Time{}, errors.New("patient tokens require a patient id")
		}
	default:
		return "", time.Time{}, fmt.Errorf("unknown role %q", role)
	}

	now := a.now()
	expires := now.Add(a.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Role:      role,
		PatientID: patientID,
	}
	if a.audience != "" {
		claims.Audience = jwt.ClaimStrings{a.audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expires, nil
}

// Parse verifies tokenString and returns the caller it names.
func (a *Authenticator) Parse(tokenString string) (domain.Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return domain.Principal{}, err
	}
	if !token.Valid {
		return domain.Principal{}, errors.New("invalid token")
	}

	p := domain.Principal{Subject: claims.Subject, Role: claims.Role, PatientID: claims.PatientID}
	switch {
	case p.Subject == "":
		return domain.Principal{}, errors.New("token has no subject")
	case p.Role != domain.RoleAdmin && p.Role != domain.RolePatient:
		return domain.Principal{}, fmt.Errorf("token has unknown role %q", p.Role)
	case p.Role == domain.RolePatient && p.PatientID == "":
		return domain.Principal{}, errors.New("patient token has no patient id")
	}
	return p, nil
}

// Middleware requires a valid bearer token on every request.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			middleware.Abort(c, http.StatusUnauthorized, domain.ErrCodeAuthentication, "Missing or malformed authorization header", "")
			return
		}

		p, err := a.Parse(tokenString)
		if err != nil {
			middleware.Abort(c, http.StatusUnauthorized, domain.ErrCodeAuthentication, "Invalid token", err.Error())
			return
		}
		setPrincipal(c, p)
		c.Next()
	}
}

// DevMiddleware injects an admin caller. It is used when auth is disabled.
func DevMiddleware(userID string) gin.HandlerFunc {
	if userID == "" {
		userID = "dev-admin"
	}
	return func(c *gin.Context) {
		setPrincipal(c, domain.Principal{Subject: userID, Role: domain.RoleAdmin})
		c.Next()
	}
}

// RequireRole rejects callers whose role is not listed.
func RequireRole(roles ...domain.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := PrincipalFrom(c)
		if !ok {
			middleware.Abort(c, http.StatusUnauthorized, domain.ErrCodeAuthentication, "Authentication required", "")
			return
		}
		for _, r := range roles {
			if p.Role == r {
				c.Next()
				return
			}
		}
		middleware.Abort(c, http.StatusForbidden, domain.ErrCodeForbidden, "Insufficient role", string(p.Role))
	}
}

// RequirePatientAccess admits admins and the patient named by the route
// parameter param.
func RequirePatientAccess(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := PrincipalFrom(c)
		if !ok {
			middleware.Abort(c, http.StatusUnauthorized, domain.ErrCodeAuthentication, "Authentication required", "")
			return
		}
		if !p.CanAccessPatient(c.Param(param)) {
			middleware.Abort(c, http.StatusForbidden, domain.ErrCodeForbidden, "Access to this patient is not allowed", "")
			return
		}
		c.Next()
	}
}

// PrincipalFrom returns the caller set by Middleware or DevMiddleware.
func PrincipalFrom(c *gin.Context) (domain.Principal, bool) {
	v, ok := c.Get(PrincipalKey)
	if !ok {
		return domain.Principal{}, false
	}
	p, ok := v.(domain.Principal)
	return p, ok
}

func setPrincipal(c *gin.Context, p domain.Principal) {
	c.Set(PrincipalKey, p)
	c.Request = c.Request.WithContext(domain.WithPrincipal(c.Request.Context(), p))
}

func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if header == "" {
		// browsers cannot set headers on websocket upgrades
		if token := c.Query("access_token"); token != "" && c.IsWebsocket() {
			return token, true
		}
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}
