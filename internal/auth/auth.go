package auth

import (
	"crypto/rand"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/edforge/edforge/pkg/models"
)

// Roles understood by the generation API. Educators may request content
// for any learner; learners may only request content for themselves.
const (
	RoleLearner  = "learner"
	RoleEducator = "educator"
	RoleService  = "service"
)

// Claims is the JWT payload issued to platform callers.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Manager validates bearer tokens and resolves them to a Principal.
type Manager struct {
	jwtSecret  string
	tokenTTL   time.Duration
	escalation map[string]bool // roles allowed to act on behalf of any learner
}

// NewManager creates an auth manager. An empty secret generates an
// ephemeral one, which is fine for development but not across restarts.
// escalationRoles name the roles that may request content for any
// learner; when omitted, educators and services qualify.
func NewManager(jwtSecret string, escalationRoles ...string) *Manager {
	if jwtSecret == "" {
		jwtSecret = generateRandomSecret(32)
		log.Printf("[Auth] Generated random JWT secret for session (not persistent)")
	}
	if len(escalationRoles) == 0 {
		escalationRoles = []string{RoleEducator, RoleService}
	}
	escalation := make(map[string]bool, len(escalationRoles))
	for _, role := range escalationRoles {
		escalation[role] = true
	}
	return &Manager{
		jwtSecret:  jwtSecret,
		tokenTTL:   24 * time.Hour,
		escalation: escalation,
	}
}

// GenerateToken mints a signed token for the given subject and role.
// Used by tests and by operator tooling; production tokens come from
// the platform's identity service signed with the shared secret.
func (m *Manager) GenerateToken(subject, role string) (string, error) {
	now := time.Now()
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "edforge",
			Subject:   subject,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(m.jwtSecret))
}

// ValidateToken parses and verifies a token string.
func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.jwtSecret), nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if claims.Role == "" {
		claims.Role = RoleLearner
	}
	return claims, nil
}

// PrincipalFromRequest extracts the caller identity from an HTTP request.
// Requests without an Authorization header are rejected.
func (m *Manager) PrincipalFromRequest(r *http.Request) (*models.Principal, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, fmt.Errorf("missing Authorization header")
	}
	tokenString, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return nil, fmt.Errorf("Authorization header must be a bearer token")
	}

	claims, err := m.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	return &models.Principal{
		Subject: claims.Subject,
		Role:    claims.Role,
	}, nil
}

// CanRequestFor reports whether the principal may request content on
// behalf of the given learner.
func (m *Manager) CanRequestFor(p *models.Principal, learnerID string) bool {
	if m.escalation[p.Role] {
		return true
	}
	return p.Subject == learnerID
}

func generateRandomSecret(length int) string {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		panic(err)
	}
	return fmt.Sprintf("%x", bytes)
}
