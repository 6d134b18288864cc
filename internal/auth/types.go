package auth

import "time"

// Role gates what an operator may do through the control API
type Role string

const (
	// RoleViewer can read fleet, risk and learning state
	RoleViewer Role = "viewer"
	// RoleOperator can additionally mutate bots, risk config and autonomy
	RoleOperator Role = "operator"
	// RoleAdmin can additionally trigger and clear the emergency stop
	RoleAdmin Role = "admin"
)

var roleRank = map[Role]int{
	RoleViewer:   1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// Allows reports whether r grants at least the privileges of required
func (r Role) Allows(required Role) bool {
	return roleRank[r] >= roleRank[required] && roleRank[r] > 0
}

// OperatorClaims is the identity carried inside an access token
type OperatorClaims struct {
	Operator string `json:"operator"`
	Role     Role   `json:"role"`
}

// Operator is a configured API principal. KeyHash is a bcrypt hash of the
// operator's API key; plaintext keys never live in config.
type Operator struct {
	Name    string `json:"name" yaml:"name"`
	KeyHash string `json:"key_hash" yaml:"key_hash"`
	Role    Role   `json:"role" yaml:"role"`
}

// TokenRequest exchanges an API key for an access token
type TokenRequest struct {
	Operator string `json:"operator" binding:"required"`
	APIKey   string `json:"api_key" binding:"required"`
}

// TokenResponse is returned by the token endpoint
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	Role        Role   `json:"role"`
}

// Config holds authentication configuration
type Config struct {
	Enabled        bool          `json:"enabled" yaml:"enabled"`
	JWTSecret      string        `json:"jwt_secret" yaml:"jwt_secret"`
	AccessTokenTTL time.Duration `json:"access_token_ttl" yaml:"access_token_ttl"`
	Issuer         string        `json:"issuer" yaml:"issuer"`
	BcryptCost     int           `json:"bcrypt_cost" yaml:"bcrypt_cost"`
	Operators      []Operator    `json:"operators" yaml:"operators"`
}

// DefaultConfig returns default auth configuration
func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		AccessTokenTTL: 12 * time.Hour,
		Issuer:         "bot-fleet-engine",
		BcryptCost:     DefaultBcryptCost,
	}
}

// AuthError represents an authentication error
type AuthError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e AuthError) Error() string {
	return e.Message
}

// Common auth errors
var (
	ErrInvalidCredentials = AuthError{Code: "INVALID_CREDENTIALS", Message: "invalid operator or api key"}
	ErrInvalidToken       = AuthError{Code: "INVALID_TOKEN", Message: "invalid or expired token"}
	ErrTokenExpired       = AuthError{Code: "TOKEN_EXPIRED", Message: "token has expired"}
	ErrUnauthorized       = AuthError{Code: "UNAUTHORIZED", Message: "unauthorized access"}
	ErrForbidden          = AuthError{Code: "FORBIDDEN", Message: "access forbidden"}
	ErrWeakKey            = AuthError{Code: "WEAK_KEY", Message: "api key does not meet requirements"}
)
