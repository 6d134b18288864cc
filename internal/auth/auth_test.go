package auth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testKey = "k3y-for-tests-0123456789abcdef"

func init() {
	gin.SetMode(gin.TestMode)
}

func testOperators(t *testing.T, km *KeyManager) []Operator {
	t.Helper()
	hash, err := km.HashKey(testKey)
	require.NoError(t, err)
	return []Operator{
		{Name: "alice", KeyHash: hash, Role: RoleOperator},
		{Name: "bob", KeyHash: hash, Role: RoleViewer},
	}
}

func TestJWTRoundTrip(t *testing.T) {
	m := NewJWTManager("secret", time.Hour, "")
	token, err := m.GenerateAccessToken(OperatorClaims{Operator: "alice", Role: RoleOperator})
	require.NoError(t, err)

	claims, err := m.ValidateAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Operator)
	assert.Equal(t, RoleOperator, claims.Role)
	assert.Equal(t, int64(3600), m.GetAccessTokenDuration())
}

func TestJWTRejects(t *testing.T) {
	m := NewJWTManager("secret", time.Hour, "")
	good, err := m.GenerateAccessToken(OperatorClaims{Operator: "alice", Role: RoleAdmin})
	require.NoError(t, err)

	t.Run("wrong secret", func(t *testing.T) {
		other := NewJWTManager("other", time.Hour, "")
		_, err := other.ValidateAccessToken(good)
		assert.Equal(t, ErrInvalidToken, err)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		other := NewJWTManager("secret", time.Hour, "someone-else")
		_, err := other.ValidateAccessToken(good)
		assert.Equal(t, ErrInvalidToken, err)
	})

	t.Run("expired", func(t *testing.T) {
		later := NewJWTManager("secret", time.Hour, "")
		later.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
		_, err := later.ValidateAccessToken(good)
		assert.Equal(t, ErrTokenExpired, err)
	})

	t.Run("unknown role", func(t *testing.T) {
		tok, err := m.GenerateAccessToken(OperatorClaims{Operator: "mallory", Role: "root"})
		require.NoError(t, err)
		_, err = m.ValidateAccessToken(tok)
		assert.Equal(t, ErrInvalidToken, err)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := m.ValidateAccessToken("not.a.token")
		assert.Equal(t, ErrInvalidToken, err)
	})
}

func TestRoleAllows(t *testing.T) {
	tests := []struct {
		role     Role
		required Role
		want     bool
	}{
		{RoleAdmin, RoleOperator, true},
		{RoleOperator, RoleOperator, true},
		{RoleViewer, RoleOperator, false},
		{RoleOperator, RoleAdmin, false},
		{"", RoleViewer, false},
		{"root", RoleViewer, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.role.Allows(tt.required), "%s allows %s", tt.role, tt.required)
	}
}

func TestKeyManager(t *testing.T) {
	km := NewKeyManager(bcrypt.MinCost)
	ops := testOperators(t, km)

	op, err := km.Authenticate(ops, "alice", testKey)
	require.NoError(t, err)
	assert.Equal(t, RoleOperator, op.Role)

	_, err = km.Authenticate(ops, "alice", testKey+"x")
	assert.Equal(t, ErrInvalidCredentials, err)

	_, err = km.Authenticate(ops, "carol", testKey)
	assert.Equal(t, ErrInvalidCredentials, err)

	_, err = km.HashKey("short")
	assert.ErrorIs(t, err, ErrWeakKey)
	_, err = km.HashKey(strings.Repeat("a", MaxKeyLength+1))
	assert.ErrorIs(t, err, ErrWeakKey)
}

func newRouter(t *testing.T) (*gin.Engine, *JWTManager) {
	t.Helper()
	km := NewKeyManager(bcrypt.MinCost)
	jm := NewJWTManager("secret", time.Hour, "")
	r := gin.New()
	NewHandlers(jm, km, testOperators(t, km)).RegisterRoutes(r.Group("/api/auth"))

	guarded := r.Group("/api/guarded", Middleware(jm), RequireRole(RoleOperator))
	guarded.POST("/action", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return r, jm
}

func requestToken(t *testing.T, r *gin.Engine, operator, key string) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(TokenRequest{Operator: operator, APIKey: key})
	req := httptest.NewRequest(http.MethodPost, "/api/auth/token", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestTokenEndpoint(t *testing.T) {
	r, _ := newRouter(t)

	w := requestToken(t, r, "alice", testKey)
	require.Equal(t, http.StatusOK, w.Code)
	var resp TokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, RoleOperator, resp.Role)

	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+resp.AccessToken)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"alice"`)

	w = requestToken(t, r, "alice", "wrong-key-wrong-key-wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), ErrInvalidCredentials.Code)
}

func TestMiddlewareRoles(t *testing.T) {
	r, jm := newRouter(t)

	viewer, err := jm.GenerateAccessToken(OperatorClaims{Operator: "bob", Role: RoleViewer})
	require.NoError(t, err)
	admin, err := jm.GenerateAccessToken(OperatorClaims{Operator: "root", Role: RoleAdmin})
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"malformed", "Token abc", "", http.StatusUnauthorized},
		{"invalid", "Bearer abc", "", http.StatusUnauthorized},
		{"viewer forbidden", "Bearer " + viewer, "", http.StatusForbidden},
		{"admin allowed", "Bearer " + admin, "", http.StatusNoContent},
		{"query token", "", "?token=" + admin, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/guarded/action"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestPassthroughGrantsAdmin(t *testing.T) {
	r := gin.New()
	r.POST("/x", Passthrough(), RequireRole(RoleAdmin), func(c *gin.Context) {
		c.String(http.StatusOK, GetOperator(c))
	})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/x", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "local", w.Body.String())
}
