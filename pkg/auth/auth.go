// Package auth provides caller authentication for the edge-runtime service:
// a service-token gate for admin routes, and optional upstream validation of
// a caller's identity token before a handler invocation is dispatched.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// TokenValidator validates a caller's identity token against an external
// user service.
type TokenValidator struct {
	userServiceURL string
	httpClient     *http.Client
}

// NewTokenValidator creates a new token validator.
func NewTokenValidator(userServiceURL string) *TokenValidator {
	return &TokenValidator{
		userServiceURL: userServiceURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// UserInfo contains validated caller information.
type UserInfo struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Token    string `json:"-"`
}

// ValidateToken validates an identity token and returns the caller it
// identifies. Tokens are expected in "user_id|token_id|..." form.
func (tv *TokenValidator) ValidateToken(ctx context.Context, token string) (*UserInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("empty token")
	}

	parts := strings.Split(token, "|")
	if len(parts) < 2 {
		return nil, fmt.Errorf("invalid token format")
	}
	userID := parts[0]

	req, err := http.NewRequestWithContext(ctx, "GET", tv.userServiceURL+"/user/"+userID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", token)
	req.Header.Set("Accept", "application/json")

	resp, err := tv.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to validate token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("invalid or expired token")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token validation failed with status: %d", resp.StatusCode)
	}

	var userResp struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Email    string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&userResp); err != nil {
		return nil, fmt.Errorf("failed to parse user response: %w", err)
	}

	return &UserInfo{
		UserID:   userResp.ID,
		Username: userResp.Username,
		Email:    userResp.Email,
		Token:    token,
	}, nil
}

// ExtractToken extracts the caller's identity token from an HTTP request:
// the Authorization header (with or without a "Bearer " prefix), then
// X-Auth-Token, then a "token" query parameter.
func ExtractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if strings.HasPrefix(auth, "Bearer ") {
			return strings.TrimPrefix(auth, "Bearer ")
		}
		return auth
	}
	if token := r.Header.Get("X-Auth-Token"); token != "" {
		return token
	}
	return r.URL.Query().Get("token")
}

// ContextKey is the type for context keys this package sets.
type ContextKey string

// UserContextKey is the context key for caller information.
const UserContextKey ContextKey = "user"

// GetUserFromContext retrieves caller information from context.
func GetUserFromContext(ctx context.Context) *UserInfo {
	if user, ok := ctx.Value(UserContextKey).(*UserInfo); ok {
		return user
	}
	return nil
}

// SetUserInContext sets caller information in context.
func SetUserInContext(ctx context.Context, user *UserInfo) context.Context {
	return context.WithValue(ctx, UserContextKey, user)
}

// RequireValidToken returns middleware that validates the caller's token
// against the user service and rejects the request if validation fails,
// storing the resulting UserInfo in the request context otherwise.
func (tv *TokenValidator) RequireValidToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ExtractToken(r)
		user, err := tv.ValidateToken(r.Context(), token)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(SetUserInContext(r.Context(), user)))
	})
}

// ServiceAuth gates the admin surface (pool status, handler registration)
// behind a single shared service token.
type ServiceAuth struct {
	serviceToken string
}

// NewServiceAuth creates a new service authenticator.
func NewServiceAuth(serviceToken string) *ServiceAuth {
	return &ServiceAuth{serviceToken: serviceToken}
}

// Gate returns middleware that rejects requests whose caller token does not
// match the configured service token. An empty configured token disables
// the gate, so callers should only rely on that in development.
func (sa *ServiceAuth) Gate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sa.serviceToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		if ExtractToken(r) != sa.serviceToken {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
