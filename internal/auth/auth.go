// internal/auth/auth.go
package auth

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
	"golang.org/x/crypto/bcrypt"

	"openiotzen-gateway/internal/data"
)

const (
	bearerPrefix = "Bearer "
	issuer       = "openiotzen-gateway"

	DefaultDeviceTokenTTL = 365 * 24 * time.Hour
	DefaultUserTokenTTL   = 2 * time.Hour
)

// Config holds authentication configuration
type Config struct {
	JWTSecret      string        `mapstructure:"jwt_secret"`
	DeviceTokenTTL time.Duration `mapstructure:"device_token_ttl"`
	UserTokenTTL   time.Duration `mapstructure:"user_token_ttl"`
	APIKeys        []string      `mapstructure:"api_keys"`
	AllowedUsers   []User        `mapstructure:"users"`
}

type User struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
	Role         string `mapstructure:"role"`
}

// AuthManager verifies and issues gateway tokens.
type AuthManager struct {
	config Config
	now    func() time.Time
}

// Claims represents JWT claims. Ids may be encoded as JSON strings or numbers.
type Claims struct {
	User   FlexString `json:"user"`
	Device FlexString `json:"device,omitempty"`
	Model  FlexString `json:"model,omitempty"`
	Role   string     `json:"role,omitempty"`
	jwt.StandardClaims
}

// FlexString decodes a JSON string or number into a string.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("claim is neither string nor number: %s", b)
	}
	*f = FlexString(n.String())
	return nil
}

// NewAuthManager creates a new authentication manager
func NewAuthManager(config Config) *AuthManager {
	if config.DeviceTokenTTL <= 0 {
		config.DeviceTokenTTL = DefaultDeviceTokenTTL
	}
	if config.UserTokenTTL <= 0 {
		config.UserTokenTTL = DefaultUserTokenTTL
	}
	return &AuthManager{
		config: config,
		now:    time.Now,
	}
}

// SplitScheme strips an optional "Bearer " prefix. bearer reports whether it was present,
// which marks a dashboard credential as opposed to a device credential.
func SplitScheme(raw string) (token string, bearer bool) {
	raw = strings.TrimSpace(raw)
	if len(raw) >= len(bearerPrefix) && strings.EqualFold(raw[:len(bearerPrefix)], bearerPrefix) {
		return strings.TrimSpace(raw[len(bearerPrefix):]), true
	}
	return raw, false
}

// Verify validates a token (with or without scheme prefix) and returns the identity it carries.
// Any failure is an *AuthError.
func (am *AuthManager) Verify(raw string) (data.Identity, error) {
	tokenString, _ := SplitScheme(raw)
	if tokenString == "" {
		return data.Identity{}, &AuthError{Kind: KindMalformed, Err: errors.New("empty token")}
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(am.config.JWTSecret), nil
	})
	if err != nil {
		return data.Identity{}, classify(err)
	}
	if !token.Valid {
		return data.Identity{}, &AuthError{Kind: KindInvalidSignature, Err: errors.New("invalid token")}
	}
	if claims.ExpiresAt != 0 && claims.ExpiresAt <= am.now().Unix() {
		return data.Identity{}, &AuthError{Kind: KindExpired, Err: errors.New("token is expired")}
	}
	if claims.User == "" && claims.Device == "" {
		return data.Identity{}, &AuthError{Kind: KindMalformed, Err: errors.New("token carries no identity")}
	}

	return data.Identity{
		UserID:   string(claims.User),
		DeviceID: string(claims.Device),
		ModelID:  string(claims.Model),
		Role:     claims.Role,
	}, nil
}

// PeekIdentity decodes the claims of token without checking its signature or
// expiry. It only tells what kind of client presented the token and must never
// grant access.
func PeekIdentity(raw string) (data.Identity, bool) {
	tokenString, _ := SplitScheme(raw)
	claims := &Claims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(tokenString, claims); err != nil {
		return data.Identity{}, false
	}
	return data.Identity{
		UserID:   string(claims.User),
		DeviceID: string(claims.Device),
		ModelID:  string(claims.Model),
		Role:     claims.Role,
	}, true
}

func classify(err error) *AuthError {
	var ve *jwt.ValidationError
	if !errors.As(err, &ve) {
		return &AuthError{Kind: KindMalformed, Err: err}
	}
	switch {
	case ve.Errors&(jwt.ValidationErrorSignatureInvalid|jwt.ValidationErrorUnverifiable) != 0:
		return &AuthError{Kind: KindInvalidSignature, Err: err}
	case ve.Errors&jwt.ValidationErrorMalformed != 0:
		return &AuthError{Kind: KindMalformed, Err: err}
	case ve.Errors&jwt.ValidationErrorExpired != 0:
		return &AuthError{Kind: KindExpired, Err: err}
	default:
		return &AuthError{Kind: KindMalformed, Err: err}
	}
}

// IssueDeviceToken signs a long-lived device credential.
func (am *AuthManager) IssueDeviceToken(id data.Identity) (string, error) {
	if !id.Complete() {
		return "", errors.New("device token requires user, device and model")
	}
	return am.issue(id, am.config.DeviceTokenTTL)
}

// IssueUserToken signs a short-lived dashboard credential.
func (am *AuthManager) IssueUserToken(id data.Identity) (string, error) {
	if id.UserID == "" {
		return "", errors.New("user token requires a user")
	}
	return am.issue(id, am.config.UserTokenTTL)
}

func (am *AuthManager) issue(id data.Identity, ttl time.Duration) (string, error) {
	now := am.now()
	claims := &Claims{
		User:   FlexString(id.UserID),
		Device: FlexString(id.DeviceID),
		Model:  FlexString(id.ModelID),
		Role:   id.Role,
		StandardClaims: jwt.StandardClaims{
			ExpiresAt: now.Add(ttl).Unix(),
			IssuedAt:  now.Unix(),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(am.config.JWTSecret))
	if err != nil {
		return "", err
	}
	return tokenString, nil
}

// ValidateAPIKey reports whether key is one of the provisioning keys.
func (am *AuthManager) ValidateAPIKey(key string) bool {
	for _, k := range am.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(k)) == 1 {
			return true
		}
	}
	return false
}

// AuthenticateUser checks operator credentials against auth.users and returns the operator's role.
func (am *AuthManager) AuthenticateUser(username, password string) (bool, string, error) {
	for _, u := range am.config.AllowedUsers {
		if u.Username != username {
			continue
		}
		if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
			return false, "", fmt.Errorf("operator %q: %w", username, err)
		}
		return true, u.Role, nil
	}
	return false, "", fmt.Errorf("operator %q is not configured", username)
}

// HashPassword returns the bcrypt hash stored in auth.users.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(hash), err
}

type ctxKey struct{}

// IdentityFromContext returns the operator identity JWTMiddleware stored on the request.
func IdentityFromContext(ctx context.Context) (data.Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(data.Identity)
	return id, ok
}

// JWTMiddleware admits requests carrying a dashboard Bearer token. Device
// credentials are refused with 403 even when valid.
func (am *AuthManager) JWTMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, bearer := SplitScheme(r.Header.Get("Authorization"))
		if !bearer || token == "" {
			http.Error(w, "dashboard bearer token required", http.StatusUnauthorized)
			return
		}
		id, err := am.Verify(token)
		if err != nil {
			var ae *AuthError
			if errors.As(err, &ae) && ae.Kind == KindExpired {
				http.Error(w, "token expired", http.StatusUnauthorized)
				return
			}
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		if id.IsDevice() {
			http.Error(w, "device credentials cannot access the operator API", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

// APIKeyMiddleware guards device provisioning with X-API-Key.
func (am *AuthManager) APIKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !am.ValidateAPIKey(r.Header.Get("X-API-Key")) {
			http.Error(w, "valid X-API-Key required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
