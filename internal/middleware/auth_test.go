package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, secret string, method jwt.SigningMethod, claims jwt.RegisteredClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestAuthenticator_Require(t *testing.T) {
	const secret = "test-secret"
	now := time.Now()

	valid := signToken(t, secret, jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	})
	expired := signToken(t, secret, jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(now.Add(-time.Hour)),
	})
	wrongKey := signToken(t, "other-secret", jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "user-1"})
	noSubject := signToken(t, secret, jwt.SigningMethodHS256, jwt.RegisteredClaims{})

	tests := []struct {
		name       string
		secret     string
		header     map[string]string
		wantStatus int
		wantOwner  string
	}{
		{"ValidToken", secret, map[string]string{"Authorization": "Bearer " + valid}, http.StatusOK, "user-1"},
		{"ExpiredToken", secret, map[string]string{"Authorization": "Bearer " + expired}, http.StatusUnauthorized, ""},
		{"WrongKey", secret, map[string]string{"Authorization": "Bearer " + wrongKey}, http.StatusUnauthorized, ""},
		{"NoSubject", secret, map[string]string{"Authorization": "Bearer " + noSubject}, http.StatusUnauthorized, ""},
		{"MissingToken", secret, nil, http.StatusUnauthorized, ""},
		{"HeaderIgnoredWithSecret", secret, map[string]string{OwnerHeader: "user-2"}, http.StatusUnauthorized, ""},
		{"DevHeader", "", map[string]string{OwnerHeader: "user-2"}, http.StatusOK, "user-2"},
		{"DevMissingHeader", "", nil, http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var owner string
			h := NewAuthenticator(tt.secret).Require(func(w http.ResponseWriter, r *http.Request) {
				owner = GetOwnerID(r.Context())
			})

			req := httptest.NewRequest(http.MethodGet, "/documents", nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			h(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantOwner, owner)

			if tt.wantStatus == http.StatusUnauthorized {
				var body map[string]interface{}
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
				errObj := body["error"].(map[string]interface{})
				assert.Equal(t, "UNAUTHORIZED", errObj["code"])
			}
		})
	}
}

func TestAuthenticator_RejectsNonHMAC(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "user-1"})
	raw, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+raw)

	_, err = NewAuthenticator("secret").Owner(req)
	assert.Error(t, err)
}
