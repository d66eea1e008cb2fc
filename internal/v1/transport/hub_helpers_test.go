package transport

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairpad/pairpad/backend/go/internal/v1/config"
)

func helperContext(headers map[string]string, query string) *gin.Context {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/ws/doc-1"+query, nil)
	for k, v := range headers {
		c.Request.Header.Set(k, v)
	}
	return c
}

func TestExtractTokenFromProtocolHeader(t *testing.T) {
	c := helperContext(map[string]string{
		"Sec-WebSocket-Protocol": "access_token, eyJhbGc.token.sig",
	}, "")

	result, err := extractToken(c)
	require.NoError(t, err)
	assert.Equal(t, "eyJhbGc.token.sig", result.Token)
	assert.True(t, result.FromHeader)
	assert.True(t, result.HasAccessTokenProtocol)
}

func TestExtractTokenFromQueryParam(t *testing.T) {
	c := helperContext(nil, "?token=query-token")

	result, err := extractToken(c)
	require.NoError(t, err)
	assert.Equal(t, "query-token", result.Token)
	assert.False(t, result.FromHeader)
}

func TestExtractTokenHeaderWinsOverQuery(t *testing.T) {
	c := helperContext(map[string]string{
		"Sec-WebSocket-Protocol": "header-token",
	}, "?token=query-token")

	result, err := extractToken(c)
	require.NoError(t, err)
	assert.Equal(t, "header-token", result.Token)
	assert.True(t, result.FromHeader)
	assert.False(t, result.HasAccessTokenProtocol)
}

func TestExtractTokenMissing(t *testing.T) {
	_, err := extractToken(helperContext(nil, ""))
	assert.Error(t, err)
}

func TestValidateOrigin(t *testing.T) {
	allowed := []string{"http://localhost:3000", "https://editor.example.com"}

	tests := []struct {
		name    string
		origin  string
		wantErr bool
	}{
		{"allowed localhost", "http://localhost:3000", false},
		{"allowed production", "https://editor.example.com", false},
		{"no origin header", "", false},
		{"scheme mismatch", "https://localhost:3000", true},
		{"host mismatch", "http://evil.example.com", true},
		{"unparseable", "http://bad origin", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws/doc-1", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			err := validateOrigin(r, allowed)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAllowedOriginsParsing(t *testing.T) {
	h := &Hub{cfg: &config.Config{}}
	assert.Equal(t, []string{"http://localhost:3000"}, h.allowedOrigins())

	h.cfg.AllowedOrigins = "https://a.example.com, https://b.example.com ,"
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, h.allowedOrigins())
}
