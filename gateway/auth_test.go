package gateway

import (
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"golang.org/x/crypto/bcrypt"

	"github.com/ollamax/ollamax/store"
)

func ginContextWithAuth(auth, remoteAddr string) *gin.Context {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest("GET", "/", nil)
	if auth != "" {
		c.Request.Header.Set("Authorization", auth)
	}
	c.Request.RemoteAddr = remoteAddr
	return c
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc123", "abc123"},
		{"Bearer  abc123 ", "abc123"},
		{"abc123", "abc123"},
		{"", ""},
	}

	for _, tt := range tests {
		c := ginContextWithAuth(tt.header, "127.0.0.1:1")
		assert.Equal(t, tt.want, bearerToken(c), "header %q", tt.header)
	}
}

func TestIsLocalRequest(t *testing.T) {
	assert.True(t, isLocalRequest(ginContextWithAuth("", "127.0.0.1:4444")))
	assert.True(t, isLocalRequest(ginContextWithAuth("", "[::1]:4444")))
	assert.False(t, isLocalRequest(ginContextWithAuth("", "10.0.0.1:4444")))
	assert.False(t, isLocalRequest(ginContextWithAuth("", "192.0.2.7:4444")))
}

func TestGuestUser(t *testing.T) {
	guest := guestUser()
	assert.True(t, guest.IsGuest())
	assert.True(t, guest.IsActive)
	assert.Empty(t, guest.ID)
}

func TestCheckPassword(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	assert.NoError(t, err)

	user := &store.User{PasswordHash: string(hash)}
	assert.True(t, checkPassword(user, "hunter2"))
	assert.False(t, checkPassword(user, "hunter3"))
	assert.False(t, checkPassword(&store.User{}, "anything"))
}
