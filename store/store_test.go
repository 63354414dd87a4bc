package store

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeyLengthAndAlphabet(t *testing.T) {
	for i := 0; i < 1000; i++ {
		key := GenerateKey()

		raw, err := DecodeKey(key)
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(raw), KeyMinLength)
		require.LessOrEqual(t, len(raw), KeyMaxLength)

		for _, c := range raw {
			assert.Contains(t, KeyChars, string(c))
		}
	}
}

func TestGenerateKeyNoBannedChars(t *testing.T) {
	for _, banned := range BannedKeyChars {
		assert.NotContains(t, KeyChars, string(banned))
	}
}

func TestGenerateKeyUnique(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping collision check in short mode")
	}

	seen := make(map[string]bool, 100000)
	for i := 0; i < 100000; i++ {
		key := GenerateKey()
		require.False(t, seen[key], "key collision after %d keys", i)
		seen[key] = true
	}
}

func TestModelNamePattern(t *testing.T) {
	tests := []struct {
		request string
		target  string
		match   bool
	}{
		{"llama3", "llama3", true},
		{"llama3", "llama3:latest", true},
		{"llama3", "llama3-vision", false},
		{"llama3", "llama3:8b", false},
		{"llama3:8b", "llama3:8b", true},
		{"llama3:8b", "llama3", false},
		{"llama3:8b", "llama3:latest", false},
		{"nomic-embed-text", "nomic-embed-text:latest", true},
	}

	for _, tt := range tests {
		re := regexp.MustCompile(ModelNamePattern(tt.request))
		assert.Equal(t, tt.match, re.MatchString(tt.target),
			"request %q against %q", tt.request, tt.target)
	}
}

func TestServerMatchesModel(t *testing.T) {
	srv := &Server{
		Models: []ModelInfo{
			{Name: "llama3:latest", Model: "llama3:latest"},
		},
		RunningModels: []RunningModel{
			{Model: "mistral:7b"},
		},
	}

	assert.True(t, srv.MatchesModel("llama3"))
	assert.True(t, srv.MatchesModel("llama3:latest"))
	assert.True(t, srv.MatchesModel("mistral:7b"))
	assert.False(t, srv.MatchesModel("llama3-vision"))
	assert.False(t, srv.MatchesModel("mistral"))
}

func TestServerResolveModelPrefix(t *testing.T) {
	srv := &Server{
		Models: []ModelInfo{
			{Name: "llama3:latest", Model: "llama3:latest"},
			{Name: "mistral:7b", Model: "mistral:7b"},
		},
	}

	assert.Equal(t, "llama3:latest", srv.ResolveModel("llama3"))
	assert.Equal(t, "mistral:7b", srv.ResolveModel("mistral:7b"))
	// unknown names pass through untouched
	assert.Equal(t, "phi3", srv.ResolveModel("phi3"))
}

func TestServerActiveWindow(t *testing.T) {
	now := time.Now()

	fresh := &Server{LastAlive: now.Add(-19 * time.Second)}
	stale := &Server{LastAlive: now.Add(-21 * time.Second)}

	assert.True(t, fresh.Active(now))
	assert.False(t, stale.Active(now))
}

func TestModelContextLength(t *testing.T) {
	m := &Model{
		Info: map[string]any{
			"general.architecture": "llama",
			"llama.context_length": float64(8192),
		},
	}
	assert.Equal(t, 8192, m.ContextLength())

	assert.Equal(t, 0, (&Model{Info: map[string]any{}}).ContextLength())
}

func TestProjectHasMember(t *testing.T) {
	p := &Project{Admin: "u1", Users: []string{"u2", "u3"}}

	assert.True(t, p.HasMember("u1"))
	assert.True(t, p.HasMember("u2"))
	assert.False(t, p.HasMember("u4"))
}
