package store

import (
	"crypto/rand"
	"encoding/hex"
	"slices"
)

// Project is a continue.dev project: a named bundle of model and
// context-provider configuration distributed to IDE plugins, scoped to a
// member set.
type Project struct {
	ID       string        `bson:"_id,omitempty" json:"id,omitempty"`
	Admin    string        `bson:"admin" json:"admin"`
	Name     string        `bson:"name" json:"name"`
	Users    []string      `bson:"users" json:"users"`
	InviteID string        `bson:"invite_id" json:"invite_id,omitempty"`
	Config   ProjectConfig `bson:"config" json:"config"`
}

// NewInviteID returns a fresh random join token.
func NewInviteID() string {
	buf := make([]byte, 12)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}

// HasMember reports whether the user id is a member or the admin.
func (p *Project) HasMember(userID string) bool {
	return p.Admin == userID || slices.Contains(p.Users, userID)
}

// RequestOptions carries per-model HTTP options in a project config.
type RequestOptions struct {
	Timeout   int               `bson:"timeout,omitempty" json:"timeout,omitempty"`
	VerifySSL *bool             `bson:"verify_ssl,omitempty" json:"verifySSL,omitempty"`
	Headers   map[string]string `bson:"headers,omitempty" json:"headers,omitempty"`
}

// ProjectModel is one model entry delivered to the IDE plugin.
type ProjectModel struct {
	Model          string         `bson:"model" json:"model"`
	Title          string         `bson:"title" json:"title"`
	Provider       string         `bson:"provider" json:"provider"`
	APIKey         string         `bson:"api_key,omitempty" json:"apiKey,omitempty"`
	APIBase        string         `bson:"api_base,omitempty" json:"apiBase,omitempty"`
	RequestOptions RequestOptions `bson:"request_options,omitempty" json:"requestOptions,omitempty"`
}

// CompletionOptions are generation parameters for tab autocomplete.
type CompletionOptions struct {
	Stream      *bool    `bson:"stream,omitempty" json:"stream,omitempty"`
	Temperature *float64 `bson:"temperature,omitempty" json:"temperature,omitempty"`
	TopP        *float64 `bson:"top_p,omitempty" json:"topP,omitempty"`
	TopK        *int     `bson:"top_k,omitempty" json:"topK,omitempty"`
	MaxTokens   *int     `bson:"max_tokens,omitempty" json:"maxTokens,omitempty"`
	Stop        []string `bson:"stop,omitempty" json:"stop,omitempty"`
	KeepAlive   *int     `bson:"keep_alive,omitempty" json:"keepAlive,omitempty"`
}

// TabAutocompleteModel configures the inline completion model.
type TabAutocompleteModel struct {
	Title             string             `bson:"title" json:"title"`
	Provider          string             `bson:"provider" json:"provider"`
	Model             string             `bson:"model" json:"model"`
	APIKey            string             `bson:"api_key,omitempty" json:"apiKey,omitempty"`
	APIBase           string             `bson:"api_base,omitempty" json:"apiBase,omitempty"`
	ContextLength     int                `bson:"context_length,omitempty" json:"contextLength,omitempty"`
	Template          string             `bson:"template,omitempty" json:"template,omitempty"`
	CompletionOptions *CompletionOptions `bson:"completion_options,omitempty" json:"completionOptions,omitempty"`
	RequestOptions    RequestOptions     `bson:"request_options,omitempty" json:"requestOptions,omitempty"`
}

// TabAutocompleteOptions tunes autocomplete behavior client-side.
type TabAutocompleteOptions struct {
	Disable              *bool    `bson:"disable,omitempty" json:"disable,omitempty"`
	UseCopyBuffer        *bool    `bson:"use_copy_buffer,omitempty" json:"useCopyBuffer,omitempty"`
	MaxPromptTokens      *int     `bson:"max_prompt_tokens,omitempty" json:"maxPromptTokens,omitempty"`
	DebounceDelay        *int     `bson:"debounce_delay,omitempty" json:"debounceDelay,omitempty"`
	Template             string   `bson:"template,omitempty" json:"template,omitempty"`
	MultilineCompletions string   `bson:"multiline_completions,omitempty" json:"multilineCompletions,omitempty"`
	UseCache             *bool    `bson:"use_cache,omitempty" json:"useCache,omitempty"`
	OnlyMyCode           *bool    `bson:"only_my_code,omitempty" json:"onlyMyCode,omitempty"`
	DisableInFiles       []string `bson:"disable_in_files,omitempty" json:"disableInFiles,omitempty"`
}

// EmbeddingsProvider configures the plugin's embeddings backend.
type EmbeddingsProvider struct {
	Provider       string         `bson:"provider" json:"provider"`
	Model          string         `bson:"model,omitempty" json:"model,omitempty"`
	APIBase        string         `bson:"api_base,omitempty" json:"apiBase,omitempty"`
	APIKey         string         `bson:"api_key,omitempty" json:"apiKey,omitempty"`
	RequestOptions RequestOptions `bson:"request_options,omitempty" json:"requestOptions,omitempty"`
}

// CustomCommand is a user-defined prompt shortcut.
type CustomCommand struct {
	Name        string `bson:"name" json:"name"`
	Description string `bson:"description" json:"description"`
	Prompt      string `bson:"prompt" json:"prompt"`
}

// ContextProvider is a tagged descriptor; Name is one of
// open|docs|code|codebase|diff|search|url and Params depends on the variant.
type ContextProvider struct {
	Name   string         `bson:"name" json:"name"`
	Params map[string]any `bson:"params,omitempty" json:"params,omitempty"`
}

// ProjectConfig is the continue.dev config document delivered to plugins.
type ProjectConfig struct {
	Models                 []ProjectModel          `bson:"models" json:"models"`
	CustomCommands         []CustomCommand         `bson:"custom_commands,omitempty" json:"customCommands,omitempty"`
	RequestOptions         RequestOptions          `bson:"request_options,omitempty" json:"requestOptions,omitempty"`
	TabAutocompleteModel   *TabAutocompleteModel   `bson:"tab_autocomplete_model,omitempty" json:"tabAutocompleteModel,omitempty"`
	TabAutocompleteOptions *TabAutocompleteOptions `bson:"tab_autocomplete_options,omitempty" json:"tabAutocompleteOptions,omitempty"`
	AllowAnonymousTelemetry bool                   `bson:"allow_anonymous_telemetry" json:"allowAnonymousTelemetry"`
	ContextProviders       []ContextProvider       `bson:"context_providers,omitempty" json:"contextProviders,omitempty"`
	EmbeddingsProvider     *EmbeddingsProvider     `bson:"embeddings_provider,omitempty" json:"embeddingsProvider,omitempty"`
}
