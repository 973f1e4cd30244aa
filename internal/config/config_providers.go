package config

import "fmt"

// ProvidersConfig configures the model backends. A provider with no
// credentials here may still come up if the credential store has an entry
// for it.
type ProvidersConfig struct {
	// DefaultModel is the model new sessions start on.
	DefaultModel string `yaml:"default_model"`

	// CredentialsFile is the versioned credential store consulted for
	// providers without inline keys.
	CredentialsFile string `yaml:"credentials_file"`

	// MaxRetries applies to every adapter's transport-level retry.
	MaxRetries int `yaml:"max_retries"`

	Anthropic AnthropicConfig `yaml:"anthropic"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Google    GoogleConfig    `yaml:"google"`
	Bedrock   BedrockConfig   `yaml:"bedrock"`
}

// AnthropicConfig configures the Anthropic adapter. AuthToken carries an
// OAuth bearer token for subscription access and takes precedence over
// APIKey.
type AnthropicConfig struct {
	APIKey       string `yaml:"api_key"`
	AuthToken    string `yaml:"auth_token"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
}

// Configured reports whether the adapter has inline credentials.
func (c AnthropicConfig) Configured() bool {
	return c.APIKey != "" || c.AuthToken != ""
}

// OpenAIConfig configures the OpenAI adapter.
type OpenAIConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	Organization string `yaml:"organization"`
	DefaultModel string `yaml:"default_model"`
}

// Configured reports whether the adapter has inline credentials.
func (c OpenAIConfig) Configured() bool {
	return c.APIKey != ""
}

// GoogleConfig configures the Gemini adapter.
type GoogleConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
}

// Configured reports whether the adapter has inline credentials.
func (c GoogleConfig) Configured() bool {
	return c.APIKey != ""
}

// BedrockConfig configures the AWS Bedrock adapter. With no static keys
// the adapter falls through to the standard AWS credential chain, so
// Configured is driven by an explicit enable rather than key presence.
type BedrockConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	DefaultModel    string `yaml:"default_model"`
}

// Configured reports whether the adapter should be constructed.
func (c BedrockConfig) Configured() bool {
	return c.Enabled
}

func (p *ProvidersConfig) applyDefaults() {
	if p.DefaultModel == "" {
		p.DefaultModel = "claude-sonnet-4-5-20250929"
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = 3
	}
}

func (p *ProvidersConfig) validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("providers.max_retries must not be negative, got %d", p.MaxRetries)
	}
	if p.Bedrock.AccessKeyID != "" && p.Bedrock.SecretAccessKey == "" {
		return fmt.Errorf("providers.bedrock.secret_access_key is required when access_key_id is set")
	}
	return nil
}
