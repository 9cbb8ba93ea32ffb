package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/evermind-ai/evermind/pkg/models"
)

// ChannelPolicy bounds the durable stream kept for one request type.
type ChannelPolicy struct {
	MaxLen           int64 `yaml:"max_len"`
	RetentionSeconds int   `yaml:"retention_seconds"`
}

// Policy is the channel policy registry: per-request-type stream bounds
// with a fallback default.
type Policy struct {
	Default  ChannelPolicy                        `yaml:"default"`
	Channels map[models.RequestType]ChannelPolicy `yaml:"channels"`
}

// DefaultPolicy returns the built-in channel policy.
func DefaultPolicy() *Policy {
	return &Policy{
		Default: ChannelPolicy{MaxLen: 1000, RetentionSeconds: 3600},
		Channels: map[models.RequestType]ChannelPolicy{
			models.RequestTypeDecision:      {MaxLen: 1000, RetentionSeconds: 3600},
			models.RequestTypeClarification: {MaxLen: 1000, RetentionSeconds: 3600},
			models.RequestTypeEnvVar:        {MaxLen: 500, RetentionSeconds: 1800},
			models.RequestTypeApproval:      {MaxLen: 2000, RetentionSeconds: 7200},
		},
	}
}

// For returns the policy for one request type, falling back to Default.
func (p *Policy) For(t models.RequestType) ChannelPolicy {
	if cp, ok := p.Channels[t]; ok {
		return cp
	}
	return p.Default
}

// LoadPolicy reads the channel policy registry from path. A missing
// file yields the defaults; a malformed one is an error since a partial
// policy silently mis-sizing streams is worse than failing startup.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultPolicy(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}

	policy := DefaultPolicy()
	if err := yaml.Unmarshal(data, policy); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	return policy, nil
}

// EnsurePolicy writes the default policy file if missing.
func EnsurePolicy() error {
	path := PolicyPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	data, err := yaml.Marshal(DefaultPolicy())
	if err != nil {
		return fmt.Errorf("marshal default policy: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write policy: %w", err)
	}
	return nil
}
