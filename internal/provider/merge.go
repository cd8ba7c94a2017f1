package provider

import (
	"fmt"
	"regexp"
	"strings"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

var unresolvedPlaceholder = regexp.MustCompile(`\{([a-z0-9_]+)\}`)

// templatedFields are expanded from like-named fields and, when relative,
// joined onto base_url.
var templatedFields = []string{
	"authorization_url",
	"token_url",
	"userinfo_url",
	"logout_url",
	"issuer",
	"discovery_url",
	"jwks_uri",
	"admin_consent_url",
}

// Merge layers override on top of base. Non-empty scalars and lists in
// override replace the base value, maps are merged key by key, session policy
// fields are taken from override when set and RequiredProperties is the
// ordered union of both.
func Merge(base, override Config) (Config, error) {
	dst := base.clone()
	src := override.clone()

	required := unionStrings(dst.RequiredProperties, src.RequiredProperties)
	policy := dst.Session
	policy.overlay(src.Session)
	openID := dst.OpenIDConfiguration
	if src.OpenIDConfiguration != nil {
		openID = src.OpenIDConfiguration
	}
	explicit := dst.explicit
	for key := range src.explicit {
		if explicit == nil {
			explicit = make(map[string]struct{})
		}
		explicit[key] = struct{}{}
	}

	dst.Session, src.Session = SessionPolicy{}, SessionPolicy{}
	dst.OpenIDConfiguration, src.OpenIDConfiguration = nil, nil
	dst.explicit, src.explicit = nil, nil

	if err := mergo.Merge(&dst, src, mergo.WithOverride); err != nil {
		return Config{}, fmt.Errorf("failed to merge provider config: %w", err)
	}

	dst.RequiredProperties = required
	dst.Session = policy
	dst.OpenIDConfiguration = openID
	dst.explicit = explicit

	return dst, nil
}

// Resolve layers an instance's YAML settings on top of the named preset.
// Instance scalars win, lists replace, maps merge and RequiredProperties is
// unioned. Placeholders are then expanded.
func (r *Registry) Resolve(key string, instance *yaml.Node) (*Config, error) {
	preset, ok := r.Preset(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPreset, key)
	}

	cfg := preset.clone()
	if instance != nil && instance.Kind != 0 {
		if instance.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("provider settings must be a mapping (line %d)", instance.Line)
		}
		if err := instance.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("failed to decode provider settings: %w", err)
		}
		for i := 0; i+1 < len(instance.Content); i += 2 {
			cfg.MarkExplicit(instance.Content[i].Value)
		}
	}

	cfg.RequiredProperties = unionStrings(preset.RequiredProperties, cfg.RequiredProperties)
	cfg.ExpandPlaceholders()

	return &cfg, nil
}

// ExpandPlaceholders substitutes `{key}` tokens in base_url, the URL templates
// and additional parameter values with the like-named string fields. Unknown
// or empty keys are left intact. Relative URL templates are joined onto
// base_url.
func (c *Config) ExpandPlaceholders() {
	c.BaseURL = strings.TrimSuffix(c.expand(c.BaseURL), "/")

	for _, key := range templatedFields {
		v, _ := c.field(key)
		value := c.expand(v.String())
		if strings.HasPrefix(value, "/") && c.BaseURL != "" {
			value = c.BaseURL + value
		}
		v.SetString(value)
	}

	for _, params := range []map[string]string{
		c.AdditionalAuthParameters,
		c.AdditionalTokenParameters,
		c.AdditionalLogoutParameters,
	} {
		for k, v := range params {
			params[k] = c.expand(v)
		}
	}
}

func (c *Config) expand(template string) string {
	if !strings.Contains(template, "{") {
		return template
	}
	return unresolvedPlaceholder.ReplaceAllStringFunc(template, func(token string) string {
		key := token[1 : len(token)-1]
		if value, ok := c.Lookup(key); ok && value != "" {
			return value
		}
		return token
	})
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}
