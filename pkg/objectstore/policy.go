package objectstore

import (
	"encoding/json"
	"fmt"
)

// AccessPolicyConfig carries the statement templates for the two parties
// a transaction bucket must admit: the service identity and the owning
// group. The templates come from the deployment config so sites can
// match their store's policy dialect; the Principal is filled in here.
type AccessPolicyConfig struct {
	// ServiceUser is the S3 identity the workers authenticate as.
	ServiceUser string `mapstructure:"service_user" yaml:"service_user,omitempty"`

	// NLDSUser is the statement template granting the service identity
	// full access.
	NLDSUser map[string]any `mapstructure:"nlds_user" yaml:"nlds_user,omitempty"`

	// Group is the statement template granting the owning group read
	// access.
	Group map[string]any `mapstructure:"group" yaml:"group,omitempty"`
}

// ApplyDefaults fills in missing templates with the standard statements.
func (c *AccessPolicyConfig) ApplyDefaults() {
	if c.ServiceUser == "" {
		c.ServiceUser = "nlds"
	}
	if c.NLDSUser == nil {
		c.NLDSUser = map[string]any{
			"Sid":      "nlds-access",
			"Effect":   "Allow",
			"Action":   []any{"s3:*"},
			"Resource": []any{"*"},
		}
	}
	if c.Group == nil {
		c.Group = map[string]any{
			"Sid":      "group-read",
			"Effect":   "Allow",
			"Action":   []any{"s3:GetObject", "s3:ListBucket"},
			"Resource": []any{"*"},
		}
	}
}

type bucketPolicy struct {
	Version   string           `json:"Version"`
	ID        string           `json:"Id"`
	Statement []map[string]any `json:"Statement"`
}

// EditPolicy rewrites a bucket policy document: the service-identity
// statement is replaced, a group statement is added only if the group
// has none yet. A nil current policy starts from an empty template.
func EditPolicy(current []byte, bucket, group string, config AccessPolicyConfig) ([]byte, error) {
	config.ApplyDefaults()

	policy := bucketPolicy{
		Version: "2008-10-17",
		ID:      fmt.Sprintf("%s policy", bucket),
	}
	if len(current) > 0 {
		if err := json.Unmarshal(current, &policy); err != nil {
			return nil, fmt.Errorf("malformed existing policy: %w", err)
		}
	}

	kept := policy.Statement[:0]
	groupPresent := false
	for _, s := range policy.Statement {
		if principalLists(s, "user", config.ServiceUser) {
			continue
		}
		if principalLists(s, "group", group) {
			groupPresent = true
		}
		kept = append(kept, s)
	}
	policy.Statement = kept

	nlds := cloneStatement(config.NLDSUser)
	setPrincipal(nlds, "user", config.ServiceUser)
	policy.Statement = append(policy.Statement, nlds)

	if !groupPresent {
		gs := cloneStatement(config.Group)
		setPrincipal(gs, "group", group)
		policy.Statement = append(policy.Statement, gs)
	}

	return json.Marshal(&policy)
}

// principalLists reports whether the statement's Principal names the
// given member under the given kind.
func principalLists(statement map[string]any, kind, member string) bool {
	principal, ok := statement["Principal"].(map[string]any)
	if !ok {
		return false
	}
	switch v := principal[kind].(type) {
	case string:
		return v == member
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && s == member {
				return true
			}
		}
	}
	return false
}

func setPrincipal(statement map[string]any, kind, member string) {
	principal, ok := statement["Principal"].(map[string]any)
	if !ok {
		principal = map[string]any{}
		statement["Principal"] = principal
	}
	principal[kind] = []any{member}
}

func cloneStatement(tmpl map[string]any) map[string]any {
	out := make(map[string]any, len(tmpl))
	for k, v := range tmpl {
		if m, ok := v.(map[string]any); ok {
			out[k] = cloneStatement(m)
			continue
		}
		out[k] = v
	}
	return out
}
