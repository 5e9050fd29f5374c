package objectstore

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodePolicy(t *testing.T, raw []byte) bucketPolicy {
	t.Helper()
	var p bucketPolicy
	require.NoError(t, json.Unmarshal(raw, &p))
	return p
}

func principals(p bucketPolicy, kind string) []string {
	var out []string
	for _, s := range p.Statement {
		principal, ok := s["Principal"].(map[string]any)
		if !ok {
			continue
		}
		members, ok := principal[kind].([]any)
		if !ok {
			continue
		}
		for _, m := range members {
			out = append(out, m.(string))
		}
	}
	return out
}

func TestEditPolicyFromScratch(t *testing.T) {
	raw, err := EditPolicy(nil, "nlds.tid-1", "gws", AccessPolicyConfig{})
	require.NoError(t, err)

	p := decodePolicy(t, raw)
	assert.Equal(t, "2008-10-17", p.Version)
	assert.Equal(t, "nlds.tid-1 policy", p.ID)
	assert.Equal(t, []string{"nlds"}, principals(p, "user"))
	assert.Equal(t, []string{"gws"}, principals(p, "group"))
}

func TestEditPolicyReplacesServiceStatement(t *testing.T) {
	first, err := EditPolicy(nil, "nlds.tid-2", "gws", AccessPolicyConfig{})
	require.NoError(t, err)
	second, err := EditPolicy(first, "nlds.tid-2", "gws", AccessPolicyConfig{})
	require.NoError(t, err)

	p := decodePolicy(t, second)
	assert.Equal(t, []string{"nlds"}, principals(p, "user"),
		"reapplying must not duplicate the service statement")
	assert.Equal(t, []string{"gws"}, principals(p, "group"))
}

func TestEditPolicyPreservesEditedGroupStatement(t *testing.T) {
	existing := []byte(`{
		"Version": "2008-10-17",
		"Id": "nlds.tid-3 policy",
		"Statement": [{
			"Sid": "group-read",
			"Effect": "Allow",
			"Principal": {"group": ["gws"]},
			"Action": ["s3:GetObject", "s3:ListBucket", "s3:PutObject"]
		}]
	}`)

	raw, err := EditPolicy(existing, "nlds.tid-3", "gws", AccessPolicyConfig{})
	require.NoError(t, err)

	p := decodePolicy(t, raw)
	var groupActions []any
	for _, s := range p.Statement {
		if principalLists(s, "group", "gws") {
			groupActions = s["Action"].([]any)
		}
	}
	assert.Contains(t, groupActions, "s3:PutObject",
		"a group admin's edits survive the reapply")
}

func TestEditPolicyCustomTemplates(t *testing.T) {
	config := AccessPolicyConfig{
		ServiceUser: "nlds-svc",
		NLDSUser: map[string]any{
			"Effect": "Allow",
			"Action": []any{"s3:*"},
		},
	}
	raw, err := EditPolicy(nil, "nlds.tid-4", "ops", config)
	require.NoError(t, err)

	p := decodePolicy(t, raw)
	assert.Equal(t, []string{"nlds-svc"}, principals(p, "user"))
}

func TestEndpointURL(t *testing.T) {
	cases := []struct {
		tenancy string
		secure  bool
		want    string
	}{
		{"s3.example.ac.uk", false, "http://s3.example.ac.uk"},
		{"s3.example.ac.uk", true, "https://s3.example.ac.uk"},
		{"https://explicit.example", false, "https://explicit.example"},
	}
	for _, c := range cases {
		cfg := Config{Tenancy: c.tenancy, RequireSecure: c.secure}
		assert.Equal(t, c.want, cfg.EndpointURL())
	}
}
