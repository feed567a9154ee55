package engine

import (
	"testing"

	"github.com/smilemakc/mbflow/pkg/models"
)

func TestBuildServiceInputs_SchemaDrivenCredential(t *testing.T) {
	workflow := &models.Workflow{
		ID: "wf-1",
		Nodes: []*models.Node{
			{ID: "model-1", Type: "llm", Config: map[string]interface{}{
				"provider": "openai",
				"api_key":  "sk-test-123",
			}},
			{ID: "agent-1", Type: "agent"},
		},
		Edges: []*models.Edge{
			{ID: "e1", From: "model-1", To: "agent-1", TargetHandle: "model"},
		},
	}

	agent := workflow.Nodes[1]
	inputs := BuildServiceInputs(workflow, agent)

	refs, ok := inputs["model"]
	if !ok || len(refs) != 1 {
		t.Fatalf("expected one ref under 'model' socket, got %#v", inputs)
	}

	creds := refs[0].Credentials
	if got := creds["openai"]; got != "sk-test-123" {
		t.Errorf("expected schema-mapped credential under allowedTypes[0] 'openai', got %#v", creds)
	}
}

func TestBuildServiceInputs_CredPrefixFallback(t *testing.T) {
	workflow := &models.Workflow{
		ID: "wf-2",
		Nodes: []*models.Node{
			{ID: "tool-1", Type: "custom_tool", Config: map[string]interface{}{
				"cred_token": "abc123",
				"endpoint":   "https://example.com",
			}},
			{ID: "agent-1", Type: "agent"},
		},
		Edges: []*models.Edge{
			{ID: "e1", From: "tool-1", To: "agent-1", TargetHandle: "tools"},
		},
	}

	agent := workflow.Nodes[1]
	inputs := BuildServiceInputs(workflow, agent)

	refs := inputs["tools"]
	if len(refs) != 1 {
		t.Fatalf("expected one ref under 'tools' socket, got %#v", inputs)
	}

	creds := refs[0].Credentials
	if got := creds["token"]; got != "abc123" {
		t.Errorf("expected fallback-mapped credential under 'token', got %#v", creds)
	}
	if _, ok := creds["endpoint"]; ok {
		t.Errorf("non-credential parameter leaked into credentials map: %#v", creds)
	}
}

func TestBuildServiceInputs_SchemaTakesPrecedenceOverUnmappedFallback(t *testing.T) {
	workflow := &models.Workflow{
		ID: "wf-3",
		Nodes: []*models.Node{
			{ID: "model-1", Type: "llm", Config: map[string]interface{}{
				"api_key":         "sk-test-456",
				"cred_extra_flag": "enabled",
			}},
			{ID: "agent-1", Type: "agent"},
		},
		Edges: []*models.Edge{
			{ID: "e1", From: "model-1", To: "agent-1", TargetHandle: "model"},
		},
	}

	agent := workflow.Nodes[1]
	inputs := BuildServiceInputs(workflow, agent)
	creds := inputs["model"][0].Credentials

	if got := creds["openai"]; got != "sk-test-456" {
		t.Errorf("expected schema-mapped api_key under 'openai', got %#v", creds)
	}
	if got := creds["extra_flag"]; got != "enabled" {
		t.Errorf("expected unmapped cred_ parameter to still fall back, got %#v", creds)
	}
}

func TestCredentialPropertiesFor_UnknownNodeType(t *testing.T) {
	if props := credentialPropertiesFor("nonexistent_type"); props != nil {
		t.Errorf("expected no credential properties for unregistered node type, got %#v", props)
	}
}
