package engine

import (
	"strings"
	"sync"
)

// PropertyType classifies a node-type's configuration property the way a
// node definition's property schema does: most properties are plain scalars,
// but a property can be declared as a credential reference instead.
type PropertyType string

const (
	PropertyTypeString     PropertyType = "string"
	PropertyTypeCredential PropertyType = "credential"
)

// NodeProperty describes one configuration property a node type exposes.
// AllowedTypes names the credential type(s) this property may satisfy when
// Type is PropertyTypeCredential; the first entry is the canonical name used
// to key the resolved credentials map.
type NodeProperty struct {
	Name         string
	Type         PropertyType
	AllowedTypes []string
}

// NodeDefinition is a node type's property schema: the set of configuration
// properties an executor of that type accepts, including which of them are
// credential references.
type NodeDefinition struct {
	NodeType   string
	Properties []NodeProperty
}

// NodeSchemaRegistry looks up a node type's property schema.
type NodeSchemaRegistry interface {
	GetNodeDefinition(nodeType string) (*NodeDefinition, bool)
	RegisterNodeDefinition(def *NodeDefinition)
}

// schemaRegistry is the default in-memory NodeSchemaRegistry implementation,
// mirroring the executor.Registry pattern: a mutex-guarded map keyed by node
// type, populated at startup and read concurrently during execution.
type schemaRegistry struct {
	mu   sync.RWMutex
	defs map[string]*NodeDefinition
}

// NewNodeSchemaRegistry creates an empty schema registry.
func NewNodeSchemaRegistry() NodeSchemaRegistry {
	return &schemaRegistry{defs: make(map[string]*NodeDefinition)}
}

func (r *schemaRegistry) GetNodeDefinition(nodeType string) (*NodeDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[nodeType]
	return def, ok
}

func (r *schemaRegistry) RegisterNodeDefinition(def *NodeDefinition) {
	if def == nil || def.NodeType == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.NodeType] = def
}

// DefaultNodeSchemas is the process-wide registry consulted by
// BuildServiceInputs for the schema-driven credential mapping. Callers
// embedding this package can register additional node-type schemas (for
// custom executors) via DefaultNodeSchemas.RegisterNodeDefinition.
var DefaultNodeSchemas = NewNodeSchemaRegistry()

func init() {
	DefaultNodeSchemas.RegisterNodeDefinition(&NodeDefinition{
		NodeType: "llm",
		Properties: []NodeProperty{
			{Name: "api_key", Type: PropertyTypeCredential, AllowedTypes: []string{"openai", "anthropic", "gemini"}},
		},
	})
	DefaultNodeSchemas.RegisterNodeDefinition(&NodeDefinition{
		NodeType: "google_sheets",
		Properties: []NodeProperty{
			{Name: "credentials", Type: PropertyTypeCredential, AllowedTypes: []string{"google"}},
		},
	})
	DefaultNodeSchemas.RegisterNodeDefinition(&NodeDefinition{
		NodeType: "google_drive",
		Properties: []NodeProperty{
			{Name: "credentials", Type: PropertyTypeCredential, AllowedTypes: []string{"google"}},
		},
	})
}

// credentialPropertiesFor reports the credential-typed properties declared
// for nodeType, or nil if the type has no registered schema.
func credentialPropertiesFor(nodeType string) []NodeProperty {
	def, ok := DefaultNodeSchemas.GetNodeDefinition(nodeType)
	if !ok {
		return nil
	}
	var creds []NodeProperty
	for _, prop := range def.Properties {
		if prop.Type == PropertyTypeCredential && len(prop.AllowedTypes) > 0 {
			creds = append(creds, prop)
		}
	}
	return creds
}

// credentialsFromSchema maps params through nodeType's property schema: each
// declared credential property's value is keyed under its AllowedTypes[0].
// Parameters consumed this way are returned in consumed so the cred_-prefix
// fallback only applies to what the schema left unmapped.
func credentialsFromSchema(nodeType string, params map[string]interface{}) (creds map[string]interface{}, consumed map[string]bool) {
	props := credentialPropertiesFor(nodeType)
	if len(props) == 0 {
		return nil, nil
	}

	consumed = make(map[string]bool)
	for _, prop := range props {
		value, ok := params[prop.Name]
		if !ok {
			continue
		}
		if creds == nil {
			creds = make(map[string]interface{})
		}
		creds[prop.AllowedTypes[0]] = value
		consumed[prop.Name] = true
	}
	return creds, consumed
}

// credentialsFromParameters synthesizes a credentials map from a source
// node's parameters. It first maps parameters through the node type's
// property schema (allowedTypes[0] -> parameterValue for each declared
// credential property); any remaining "cred_"-prefixed parameter not already
// consumed by the schema scan is then preserved under its parameter name with
// the prefix stripped.
func credentialsFromParameters(nodeType string, params map[string]interface{}) map[string]interface{} {
	creds, consumed := credentialsFromSchema(nodeType, params)

	for k, v := range params {
		if consumed[k] || !strings.HasPrefix(k, "cred_") {
			continue
		}
		if creds == nil {
			creds = make(map[string]interface{})
		}
		creds[strings.TrimPrefix(k, "cred_")] = v
	}

	return creds
}
