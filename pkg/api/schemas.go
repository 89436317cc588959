package api

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Request bodies are checked against these before decoding.
var requestSchemas = map[string]string{
	"proposal": `{
		"type": "object",
		"required": ["resource_key", "desired_value"],
		"additionalProperties": false,
		"properties": {
			"resource_key": {"type": "string", "minLength": 1, "maxLength": 512},
			"desired_value": {"type": "string", "maxLength": 65536},
			"dependencies": {"type": "array", "items": {"type": "string", "minLength": 1}, "maxItems": 256},
			"criticality": {"type": "string", "maxLength": 64}
		}
	}`,
	"vote": `{
		"type": "object",
		"required": ["proposal_id", "domain", "approve"],
		"properties": {
			"proposal_id": {"type": "string", "minLength": 1},
			"domain": {"type": "string", "minLength": 1},
			"approve": {"type": "boolean"},
			"cast_at": {"type": "string"}
		}
	}`,
	"promotion": `{
		"type": "object",
		"required": ["candidate_domain"],
		"additionalProperties": false,
		"properties": {
			"candidate_domain": {"type": "string", "minLength": 1},
			"approvals": {"type": "array", "items": {"type": "string", "minLength": 1}},
			"severity": {"type": "integer", "minimum": 0},
			"reason": {"type": "string"},
			"observed_head": {"type": "integer", "minimum": 0}
		}
	}`,
	"heartbeat": `{
		"type": "object",
		"required": ["coordinator", "epoch"],
		"properties": {
			"coordinator": {"type": "string", "minLength": 1},
			"epoch": {"type": "integer", "minimum": 1},
			"at": {"type": "string"}
		}
	}`,
	"signal": `{
		"type": "object",
		"required": ["name", "value", "domain"],
		"properties": {
			"name": {"type": "string", "minLength": 1},
			"value": {"type": "number"},
			"domain": {"type": "string", "minLength": 1},
			"timestamp": {"type": "string"}
		}
	}`,
	"peer_proposal": `{
		"type": "object",
		"required": ["id", "resource_key", "issuing_domain"],
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"resource_key": {"type": "string", "minLength": 1},
			"desired_value": {"type": "string"},
			"issuing_domain": {"type": "string", "minLength": 1},
			"declared_dependencies": {"type": "array", "items": {"type": "string"}},
			"criticality": {"type": "string"},
			"submitted_at": {"type": "string"}
		}
	}`,
	"apply": `{
		"type": "object",
		"required": ["domain", "resource_key", "value", "token"],
		"properties": {
			"domain": {"type": "string", "minLength": 1},
			"resource_key": {"type": "string", "minLength": 1},
			"value": {"type": "string"},
			"token": {
				"type": "object",
				"required": ["resource_key", "epoch", "issuing_domain"],
				"properties": {
					"resource_key": {"type": "string"},
					"epoch": {"type": "integer", "minimum": 1},
					"issuing_domain": {"type": "string", "minLength": 1}
				}
			}
		}
	}`,
}

func compileSchemas() (map[string]*jsonschema.Schema, error) {
	out := make(map[string]*jsonschema.Schema, len(requestSchemas))
	for name, src := range requestSchemas {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://enactor.dev/schemas/%s.schema.json", name)
		if err := c.AddResource(url, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("schema %s load failed: %w", name, err)
		}
		s, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("schema %s compile failed: %w", name, err)
		}
		out[name] = s
	}
	return out, nil
}
