package backlog

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// backlogSchemaJSON is the structural contract a backlog file must satisfy
// before the orchestrator will touch it. It deliberately allows unknown
// properties so older flywheels can read documents written by newer ones.
const backlogSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["issues", "implemented"],
  "properties": {
    "issues": {"type": "array", "items": {"$ref": "#/$defs/issue"}},
    "implemented": {"type": "array", "items": {"$ref": "#/$defs/issue"}},
    "lastUpdated": {"type": "string"}
  },
  "$defs": {
    "issue": {
      "type": "object",
      "required": ["id", "title", "section", "votes", "status"],
      "properties": {
        "id": {"type": "string", "pattern": "^[0-9]+\\.[0-9]+$"},
        "title": {"type": "string", "minLength": 1},
        "section": {"type": "string"},
        "votes": {"type": "integer", "minimum": 0},
        "status": {"enum": ["open", "implemented", "closed"]},
        "symptoms": {"type": "array", "items": {"type": "string"}},
        "expectedBehavior": {"type": "string"},
        "workaround": {"type": "string"},
        "suspectedFiles": {"type": "array", "items": {"type": "string"}},
        "fixAttempts": {"type": "array", "items": {"$ref": "#/$defs/attempt"}},
        "source": {"type": "string"},
        "sourceTests": {"type": "array", "items": {"type": "string"}}
      }
    },
    "attempt": {
      "type": "object",
      "required": ["date", "crank", "outcome"],
      "properties": {
        "date": {"type": "string"},
        "crank": {"type": "integer", "minimum": 0},
        "outcome": {"enum": ["fixed", "failed", "reverted", "partial"]},
        "details": {"type": "string"},
        "files": {"type": "array", "items": {"type": "string"}},
        "shsDelta": {"type": "number"}
      }
    }
  }
}`

func compileBacklogSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("backlog.schema.json", strings.NewReader(backlogSchemaJSON)); err != nil {
		panic("backlog schema resource: " + err.Error())
	}
	sch, err := c.Compile("backlog.schema.json")
	if err != nil {
		panic("backlog schema compile: " + err.Error())
	}
	return sch
}

var backlogSchema = compileBacklogSchema()
