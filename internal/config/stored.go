package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// StoredConfigKey is the config_entries key holding the runtime-managed
// config document served by the config.* RPC methods. The document is
// persisted and validated only; the running process is not reconfigured.
const StoredConfigKey = "runtime/config"

// PendingWakeKey is the config_entries key where a mode=next-heartbeat
// hook wake parks until the next tick consumes it.
const PendingWakeKey = "runtime/pending_wake"

// storedSchemaJSON is the JSON Schema the config.* RPC methods validate
// against. Top-level keys are closed so typos are rejected instead of
// silently stored.
const storedSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "title": "Reclaw runtime config",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "host": {"type": "string"},
    "port": {"type": "integer", "minimum": 1, "maximum": 65535},
    "authMode": {"type": "string", "enum": ["token", "password", "none"]},
    "gatewayToken": {"type": "string"},
    "gatewayPassword": {"type": "string"},
    "dbPath": {"type": "string"},
    "maxFrameBytes": {"type": "integer", "minimum": 1024},
    "maxQueueFrames": {"type": "integer", "minimum": 1},
    "handshakeTimeoutMs": {"type": "integer", "minimum": 100},
    "tickIntervalMs": {"type": "integer", "minimum": 100},
    "authMaxAttempts": {"type": "integer", "minimum": 1},
    "authWindowMs": {"type": "integer", "minimum": 1000},
    "rateLimitPerMinute": {"type": "integer", "minimum": 1},
    "cronEnabled": {"type": "boolean"},
    "cronPollMs": {"type": "integer", "minimum": 100},
    "cronRunsLimit": {"type": "integer", "minimum": 1},
    "hooksEnabled": {"type": "boolean"},
    "hooksToken": {"type": "string"},
    "hooksPath": {"type": "string"},
    "hooksMaxBodyBytes": {"type": "integer", "minimum": 1},
    "hooksAllowRequestSessionKey": {"type": "boolean"},
    "hooksDefaultSessionKey": {"type": "string"},
    "hooksDefaultAgentId": {"type": "string"},
    "hooksMappings": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "properties": {
          "match": {
            "type": "object",
            "additionalProperties": false,
            "properties": {
              "path": {"type": "string"},
              "source": {"type": "string"}
            }
          },
          "action": {"type": "string", "enum": ["agent", "wake"]},
          "messageTemplate": {"type": "string"},
          "textTemplate": {"type": "string"},
          "sessionKey": {"type": "string"},
          "agentId": {"type": "string"},
          "deferred": {"type": "boolean"},
          "mode": {"type": "string", "enum": ["now", "next-heartbeat"]}
        },
        "required": ["action"]
      }
    },
    "channelsInboundToken": {"type": "string"},
    "channels": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "additionalProperties": false,
        "properties": {
          "webhookToken": {"type": "string"},
          "webhookSecret": {"type": "string"},
          "outboundUrl": {"type": "string"},
          "outboundToken": {"type": "string"},
          "apiBaseUrl": {"type": "string"}
        }
      }
    },
    "channelWebhookPlugins": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "properties": {
          "channel": {"type": "string"},
          "url": {"type": "string"},
          "token": {"type": "string"},
          "timeoutMs": {"type": "integer", "minimum": 1}
        },
        "required": ["channel", "url"]
      }
    },
    "openaiChatCompletionsEnabled": {"type": "boolean"},
    "openresponsesEnabled": {"type": "boolean"},
    "executor": {"type": "string", "enum": ["echo", "genkit"]},
    "geminiApiKey": {"type": "string"},
    "logLevel": {"type": "string", "enum": ["debug", "info", "warn", "error"]},
    "jsonLogs": {"type": "boolean"},
    "quiet": {"type": "boolean"},
    "otel": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "exporter": {"type": "string", "enum": ["stdout", "otlp"]},
        "endpoint": {"type": "string"},
        "serviceName": {"type": "string"},
        "sampleRate": {"type": "number", "minimum": 0, "maximum": 1}
      }
    },
    "runtimeVersion": {"type": "string"}
  }
}`

var (
	storedSchemaOnce sync.Once
	storedSchema     *jsonschema.Schema
	storedSchemaErr  error
)

// StoredSchemaJSON returns the raw schema document served by config.schema.
func StoredSchemaJSON() json.RawMessage {
	return json.RawMessage(storedSchemaJSON)
}

func compiledStoredSchema() (*jsonschema.Schema, error) {
	storedSchemaOnce.Do(func() {
		// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
		// validator requires.
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(storedSchemaJSON))
		if err != nil {
			storedSchemaErr = fmt.Errorf("unmarshal config schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("config.schema.json", doc); err != nil {
			storedSchemaErr = fmt.Errorf("add config schema resource: %w", err)
			return
		}
		storedSchema, storedSchemaErr = c.Compile("config.schema.json")
	})
	return storedSchema, storedSchemaErr
}

// ValidateStored checks a candidate config document against the schema.
func ValidateStored(doc json.RawMessage) error {
	schema, err := compiledStoredSchema()
	if err != nil {
		return err
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(doc)))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(parsed); err != nil {
		return err
	}
	return nil
}

// MergePatch applies an RFC 7386 merge patch to the target document:
// null deletes a key, objects merge recursively, everything else replaces.
func MergePatch(target, patch json.RawMessage) (json.RawMessage, error) {
	var targetVal any
	if len(target) > 0 {
		if err := json.Unmarshal(target, &targetVal); err != nil {
			return nil, fmt.Errorf("invalid target document: %w", err)
		}
	}
	var patchVal any
	if err := json.Unmarshal(patch, &patchVal); err != nil {
		return nil, fmt.Errorf("invalid patch document: %w", err)
	}
	merged := applyMergePatch(targetVal, patchVal)
	out, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func applyMergePatch(target, patch any) any {
	patchObj, ok := patch.(map[string]any)
	if !ok {
		return patch
	}
	targetObj, ok := target.(map[string]any)
	if !ok {
		targetObj = make(map[string]any)
	}
	for key, val := range patchObj {
		if val == nil {
			delete(targetObj, key)
			continue
		}
		targetObj[key] = applyMergePatch(targetObj[key], val)
	}
	return targetObj
}
