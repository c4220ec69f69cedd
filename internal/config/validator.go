package config

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// configSchema is the JSON Schema the raw config file must satisfy before
// unmarshalling. Structural errors surface here with field paths instead of
// as mapstructure noise.
const configSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "agent_id": {"type": "string"},
    "workspace_path": {"type": "string"},
    "data_dir": {"type": "string"},
    "logging": {
      "type": "object",
      "properties": {
        "level": {"enum": ["trace", "debug", "info", "warn", "error"]},
        "file": {"type": "string"},
        "pretty": {"type": "boolean"},
        "redaction": {"type": "boolean"}
      },
      "additionalProperties": false
    },
    "metrics": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "addr": {"type": "string"}
      },
      "additionalProperties": false
    },
    "memory": {
      "type": "object",
      "properties": {
        "provider": {"enum": ["openai", "ollama", "auto", "none"]},
        "model": {"type": "string"},
        "openai_api_key": {"type": "string"},
        "openai_base_url": {"type": "string"},
        "ollama_url": {"type": "string"},
        "fallback_provider": {"enum": ["", "openai", "ollama", "none"]},
        "fallback_model": {"type": "string"},
        "sources": {
          "type": "array",
          "items": {"enum": ["memory", "sessions"]}
        },
        "extra_paths": {"type": "array", "items": {"type": "string"}},
        "sessions_dir": {"type": "string"},
        "chunk_tokens": {"type": "integer", "minimum": 1},
        "chunk_overlap": {"type": "integer", "minimum": 0},
        "index_concurrency": {"type": "integer", "minimum": 1},
        "cache_max_entries": {"type": "integer", "minimum": 0},
        "batch": {
          "type": "object",
          "properties": {
            "enabled": {"type": "boolean"},
            "concurrency": {"type": "integer", "minimum": 1},
            "failure_threshold": {"type": "integer", "minimum": 1},
            "poll_interval": {"type": "string"},
            "poll_timeout": {"type": "string"}
          },
          "additionalProperties": false
        },
        "search": {
          "type": "object",
          "properties": {
            "hybrid": {"type": "boolean"},
            "vector_weight": {"type": "number", "minimum": 0, "maximum": 1},
            "text_weight": {"type": "number", "minimum": 0, "maximum": 1},
            "candidate_multiplier": {"type": "integer", "minimum": 1},
            "mmr_lambda": {"type": "number", "minimum": 0, "maximum": 1},
            "half_life_days": {"type": "number", "minimum": 0},
            "min_score": {"type": "number", "minimum": 0, "maximum": 1},
            "max_results": {"type": "integer", "minimum": 1},
            "sync_on_search": {"type": "boolean"}
          },
          "additionalProperties": false
        },
        "session_delta": {
          "type": "object",
          "properties": {
            "bytes": {"type": "integer", "minimum": 0},
            "messages": {"type": "integer", "minimum": 0},
            "debounce": {"type": "string"}
          },
          "additionalProperties": false
        }
      },
      "additionalProperties": false
    }
  },
  "additionalProperties": false
}`

// ValidateSchema checks a raw JSON config document against the schema.
func ValidateSchema(raw []byte) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(configSchema),
		gojsonschema.NewBytesLoader(raw),
	)
	if err != nil {
		return fmt.Errorf("config is not valid JSON: %w", err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// Validate performs semantic checks the schema cannot express.
func Validate(cfg *Config) []error {
	var errs []error

	if cfg.WorkspacePath == "" {
		errs = append(errs, fmt.Errorf("workspace_path is required"))
	}
	if cfg.Memory.Provider == "openai" && cfg.Memory.OpenAIAPIKey == "" {
		errs = append(errs, fmt.Errorf("memory.provider is openai but no API key is configured"))
	}
	if w := cfg.Memory.Search.VectorWeight + cfg.Memory.Search.TextWeight; w > 0 && (w < 0.99 || w > 1.01) {
		errs = append(errs, fmt.Errorf("memory.search vector_weight and text_weight must sum to 1, got %.2f", w))
	}
	if cfg.Memory.ChunkOverlap > 0 && cfg.Memory.ChunkTokens > 0 && cfg.Memory.ChunkOverlap >= cfg.Memory.ChunkTokens {
		errs = append(errs, fmt.Errorf("memory.chunk_overlap must be smaller than chunk_tokens"))
	}

	return errs
}
