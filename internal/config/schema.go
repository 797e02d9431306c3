package config

import (
	"errors"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// configSchema rejects structurally broken config files before unmarshal so a
// typo'd hand edit surfaces as a startup error instead of silent defaults.
const configSchema = `{
  "type": "object",
  "properties": {
    "port": {"type": "integer", "minimum": 1, "maximum": 65535},
    "discovery_port": {"type": "integer", "minimum": 1, "maximum": 65535},
    "password_hash": {"type": "string"},
    "setup_complete": {"type": "boolean"},
    "mobile_api_enabled": {"type": "boolean"},
    "toggles": {
      "type": "object",
      "additionalProperties": {"type": "boolean"}
    },
    "allowed_roots": {
      "type": "array",
      "items": {"type": "string", "minLength": 1}
    },
    "stale_after_days": {"type": "integer", "minimum": 1},
    "log_level": {"type": "string"}
  },
  "additionalProperties": false
}`

func validateRaw(raw []byte) error {
	res, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(configSchema),
		gojsonschema.NewBytesLoader(raw),
	)
	if err != nil {
		return err
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}
	return errors.New(strings.Join(msgs, "; "))
}
