package devices

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	_ "embed"

	"github.com/KevinKickass/OpenLabCore/internal/types"
	"github.com/go-playground/validator/v10"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/device-config-v1.json
var deviceConfigSchemaJSON string

// Validator checks device definitions in two passes: the JSON schema on the
// raw document, then the struct tags on the decoded types.
type Validator struct {
	schema  *jsonschema.Schema
	structs *validator.Validate
}

func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()

	if err := compiler.AddResource("device-config-v1.json",
		strings.NewReader(deviceConfigSchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	schema, err := compiler.Compile("device-config-v1.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	structs := validator.New(validator.WithRequiredStructEnabled())
	structs.RegisterTagNameFunc(func(field reflect.StructField) string {
		return jsonName(field.Tag.Get("json"))
	})

	return &Validator{schema: schema, structs: structs}, nil
}

// ValidateDocument validates a decoded JSON (or YAML) document against the
// device definition schema.
func (v *Validator) ValidateDocument(doc any) error {
	if err := v.schema.Validate(doc); err != nil {
		return &types.ConfigError{DeviceID: documentID(doc), Field: "definition", Err: err}
	}
	return nil
}

// ValidateJSON is ValidateDocument for raw JSON bytes.
func (v *Validator) ValidateJSON(data []byte) error {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return &types.ConfigError{Field: "definition", Err: fmt.Errorf("invalid JSON: %w", err)}
	}
	return v.ValidateDocument(doc)
}

// ValidateDevice runs the struct rules on a device and its connection config.
func (v *Validator) ValidateDevice(d types.Device) error {
	if err := v.structs.Struct(d); err != nil {
		return structError(d.ID, err)
	}
	if d.Config != nil {
		return v.ValidateConfig(d.ID, *d.Config)
	}
	return nil
}

// ValidateConfig checks struct rules and that exactly the matching parameter
// set is present.
func (v *Validator) ValidateConfig(deviceID string, cfg types.DeviceConnectionConfig) error {
	if err := v.structs.Struct(cfg); err != nil {
		return structError(deviceID, err)
	}
	if _, err := cfg.Params(); err != nil {
		var cfgErr *types.ConfigError
		if errors.As(err, &cfgErr) {
			cfgErr.DeviceID = deviceID
		}
		return err
	}
	return nil
}

func structError(deviceID string, err error) error {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		first := fieldErrs[0]
		_, field, _ := strings.Cut(first.Namespace(), ".")
		return &types.ConfigError{
			DeviceID: deviceID,
			Field:    field,
			Err:      fmt.Errorf("failed on %q rule", first.Tag()),
		}
	}
	return &types.ConfigError{DeviceID: deviceID, Err: err}
}

func documentID(doc any) string {
	if obj, ok := doc.(map[string]any); ok {
		if id, ok := obj["id"].(string); ok {
			return id
		}
	}
	return ""
}

func jsonName(tag string) string {
	name, _, _ := strings.Cut(tag, ",")
	if name == "-" {
		return ""
	}
	return name
}
