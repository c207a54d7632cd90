package devices

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/KevinKickass/OpenLabCore/internal/types"
	"gopkg.in/yaml.v3"
)

var definitionExts = []string{".yaml", ".yml", ".json"}

// DefinitionLoader reads device definition files (YAML or JSON) from a set
// of search paths. A file holds one device or a list under "devices".
type DefinitionLoader struct {
	cache       sync.Map
	validator   *Validator
	searchPaths []string
}

func NewDefinitionLoader(searchPaths []string) (*DefinitionLoader, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}

	return &DefinitionLoader{
		validator:   validator,
		searchPaths: searchPaths,
	}, nil
}

func (l *DefinitionLoader) Validator() *Validator {
	return l.validator
}

// Load finds name (without extension) in the search paths.
func (l *DefinitionLoader) Load(name string) ([]types.Device, error) {
	// Cache-Check
	if cached, ok := l.cache.Load(name); ok {
		return cached.([]types.Device), nil
	}

	for _, searchPath := range l.searchPaths {
		for _, ext := range definitionExts {
			fullPath := filepath.Join(searchPath, name+ext)
			if _, err := os.Stat(fullPath); err != nil {
				continue
			}
			devices, err := l.LoadFile(fullPath)
			if err != nil {
				return nil, err
			}
			l.cache.Store(name, devices)
			return devices, nil
		}
	}

	return nil, fmt.Errorf("device definition not found: %s (searched in: %v)", name, l.searchPaths)
}

// LoadAll reads every definition file directly inside the search paths.
// Missing directories are skipped; duplicate device ids are an error.
func (l *DefinitionLoader) LoadAll() ([]types.Device, error) {
	var (
		all  []types.Device
		seen = make(map[string]string)
		errs []error
	)

	for _, searchPath := range l.searchPaths {
		entries, err := os.ReadDir(searchPath)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", searchPath, err)
		}

		names := make([]string, 0, len(entries))
		for _, entry := range entries {
			if entry.IsDir() || !isDefinitionFile(entry.Name()) {
				continue
			}
			names = append(names, entry.Name())
		}
		sort.Strings(names)

		for _, name := range names {
			path := filepath.Join(searchPath, name)
			devices, err := l.LoadFile(path)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			for _, d := range devices {
				if prev, dup := seen[d.ID]; dup {
					errs = append(errs, fmt.Errorf("device %s defined in %s and %s", d.ID, prev, path))
					continue
				}
				seen[d.ID] = path
				all = append(all, d)
			}
		}
	}

	return all, errors.Join(errs...)
}

// LoadFile parses and validates one definition file.
func (l *DefinitionLoader) LoadFile(path string) ([]types.Device, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}

	docs, err := splitDocuments(path, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	devices := make([]types.Device, 0, len(docs))
	for _, doc := range docs {
		d, err := l.decode(doc)
		if err != nil {
			return nil, fmt.Errorf("validation failed for %s: %w", path, err)
		}
		devices = append(devices, d)
	}
	return devices, nil
}

// decode validates one definition document and turns it into a Device.
func (l *DefinitionLoader) decode(doc json.RawMessage) (types.Device, error) {
	if err := l.validator.ValidateJSON(doc); err != nil {
		return types.Device{}, err
	}

	d := types.Device{Enabled: true}
	if err := json.Unmarshal(doc, &d); err != nil {
		return types.Device{}, &types.ConfigError{Field: "definition", Err: err}
	}
	d.Status = types.DeviceStatusOffline

	if err := l.validator.ValidateDevice(d); err != nil {
		return types.Device{}, err
	}
	return d, nil
}

// splitDocuments normalizes YAML to JSON and unwraps a "devices" list.
func splitDocuments(path string, data []byte) ([]json.RawMessage, error) {
	var raw []byte
	if strings.EqualFold(filepath.Ext(path), ".json") {
		raw = data
	} else {
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
		converted, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("convert YAML: %w", err)
		}
		raw = converted
	}

	var wrapper struct {
		Devices []json.RawMessage `json:"devices"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if wrapper.Devices != nil {
		return wrapper.Devices, nil
	}
	return []json.RawMessage{raw}, nil
}

func isDefinitionFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range definitionExts {
		if ext == e {
			return true
		}
	}
	return false
}

func (l *DefinitionLoader) ClearCache() {
	l.cache.Range(func(key, value interface{}) bool {
		l.cache.Delete(key)
		return true
	})
}
