package rule

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseInstance parses a single rule instance from YAML bytes.
func ParseInstance(data []byte) (*Instance, error) {
	var inst Instance
	if err := yaml.Unmarshal(data, &inst); err != nil {
		return nil, fmt.Errorf("failed to parse rule instance: %w", err)
	}
	if err := inst.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rule instance: %w", err)
	}
	return &inst, nil
}

// ParseInstances parses a YAML list of rule instances, falling back to the
// single-document form.
func ParseInstances(data []byte) ([]*Instance, error) {
	var instances []*Instance
	if err := yaml.Unmarshal(data, &instances); err != nil {
		inst, singleErr := ParseInstance(data)
		if singleErr != nil {
			return nil, fmt.Errorf("failed to parse rule instances: %w", err)
		}
		return []*Instance{inst}, nil
	}

	for i, inst := range instances {
		if err := inst.Validate(); err != nil {
			return nil, fmt.Errorf("rule instance %d: %w", i, err)
		}
	}
	return instances, nil
}

// LoadDir reads every .yaml/.yml file under dir. Instance ids must be unique
// across files.
func LoadDir(dir string) ([]*Instance, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk rules dir: %w", err)
	}
	sort.Strings(files)

	seen := make(map[string]string)
	var all []*Instance
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		instances, err := ParseInstances(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		for _, inst := range instances {
			if prev, dup := seen[inst.ID]; dup {
				return nil, fmt.Errorf("%s: rule instance %s already defined in %s", path, inst.ID, prev)
			}
			seen[inst.ID] = path
			all = append(all, inst)
		}
	}
	return all, nil
}

// Check validates an instance against the registry: its type must exist and
// its params must decode.
func Check(reg *Registry, inst *Instance) error {
	def, err := reg.Resolve(inst.TypeID)
	if err != nil {
		return err
	}
	if _, err := DecodeParams(def, inst.Params); err != nil {
		return err
	}
	return nil
}
