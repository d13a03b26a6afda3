// Package compose reads the parts of a docker compose file the orchestrator
// cares about.
package compose

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ExcludeLabel marks a service as excluded from health rollup.
const ExcludeLabel = "peep.exclude_from_hc"

type file struct {
	Services map[string]service `yaml:"services"`
}

type service struct {
	ExcludeFromHC bool      `yaml:"exclude_from_hc"`
	Labels        labelList `yaml:"labels"`
}

// labelList accepts both the list ("k=v") and the mapping form of compose labels.
type labelList map[string]string

func (l *labelList) UnmarshalYAML(node *yaml.Node) error {
	out := make(map[string]string)
	switch node.Kind {
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		for _, item := range items {
			key, value, _ := strings.Cut(item, "=")
			out[strings.TrimSpace(key)] = strings.TrimSpace(value)
		}
	case yaml.MappingNode:
		var items map[string]string
		if err := node.Decode(&items); err != nil {
			return err
		}
		for k, v := range items {
			out[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	case yaml.ScalarNode:
		if node.Value != "" && node.Tag != "!!null" {
			return fmt.Errorf("compose: labels must be a list or mapping")
		}
	}
	*l = out
	return nil
}

// ExcludedServices returns the sorted names of services excluded from health
// checks, either via `exclude_from_hc: true` or the ExcludeLabel label.
func ExcludedServices(raw []byte) ([]string, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, nil
	}
	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse compose file: %w", err)
	}
	var names []string
	for name, svc := range f.Services {
		if svc.ExcludeFromHC || truthy(svc.Labels[ExcludeLabel]) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// ServiceNames lists every service declared in the compose file.
func ServiceNames(raw []byte) ([]string, error) {
	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse compose file: %w", err)
	}
	names := make([]string, 0, len(f.Services))
	for name := range f.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func truthy(v string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}

// Render returns the compose file with labels merged into every service and
// the orchestrator-only keys removed, ready to hand to docker compose.
func Render(raw []byte, labels map[string]string) ([]byte, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse compose file: %w", err)
	}
	services, ok := doc["services"].(map[string]any)
	if !ok || len(services) == 0 {
		return nil, fmt.Errorf("compose: no services defined")
	}
	for name, value := range services {
		svc, ok := value.(map[string]any)
		if !ok {
			svc = map[string]any{}
		}
		delete(svc, "exclude_from_hc")
		merged := make(map[string]any)
		switch existing := svc["labels"].(type) {
		case map[string]any:
			for k, v := range existing {
				merged[k] = fmt.Sprint(v)
			}
		case []any:
			for _, item := range existing {
				key, val, _ := strings.Cut(fmt.Sprint(item), "=")
				merged[strings.TrimSpace(key)] = strings.TrimSpace(val)
			}
		}
		for k, v := range labels {
			merged[k] = v
		}
		svc["labels"] = merged
		services[name] = svc
	}
	return yaml.Marshal(doc)
}
