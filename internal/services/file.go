package services

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk list of webhook integrations.
type File struct {
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// LoadFile reads a services file and registers its webhooks on r.
func LoadFile(r *Registry, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read services file: %w", err)
	}
	return Load(r, data)
}

// Load parses YAML (or JSON) service declarations and registers them on r.
func Load(r *Registry, data []byte) (int, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return 0, fmt.Errorf("parse services file: %w", err)
	}
	for i, cfg := range f.Webhooks {
		w, err := NewWebhook(cfg)
		if err != nil {
			return i, err
		}
		if err := r.Register(w); err != nil {
			return i, err
		}
	}
	return len(f.Webhooks), nil
}
