// Package policyfile reads node-scoped policy definitions from YAML files
// on disk and upserts them into the canon store at startup, the way the
// teacher's internal/mdloader reads its directory of Markdown config files
// — except here the directory holds one YAML document per policy rather
// than free-form text, since a Policy's trigger list and CEL source are
// structured data, not prose.
package policyfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/canonical-node/canon/internal/canon"
)

// document is the on-disk shape of one policy file.
type document struct {
	ID       string   `yaml:"id"`
	NodeID   string   `yaml:"node_id"`
	Name     string   `yaml:"name"`
	Priority int      `yaml:"priority"`
	Enabled  *bool    `yaml:"enabled"`
	Triggers []string `yaml:"triggers"`
	CEL      string   `yaml:"cel"`
}

// LoadDir reads every *.yaml/*.yml file directly under dir and upserts each
// as a canon.Policy (create if store.GetPolicy finds nothing, update
// otherwise). Returns the number of policies written. A missing directory
// is not an error — a deployment with no on-disk policies manages them
// entirely through the API.
func LoadDir(store canon.Store, dir string) (int, error) {
	if dir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("policyfile: reading %s: %w", dir, err)
	}

	count := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		path := filepath.Join(dir, name)
		if err := loadOne(store, path); err != nil {
			return count, fmt.Errorf("policyfile: %s: %w", path, err)
		}
		count++
	}
	return count, nil
}

func loadOne(store canon.Store, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if doc.ID == "" {
		return fmt.Errorf("policy file missing id")
	}
	if doc.NodeID == "" {
		return fmt.Errorf("policy %s missing node_id", doc.ID)
	}

	enabled := true
	if doc.Enabled != nil {
		enabled = *doc.Enabled
	}

	policy := &canon.Policy{
		ID:       doc.ID,
		NodeID:   canon.NodeID(doc.NodeID),
		Name:     doc.Name,
		Priority: doc.Priority,
		Enabled:  enabled,
		Triggers: doc.Triggers,
		Implementation: canon.PolicyImplementation{
			Kind:   "cel",
			Source: doc.CEL,
		},
	}

	existing, err := store.GetPolicy(doc.ID)
	if err != nil {
		return err
	}
	if existing == nil {
		return store.CreatePolicy(policy)
	}
	return store.UpdatePolicy(policy)
}
