// Package catalog holds the deployment pipelines compiled into the binary.
package catalog

import (
	_ "embed"
	"fmt"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"stagehand/pkg/pipeline"
)

// DefaultVariant is used when no variant is configured.
const DefaultVariant = "ephemeral"

//go:embed pipeline.yaml
var embedded []byte

type fallbackDef struct {
	Clear   []string `yaml:"clear"`
	Retry   []string `yaml:"retry"`
	Recover []string `yaml:"recover"`
}

type stepDef struct {
	Name           string               `yaml:"name"`
	Command        []string             `yaml:"command"`
	Timeout        int                  `yaml:"timeout"`
	Criticality    pipeline.Criticality `yaml:"criticality"`
	SkipIfEnv      string               `yaml:"skip_if_env"`
	ReleasesConfig bool                 `yaml:"releases_config"`
	Fallback       *fallbackDef         `yaml:"fallback"`
}

type variantDef struct {
	Description     string   `yaml:"description"`
	EphemeralConfig bool     `yaml:"ephemeral_config"`
	Steps           []string `yaml:"steps"`
}

type document struct {
	WritableDirs []string              `yaml:"writable_dirs"`
	Steps        map[string]stepDef    `yaml:"steps"`
	Variants     map[string]variantDef `yaml:"variants"`
}

// Variant is one resolved pipeline.
type Variant struct {
	Name            string
	Description     string
	EphemeralConfig bool
	Steps           []pipeline.Step
}

// Catalog is a validated set of variants.
type Catalog struct {
	WritableDirs []string
	variants     map[string]Variant
}

var (
	defaultOnce sync.Once
	defaultCat  *Catalog
	defaultErr  error
)

// Default returns the catalog compiled into the binary.
func Default() (*Catalog, error) {
	defaultOnce.Do(func() {
		defaultCat, defaultErr = Parse(embedded)
	})
	return defaultCat, defaultErr
}

// Parse validates data against the pipeline schema and resolves every variant.
func Parse(data []byte) (*Catalog, error) {
	if err := validate(data); err != nil {
		return nil, err
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}

	steps := make(map[string]pipeline.Step, len(doc.Steps))
	for id, def := range doc.Steps {
		s := pipeline.Step{
			Name:           def.Name,
			Command:        def.Command,
			Timeout:        time.Duration(def.Timeout) * time.Second,
			Criticality:    def.Criticality,
			SkipIfEnv:      def.SkipIfEnv,
			ReleasesConfig: def.ReleasesConfig,
		}
		if def.Fallback != nil {
			s.Fallback = &pipeline.Fallback{
				ClearPaths: def.Fallback.Clear,
				Retry:      def.Fallback.Retry,
				Recover:    def.Fallback.Recover,
			}
		}
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("step %q: %w", id, err)
		}
		steps[id] = s
	}

	cat := &Catalog{
		WritableDirs: doc.WritableDirs,
		variants:     make(map[string]Variant, len(doc.Variants)),
	}
	for name, def := range doc.Variants {
		v := Variant{
			Name:            name,
			Description:     def.Description,
			EphemeralConfig: def.EphemeralConfig,
		}
		for _, id := range def.Steps {
			s, ok := steps[id]
			if !ok {
				return nil, fmt.Errorf("variant %q references unknown step %q", name, id)
			}
			v.Steps = append(v.Steps, s)
		}
		cat.variants[name] = v
	}
	return cat, nil
}

// Variant looks up a pipeline by name.
func (c *Catalog) Variant(name string) (Variant, error) {
	if name == "" {
		name = DefaultVariant
	}
	v, ok := c.variants[name]
	if !ok {
		return Variant{}, fmt.Errorf("unknown pipeline variant %q (available: %v)", name, c.Names())
	}
	return v, nil
}

// Names lists the variant names in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.variants))
	for n := range c.variants {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
