package manifest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pinax-network/substreams-sink-sheets/pkg/changes"
	"github.com/pinax-network/substreams-sink-sheets/pkg/feed"
)

var (
	ErrModuleNotFound     = errors.New("module not found")
	ErrIncompatibleModule = errors.New("module output is not DatabaseChanges")
)

const protoPrefix = "proto:"

// Manifest is the subset of a substreams package manifest the sink reads
type Manifest struct {
	SpecVersion string   `yaml:"specVersion"`
	Package     Package  `yaml:"package"`
	Modules     []Module `yaml:"modules"`
}

type Package struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type Module struct {
	Name   string `yaml:"name"`
	Kind   string `yaml:"kind"`
	Output struct {
		Type string `yaml:"type"`
	} `yaml:"output"`
}

// Load reads a manifest from a local path or an http(s) URL
func Load(ctx context.Context, ref string) (*Manifest, error) {
	var (
		data []byte
		err  error
	)
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		data, err = fetch(ctx, ref)
	} else {
		data, err = os.ReadFile(ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %q: %w", ref, err)
	}
	return Parse(data)
}

// Parse decodes manifest YAML
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if len(m.Modules) == 0 {
		return nil, errors.New("manifest declares no modules")
	}
	return &m, nil
}

// ListModules implements feed.Registry. Output types drop the "proto:" prefix.
func (m *Manifest) ListModules(ctx context.Context) ([]feed.Module, error) {
	out := make([]feed.Module, 0, len(m.Modules))
	for _, mod := range m.Modules {
		out = append(out, feed.Module{
			Name:       mod.Name,
			Kind:       mod.Kind,
			OutputType: strings.TrimPrefix(mod.Output.Type, protoPrefix),
		})
	}
	return out, nil
}

// Compatible returns the names of modules whose output is DatabaseChanges
func Compatible(ctx context.Context, reg feed.Registry) ([]string, error) {
	modules, err := reg.ListModules(ctx)
	if err != nil {
		return nil, err
	}
	names := []string{}
	for _, mod := range modules {
		if changes.IsDatabaseChanges(mod.OutputType) {
			names = append(names, mod.Name)
		}
	}
	return names, nil
}

// Resolve finds module in reg and checks that it outputs DatabaseChanges
func Resolve(ctx context.Context, reg feed.Registry, module string) (feed.Module, error) {
	modules, err := reg.ListModules(ctx)
	if err != nil {
		return feed.Module{}, fmt.Errorf("failed to list modules: %w", err)
	}
	for _, mod := range modules {
		if mod.Name != module {
			continue
		}
		if !changes.IsDatabaseChanges(mod.OutputType) {
			return feed.Module{}, fmt.Errorf("%w: %s outputs %q", ErrIncompatibleModule, module, mod.OutputType)
		}
		return mod, nil
	}
	return feed.Module{}, fmt.Errorf("%w: %s", ErrModuleNotFound, module)
}

func fetch(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}
