package services

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// ServiceSpec is the abstract service definition a manifest is generated
// from: a template, a container image, or packaged user source.
type ServiceSpec struct {
	Name      string
	Image     string
	CPUMillis int
	MemoryMB  int
	StorageMB int
	Port      int
	Replicas  int
	Env       map[string]string
}

// ManifestService turns a service spec into the declarative workload
// document each market expects. Output is deterministic: identical inputs
// produce byte-identical documents.
type ManifestService interface {
	GenerateManifest(spec ServiceSpec, overrides map[string]string) (string, error)
	GenerateComposeSpec(spec ServiceSpec, overrides map[string]string) (string, error)
}

type manifestService struct{}

func NewManifestService() ManifestService {
	return &manifestService{}
}

type manifestDoc struct {
	Version  string                     `yaml:"version"`
	Services map[string]manifestSvc     `yaml:"services"`
	Profiles map[string]manifestProfile `yaml:"profiles"`
}

type manifestSvc struct {
	Image  string   `yaml:"image"`
	Env    []string `yaml:"env,omitempty"`
	Expose []expose `yaml:"expose"`
	Count  int      `yaml:"count"`
}

type expose struct {
	Port   int  `yaml:"port"`
	Global bool `yaml:"global"`
}

type manifestProfile struct {
	CPUMillis int `yaml:"cpu_millis"`
	MemoryMB  int `yaml:"memory_mb"`
	StorageMB int `yaml:"storage_mb"`
}

// GenerateManifest produces the auction-market workload manifest.
func (m *manifestService) GenerateManifest(spec ServiceSpec, overrides map[string]string) (string, error) {
	if spec.Name == "" || spec.Image == "" {
		return "", fmt.Errorf("service spec requires a name and an image")
	}

	replicas := spec.Replicas
	if replicas < 1 {
		replicas = 1
	}

	doc := manifestDoc{
		Version: "2.0",
		Services: map[string]manifestSvc{
			spec.Name: {
				Image:  spec.Image,
				Env:    mergedEnv(spec.Env, overrides),
				Expose: []expose{{Port: spec.Port, Global: true}},
				Count:  replicas,
			},
		},
		Profiles: map[string]manifestProfile{
			spec.Name: {
				CPUMillis: spec.CPUMillis,
				MemoryMB:  spec.MemoryMB,
				StorageMB: spec.StorageMB,
			},
		},
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to marshal manifest: %w", err)
	}
	return string(out), nil
}

type composeDoc struct {
	Services map[string]composeSvc `yaml:"services"`
}

type composeSvc struct {
	Image       string   `yaml:"image"`
	Ports       []string `yaml:"ports,omitempty"`
	Environment []string `yaml:"environment,omitempty"`
	Restart     string   `yaml:"restart"`
}

// GenerateComposeSpec produces the compose document the CVM host expects.
func (m *manifestService) GenerateComposeSpec(spec ServiceSpec, overrides map[string]string) (string, error) {
	if spec.Name == "" || spec.Image == "" {
		return "", fmt.Errorf("service spec requires a name and an image")
	}

	svc := composeSvc{
		Image:       spec.Image,
		Environment: mergedEnv(spec.Env, overrides),
		Restart:     "always",
	}
	if spec.Port > 0 {
		svc.Ports = []string{fmt.Sprintf("%d:%d", spec.Port, spec.Port)}
	}

	out, err := yaml.Marshal(composeDoc{Services: map[string]composeSvc{spec.Name: svc}})
	if err != nil {
		return "", fmt.Errorf("failed to marshal compose spec: %w", err)
	}
	return string(out), nil
}

// mergedEnv flattens env plus overrides into sorted KEY=VALUE pairs so
// output ordering never depends on map iteration.
func mergedEnv(env, overrides map[string]string) []string {
	merged := make(map[string]string, len(env)+len(overrides))
	for k, v := range env {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+merged[k])
	}
	return pairs
}
