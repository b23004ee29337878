package discovery

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// composeFile mirrors the subset of docker-compose.yml shape SiteFlow reads.
type composeFile struct {
	Services map[string]composeService `yaml:"services"`
}

type composeService struct {
	ContainerName string        `yaml:"container_name"`
	Image         string        `yaml:"image"`
	Ports         portList      `yaml:"ports"`
	Labels        stringMapping `yaml:"labels"`
	Environment   stringMapping `yaml:"environment"`
}

// stringMapping accepts compose's two equivalent forms for labels/environment:
// a YAML mapping, or a list of "KEY=VALUE" strings.
type stringMapping map[string]string

func (m *stringMapping) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.MappingNode:
		raw := map[string]string{}
		if err := value.Decode(&raw); err != nil {
			return fmt.Errorf("decode mapping: %w", err)
		}
		*m = raw
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return fmt.Errorf("decode sequence: %w", err)
		}
		result := make(map[string]string, len(list))
		for _, item := range list {
			k, v, _ := strings.Cut(item, "=")
			result[k] = v
		}
		*m = result
	case 0:
		*m = nil
	default:
		return fmt.Errorf("unsupported yaml node kind %v for string mapping", value.Kind)
	}
	return nil
}

// portList accepts compose's short scalar port syntax ("8080:80", 80) and
// skips long-form mapping entries, which SiteFlow's route-joining step
// doesn't need (the proxy config file is the source of truth for routing).
type portList []string

func (p *portList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.SequenceNode {
		return nil
	}
	var out []string
	for _, item := range value.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			out = append(out, item.Value)
		default:
			// long-form port mapping: ignored.
		}
	}
	*p = out
	return nil
}

// ParseCompose parses a docker-compose.yml's services into Service records,
// sorted by name for deterministic output (spec §4.2 step 5).
func ParseCompose(data []byte) ([]Service, error) {
	var cf composeFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("parse compose yaml: %w", err)
	}

	services := make([]Service, 0, len(cf.Services))
	for name, svc := range cf.Services {
		services = append(services, Service{
			Name:          name,
			ContainerName: svc.ContainerName,
			Image:         svc.Image,
			Ports:         []string(svc.Ports),
			Labels:        map[string]string(svc.Labels),
			Environment:   map[string]string(svc.Environment),
		})
	}
	sort.Slice(services, func(i, j int) bool { return services[i].Name < services[j].Name })
	return services, nil
}

// ResolvedContainerName returns the name under which a compose service's
// container is expected to appear in `docker ps`: its explicit
// container_name, or the compose project/service naming convention
// "<project>-<service>-1" otherwise.
func ResolvedContainerName(project string, svc Service) string {
	if svc.ContainerName != "" {
		return svc.ContainerName
	}
	return fmt.Sprintf("%s-%s-1", project, svc.Name)
}
