package provision

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// Template names a provisionable site skeleton (spec §4.8, §6 detection table).
type Template string

const (
	TemplateStatic    Template = "static"
	TemplateNode      Template = "node"
	TemplatePython    Template = "python"
	TemplateWordPress Template = "wordpress"
)

var validTemplates = map[Template]bool{
	TemplateStatic: true, TemplateNode: true, TemplatePython: true, TemplateWordPress: true,
}

// TemplateInfo describes one catalog entry for GET /provision/templates.
type TemplateInfo struct {
	Name        Template `json:"name"`
	Description string   `json:"description"`
	Services    []string `json:"services"`
}

// Catalog lists the available templates, sorted by name for deterministic output.
func Catalog() []TemplateInfo {
	catalog := []TemplateInfo{
		{Name: TemplateStatic, Description: "Static files served by nginx", Services: []string{"web"}},
		{Name: TemplateNode, Description: "Node.js application", Services: []string{"web"}},
		{Name: TemplatePython, Description: "Python WSGI application", Services: []string{"web"}},
		{Name: TemplateWordPress, Description: "WordPress with its own database", Services: []string{"web", "db"}},
	}
	sort.Slice(catalog, func(i, j int) bool { return catalog[i].Name < catalog[j].Name })
	return catalog
}

// composeDoc mirrors the subset of compose.yml shape the Provisioner writes;
// kept separate from discovery.composeFile since that one is read-only and
// this one must marshal back out with a stable field order.
type composeDoc struct {
	Services map[string]composeSvc `yaml:"services"`
}

type composeSvc struct {
	Image         string            `yaml:"image"`
	ContainerName string            `yaml:"container_name"`
	Restart       string            `yaml:"restart"`
	Ports         []string          `yaml:"ports,omitempty"`
	Volumes       []string          `yaml:"volumes,omitempty"`
	Environment   map[string]string `yaml:"environment,omitempty"`
	DependsOn     []string          `yaml:"depends_on,omitempty"`
}

// RequiredDirs lists the subdirectories Create must materialize under a
// site's root directory before bringing services up (spec §4.8 step 3).
func RequiredDirs(tmpl Template) []string {
	switch tmpl {
	case TemplateWordPress:
		return []string{"content", "uploads", "db-data"}
	case TemplateNode, TemplatePython:
		return []string{"content"}
	default:
		return []string{"content"}
	}
}

// ComposeFile renders the docker-compose.yml content for a site (spec §4.8
// step 3). name is the site name, used to derive stable container names so
// Discovery's status derivation can join them back to the site.
func ComposeFile(tmpl Template, name string, env map[string]string) ([]byte, error) {
	if !validTemplates[tmpl] {
		return nil, fmt.Errorf("unknown template %q", tmpl)
	}

	doc := composeDoc{Services: map[string]composeSvc{}}
	switch tmpl {
	case TemplateStatic:
		doc.Services["web"] = composeSvc{
			Image: "nginx:alpine", ContainerName: name + "-web-1", Restart: "unless-stopped",
			Volumes: []string{"./content:/usr/share/nginx/html:ro"},
		}
	case TemplateNode:
		doc.Services["web"] = composeSvc{
			Image: "node:20-alpine", ContainerName: name + "-web-1", Restart: "unless-stopped",
			Volumes: []string{"./content:/app"}, Environment: mergeEnv(env, map[string]string{"NODE_ENV": "production"}),
		}
	case TemplatePython:
		doc.Services["web"] = composeSvc{
			Image: "python:3.12-slim", ContainerName: name + "-web-1", Restart: "unless-stopped",
			Volumes: []string{"./content:/app"}, Environment: mergeEnv(env, nil),
		}
	case TemplateWordPress:
		doc.Services["db"] = composeSvc{
			Image: "mariadb:11", ContainerName: name + "-db-1", Restart: "unless-stopped",
			Volumes: []string{"./db-data:/var/lib/mysql"},
			Environment: mergeEnv(env, map[string]string{
				"MARIADB_DATABASE": name, "MARIADB_USER": name, "MARIADB_RANDOM_ROOT_PASSWORD": "1",
			}),
		}
		doc.Services["web"] = composeSvc{
			Image: "wordpress:php8.3-apache", ContainerName: name + "-web-1", Restart: "unless-stopped",
			Volumes:     []string{"./content:/var/www/html", "./uploads:/var/www/html/wp-content/uploads"},
			DependsOn:   []string{"db"},
			Environment: mergeEnv(env, map[string]string{"WORDPRESS_DB_HOST": "db", "WORDPRESS_DB_NAME": name}),
		}
	}

	return yaml.Marshal(doc)
}

func mergeEnv(override, base map[string]string) map[string]string {
	out := map[string]string{}
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// DefaultIndexHTML is written for a static template when no source files are
// supplied, so the site is immediately reachable (spec §4.8 step 3 "initial
// landing page when no source given").
func DefaultIndexHTML(name string) []byte {
	return []byte(fmt.Sprintf("<!doctype html>\n<html><body><h1>%s</h1><p>Site provisioned, awaiting deployment.</p></body></html>\n", name))
}
