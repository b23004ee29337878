package provision

import "strings"

// Confidence is how strongly a detection matched a template's markers (spec
// §4.8 step 2).
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Detection is the result of classifying a set of uploaded/cloned files
// against the template marker table (spec §6).
type Detection struct {
	DetectedType Template   `json:"detected_type"`
	Confidence   Confidence `json:"confidence"`
	Reason       string     `json:"reason"`
	FilesChecked []string   `json:"files_checked"`
}

// marker is one canonical/weak marker check for a template, tried in the
// fixed order node -> python -> wordpress -> static (DESIGN.md Open
// Question (c)).
type marker struct {
	tmpl       Template
	canonical  []string
	weak       []string
}

var markers = []marker{
	{tmpl: TemplateNode, canonical: []string{"package.json"}},
	{tmpl: TemplatePython, canonical: []string{"requirements.txt", "pyproject.toml", "manage.py"}},
	{tmpl: TemplateWordPress, canonical: []string{"wp-config.php"}, weak: []string{"wp-content/"}},
}

// Detect classifies a file list (relative paths, as uploaded or cloned) by
// presence of well-known markers (spec §4.8 step 2, §6 detection table).
// Falls back to TemplateStatic at ConfidenceLow when nothing matches.
func Detect(files []string) Detection {
	checked := allCanonicalAndWeakPaths()

	for _, m := range markers {
		for _, canonical := range m.canonical {
			if containsPath(files, canonical) {
				return Detection{
					DetectedType: m.tmpl, Confidence: ConfidenceHigh,
					Reason:       "found canonical marker " + canonical,
					FilesChecked: checked,
				}
			}
		}
		for _, weak := range m.weak {
			if containsPathSegment(files, weak) {
				return Detection{
					DetectedType: m.tmpl, Confidence: ConfidenceMedium,
					Reason:       "found weak marker path segment " + weak,
					FilesChecked: checked,
				}
			}
		}
	}

	return Detection{
		DetectedType: TemplateStatic, Confidence: ConfidenceLow,
		Reason: "no recognized marker; defaulting to static", FilesChecked: checked,
	}
}

func allCanonicalAndWeakPaths() []string {
	var out []string
	for _, m := range markers {
		out = append(out, m.canonical...)
		out = append(out, m.weak...)
	}
	return out
}

func containsPath(files []string, target string) bool {
	for _, f := range files {
		if f == target || strings.HasSuffix(f, "/"+target) {
			return true
		}
	}
	return false
}

func containsPathSegment(files []string, segment string) bool {
	seg := strings.Trim(segment, "/")
	for _, f := range files {
		parts := strings.Split(f, "/")
		for _, p := range parts {
			if p == seg {
				return true
			}
		}
	}
	return false
}
