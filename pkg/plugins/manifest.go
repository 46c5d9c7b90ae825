package plugins

import (
	"archive/zip"
	"bufio"
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/platinummonkey/modulo/pkg/capability"
)

// ManifestPath is where a plugin package carries its manifest
const ManifestPath = "META-INF/MANIFEST.MF"

// Manifest attribute keys
const (
	AttrName          = "Plugin-Name"
	AttrVersion       = "Plugin-Version"
	AttrMain          = "Plugin-Main"
	AttrAPIVersion    = "Plugin-API-Version"
	AttrID            = "Plugin-Id"
	AttrDescription   = "Plugin-Description"
	AttrCapabilities  = "Plugin-Capabilities"
	AttrRendererTypes = "Plugin-Renderer-Types"
)

// RequiredAttributes must be present in every plugin manifest, in report order
var RequiredAttributes = []string{AttrName, AttrVersion, AttrMain, AttrAPIVersion}

// semverRegex accepts MAJOR.MINOR.PATCH with optional pre-release and build
var semverRegex = regexp.MustCompile(`^(0|[1-9]\d*)\.(0|[1-9]\d*)\.(0|[1-9]\d*)(-[0-9A-Za-z.-]+)?(\+[0-9A-Za-z.-]+)?$`)

var idSlugRegex = regexp.MustCompile(`[^a-z0-9]+`)

// Manifest is the parsed main section of a package manifest
type Manifest struct {
	attrs map[string]string // lower-cased key -> value
	keys  map[string]string // lower-cased key -> original key
}

// Get returns an attribute value. Keys are matched case-insensitively.
func (m *Manifest) Get(key string) string {
	return m.attrs[strings.ToLower(key)]
}

// Has reports whether the attribute is present with a non-blank value
func (m *Manifest) Has(key string) bool {
	return strings.TrimSpace(m.Get(key)) != ""
}

// Attributes returns a copy of every attribute using its original key
func (m *Manifest) Attributes() map[string]string {
	out := make(map[string]string, len(m.attrs))
	for lk, v := range m.attrs {
		out[m.keys[lk]] = v
	}
	return out
}

// Missing returns the required attributes that are absent, in report order
func (m *Manifest) Missing() []string {
	var missing []string
	for _, key := range RequiredAttributes {
		if !m.Has(key) {
			missing = append(missing, key)
		}
	}
	return missing
}

// ParseManifest reads the main section of a JAR-style manifest. Continuation
// lines start with a single space; the main section ends at the first blank line.
func ParseManifest(r io.Reader) (*Manifest, error) {
	m := &Manifest{
		attrs: make(map[string]string),
		keys:  make(map[string]string),
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)

	var lastKey string
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if lineNo == 1 {
			line = strings.TrimPrefix(line, "\ufeff")
		}

		if line == "" {
			break
		}

		if strings.HasPrefix(line, " ") {
			if lastKey == "" {
				return nil, fmt.Errorf("manifest line %d: continuation without attribute", lineNo)
			}
			m.attrs[lastKey] += line[1:]
			continue
		}

		idx := strings.Index(line, ":")
		if idx <= 0 {
			return nil, fmt.Errorf("manifest line %d: expected 'Name: value'", lineNo)
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimPrefix(line[idx+1:], " ")

		lk := strings.ToLower(key)
		m.attrs[lk] = value
		m.keys[lk] = key
		lastKey = lk
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return m, nil
}

// ReadManifest locates and parses the manifest inside a package archive
func ReadManifest(zr *zip.Reader) (*Manifest, error) {
	for _, f := range zr.File {
		if !strings.EqualFold(f.Name, ManifestPath) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open manifest: %w", err)
		}
		defer rc.Close()
		return ParseManifest(io.LimitReader(rc, 1024*1024))
	}
	return nil, fmt.Errorf("package has no %s", ManifestPath)
}

// BuildManifest renders attributes as manifest text. Mostly useful for
// producing fixtures and sample packages.
func BuildManifest(attrs map[string]string, order ...string) []byte {
	var buf bytes.Buffer
	buf.WriteString("Manifest-Version: 1.0\r\n")
	seen := make(map[string]bool)
	write := func(k string) {
		if v, ok := attrs[k]; ok && !seen[k] {
			seen[k] = true
			fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
		}
	}
	for _, k := range order {
		write(k)
	}
	for _, k := range append(RequiredAttributes, AttrID, AttrDescription, AttrCapabilities, AttrRendererTypes) {
		write(k)
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// ToDescriptor converts manifest attributes into a descriptor. Capability
// names that are not part of the closed set are an error.
func (m *Manifest) ToDescriptor() (*Descriptor, error) {
	caps, err := capability.ParseSet(splitList(m.Get(AttrCapabilities)))
	if err != nil {
		return nil, err
	}

	id := strings.TrimSpace(m.Get(AttrID))
	if id == "" {
		id = Slug(m.Get(AttrName))
	}

	return &Descriptor{
		ID:           id,
		Name:         strings.TrimSpace(m.Get(AttrName)),
		Version:      strings.TrimSpace(m.Get(AttrVersion)),
		EntryPoint:   strings.TrimSpace(m.Get(AttrMain)),
		APIVersion:   strings.TrimSpace(m.Get(AttrAPIVersion)),
		Description:  strings.TrimSpace(m.Get(AttrDescription)),
		Capabilities: caps,
		ContentTypes: splitList(m.Get(AttrRendererTypes)),
	}, nil
}

// Slug derives a plugin id from a display name
func Slug(name string) string {
	s := idSlugRegex.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
	return strings.Trim(s, "-")
}

// IsValidSemver reports whether version is strict MAJOR.MINOR.PATCH semver
func IsValidSemver(version string) bool {
	return semverRegex.MatchString(version)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
