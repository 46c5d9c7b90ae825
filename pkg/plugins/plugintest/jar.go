// Package plugintest builds plugin packages for tests and local tooling.
package plugintest

import (
	"archive/zip"
	"bytes"
	"sort"

	"github.com/platinummonkey/modulo/pkg/plugins"
)

// ValidAttributes returns a complete manifest for a plugin named name
func ValidAttributes(name, version string) map[string]string {
	return map[string]string{
		plugins.AttrName:       name,
		plugins.AttrVersion:    version,
		plugins.AttrMain:       "builtin:noop",
		plugins.AttrAPIVersion: plugins.CurrentAPIVersion,
	}
}

// BuildJar returns a zip archive holding a manifest built from attrs plus the
// given extra entries. A nil attrs map produces an archive without a manifest.
func BuildJar(attrs map[string]string, files map[string][]byte) []byte {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	if attrs != nil {
		w, _ := zw.Create(plugins.ManifestPath)
		_, _ = w.Write(plugins.BuildManifest(attrs))
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		w, _ := zw.Create(name)
		_, _ = w.Write(files[name])
	}

	_ = zw.Close()
	return buf.Bytes()
}

// Padded returns a package with a stored padding entry so the archive is
// at least size bytes
func Padded(attrs map[string]string, size int) []byte {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	w, _ := zw.Create(plugins.ManifestPath)
	_, _ = w.Write(plugins.BuildManifest(attrs))

	pad, _ := zw.CreateHeader(&zip.FileHeader{Name: "assets/padding.bin", Method: zip.Store})
	_, _ = pad.Write(make([]byte, size))

	_ = zw.Close()
	return buf.Bytes()
}
