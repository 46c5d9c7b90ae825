package plugins

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/mod/semver"

	"github.com/platinummonkey/modulo/pkg/pluginerrors"
)

// APIRange is the inclusive minimum and exclusive maximum plugin API version
// the host can run
type APIRange struct {
	Min string
	Max string
}

// DefaultAPIRange accepts every 1.x API version
var DefaultAPIRange = APIRange{Min: "1.0.0", Max: "2.0.0"}

// Contains reports whether version falls within the range
func (r APIRange) Contains(version string) bool {
	if !IsValidSemver(version) {
		return false
	}
	v := "v" + version
	return semver.Compare(v, "v"+r.Min) >= 0 && semver.Compare(v, "v"+r.Max) < 0
}

func (r APIRange) String() string {
	return fmt.Sprintf(">=%s <%s", r.Min, r.Max)
}

// nativeExtensions are binary payloads a plugin package may not ship
var nativeExtensions = []string{".so", ".dll", ".dylib", ".jnilib", ".exe", ".sh", ".bat"}

// Validator checks descriptors and package archives before they enter the
// submission pipeline or the lifecycle manager
type Validator struct {
	apiRange APIRange
	maxSize  int64
	cache    *lru.Cache[string, *Inspection]
	logger   *logrus.Logger
}

// ValidatorOption configures a Validator
type ValidatorOption func(*Validator)

// WithAPIRange overrides the supported API version range
func WithAPIRange(r APIRange) ValidatorOption {
	return func(v *Validator) {
		v.apiRange = r
	}
}

// WithMaxPackageSize overrides the package size ceiling
func WithMaxPackageSize(n int64) ValidatorOption {
	return func(v *Validator) {
		v.maxSize = n
	}
}

// NewValidator creates a validator
func NewValidator(logger *logrus.Logger, opts ...ValidatorOption) *Validator {
	if logger == nil {
		logger = logrus.New()
	}
	cache, _ := lru.New[string, *Inspection](256)

	v := &Validator{
		apiRange: DefaultAPIRange,
		maxSize:  MaxPackageSize,
		cache:    cache,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// APIRange returns the supported API version range
func (v *Validator) APIRange() APIRange {
	return v.apiRange
}

// ValidateDescriptor checks that a descriptor can be installed
func (v *Validator) ValidateDescriptor(d *Descriptor) error {
	errs := pluginerrors.NewValidationError()
	if d == nil {
		errs.Add("descriptor", "Descriptor is required")
		return errs
	}

	if strings.TrimSpace(d.ID) == "" {
		errs.Add("id", "Plugin id is required")
	}
	if strings.TrimSpace(d.Name) == "" {
		errs.Add("name", "Plugin name is required")
	}
	if strings.TrimSpace(d.Version) == "" {
		errs.Add("version", "Version is required")
	} else if !IsValidSemver(d.Version) {
		errs.Add("version", "must follow semantic versioning (e.g., 1.0.0)")
	}
	if strings.TrimSpace(d.EntryPoint) == "" {
		errs.Add("entryPoint", "Entry point is required")
	}
	if strings.TrimSpace(d.APIVersion) == "" {
		errs.Add("apiVersion", "API version is required")
	} else if !v.apiRange.Contains(d.APIVersion) {
		errs.Add("apiVersion", fmt.Sprintf("API version %s is outside the supported range %s", d.APIVersion, v.apiRange))
	}
	if !d.Capabilities.Valid() {
		errs.Add("capabilities", "Capabilities must be drawn from the supported set")
	}
	if d.SizeBytes > v.maxSize {
		errs.Add("jarFile", "File size must be less than 50MB")
	}

	return errs.OrNil()
}

// Inspect opens a package archive and validates its manifest. Findings are
// returned as a ValidationError; an unreadable archive is also reported as a
// finding rather than an operational error. Results are cached by checksum.
func (v *Validator) Inspect(ctx context.Context, data []byte) (*Inspection, error) {
	start := time.Now()
	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])

	if cached, ok := v.cache.Get(checksum); ok {
		v.logger.Debugf("Package %s inspection served from cache", checksum[:12])
		return cached, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	inspection := &Inspection{Checksum: checksum, SizeBytes: int64(len(data))}
	errs := pluginerrors.NewValidationError()

	if inspection.SizeBytes > v.maxSize {
		errs.Add("jarFile", "File size must be less than 50MB")
		return inspection, errs
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		errs.Add("package", "Package is not a valid jar archive")
		return inspection, errs
	}
	inspection.Entries = len(zr.File)
	inspection.Issues = scanEntries(zr)

	manifest, err := ReadManifest(zr)
	if err != nil {
		errs.Add("manifest", err.Error())
		return inspection, errs
	}
	inspection.Attributes = manifest.Attributes()

	for _, key := range manifest.Missing() {
		errs.Add("manifest."+key, "missing required attribute "+key)
	}

	if manifest.Has(AttrVersion) && !IsValidSemver(manifest.Get(AttrVersion)) {
		errs.Add("manifest."+AttrVersion, "must follow semantic versioning (e.g., 1.0.0)")
	}
	if manifest.Has(AttrAPIVersion) && !v.apiRange.Contains(manifest.Get(AttrAPIVersion)) {
		errs.Add("manifest."+AttrAPIVersion, fmt.Sprintf("API version %s is outside the supported range %s",
			manifest.Get(AttrAPIVersion), v.apiRange))
	}

	descriptor, err := manifest.ToDescriptor()
	if err != nil {
		errs.Add("manifest."+AttrCapabilities, err.Error())
	} else {
		descriptor.SizeBytes = inspection.SizeBytes
		descriptor.Checksum = checksum
		inspection.Descriptor = descriptor

		if descriptor.EntryPoint != "" && isArchivePath(descriptor.EntryPoint) && !hasEntry(zr, descriptor.EntryPoint) {
			errs.Add("manifest."+AttrMain, fmt.Sprintf("entry point %s not found in package", descriptor.EntryPoint))
		}
	}

	for _, issue := range inspection.Issues {
		if issue.Severity == "critical" {
			errs.Add("security", issue.Description)
		}
	}

	inspection.Duration = time.Since(start)
	v.logger.Infof("Inspected package %s: %d entries, %d issues, %d findings in %v",
		checksum[:12], inspection.Entries, len(inspection.Issues), len(errs.Fields), inspection.Duration)

	if errs.HasErrors() {
		return inspection, errs
	}
	v.cache.Add(checksum, inspection)
	return inspection, nil
}

// scanEntries flags archive entries that could escape extraction or carry
// native code
func scanEntries(zr *zip.Reader) []SecurityIssue {
	var issues []SecurityIssue
	for _, f := range zr.File {
		name := f.Name

		if strings.HasPrefix(name, "/") || strings.HasPrefix(name, "\\") || hasParentSegment(name) {
			issues = append(issues, SecurityIssue{
				Severity:    "critical",
				Category:    "path-traversal",
				Description: fmt.Sprintf("Archive entry %s escapes the package root", name),
				File:        name,
			})
			continue
		}

		lower := strings.ToLower(name)
		for _, ext := range nativeExtensions {
			if strings.HasSuffix(lower, ext) {
				issues = append(issues, SecurityIssue{
					Severity:    "critical",
					Category:    "native-code",
					Description: fmt.Sprintf("Archive entry %s contains native code", name),
					File:        name,
				})
				break
			}
		}

		if f.UncompressedSize64 > uint64(MaxPackageSize)*4 {
			issues = append(issues, SecurityIssue{
				Severity:    "high",
				Category:    "compression-ratio",
				Description: fmt.Sprintf("Archive entry %s expands beyond the allowed size", name),
				File:        name,
			})
		}
	}
	return issues
}

// isArchivePath reports whether an entry point names a file rather than a
// built-in or class reference
func isArchivePath(entry string) bool {
	return strings.Contains(entry, "/") || strings.HasSuffix(entry, ".lua")
}

func hasParentSegment(name string) bool {
	for _, part := range strings.FieldsFunc(name, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return true
		}
	}
	return false
}

func hasEntry(zr *zip.Reader, name string) bool {
	for _, f := range zr.File {
		if f.Name == name {
			return true
		}
	}
	return false
}
