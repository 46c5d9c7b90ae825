package plugins_test

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/modulo/pkg/capability"
	"github.com/platinummonkey/modulo/pkg/pluginerrors"
	"github.com/platinummonkey/modulo/pkg/plugins"
	"github.com/platinummonkey/modulo/pkg/plugins/plugintest"
)

func getTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func validationFields(t *testing.T, err error) map[string]string {
	t.Helper()
	var verr *pluginerrors.ValidationError
	require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
	return verr.Map()
}

func TestAPIRange(t *testing.T) {
	r := plugins.DefaultAPIRange
	assert.True(t, r.Contains("1.0.0"))
	assert.True(t, r.Contains("1.9.3"))
	assert.False(t, r.Contains("2.0.0"))
	assert.False(t, r.Contains("0.9.0"))
	assert.False(t, r.Contains("1.0"))
}

func TestValidateDescriptor(t *testing.T) {
	v := plugins.NewValidator(getTestLogger())

	valid := &plugins.Descriptor{
		ID:           "todo-sync",
		Name:         "TodoSync",
		Version:      "1.0.0",
		EntryPoint:   "builtin:noop",
		APIVersion:   "1.0.0",
		Capabilities: capability.NewSet(capability.NoteRead),
		SizeBytes:    2 * 1024 * 1024,
	}
	assert.NoError(t, v.ValidateDescriptor(valid))

	tests := []struct {
		name   string
		mutate func(d *plugins.Descriptor)
		field  string
	}{
		{name: "missing name", mutate: func(d *plugins.Descriptor) { d.Name = "" }, field: "name"},
		{name: "missing version", mutate: func(d *plugins.Descriptor) { d.Version = "" }, field: "version"},
		{name: "loose version", mutate: func(d *plugins.Descriptor) { d.Version = "1.0" }, field: "version"},
		{name: "missing entry point", mutate: func(d *plugins.Descriptor) { d.EntryPoint = " " }, field: "entryPoint"},
		{name: "missing api version", mutate: func(d *plugins.Descriptor) { d.APIVersion = "" }, field: "apiVersion"},
		{name: "unsupported api version", mutate: func(d *plugins.Descriptor) { d.APIVersion = "3.0.0" }, field: "apiVersion"},
		{name: "oversized", mutate: func(d *plugins.Descriptor) { d.SizeBytes = 60 * 1024 * 1024 }, field: "jarFile"},
		{name: "unknown capability bits", mutate: func(d *plugins.Descriptor) { d.Capabilities |= capability.Set(1 << 20) }, field: "capabilities"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := *valid
			tt.mutate(&d)
			fields := validationFields(t, v.ValidateDescriptor(&d))
			assert.Contains(t, fields, tt.field)
		})
	}

	assert.Contains(t, validationFields(t, v.ValidateDescriptor(nil)), "descriptor")
}

func TestInspect_ValidPackage(t *testing.T) {
	v := plugins.NewValidator(getTestLogger())
	attrs := plugintest.ValidAttributes("TodoSync", "1.0.0")
	attrs[plugins.AttrCapabilities] = "NOTE_READ,NOTE_WRITE"
	jar := plugintest.BuildJar(attrs, map[string][]byte{"com/example/TodoSync.class": []byte("cafebabe")})

	inspection, err := v.Inspect(context.Background(), jar)
	require.NoError(t, err)
	require.NotNil(t, inspection.Descriptor)

	assert.Equal(t, "todosync", inspection.Descriptor.ID)
	assert.Equal(t, "1.0.0", inspection.Descriptor.Version)
	assert.Equal(t, int64(len(jar)), inspection.Descriptor.SizeBytes)
	assert.Len(t, inspection.Checksum, 64)
	assert.Equal(t, 2, inspection.Entries)
	assert.Empty(t, inspection.Issues)

	again, err := v.Inspect(context.Background(), jar)
	require.NoError(t, err)
	assert.Same(t, inspection, again)
}

func TestInspect_MissingAttributes(t *testing.T) {
	v := plugins.NewValidator(getTestLogger())

	for _, key := range plugins.RequiredAttributes {
		t.Run(key, func(t *testing.T) {
			attrs := plugintest.ValidAttributes("TodoSync", "1.0.0")
			delete(attrs, key)

			_, err := v.Inspect(context.Background(), plugintest.BuildJar(attrs, nil))
			fields := validationFields(t, err)
			assert.Equal(t, "missing required attribute "+key, fields["manifest."+key])
		})
	}
}

func TestInspect_Rejections(t *testing.T) {
	v := plugins.NewValidator(getTestLogger())

	tests := []struct {
		name  string
		jar   func() []byte
		field string
	}{
		{
			name:  "not a zip",
			jar:   func() []byte { return []byte("definitely not a jar") },
			field: "package",
		},
		{
			name:  "no manifest",
			jar:   func() []byte { return plugintest.BuildJar(nil, map[string][]byte{"a.txt": []byte("x")}) },
			field: "manifest",
		},
		{
			name: "unknown capability",
			jar: func() []byte {
				attrs := plugintest.ValidAttributes("X", "1.0.0")
				attrs[plugins.AttrCapabilities] = "NOTE_READ,KERNEL"
				return plugintest.BuildJar(attrs, nil)
			},
			field: "manifest." + plugins.AttrCapabilities,
		},
		{
			name: "api version out of range",
			jar: func() []byte {
				attrs := plugintest.ValidAttributes("X", "1.0.0")
				attrs[plugins.AttrAPIVersion] = "2.1.0"
				return plugintest.BuildJar(attrs, nil)
			},
			field: "manifest." + plugins.AttrAPIVersion,
		},
		{
			name: "entry script missing",
			jar: func() []byte {
				attrs := plugintest.ValidAttributes("X", "1.0.0")
				attrs[plugins.AttrMain] = "scripts/main.lua"
				return plugintest.BuildJar(attrs, nil)
			},
			field: "manifest." + plugins.AttrMain,
		},
		{
			name: "path traversal",
			jar: func() []byte {
				return plugintest.BuildJar(plugintest.ValidAttributes("X", "1.0.0"),
					map[string][]byte{"../../etc/cron.d/evil": []byte("x")})
			},
			field: "security",
		},
		{
			name: "native library",
			jar: func() []byte {
				return plugintest.BuildJar(plugintest.ValidAttributes("X", "1.0.0"),
					map[string][]byte{"lib/libhook.so": []byte("\x7fELF")})
			},
			field: "security",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inspection, err := v.Inspect(context.Background(), tt.jar())
			require.NotNil(t, inspection)
			assert.Contains(t, validationFields(t, err), tt.field)
		})
	}
}

func TestInspect_Oversized(t *testing.T) {
	v := plugins.NewValidator(getTestLogger(), plugins.WithMaxPackageSize(1024))
	jar := plugintest.Padded(plugintest.ValidAttributes("X", "1.0.0"), 4096)

	_, err := v.Inspect(context.Background(), jar)
	assert.Equal(t, "File size must be less than 50MB", validationFields(t, err)["jarFile"])
}

func TestInspect_CancelledContext(t *testing.T) {
	v := plugins.NewValidator(getTestLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := v.Inspect(ctx, plugintest.BuildJar(plugintest.ValidAttributes("X", "1.0.0"), nil))
	assert.ErrorIs(t, err, context.Canceled)
}
