package submission

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/platinummonkey/modulo/pkg/pluginerrors"
)

func validForm() Form {
	return Form{
		PluginName:     "Todo Sync",
		Version:        "1.2.0",
		Description:    "Syncs todo items with an external tracker",
		DeveloperName:  "Dana Developer",
		DeveloperEmail: "dana@example.com",
	}
}

func TestValidateForm(t *testing.T) {
	jar := &Upload{FileName: "todo-sync.jar", Data: []byte("PK")}

	tests := []struct {
		name   string
		mutate func(f *Form)
		jar    *Upload
		want   map[string]string
	}{
		{
			name:   "valid",
			mutate: func(f *Form) {},
			jar:    jar,
			want:   map[string]string{},
		},
		{
			name:   "everything missing",
			mutate: func(f *Form) { *f = Form{} },
			jar:    nil,
			want: map[string]string{
				"pluginName":     "Plugin name is required",
				"version":        "Version is required",
				"description":    "Description is required",
				"developerName":  "Developer name is required",
				"developerEmail": "Developer email is required",
				"jarFile":        MsgJarRequired,
			},
		},
		{
			name:   "loose version",
			mutate: func(f *Form) { f.Version = "1.0" },
			jar:    jar,
			want:   map[string]string{"version": MsgSemver},
		},
		{
			name:   "v prefixed version",
			mutate: func(f *Form) { f.Version = "v1.0.0" },
			jar:    jar,
			want:   map[string]string{"version": MsgSemver},
		},
		{
			name:   "bad email",
			mutate: func(f *Form) { f.DeveloperEmail = "dana-at-example" },
			jar:    jar,
			want:   map[string]string{"developerEmail": MsgEmail},
		},
		{
			name:   "not a jar",
			mutate: func(f *Form) {},
			jar:    &Upload{FileName: "todo-sync.zip", Data: []byte("PK")},
			want:   map[string]string{"jarFile": MsgJarExtension},
		},
		{
			name:   "empty jar",
			mutate: func(f *Form) {},
			jar:    &Upload{FileName: "todo-sync.jar"},
			want:   map[string]string{"jarFile": MsgJarRequired},
		},
		{
			name:   "unknown category",
			mutate: func(f *Form) { f.Category = "games" },
			jar:    jar,
			want:   map[string]string{"category": "Must be one of: productivity, rendering, integration, utility, other"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			form := validForm()
			tt.mutate(&form)

			errs := ValidateForm(form.normalize(), tt.jar, true, 0)
			assert.Equal(t, tt.want, errs.Map())
		})
	}
}

func TestValidateForm_JarOptional(t *testing.T) {
	errs := ValidateForm(validForm(), nil, false, 0)
	assert.False(t, errs.HasErrors())
}

func TestValidateUpload_SizeLimit(t *testing.T) {
	errs := pluginerrors.NewValidationError()
	ValidateUpload(errs, "big.jar", 50*1024*1024+1, 0)

	msg, ok := errs.Get(JarField)
	assert.True(t, ok)
	assert.Equal(t, "File size must be less than 50MB", msg)
	assert.Equal(t, "jarFile: File size must be less than 50MB", errs.Error())

	errs = pluginerrors.NewValidationError()
	ValidateUpload(errs, "exact.jar", 50*1024*1024, 0)
	assert.False(t, errs.HasErrors())
}

func TestFormNormalize(t *testing.T) {
	f := Form{PluginName: "  Todo  ", Category: " Productivity ", DeveloperEmail: " dana@example.com\n"}
	n := f.normalize()
	assert.Equal(t, "Todo", n.PluginName)
	assert.Equal(t, "productivity", n.Category)
	assert.Equal(t, "dana@example.com", n.DeveloperEmail)
}
