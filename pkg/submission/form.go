package submission

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/platinummonkey/modulo/pkg/pluginerrors"
	"github.com/platinummonkey/modulo/pkg/plugins"
)

// Form carries the submitter supplied fields of a submission
type Form struct {
	PluginName     string `json:"pluginName" validate:"required,max=100"`
	Version        string `json:"version" validate:"required,strict_semver"`
	Description    string `json:"description" validate:"required,max=2000"`
	DeveloperName  string `json:"developerName" validate:"required,max=100"`
	DeveloperEmail string `json:"developerEmail" validate:"required,email"`
	Category       string `json:"category" validate:"omitempty,oneof=productivity rendering integration utility other"`
	License        string `json:"license" validate:"omitempty,max=100"`
}

// JarField is the form field holding the package binary
const JarField = "jarFile"

// Field messages shown to submitters
const (
	MsgSemver       = "must follow semantic versioning (e.g., 1.0.0)"
	MsgEmail        = "Must be a valid email address"
	MsgJarRequired  = "Plugin JAR file is required"
	MsgJarExtension = "File must be a .jar file"
	MsgJarTooLarge  = "File size must be less than 50MB"
)

var requiredMessages = map[string]string{
	"pluginName":     "Plugin name is required",
	"version":        "Version is required",
	"description":    "Description is required",
	"developerName":  "Developer name is required",
	"developerEmail": "Developer email is required",
}

var validate = newFormValidator()

func newFormValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("strict_semver", func(fl validator.FieldLevel) bool {
		return plugins.IsValidSemver(fl.Field().String())
	})
	return v
}

// normalize trims surrounding whitespace from every field
func (f Form) normalize() Form {
	return Form{
		PluginName:     strings.TrimSpace(f.PluginName),
		Version:        strings.TrimSpace(f.Version),
		Description:    strings.TrimSpace(f.Description),
		DeveloperName:  strings.TrimSpace(f.DeveloperName),
		DeveloperEmail: strings.TrimSpace(f.DeveloperEmail),
		Category:       strings.ToLower(strings.TrimSpace(f.Category)),
		License:        strings.TrimSpace(f.License),
	}
}

// ValidateForm checks the fields and, when requireJar is set, the upload.
// It never touches storage.
func ValidateForm(form Form, jar *Upload, requireJar bool, maxSize int64) *pluginerrors.ValidationError {
	errs := pluginerrors.NewValidationError()

	if err := validate.Struct(form); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			errs.Add("form", err.Error())
			return errs
		}
		for _, fe := range fieldErrs {
			errs.Add(fe.Field(), fieldMessage(fe))
		}
	}

	if jar == nil {
		if requireJar {
			errs.Add(JarField, MsgJarRequired)
		}
		return errs
	}
	ValidateUpload(errs, jar.FileName, int64(len(jar.Data)), maxSize)
	return errs
}

// ValidateUpload checks an upload's name and size. Callers holding only a
// multipart header use it before reading the body.
func ValidateUpload(errs *pluginerrors.ValidationError, fileName string, size, maxSize int64) {
	if maxSize <= 0 {
		maxSize = plugins.MaxPackageSize
	}
	switch {
	case strings.TrimSpace(fileName) == "" && size == 0:
		errs.Add(JarField, MsgJarRequired)
	case !strings.HasSuffix(strings.ToLower(fileName), plugins.PackageExtension):
		errs.Add(JarField, MsgJarExtension)
	case size > maxSize:
		errs.Add(JarField, MsgJarTooLarge)
	case size == 0:
		errs.Add(JarField, MsgJarRequired)
	}
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		if msg, ok := requiredMessages[fe.Field()]; ok {
			return msg
		}
		return "This field is required"
	case "strict_semver":
		return MsgSemver
	case "email":
		return MsgEmail
	case "max":
		return "Must be at most " + fe.Param() + " characters"
	case "oneof":
		return "Must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	}
	return "Invalid value"
}
