package plugins

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopHandle struct {
	BaseHandle
	id string
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestStaticLoader(t *testing.T) {
	loader := NewStaticLoader(quietLogger()).
		MustRegister("noop", func(d *Descriptor) (Handle, error) {
			return &noopHandle{id: d.ID}, nil
		})

	assert.Equal(t, []string{"noop"}, loader.Names())
	assert.True(t, loader.Supports(&Descriptor{EntryPoint: "builtin:noop"}))
	assert.False(t, loader.Supports(&Descriptor{EntryPoint: "builtin:other"}))
	assert.False(t, loader.Supports(&Descriptor{EntryPoint: "com.example.Main"}))

	h, err := loader.Load(context.Background(), &Descriptor{ID: "p1", EntryPoint: "builtin:noop"})
	require.NoError(t, err)
	assert.Equal(t, "p1", h.(*noopHandle).id)

	_, err = h.Render(context.Background(), RenderRequest{})
	assert.ErrorIs(t, err, ErrRenderUnsupported)

	assert.Error(t, loader.Register("noop", func(*Descriptor) (Handle, error) { return nil, nil }))
	assert.Error(t, loader.Register("", nil))
}

func TestStaticLoader_FactoryError(t *testing.T) {
	loader := NewStaticLoader(quietLogger())
	require.NoError(t, loader.Register("broken", func(*Descriptor) (Handle, error) {
		return nil, errors.New("boom")
	}))

	_, err := loader.Load(context.Background(), &Descriptor{EntryPoint: "builtin:broken"})
	assert.ErrorContains(t, err, "boom")
}

func TestMultiLoader(t *testing.T) {
	first := NewStaticLoader(quietLogger()).MustRegister("a", func(d *Descriptor) (Handle, error) {
		return &noopHandle{id: "from-a"}, nil
	})
	second := NewStaticLoader(quietLogger()).MustRegister("b", func(d *Descriptor) (Handle, error) {
		return &noopHandle{id: "from-b"}, nil
	})
	multi := NewMultiLoader(first, second)

	h, err := multi.Load(context.Background(), &Descriptor{EntryPoint: "builtin:b"})
	require.NoError(t, err)
	assert.Equal(t, "from-b", h.(*noopHandle).id)

	assert.False(t, multi.Supports(&Descriptor{EntryPoint: "builtin:c"}))
	_, err = multi.Load(context.Background(), &Descriptor{EntryPoint: "builtin:c"})
	assert.Error(t, err)
}
