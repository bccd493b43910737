package config

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"spyre/pkg/models"
)

func TestPersonaRegistryGetAllHasLen(t *testing.T) {
	personas := map[string]*models.Persona{
		"general":  {ID: "general", Name: "General", Role: "software engineer"},
		"reviewer": {ID: "reviewer", Name: "Reviewer", Role: "code reviewer"},
	}
	reg := NewPersonaRegistry(personas)

	assert.Equal(t, 2, reg.Len())
	assert.True(t, reg.Has("general"))
	assert.False(t, reg.Has("missing"))

	got, err := reg.Get("reviewer")
	assert.NoError(t, err)
	assert.Equal(t, "code reviewer", got.Role)

	_, err = reg.Get("missing")
	assert.ErrorIs(t, err, ErrPersonaNotFound)

	all := reg.GetAll()
	assert.Len(t, all, 2)
}

func TestRegistryGetReturnsNotFoundSentinelPerKind(t *testing.T) {
	_, err := NewTemplateRegistry(nil).Get("x")
	assert.True(t, errors.Is(err, ErrTemplateNotFound))

	_, err = NewSoftwareCatalogRegistry(nil).Get("x")
	assert.True(t, errors.Is(err, ErrSoftwareItemNotFound))

	_, err = NewSoftwarePoolRegistry(nil).Get("x")
	assert.True(t, errors.Is(err, ErrSoftwarePoolNotFound))
}

func TestRegistryGetAllIsACopy(t *testing.T) {
	reg := NewPersonaRegistry(map[string]*models.Persona{
		"general": {ID: "general", Name: "General"},
	})

	all := reg.GetAll()
	delete(all, "general")

	assert.True(t, reg.Has("general"), "mutating the returned map must not affect the registry")
}

func TestRegistryConstructorCopiesInput(t *testing.T) {
	source := map[string]*models.Persona{
		"general": {ID: "general", Name: "General"},
	}
	reg := NewPersonaRegistry(source)

	source["injected"] = &models.Persona{ID: "injected"}

	assert.False(t, reg.Has("injected"), "mutating the source map after construction must not affect the registry")
}

func TestEmptyRegistryHasZeroLen(t *testing.T) {
	reg := NewTemplateRegistry(map[string]*models.PipelineTemplate{})
	assert.Equal(t, 0, reg.Len())
	assert.False(t, reg.Has("anything"))
}
