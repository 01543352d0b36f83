package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalogFetchAndMemoryCache(t *testing.T) {
	calls := 0
	c := NewCatalog("test", t.TempDir(), func(context.Context) ([]Model, error) {
		calls++
		return []Model{{ID: "live-model"}}, nil
	}, nil)

	models, err := c.Models(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "live-model", models[0].ID)

	_, err = c.Models(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "second call served from memory cache")
}

func TestCatalogDiskCacheSurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	c1 := NewCatalog("test", dir, func(context.Context) ([]Model, error) {
		return []Model{{ID: "fetched"}}, nil
	}, nil)
	_, err := c1.Models(context.Background())
	require.NoError(t, err)

	// New catalog instance (fresh process): fetch always fails, but the
	// disk cache is fresh.
	c2 := NewCatalog("test", dir, func(context.Context) ([]Model, error) {
		return nil, errors.New("network down")
	}, nil)
	models, err := c2.Models(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fetched", models[0].ID)
}

func TestCatalogFallsBackToHardcodedList(t *testing.T) {
	c := NewCatalog("test", t.TempDir(), func(context.Context) ([]Model, error) {
		return nil, errors.New("network down")
	}, []Model{{ID: "hardcoded", Default: true}})

	models, err := c.Models(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hardcoded", models[0].ID)
}

func TestCatalogEnvOverrideBypassesEverything(t *testing.T) {
	t.Setenv("TASKDECK_MODELS_MY_PROVIDER", "env-a, env-b")

	calls := 0
	c := NewCatalog("my-provider", t.TempDir(), func(context.Context) ([]Model, error) {
		calls++
		return []Model{{ID: "fetched"}}, nil
	}, nil)

	models, err := c.Models(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "env-a", models[0].ID)
	assert.True(t, models[0].Default)
	assert.Equal(t, "env-b", models[1].ID)
	assert.Equal(t, 0, calls)
}

func TestCatalogNoSourcesIsAnError(t *testing.T) {
	c := NewCatalog("test", "", nil, nil)
	_, err := c.Models(context.Background())
	assert.Error(t, err)
}
