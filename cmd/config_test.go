package cmd

import (
	"flag"
	"testing"

	"github.com/PISAresearch/pisa/config/params"
	"github.com/PISAresearch/pisa/testing/assert"
	"github.com/PISAresearch/pisa/testing/require"
	"github.com/urfave/cli/v2"
)

func TestOverrideConfig(t *testing.T) {
	cfg := &Flags{
		MinimalConfig: true,
	}
	reset := InitWithReset(cfg)
	defer reset()
	c := Get()
	assert.Equal(t, true, c.MinimalConfig)
}

func TestDefaultConfig(t *testing.T) {
	cfg := &Flags{
		MaxGoroutines: MaxGoroutines.Value,
	}
	c := Get()
	assert.DeepEqual(t, c, cfg)

	reset := InitWithReset(cfg)
	defer reset()
	c = Get()
	assert.DeepEqual(t, c, cfg)
}

func TestConfigureWatchtower(t *testing.T) {
	params.SetupTestConfigCleanup(t)
	reset := InitWithReset(&Flags{MaxGoroutines: MaxGoroutines.Value})
	defer reset()

	app := cli.App{}
	set := flag.NewFlagSet("test", 0)
	set.Bool(MinimalConfigFlag.Name, true, "test")
	set.Int(MaxGoroutines.Name, MaxGoroutines.Value, "test")
	require.NoError(t, set.Set(MaxGoroutines.Name, "100"))
	context := cli.NewContext(&app, set, nil)

	require.NoError(t, ConfigureWatchtower(context))
	c := Get()
	assert.Equal(t, true, c.MinimalConfig)
	assert.Equal(t, 100, c.MaxGoroutines)
	// The minimal preset shrinks the retention window.
	assert.Equal(t, uint64(20), params.TowerConfig().MaxBlockDepth)
}
