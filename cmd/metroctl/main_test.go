// cmd/metroctl/main_test.go
package main

import (
	"testing"
	"time"

	"github.com/stonefell/metroctl/internal/prism"
	"github.com/stonefell/metroctl/internal/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags([]string{
		"-cluster", "ntnx-east.corp", "-pd", "all",
		"-action", "shutdown", "-shutdownUvms",
		"-timer", "120", "-interval", "5s",
	})
	require.NoError(t, err)
	assert.Equal(t, "ntnx-east.corp", opts.cluster)
	assert.Equal(t, "all", opts.domains)
	assert.Equal(t, "shutdown", opts.action)
	assert.True(t, opts.shutdownUvms)
	assert.Equal(t, 120, opts.timer)
	assert.True(t, opts.timerSet)
	assert.Equal(t, 5*time.Second, opts.interval)

	opts, err = parseFlags([]string{"-cluster", "ntnx-east.corp", "-pd", "all"})
	require.NoError(t, err)
	assert.Equal(t, 300, opts.timer)
	assert.False(t, opts.timerSet, "default timer must not shadow a config-file value")
}

func TestValidate(t *testing.T) {
	valid := func() *options {
		return &options{cluster: "ntnx-east", domains: "metro-pd1", timer: 300}
	}

	t.Run("accepts a minimal invocation", func(t *testing.T) {
		assert.NoError(t, validate(valid()))
	})

	t.Run("rejects a missing cluster", func(t *testing.T) {
		opts := valid()
		opts.cluster = ""
		assert.ErrorContains(t, validate(opts), "-cluster")
	})

	t.Run("rejects a missing domain selection", func(t *testing.T) {
		opts := valid()
		opts.domains = ""
		assert.ErrorContains(t, validate(opts), "-pd")
	})

	t.Run("rejects an unknown action", func(t *testing.T) {
		opts := valid()
		opts.domains = "all"
		opts.action = "reboot"
		assert.ErrorContains(t, validate(opts), "-action")
	})

	t.Run("an action requires the whole cluster", func(t *testing.T) {
		opts := valid()
		opts.action = "maintenance"
		assert.ErrorContains(t, validate(opts), "-pd all")

		opts.domains = "ALL" // case-insensitive
		assert.NoError(t, validate(opts))
	})

	t.Run("reEnableOnly excludes host actions", func(t *testing.T) {
		opts := valid()
		opts.domains = "all"
		opts.reEnableOnly = true
		opts.action = "shutdown"
		assert.ErrorContains(t, validate(opts), "reEnableOnly")
	})

	t.Run("reEnableOnly excludes skipfailover", func(t *testing.T) {
		opts := valid()
		opts.reEnableOnly = true
		opts.skipFailover = true
		assert.ErrorContains(t, validate(opts), "mutually exclusive")
	})
}

func TestSelection(t *testing.T) {
	t.Run("explicit names are split and trimmed", func(t *testing.T) {
		sel := selection(&options{domains: "metro-pd1, metro-pd2 ,"})
		assert.False(t, sel.All)
		assert.Equal(t, []string{"metro-pd1", "metro-pd2"}, sel.Domains)
	})

	t.Run("all is recognized case-insensitively", func(t *testing.T) {
		sel := selection(&options{domains: "All"})
		assert.True(t, sel.All)
		assert.Empty(t, sel.Domains)
	})

	t.Run("flags carry into the selection", func(t *testing.T) {
		sel := selection(&options{domains: "all", skipFailover: true, action: "maintenance"})
		assert.True(t, sel.SkipFailover)
		assert.True(t, sel.HostAction)
		assert.False(t, sel.ReEnableOnly)
	})
}

func TestRestartAddresses(t *testing.T) {
	side := topology.Side{Hosts: []prism.Host{
		{Name: "node-1", IPMIAddress: "10.1.9.1", HypervisorAddress: "10.1.0.1", ServiceVMExternalIP: "10.1.0.11"},
		{Name: "node-2", HypervisorAddress: "10.1.0.2"},
	}}

	addrs := restartAddresses(side)
	assert.Equal(t, []string{
		"10.1.9.1 (IPMI of node-1)",
		"10.1.0.1 (hypervisor node-1)",
		"10.1.0.11 (controller VM)",
		"10.1.0.2 (hypervisor node-2)",
	}, addrs)
}
