package capability_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/pluginhost/internal/plugin/capability"
)

func TestEnforcer_Allowed(t *testing.T) {
	tests := []struct {
		name       string
		grants     []string
		capability string
		want       bool
	}{
		{
			name:       "exact match",
			grants:     []string{capability.ValuesRead},
			capability: capability.ValuesRead,
			want:       true,
		},
		{
			name:       "single segment wildcard",
			grants:     []string{"values.*"},
			capability: capability.ValuesWrite,
			want:       true,
		},
		{
			name:       "single segment wildcard does not cross dots",
			grants:     []string{"call.*"},
			capability: capability.Call("time.now"),
			want:       false,
		},
		{
			name:       "super wildcard crosses dots",
			grants:     []string{"call.**"},
			capability: capability.Call("time.now"),
			want:       true,
		},
		{
			name:       "no match",
			grants:     []string{capability.ValuesRead},
			capability: capability.ValuesWrite,
			want:       false,
		},
		{
			name:       "empty grants deny everything",
			grants:     []string{},
			capability: capability.ValuesRead,
			want:       false,
		},
		{
			name:       "partial match not allowed",
			grants:     []string{"values"},
			capability: capability.ValuesRead,
			want:       false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := capability.NewEnforcer()
			require.NoError(t, e.SetGrants("greeter", tt.grants))
			assert.True(t, e.IsRestricted("greeter"))
			assert.Equal(t, tt.want, e.Allowed("greeter", tt.capability))
		})
	}
}

func TestEnforcer_UnrestrictedPlugin(t *testing.T) {
	e := capability.NewEnforcer()
	assert.False(t, e.IsRestricted("greeter"))
	assert.True(t, e.Allowed("greeter", capability.ValuesWrite))
	assert.False(t, e.Allowed("greeter", ""), "empty capability is never allowed")

	require.NoError(t, e.SetGrants("greeter", nil))
	assert.False(t, e.Allowed("greeter", capability.ValuesWrite))

	e.RemoveGrants("greeter")
	assert.True(t, e.Allowed("greeter", capability.ValuesWrite))
}

func TestEnforcer_ZeroValue(t *testing.T) {
	var e capability.Enforcer
	assert.True(t, e.Allowed("greeter", capability.ValuesRead))
	e.RemoveGrants("greeter")
	require.NoError(t, e.SetGrants("greeter", []string{capability.ValuesRead}))
	assert.False(t, e.Allowed("greeter", capability.ValuesWrite))
}

func TestEnforcer_SetGrantsIsAtomic(t *testing.T) {
	e := capability.NewEnforcer()
	require.NoError(t, e.SetGrants("greeter", []string{capability.ValuesRead}))

	err := e.SetGrants("greeter", []string{capability.ValuesWrite, "[unclosed"})
	require.Error(t, err)
	assert.True(t, e.Allowed("greeter", capability.ValuesRead), "failed update keeps previous grants")
	assert.False(t, e.Allowed("greeter", capability.ValuesWrite))

	assert.Error(t, e.SetGrants("", []string{capability.ValuesRead}))
	assert.Error(t, e.SetGrants("greeter", []string{""}))
}

func TestCompile(t *testing.T) {
	assert.NoError(t, capability.Compile([]string{"values.*", "call.**"}))
	assert.Error(t, capability.Compile([]string{"values.[", "call.*"}))
}
