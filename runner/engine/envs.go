package engine

import (
	"fmt"
	"maps"
	"slices"
)

type EnvVars []string

// ConstructEnvs converts a workflow environment map into a
// docker-friendly []string{"KEY=value", ...} slice. Keys are sorted
// so the result is deterministic.
func ConstructEnvs(envs map[string]string) EnvVars {
	var vars EnvVars
	for _, key := range slices.Sorted(maps.Keys(envs)) {
		vars.AddEnv(key, envs[key])
	}
	return vars
}

// Slice returns the EnvVars as a []string slice.
func (ev EnvVars) Slice() []string {
	return ev
}

// AddEnv adds a key=value string to the EnvVars.
func (ev *EnvVars) AddEnv(key, value string) {
	*ev = append(*ev, fmt.Sprintf("%s=%s", key, value))
}
