/*
 * Camofy
 * Copyright (C) 2025  Camofy
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package compose

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/camofy/camofy/lib/config"
	"github.com/camofy/camofy/lib/defaults"
)

func parseYAML(t *testing.T, doc string) map[string]any {
	t.Helper()
	var out any
	require.NoError(t, yaml.Unmarshal([]byte(doc), &out))
	if out == nil {
		return map[string]any{}
	}
	m, ok := out.(map[string]any)
	require.True(t, ok)
	return m
}

func TestMergeScalarsAndMaps(t *testing.T) {
	base := parseYAML(t, `
mixed-port: 7897
mode: rule
dns:
  enable: true
  listen: 0.0.0.0:1053
`)
	overlay := parseYAML(t, `
mode: global
dns:
  listen: 0.0.0.0:2053
`)

	merged, err := Merge(base, overlay)
	require.NoError(t, err)
	assert.Equal(t, 7897, merged["mixed-port"])
	assert.Equal(t, "global", merged["mode"])
	dns := merged["dns"].(map[string]any)
	assert.Equal(t, true, dns["enable"])
	assert.Equal(t, "0.0.0.0:2053", dns["listen"])
}

func TestMergeSequencesReplaceWholesale(t *testing.T) {
	base := parseYAML(t, "rules: [B1, B2]\nproxies: [{name: old}]")
	overlay := parseYAML(t, "rules: [U]")

	merged, err := Merge(base, overlay)
	require.NoError(t, err)
	assert.Equal(t, []any{"U"}, merged["rules"])
	// Untouched sequence fields flow through from the base.
	assert.Len(t, merged["proxies"], 1)
}

func TestMergeDirectives(t *testing.T) {
	base := parseYAML(t, "rules: [B1, B2]")
	overlay := parseYAML(t, "prepend-rules: [P]\nappend-rules: [A]")

	merged, err := Merge(base, overlay)
	require.NoError(t, err)
	assert.Equal(t, []any{"P", "B1", "B2", "A"}, merged["rules"])
	_, leaked := merged["prepend-rules"]
	assert.False(t, leaked, "directive keys must not appear in output")
}

func TestMergeDirectiveUsesOverlayOwnSequence(t *testing.T) {
	base := parseYAML(t, "rules: [B]")
	overlay := parseYAML(t, "rules: [U]\nappend-rules: [A]")

	merged, err := Merge(base, overlay)
	require.NoError(t, err)
	assert.Equal(t, []any{"U", "A"}, merged["rules"])
}

func TestMergeRejectsNonSequenceDirective(t *testing.T) {
	base := parseYAML(t, "rules: [B]")
	overlay := parseYAML(t, "append-rules: oops")

	_, err := Merge(base, overlay)
	require.True(t, trace.IsBadParameter(err))
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	base := parseYAML(t, "dns: {enable: true}")
	overlay := parseYAML(t, "dns: {listen: x}")

	_, err := Merge(base, overlay)
	require.NoError(t, err)
	_, touched := base["dns"].(map[string]any)["listen"]
	assert.False(t, touched)
}

func writeProfile(t *testing.T, dataRoot, rel, content string) {
	t.Helper()
	path := filepath.Join(dataRoot, defaults.ConfigDirName, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestGenerateSeedsDefaultsAndPinsControllerSocket(t *testing.T) {
	dataRoot := t.TempDir()
	c := NewComposer(dataRoot)

	cfg := config.NewAppConfig()
	cfg.Profiles = []config.ProfileMeta{{
		ID: "u1", Kind: config.ProfileUser, Name: "overlay", Path: "user-profiles/u1.yaml",
	}}
	cfg.ActiveUserProfileID = "u1"
	writeProfile(t, dataRoot, "user-profiles/u1.yaml", "mixed-port: 8888\nmode: global\nexternal-controller-unix: /tmp/evil.sock\n")

	require.NoError(t, c.Generate(cfg))

	// core-defaults.yaml was seeded on first use.
	assert.FileExists(t, c.DefaultsPath())

	data, err := os.ReadFile(c.MergedPath())
	require.NoError(t, err)
	merged := parseYAML(t, string(data))

	// User overlay wins over defaults.
	assert.Equal(t, 8888, merged["mixed-port"])
	assert.Equal(t, "global", merged["mode"])
	// Except for the controller socket, which is pinned.
	assert.Equal(t, defaults.EngineSocketPath, merged["external-controller-unix"])
	// Default-only keys flow through.
	assert.Equal(t, "warning", merged["log-level"])
}

func TestGenerateSubscriptionPlusUserOverlay(t *testing.T) {
	dataRoot := t.TempDir()
	c := NewComposer(dataRoot)

	cfg := config.NewAppConfig()
	cfg.Profiles = []config.ProfileMeta{
		{ID: "s1", Kind: config.ProfileRemote, Name: "provider", Path: "subscriptions/s1/subscription.yaml", URL: "https://example.com"},
		{ID: "u1", Kind: config.ProfileUser, Name: "overlay", Path: "user-profiles/u1.yaml"},
	}
	cfg.ActiveSubscriptionID = "s1"
	cfg.ActiveUserProfileID = "u1"
	writeProfile(t, dataRoot, "subscriptions/s1/subscription.yaml", `
proxies:
  - {name: A, type: ss}
proxy-groups:
  - {name: G, type: Selector, proxies: [A]}
rules: [R1]
`)
	writeProfile(t, dataRoot, "user-profiles/u1.yaml", "prepend-rules: [R0]\n")

	require.NoError(t, c.Generate(cfg))

	data, err := os.ReadFile(c.MergedPath())
	require.NoError(t, err)
	merged := parseYAML(t, string(data))

	assert.Equal(t, []any{"R0", "R1"}, merged["rules"])
	require.Len(t, merged["proxies"], 1)
	require.Len(t, merged["proxy-groups"], 1)
	assert.Equal(t, 7897, merged["mixed-port"])
}

func TestGenerateMissingActiveProfileFails(t *testing.T) {
	dataRoot := t.TempDir()
	c := NewComposer(dataRoot)

	cfg := config.NewAppConfig()
	cfg.ActiveSubscriptionID = "ghost"

	err := c.Generate(cfg)
	require.True(t, trace.IsNotFound(err))
}

func TestGenerateIsIdempotent(t *testing.T) {
	dataRoot := t.TempDir()
	c := NewComposer(dataRoot)
	cfg := config.NewAppConfig()

	require.NoError(t, c.Generate(cfg))
	first, err := os.ReadFile(c.MergedPath())
	require.NoError(t, err)

	require.NoError(t, c.Generate(cfg))
	second, err := os.ReadFile(c.MergedPath())
	require.NoError(t, err)

	assert.Equal(t, string(first), string(second))
}
