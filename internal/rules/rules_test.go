package rules

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NotEnoughUpdates/ursa-minor/internal/config"
)

func testTable(t *testing.T) *Table {
	t.Helper()
	table, err := New([]config.RuleConfig{
		{
			PublicPath:       "skyblock/profiles",
			UpstreamTemplate: "https://api.hypixel.net/v2/skyblock/profiles",
			QueryArguments:   []string{"uuid"},
		},
		{
			PublicPath:       "skyblock/auction",
			UpstreamTemplate: "https://api.hypixel.net/v2/skyblock/auction",
			QueryArguments:   []string{"player", "profile"},
		},
		{
			PublicPath:       "status",
			UpstreamTemplate: "https://api.hypixel.net/v2/status",
			QueryArguments:   nil,
		},
	})
	require.NoError(t, err)
	return table
}

func TestTranslate(t *testing.T) {
	table := testTable(t)

	t.Run("single argument", func(t *testing.T) {
		tr, err := table.Translate("skyblock/profiles/12345678-1234-1234-1234-123456789abc")
		require.NoError(t, err)
		require.NotNil(t, tr)
		assert.Equal(t, "https://api.hypixel.net/v2/skyblock/profiles?uuid=12345678-1234-1234-1234-123456789abc", tr.UpstreamURL)
		assert.Equal(t, "skyblock/profiles", tr.Rule.PublicPath)
	})

	t.Run("arguments keep rule order", func(t *testing.T) {
		tr, err := table.Translate("skyblock/auction/zebra/aardvark")
		require.NoError(t, err)
		require.NotNil(t, tr)
		// "profile" sorts before "player"; the URL must not.
		assert.Equal(t, "https://api.hypixel.net/v2/skyblock/auction?player=zebra&profile=aardvark", tr.UpstreamURL)
	})

	t.Run("no arguments", func(t *testing.T) {
		tr, err := table.Translate("status")
		require.NoError(t, err)
		require.NotNil(t, tr)
		assert.Equal(t, "https://api.hypixel.net/v2/status", tr.UpstreamURL)
	})

	t.Run("segments are URL encoded", func(t *testing.T) {
		tr, err := table.Translate("skyblock/profiles/a b&c")
		require.NoError(t, err)
		require.NotNil(t, tr)
		assert.Equal(t, "https://api.hypixel.net/v2/skyblock/profiles?uuid=a+b%26c", tr.UpstreamURL)
	})

	t.Run("extra slashes are tolerated", func(t *testing.T) {
		tr, err := table.Translate("skyblock/profiles//abc/")
		require.NoError(t, err)
		require.NotNil(t, tr)
		assert.Equal(t, []string{"abc"}, tr.Segments)
	})

	t.Run("missing argument", func(t *testing.T) {
		tr, err := table.Translate("skyblock/auction/only-player")
		assert.Nil(t, tr)
		var missing *MissingArgumentError
		require.ErrorAs(t, err, &missing)
		assert.Equal(t, "profile", missing.Name)
	})

	t.Run("superfluous argument", func(t *testing.T) {
		tr, err := table.Translate("skyblock/profiles/abc/extra")
		assert.Nil(t, tr)
		var extra *SuperfluousArgumentError
		require.ErrorAs(t, err, &extra)
		assert.Equal(t, "extra", extra.Value)
	})

	t.Run("unknown path is not an error", func(t *testing.T) {
		tr, err := table.Translate("guild/members/abc")
		require.NoError(t, err)
		assert.Nil(t, tr)
	})

	t.Run("first matching prefix wins", func(t *testing.T) {
		table, err := New([]config.RuleConfig{
			{PublicPath: "skyblock", UpstreamTemplate: "https://api.hypixel.net/v2/first", QueryArguments: []string{"a"}},
			{PublicPath: "skyblock/profiles", UpstreamTemplate: "https://api.hypixel.net/v2/second", QueryArguments: []string{"a"}},
		})
		require.NoError(t, err)

		tr, err := table.Translate("skyblock/profiles")
		require.NoError(t, err)
		require.NotNil(t, tr)
		assert.Equal(t, "https://api.hypixel.net/v2/first?a=profiles", tr.UpstreamURL)
	})
}

func TestDiagnosticsMember(t *testing.T) {
	table := testTable(t)

	tr, err := table.Translate("skyblock/auction/playerName/profileId")
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, "playerName:profileId", tr.DiagnosticsMember())

	tr, err = table.Translate("status")
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, "", tr.DiagnosticsMember())
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name string
		rule config.RuleConfig
	}{
		{"empty public path", config.RuleConfig{UpstreamTemplate: "https://api.hypixel.net/v2/status"}},
		{"relative upstream", config.RuleConfig{PublicPath: "status", UpstreamTemplate: "/v2/status"}},
		{"upstream with query", config.RuleConfig{PublicPath: "status", UpstreamTemplate: "https://api.hypixel.net/v2/status?key=x"}},
		{"empty argument name", config.RuleConfig{PublicPath: "status", UpstreamTemplate: "https://api.hypixel.net/v2/status", QueryArguments: []string{""}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New([]config.RuleConfig{tt.rule})
			assert.Error(t, err)
		})
	}
}

func TestLoadFromFiles(t *testing.T) {
	dir := t.TempDir()

	single := filepath.Join(dir, "profiles.json")
	require.NoError(t, os.WriteFile(single, []byte(`{
		"http-path": "skyblock/profiles",
		"hypixel-path": "https://api.hypixel.net/v2/skyblock/profiles",
		"query-arguments": ["uuid"]
	}`), 0o644))

	multi := filepath.Join(dir, "more.json")
	rulesJSON, err := json.Marshal([]config.RuleConfig{
		{PublicPath: "status", UpstreamTemplate: "https://api.hypixel.net/v2/status"},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(multi, rulesJSON, 0o644))

	table, err := Load(config.RulesConfig{
		Inline: []config.RuleConfig{
			{PublicPath: "guild", UpstreamTemplate: "https://api.hypixel.net/v2/guild", QueryArguments: []string{"player"}},
		},
		Files: []string{single, multi},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, table.Len())

	// Inline rules come before file rules.
	tr, err := table.Translate("guild/someone")
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, "https://api.hypixel.net/v2/guild?player=someone", tr.UpstreamURL)

	tr, err = table.Translate("skyblock/profiles/abc")
	require.NoError(t, err)
	require.NotNil(t, tr)

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(config.RulesConfig{Files: []string{filepath.Join(dir, "nope.json")}})
		assert.Error(t, err)
	})
}
