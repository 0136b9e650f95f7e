package tokens

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	r, err := NewResolver(nil)
	require.NoError(t, err)
	return r
}

func TestResolve_SingleValued(t *testing.T) {
	r := newTestResolver(t)
	got := r.Resolve("{datName}/{outputBasename}", Context{
		DATName:        "Nintendo - Game Boy",
		OutputBasename: "Game A (USA).gb",
	})
	require.Empty(t, got.Warnings)
	assert.Equal(t, []string{"Nintendo - Game Boy/Game A (USA).gb"}, got.Paths)
}

func TestResolve_MultiValuedOrderStable(t *testing.T) {
	r := newTestResolver(t)
	ctx := Context{
		Regions:        []string{"EUR", "USA"},
		Languages:      []string{"En", "Fr"},
		OutputBasename: "game.gb",
	}
	got := r.Resolve("{region}/{language}/{outputBasename}", ctx)
	assert.Equal(t, []string{
		"EUR/En/game.gb",
		"EUR/Fr/game.gb",
		"USA/En/game.gb",
		"USA/Fr/game.gb",
	}, got.Paths)

	// Same context, same template, always the same expansion order.
	again := r.Resolve("{region}/{language}/{outputBasename}", ctx)
	assert.Equal(t, got.Paths, again.Paths)
}

func TestResolve_EmptyMultiValuedBlanksToken(t *testing.T) {
	r := newTestResolver(t)
	got := r.Resolve("out/{region}/{outputBasename}", Context{
		OutputBasename: "game.gb",
	})
	assert.Equal(t, []string{"out/game.gb"}, got.Paths)
}

func TestResolve_UnknownTokenVerbatim(t *testing.T) {
	r := newTestResolver(t)
	got := r.Resolve("{bogus}/{outputBasename}", Context{OutputBasename: "game.gb"})
	require.Len(t, got.Warnings, 1)
	assert.Contains(t, got.Warnings[0], "{bogus}")
	assert.Equal(t, []string{"{bogus}/game.gb"}, got.Paths)
}

func TestResolve_ProfileTokens(t *testing.T) {
	r := newTestResolver(t)
	ctx := Context{Platform: "nes", OutputBasename: "game.nes"}

	t.Run("onion maps slug", func(t *testing.T) {
		got := r.Resolve("Roms/{onion}/{outputBasename}", ctx)
		assert.Equal(t, []string{"Roms/FC/game.nes"}, got.Paths)
	})

	t.Run("es passes slug through", func(t *testing.T) {
		got := r.Resolve("{es}/{outputBasename}", ctx)
		assert.Equal(t, []string{"nes/game.nes"}, got.Paths)
	})

	t.Run("unmapped slug passes through onion", func(t *testing.T) {
		got := r.Resolve("{onion}/x", Context{Platform: "n64"})
		assert.Equal(t, []string{"n64/x"}, got.Paths)
	})
}

func TestResolve_DeduplicatesExpansions(t *testing.T) {
	r := newTestResolver(t)
	got := r.Resolve("{region}/game.gb", Context{Regions: []string{"USA", "USA"}})
	assert.Equal(t, []string{"USA/game.gb"}, got.Paths)
}

func TestInfer(t *testing.T) {
	table, err := DefaultPlatformTable()
	require.NoError(t, err)

	tests := []struct {
		name     string
		datName  string
		fileName string
		want     string
	}{
		{"dat pattern wins", "Nintendo - Game Boy Advance (Parent-Clone)", "game.bin", "gba"},
		{"gbc before gb", "Nintendo - Game Boy Color", "game.bin", "gbc"},
		{"plain game boy", "Nintendo - Game Boy", "game.bin", "gb"},
		{"extension fallback", "", "Game A (USA).sfc", "snes"},
		{"extension case insensitive", "", "GAME.NES", "nes"},
		{"genesis dat", "Sega - Mega Drive - Genesis", "x.bin", "genesis-slash-megadrive"},
		{"no match", "Unknown Console", "game.xyz", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, table.Infer(tt.datName, tt.fileName))
		})
	}
}

func TestLoadPlatformTable_BadPattern(t *testing.T) {
	_, err := LoadPlatformTable([]byte("version: 1\ndatPatterns:\n  - pattern: \"(\"\n    platform: x\n"))
	assert.Error(t, err)
}
