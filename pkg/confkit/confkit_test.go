package confkit_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ig-trading/pkg/confkit"
)

func TestResolvePath(t *testing.T) {
	t.Setenv("CONFKIT_DIR", "sections")
	tests := []struct {
		name string
		base string
		file string
		want string
	}{
		{name: "absolute", base: "/base", file: "/etc/market.yaml", want: "/etc/market.yaml"},
		{name: "relative", base: "/base", file: "tasks.yaml", want: "/base/tasks.yaml"},
		{name: "env", base: "/base", file: "${CONFKIT_DIR}/tasks.yaml", want: "/base/sections/tasks.yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, confkit.ResolvePath(tt.base, tt.file))
		})
	}
}

func TestSectionHydrate(t *testing.T) {
	t.Run("empty file", func(t *testing.T) {
		var s confkit.Section[string]
		err := s.Hydrate("/base", func(string) (*string, error) {
			t.Fatal("loader must not run")
			return nil, nil
		})
		require.NoError(t, err)
		assert.Nil(t, s.Value)
		assert.Error(t, s.Require("market"))
	})

	t.Run("loads resolved path", func(t *testing.T) {
		s := confkit.Section[string]{File: "tasks.yaml"}
		val := "loaded"
		var got string
		require.NoError(t, s.Hydrate("/base", func(p string) (*string, error) {
			got = p
			return &val, nil
		}))
		assert.Equal(t, "/base/tasks.yaml", got)
		assert.Equal(t, "/base/tasks.yaml", s.File)
		assert.Equal(t, "loaded", *s.Value)
		assert.NoError(t, s.Require("collector"))
	})

	t.Run("loader error", func(t *testing.T) {
		s := confkit.Section[string]{File: "x.yaml"}
		err := s.Hydrate("/base", func(string) (*string, error) { return nil, errors.New("boom") })
		assert.EqualError(t, err, "boom")
		assert.Nil(t, s.Value)
	})
}

func TestDecodeYAML(t *testing.T) {
	type doc struct {
		Name  string `yaml:"name"`
		Every string `yaml:"every"`
	}
	v, err := confkit.DecodeYAML[doc](strings.NewReader("name: btc\nevery: 5m\n"), "test")
	require.NoError(t, err)
	assert.Equal(t, "btc", v.Name)

	_, err = confkit.DecodeYAML[doc](strings.NewReader("name: [unclosed"), "test")
	assert.ErrorContains(t, err, "unmarshal test config")

	dir := t.TempDir()
	path := filepath.Join(dir, "doc.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: eth\n"), 0o600))
	v, err = confkit.LoadYAML[doc](path, "test")
	require.NoError(t, err)
	assert.Equal(t, "eth", v.Name)

	_, err = confkit.LoadYAML[doc](filepath.Join(dir, "missing.yaml"), "test")
	assert.ErrorContains(t, err, "open test config")
}

func TestParseDurations(t *testing.T) {
	t.Setenv("CONFKIT_EVERY", "90s")
	var every, stagger, untouched time.Duration
	untouched = time.Hour
	require.NoError(t, confkit.ParseDurations(
		confkit.Duration{Key: "every", Raw: "${CONFKIT_EVERY}", Dst: &every},
		confkit.Duration{Key: "stagger", Raw: " 250ms ", Dst: &stagger},
		confkit.Duration{Key: "unset", Raw: "", Dst: &untouched},
	))
	assert.Equal(t, 90*time.Second, every)
	assert.Equal(t, 250*time.Millisecond, stagger)
	assert.Equal(t, time.Hour, untouched)

	var d time.Duration
	assert.ErrorContains(t, confkit.ParseDurations(confkit.Duration{Key: "every", Raw: "soon", Dst: &d}), "invalid every")
	assert.ErrorContains(t, confkit.ParseDurations(confkit.Duration{Key: "every", Raw: "-1s", Dst: &d}), "must be positive")
}

func TestMustProjectPath(t *testing.T) {
	p := confkit.MustProjectPath("etc/market.yaml")
	assert.True(t, filepath.IsAbs(p) || strings.HasPrefix(p, "."))
	assert.Equal(t, "market.yaml", filepath.Base(p))
}
