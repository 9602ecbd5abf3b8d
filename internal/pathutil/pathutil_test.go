package pathutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_ExactPath(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "movie.mkv")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))

	got, err := Resolve(file)
	require.NoError(t, err)
	assert.Equal(t, file, got)
}

func TestResolve_NormalizationMismatch(t *testing.T) {
	// Entry on disk is NFD, lookup uses NFC (the Amélie case).
	dir := t.TempDir()
	nfdName := NFD("Amélie")
	require.NoError(t, os.Mkdir(filepath.Join(dir, nfdName), 0755))

	got, err := Resolve(filepath.Join(dir, NFC("Amélie")))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, nfdName), got)
}

func TestResolve_ParentEnumerationFallback(t *testing.T) {
	// Both the parent and the leaf differ in normalization form.
	dir := t.TempDir()
	parent := filepath.Join(dir, NFD("드라마"))
	require.NoError(t, os.Mkdir(parent, 0755))
	file := filepath.Join(parent, NFD("시그널.mkv"))
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))

	got, err := Resolve(filepath.Join(dir, NFC("드라마"), NFC("시그널.mkv")))
	require.NoError(t, err)

	info, err := os.Stat(got)
	require.NoError(t, err)
	assert.False(t, info.IsDir())
}

func TestResolve_NotFound(t *testing.T) {
	dir := t.TempDir()
	_, err := Resolve(filepath.Join(dir, "nope.mkv"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIsExcluded(t *testing.T) {
	excluded := []string{"성인", "19금", "Adult", "@eaDir", "#recycle"}

	tests := []struct {
		name string
		want bool
	}{
		{"성인", true},
		{"19금 모음", true},
		{"Adult", true},
		{"@eaDir", true},
		{".hidden", true},
		{"드라마", false},
		{"Movies", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsExcluded(tt.name, excluded))
		})
	}
}

func TestNFCIdempotent(t *testing.T) {
	s := NFD("한국어 타이틀")
	assert.Equal(t, NFC(s), NFC(NFC(s)))
}
