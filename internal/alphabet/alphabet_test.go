package alphabet

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, 0, -1)
	assert.Error(t, err, "empty alphabet")

	_, err = New([]string{"_", "a"}, 2, -1)
	assert.Error(t, err, "blank out of range")

	_, err = New([]string{"_", "a"}, 0, 5)
	assert.Error(t, err, "space out of range")

	_, err = New([]string{"_", "a"}, 0, 0)
	assert.Error(t, err, "blank and space must differ")

	ab, err := New([]string{"_", " ", "a"}, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, ab.Size())
	assert.Equal(t, 0, ab.BlankIndex())
	assert.Equal(t, 1, ab.SpaceIndex())
}

func TestAlphabet_EntriesAndTranscribe(t *testing.T) {
	ab, err := New([]string{"_", " ", "h", "i"}, 0, 1)
	require.NoError(t, err)

	assert.Equal(t, "h", ab.Entry(2))
	assert.Equal(t, "", ab.Entry(-1))
	assert.Equal(t, "", ab.Entry(9))

	assert.Equal(t, []string{"h", "i", " ", "h", "i"}, ab.MapIndicesToEntries([]int{2, 3, 1, 2, 3}))
	assert.Equal(t, "hi hi", ab.Transcribe([]int{2, 3, 1, 2, 3}))
}

func writeLines(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "alphabet.txt")
	require.NoError(t, os.WriteFile(path, []byte(lines), 0o600))
	return path
}

func TestLoad_Basic(t *testing.T) {
	path := writeLines(t, "_\n<space>\na\nb\n")
	ab, err := Load(path, 0, 1)
	require.NoError(t, err)

	assert.Equal(t, 4, ab.Size())
	assert.Equal(t, " ", ab.Entry(1))
	assert.Equal(t, "a", ab.Entry(2))
}

func TestLoad_StripsBOM(t *testing.T) {
	path := writeLines(t, "\uFEFF_\na\n")
	ab, err := Load(path, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, "_", ab.Entry(0))
}

func TestLoad_NormalizesNFC(t *testing.T) {
	// e followed by combining acute accent normalizes to a single rune.
	path := writeLines(t, "_\né\n")
	ab, err := Load(path, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, "\u00e9", ab.Entry(1))
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load("", 0, -1)
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "absent.txt"), 0, -1)
	assert.Error(t, err)

	path := writeLines(t, "")
	_, err = Load(path, 0, -1)
	assert.Error(t, err, "empty file")
}
