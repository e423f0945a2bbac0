package iso

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeISOs(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), make([]byte, 2048), 0644))
	}
	return dir
}

func TestScan(t *testing.T) {
	dir := makeISOs(t,
		"bcm-10.30.0-ubuntu2404.iso",
		"BCM-10.25.1-ubuntu2204.iso",
		"bcm11.0-ubuntu2404.iso",
		"ubuntu-24.04.iso",
		"bcm-10.30.0.txt",
	)

	cat, err := Scan(dir)
	require.NoError(t, err)

	require.Len(t, cat["10"], 2)
	assert.Equal(t, "10.30.0", cat["10"][0].Version, "newest first")
	assert.Equal(t, "10.25.1", cat["10"][1].Version)
	require.Len(t, cat["11"], 1)
	assert.Equal(t, "11.0.0", cat["11"][0].Version)
	assert.Equal(t, int64(2048), cat["11"][0].Size)
	assert.Equal(t, "2.0 kB", cat["11"][0].HumanSize())
	assert.Len(t, cat.All(), 3)
}

func TestScanMissingDir(t *testing.T) {
	cat, err := Scan(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.True(t, cat.Empty())
}

func TestResolve(t *testing.T) {
	cat, err := Scan(makeISOs(t, "bcm-10.30.0-a.iso", "bcm-10.25.1-a.iso", "bcm-11.30.0-a.iso"))
	require.NoError(t, err)

	img, err := Resolve(cat, "11")
	require.NoError(t, err)
	assert.Equal(t, "11.30.0", img.Version)
	assert.Equal(t, "brightcomputing.installer110", img.CollectionName())

	_, err = Resolve(cat, "10")
	assert.ErrorIs(t, err, ErrAmbiguous)

	img, err = Resolve(cat, "10.25.1")
	require.NoError(t, err)
	assert.Equal(t, "bcm-10.25.1-a.iso", img.Filename())

	img, err = Resolve(cat, "10.30")
	require.NoError(t, err)
	assert.Equal(t, "10.30.0", img.Version)

	_, err = Resolve(cat, "10.99")
	assert.ErrorContains(t, err, "no ISO found")

	_, err = Resolve(cat, "9.0")
	assert.ErrorContains(t, err, "must start with 10 or 11")

	_, err = Resolve(Catalog{}, "11")
	assert.ErrorIs(t, err, ErrNoImages)
}

func TestDefault(t *testing.T) {
	cat, err := Scan(makeISOs(t, "bcm-10.30.0-a.iso", "bcm-11.30.0-a.iso"))
	require.NoError(t, err)
	img, err := Default(cat)
	require.NoError(t, err)
	assert.Equal(t, "10", img.Major)

	cat, err = Scan(makeISOs(t, "bcm-11.30.0-a.iso"))
	require.NoError(t, err)
	img, err = Default(cat)
	require.NoError(t, err)
	assert.Equal(t, "11.30.0", img.Version)

	cat, err = Scan(makeISOs(t, "bcm-10.30.0-a.iso", "bcm-10.31.0-a.iso"))
	require.NoError(t, err)
	_, err = Default(cat)
	assert.ErrorIs(t, err, ErrAmbiguous)

	_, err = Default(Catalog{})
	assert.ErrorIs(t, err, ErrNoImages)
}

func TestMajorOf(t *testing.T) {
	assert.Equal(t, "10", MajorOf("10.30.0"))
	assert.Equal(t, "11", MajorOf("11"))
	assert.Equal(t, "brightcomputing.installer100", CollectionName("10"))
}
