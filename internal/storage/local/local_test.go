package local

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"io/fs"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const root = "/packages"

func newTestBackend(t *testing.T) (*LocalBackend, afero.Fs) {
	t.Helper()
	memFs := afero.NewMemMapFs()
	b, err := New(Config{RootPath: root, CreateDirs: true, Fs: memFs})
	require.NoError(t, err)
	return b, memFs
}

func TestNew_Validation(t *testing.T) {
	memFs := afero.NewMemMapFs()

	_, err := New(Config{Fs: memFs})
	assert.Error(t, err, "root path is required")

	_, err = New(Config{RootPath: "/missing", Fs: memFs})
	assert.Error(t, err, "missing root without CreateDirs")

	require.NoError(t, afero.WriteFile(memFs, "/file", []byte("x"), 0644))
	_, err = New(Config{RootPath: "/file", Fs: memFs})
	assert.Error(t, err, "root is a file")

	b, err := New(Config{RootPath: "/created", CreateDirs: true, Fs: memFs})
	require.NoError(t, err)
	assert.Equal(t, "/created", b.Root())
	ok, _ := afero.DirExists(memFs, "/created")
	assert.True(t, ok)
}

func TestHash(t *testing.T) {
	b, memFs := newTestBackend(t)
	ctx := context.Background()

	// Larger than one chunk so the loop runs more than once.
	content := strings.Repeat("jamf", 3000)
	require.NoError(t, afero.WriteFile(memFs, root+"/big.pkg", []byte(content), 0644))

	sum, ok, err := b.Hash(ctx, "big.pkg")
	require.NoError(t, err)
	assert.True(t, ok)
	want := md5.Sum([]byte(content))
	assert.Equal(t, hex.EncodeToString(want[:]), sum)

	require.NoError(t, afero.WriteFile(memFs, root+"/hello.pkg", []byte("hello"), 0644))
	sum, ok, err = b.Hash(ctx, "hello.pkg")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", sum)

	_, ok, err = b.Hash(ctx, "absent.pkg")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPutOverwritesAndLeavesNoTemp(t *testing.T) {
	b, memFs := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, afero.WriteFile(memFs, root+"/a.pkg", []byte("old"), 0644))

	n, err := b.Put(ctx, "a.pkg", strings.NewReader("new content"), -1, "")
	require.NoError(t, err)
	assert.Equal(t, int64(len("new content")), n)

	data, err := afero.ReadFile(memFs, root+"/a.pkg")
	require.NoError(t, err)
	assert.Equal(t, "new content", string(data))

	names, err := b.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.pkg"}, names)
}

type failingReader struct{ sent bool }

func (r *failingReader) Read(p []byte) (int, error) {
	if !r.sent {
		r.sent = true
		return copy(p, "partial"), nil
	}
	return 0, errors.New("connection reset")
}

func TestPutFailureKeepsPreviousContent(t *testing.T) {
	b, memFs := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, afero.WriteFile(memFs, root+"/a.pkg", []byte("old"), 0644))

	_, err := b.Put(ctx, "a.pkg", &failingReader{}, -1, "")
	require.Error(t, err)

	data, err := afero.ReadFile(memFs, root+"/a.pkg")
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))

	names, err := b.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.pkg"}, names, "temp file must be cleaned up")
}

func TestListSkipsDirectories(t *testing.T) {
	b, memFs := newTestBackend(t)

	require.NoError(t, memFs.MkdirAll(root+"/sub", 0755))
	require.NoError(t, afero.WriteFile(memFs, root+"/.DS_Store", nil, 0644))
	require.NoError(t, afero.WriteFile(memFs, root+"/b.pkg", nil, 0644))

	names, err := b.List(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{".DS_Store", "b.pkg"}, names)
}

func TestDelete(t *testing.T) {
	b, memFs := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, afero.WriteFile(memFs, root+"/a.pkg", []byte("x"), 0644))
	require.NoError(t, b.Delete(ctx, "a.pkg"))

	err := b.Delete(ctx, "a.pkg")
	require.Error(t, err)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestPutReadsWholeStream(t *testing.T) {
	b, memFs := newTestBackend(t)
	r := io.LimitReader(strings.NewReader(strings.Repeat("x", 10000)), 9000)

	n, err := b.Put(context.Background(), "x.pkg", r, 9000, "")
	require.NoError(t, err)
	assert.Equal(t, int64(9000), n)

	info, err := memFs.Stat(root + "/x.pkg")
	require.NoError(t, err)
	assert.Equal(t, int64(9000), info.Size())
}
