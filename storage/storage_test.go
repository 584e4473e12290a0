package storage

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ivmfnal/kbstorage/kbf"
)

// Property 9: with containers capped at ~16 KiB, 1000 distinct 1 KiB blobs
// spill across at least two containers and Keys() returns exactly those
// 1000 keys.
func TestStorageRolloverAcrossContainers(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root, WithContainerMaxFileSize(16*1024))
	require.NoError(t, err)
	defer s.Close()

	want := map[string]bool{}
	for i := 0; i < 1000; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		blob := make([]byte, 1024)
		for j := range blob {
			blob[j] = byte(i)
		}
		_, err := s.AddBlob(key, blob)
		require.NoError(t, err)
		want[string(key)] = true
	}

	require.GreaterOrEqual(t, len(s.files), 2, "1000 KiB-sized blobs in 16 KiB containers must roll over")

	got := map[string]bool{}
	for k := range s.Keys() {
		got[string(k)] = true
	}
	require.Equal(t, want, got)

	for k := range want {
		blob, err := s.Get([]byte(k))
		require.NoError(t, err)
		require.Len(t, blob, 1024)
	}
}

// Property 10: reload fidelity.
func TestStorageReloadFidelity(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root, WithContainerMaxFileSize(16*1024))
	require.NoError(t, err)
	defer s.Close()

	values := map[string][]byte{}
	for i := 0; i < 50; i++ {
		key := []byte(fmt.Sprintf("k%02d", i))
		blob := []byte(fmt.Sprintf("value-%02d", i))
		_, err := s.AddBlob(key, blob)
		require.NoError(t, err)
		values[string(key)] = blob
	}

	require.NoError(t, s.Reload())

	gotKeys := map[string]bool{}
	for k := range s.Keys() {
		gotKeys[string(k)] = true
	}
	require.Len(t, gotKeys, len(values))

	for k, want := range values {
		got, err := s.Get([]byte(k))
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestOpenEmptyRootCreatesOneContainer(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root)
	require.NoError(t, err)
	defer s.Close()

	require.Len(t, s.files, 1)
	require.NotNil(t, s.current)
}

func TestAddBlobReplacesAcrossContainersOnRollover(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root, WithContainerMaxFileSize(16*1024))
	require.NoError(t, err)
	defer s.Close()

	key := []byte("the-key")
	_, err = s.AddBlob(key, []byte("first value"))
	require.NoError(t, err)

	// Push the current container past capacity so a rollover happens, then
	// re-put the same key: it must end up live in exactly one container.
	for i := 0; i < 20; i++ {
		_, err := s.AddBlob([]byte(fmt.Sprintf("filler-%d", i)), make([]byte, 512))
		require.NoError(t, err)
	}

	_, err = s.AddBlob(key, []byte("second value"))
	require.NoError(t, err)

	got, err := s.Get(key)
	require.NoError(t, err)
	require.Equal(t, "second value", string(got))

	owners := 0
	for _, f := range s.files {
		if f.Contains(key) {
			owners++
		}
	}
	require.Equal(t, 1, owners, "key must live in exactly one container")
}

func TestGetNotFound(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Get([]byte("missing"))
	require.ErrorIs(t, err, kbf.ErrNotFound)
}

func TestBulkGetSkipsMissingKeys(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.AddBlob([]byte("a"), []byte("1"))
	require.NoError(t, err)
	_, err = s.AddBlob([]byte("c"), []byte("3"))
	require.NoError(t, err)

	var gotKeys []string
	for k, v := range s.BulkGet([][]byte{[]byte("a"), []byte("b"), []byte("c")}) {
		gotKeys = append(gotKeys, string(k)+"="+string(v))
	}
	require.Equal(t, []string{"a=1", "c=3"}, gotKeys)
}

func TestFanOutPathLayout(t *testing.T) {
	root := "/root-dir"
	path, err := fanOutPath(root, "0123456789abcdef")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "f", "e", "0123456789abcdef.kbf"), path)
}
