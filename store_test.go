package nbd

import (
	"bytes"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStores(t *testing.T, size uint64) map[string]Store {
	t.Helper()
	fs, err := OpenFileStore(filepath.Join(t.TempDir(), "backing"), size, false)
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })
	return map[string]Store{
		"file": fs,
		"mem":  NewMemStore(size),
	}
}

func TestStoreReadAfterWrite(t *testing.T) {
	for name, st := range openTestStores(t, 1000) {
		t.Run(name, func(t *testing.T) {
			want := bytes.Repeat([]byte{0xab}, 100)
			_, err := st.WriteAt(want, 200)
			require.NoError(t, err)

			got := make([]byte, 100)
			_, err = st.ReadAt(got, 200)
			require.NoError(t, err)
			require.Equal(t, want, got)

			// the surrounding bytes are untouched
			rest := make([]byte, 100)
			_, err = st.ReadAt(rest, 100)
			require.NoError(t, err)
			require.Equal(t, make([]byte, 100), rest)
		})
	}
}

func TestStoreZeroInitialized(t *testing.T) {
	for name, st := range openTestStores(t, 1000) {
		t.Run(name, func(t *testing.T) {
			got := make([]byte, 1000)
			_, err := st.ReadAt(got, 0)
			require.NoError(t, err)
			require.Equal(t, make([]byte, 1000), got)
		})
	}
}

func TestStoreBounds(t *testing.T) {
	for name, st := range openTestStores(t, 1000) {
		t.Run(name, func(t *testing.T) {
			buf := make([]byte, 16)
			for _, off := range []int64{-1, 985, 1000, 1 << 40} {
				var coded Error
				_, err := st.ReadAt(buf, off)
				require.ErrorAs(t, err, &coded, "read at %d", off)
				require.Equal(t, EINVAL, coded.Errno())

				_, err = st.WriteAt(buf, off)
				require.ErrorAs(t, err, &coded, "write at %d", off)
				require.Equal(t, EINVAL, coded.Errno())
			}
			// reads and writes up to the last byte are fine
			_, err := st.WriteAt(buf, 984)
			require.NoError(t, err)
			_, err = st.ReadAt(buf, 984)
			require.NoError(t, err)
		})
	}
}

func TestStoreRejectedWriteLeavesDataIntact(t *testing.T) {
	for name, st := range openTestStores(t, 1000) {
		t.Run(name, func(t *testing.T) {
			want := bytes.Repeat([]byte{0x5a}, 1000)
			_, err := st.WriteAt(want, 0)
			require.NoError(t, err)

			_, err = st.WriteAt(make([]byte, 32), 990)
			require.Error(t, err)

			got := make([]byte, 1000)
			_, err = st.ReadAt(got, 0)
			require.NoError(t, err)
			require.Equal(t, want, got)
		})
	}
}

func TestStoreTrimReadsZero(t *testing.T) {
	for name, st := range openTestStores(t, 1000) {
		t.Run(name, func(t *testing.T) {
			_, err := st.WriteAt(bytes.Repeat([]byte{0xff}, 1000), 0)
			require.NoError(t, err)

			tr, ok := st.(Trimmer)
			require.True(t, ok, "store does not support trim")
			require.NoError(t, tr.Trim(100, 300))

			got := make([]byte, 1000)
			_, err = st.ReadAt(got, 0)
			require.NoError(t, err)
			require.Equal(t, bytes.Repeat([]byte{0xff}, 100), got[:100])
			require.Equal(t, make([]byte, 300), got[100:400])
			require.Equal(t, bytes.Repeat([]byte{0xff}, 600), got[400:])
		})
	}
}

func TestStoreTrimBounds(t *testing.T) {
	for name, st := range openTestStores(t, 1000) {
		t.Run(name, func(t *testing.T) {
			var coded Error
			err := st.(Trimmer).Trim(900, 200)
			require.ErrorAs(t, err, &coded)
			require.Equal(t, EINVAL, coded.Errno())
		})
	}
}

func TestStoreConcurrentDisjointWrites(t *testing.T) {
	const (
		workers = 8
		chunk   = 128
	)
	for name, st := range openTestStores(t, workers*chunk) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					data := bytes.Repeat([]byte{byte(i + 1)}, chunk)
					if _, err := st.WriteAt(data, int64(i*chunk)); err != nil {
						t.Errorf("worker %d: %v", i, err)
					}
				}(i)
			}
			wg.Wait()

			got := make([]byte, workers*chunk)
			_, err := st.ReadAt(got, 0)
			require.NoError(t, err)
			for i := 0; i < workers; i++ {
				require.Equal(t, bytes.Repeat([]byte{byte(i + 1)}, chunk), got[i*chunk:(i+1)*chunk], "worker %d", i)
			}
		})
	}
}

func TestFileStoreKeepsExistingContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backing")
	st, err := OpenFileStore(path, 100, false)
	require.NoError(t, err)
	_, err = st.WriteAt([]byte("hello"), 10)
	require.NoError(t, err)
	require.NoError(t, st.Sync())
	require.NoError(t, st.Close())

	// reopening larger extends with zeroes but keeps the content
	st, err = OpenFileStore(path, 200, false)
	require.NoError(t, err)
	defer st.Close()
	require.Equal(t, uint64(200), st.Size())

	got := make([]byte, 5)
	_, err = st.ReadAt(got, 10)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)
	tail := make([]byte, 100)
	_, err = st.ReadAt(tail, 100)
	require.NoError(t, err)
	require.Equal(t, make([]byte, 100), tail)
}

func TestFileStoreReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backing")
	st, err := OpenFileStore(path, 100, false)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	ro, err := OpenFileStore(path, 100, true)
	require.NoError(t, err)
	defer ro.Close()

	var coded Error
	_, err = ro.WriteAt([]byte("x"), 0)
	require.ErrorAs(t, err, &coded)
	require.Equal(t, EPERM, coded.Errno())
	err = ro.Trim(0, 10)
	require.ErrorAs(t, err, &coded)
	require.Equal(t, EPERM, coded.Errno())

	_, err = ro.ReadAt(make([]byte, 10), 0)
	require.NoError(t, err)
}

func TestFileStoreReadOnlyTooSmall(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backing")
	st, err := OpenFileStore(path, 100, false)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	_, err = OpenFileStore(path, 200, true)
	require.Error(t, err)
}
