package pager

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestPool(t *testing.T, frames int) (*Pool, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pool.db")
	p, err := Open(path, frames)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p, path
}

func TestNewPinUnpin(t *testing.T) {
	p, _ := openTestPool(t, 8)

	id, pg, err := p.NewPage()
	require.NoError(t, err)
	require.NotEqual(t, InvalidPage, id)
	pg[100] = 0xAB
	require.NoError(t, p.Unpin(id, true))

	got, err := p.Pin(id)
	require.NoError(t, err)
	require.Equal(t, byte(0xAB), got[100])
	require.NoError(t, p.Unpin(id, false))
}

func TestEvictionWritesBack(t *testing.T) {
	p, _ := openTestPool(t, 4)

	id, pg, err := p.NewPage()
	require.NoError(t, err)
	pg[0] = 0x7F
	require.NoError(t, p.Unpin(id, true))

	// Churn enough pages through the pool to force the frame out.
	for i := 0; i < 16; i++ {
		id2, _, err := p.NewPage()
		require.NoError(t, err)
		require.NoError(t, p.Unpin(id2, false))
	}

	got, err := p.Pin(id)
	require.NoError(t, err)
	require.Equal(t, byte(0x7F), got[0])
	require.NoError(t, p.Unpin(id, false))
}

func TestPinnedFramesSurviveEviction(t *testing.T) {
	p, _ := openTestPool(t, 4)

	id, pg, err := p.NewPage()
	require.NoError(t, err)
	pg[0] = 0x55

	for i := 0; i < 16; i++ {
		id2, _, err := p.NewPage()
		require.NoError(t, err)
		require.NoError(t, p.Unpin(id2, false))
	}

	// Still the same frame memory: the pin kept it resident.
	require.Equal(t, byte(0x55), pg[0])
	require.NoError(t, p.Unpin(id, true))
}

func TestPoolFullWhenAllPinned(t *testing.T) {
	p, _ := openTestPool(t, 2)

	a, _, err := p.NewPage()
	require.NoError(t, err)
	b, _, err := p.NewPage()
	require.NoError(t, err)

	_, _, err = p.NewPage()
	require.ErrorIs(t, err, ErrPoolFull)

	require.NoError(t, p.Unpin(a, false))
	require.NoError(t, p.Unpin(b, false))
	c, _, err := p.NewPage()
	require.NoError(t, err)
	require.NoError(t, p.Unpin(c, false))
}

func TestFreePageReuse(t *testing.T) {
	p, _ := openTestPool(t, 8)

	id, _, err := p.NewPage()
	require.NoError(t, err)
	require.NoError(t, p.Unpin(id, false))
	count := p.PageCount()

	require.NoError(t, p.FreePage(id))
	got, pg, err := p.NewPage()
	require.NoError(t, err)
	require.Equal(t, id, got)
	require.Equal(t, count, p.PageCount())

	// Recycled pages come back zeroed.
	for i := range pg {
		require.Zero(t, pg[i])
	}
	require.NoError(t, p.Unpin(got, false))
}

func TestFreePinnedPageFails(t *testing.T) {
	p, _ := openTestPool(t, 8)

	id, _, err := p.NewPage()
	require.NoError(t, err)
	require.ErrorIs(t, p.FreePage(id), ErrPagePinned)
	require.NoError(t, p.Unpin(id, false))
}

func TestCatalog(t *testing.T) {
	p, _ := openTestPool(t, 8)

	_, err := p.GetFileEntry("idx")
	require.ErrorIs(t, err, ErrNoSuchEntry)

	require.NoError(t, p.AddFileEntry("idx", 3))
	require.ErrorIs(t, p.AddFileEntry("idx", 4), ErrDuplicateEntry)

	pid, err := p.GetFileEntry("idx")
	require.NoError(t, err)
	require.Equal(t, PageID(3), pid)

	require.NoError(t, p.SetFileEntry("idx", 9))
	pid, err = p.GetFileEntry("idx")
	require.NoError(t, err)
	require.Equal(t, PageID(9), pid)

	require.NoError(t, p.DeleteFileEntry("idx"))
	_, err = p.GetFileEntry("idx")
	require.ErrorIs(t, err, ErrNoSuchEntry)
	require.ErrorIs(t, p.DeleteFileEntry("idx"), ErrNoSuchEntry)
}

func TestMetaPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	p, err := Open(path, 8)
	require.NoError(t, err)

	id, pg, err := p.NewPage()
	require.NoError(t, err)
	pg[9] = 0x42
	require.NoError(t, p.Unpin(id, true))
	require.NoError(t, p.AddFileEntry("t", id))
	count := p.PageCount()
	require.NoError(t, p.Close())

	p, err = Open(path, 8)
	require.NoError(t, err)
	defer p.Close()

	require.Equal(t, count, p.PageCount())
	pid, err := p.GetFileEntry("t")
	require.NoError(t, err)
	require.Equal(t, id, pid)

	got, err := p.Pin(id)
	require.NoError(t, err)
	require.Equal(t, byte(0x42), got[9])
	require.NoError(t, p.Unpin(id, false))
}

func TestPinGuard(t *testing.T) {
	p, _ := openTestPool(t, 8)

	g, err := p.AcquireNew()
	require.NoError(t, err)
	g.Page[5] = 0x11
	require.NoError(t, g.Release())
	require.NoError(t, g.Release()) // idempotent

	g, err = p.Acquire(g.ID)
	require.NoError(t, err)
	require.Equal(t, byte(0x11), g.Page[5])
	g.MarkDirty()
	require.NoError(t, g.Release())

	// Releasing means the page is unpinned and can be freed.
	require.NoError(t, p.FreePage(g.ID))
}
