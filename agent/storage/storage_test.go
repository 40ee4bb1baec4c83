package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"singbox-agent/agent/models"
)

// =============================================================================
// AtomicWriter
// =============================================================================

func TestAtomicWriter_CreatesAndReplaces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "10-business.json")
	w := NewAtomicWriter()

	require.NoError(t, w.Apply(path, []byte("first")))
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))

	require.NoError(t, w.Apply(path, []byte("second")))
	got, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
	assertOnlyFiles(t, dir, "10-business.json")
}

func TestAtomicWriter_CrashBeforeRenameLeavesTargetUntouched(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "10-business.json")
	require.NoError(t, os.WriteFile(path, []byte("original"), 0o644))

	w := NewAtomicWriter()
	w.rename = func(oldpath, newpath string) error {
		// 临时文件已完整写入，但目标仍是旧内容
		tmp, err := os.ReadFile(oldpath)
		require.NoError(t, err)
		assert.Equal(t, "replacement", string(tmp))
		cur, err := os.ReadFile(newpath)
		require.NoError(t, err)
		assert.Equal(t, "original", string(cur))
		return errors.New("simulated crash")
	}

	err := w.Apply(path, []byte("replacement"))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrIO)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "original", string(got))
	assertOnlyFiles(t, dir, "10-business.json")
}

func TestAtomicWriter_MissingDirectory(t *testing.T) {
	err := NewAtomicWriter().Apply(filepath.Join(t.TempDir(), "nope", "x.json"), []byte("x"))
	assert.ErrorIs(t, err, models.ErrIO)
}

func TestAtomicWriter_ConcurrentReadersNeverSeePartialContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "10-business.json")
	old := strings.Repeat("a", 256<<10)
	next := strings.Repeat("b", 256<<10)
	require.NoError(t, os.WriteFile(path, []byte(old), 0o644))

	w := NewAtomicWriter()
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			got, err := os.ReadFile(path)
			if assert.NoError(t, err) {
				s := string(got)
				assert.True(t, s == old || s == next, "partial content observed (%d bytes)", len(s))
			}
		}
	}()

	for i := 0; i < 20; i++ {
		content := next
		if i%2 == 1 {
			content = old
		}
		require.NoError(t, w.Apply(path, []byte(content)))
	}
	close(stop)
	wg.Wait()
}

// =============================================================================
// BackupRotator
// =============================================================================

func TestBackupRotator_RetentionKeepsMostRecent(t *testing.T) {
	dir := t.TempDir()
	const retention = 3
	r := NewBackupRotator(dir, retention, NewAtomicWriter())

	base := time.Now().Add(-time.Hour)
	var names []string
	for i := 0; i < retention+4; i++ {
		b, err := r.Archive([]byte(fmt.Sprintf("v%d", i)))
		require.NoError(t, err)
		// 显式的修改时间，保证顺序不依赖文件系统时间精度
		mtime := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, os.Chtimes(b.Path, mtime, mtime))
		names = append(names, b.Name)
		_, err = r.Prune()
		require.NoError(t, err)
	}

	backups, err := r.List()
	require.NoError(t, err)
	require.Len(t, backups, retention)
	assert.Equal(t, names[len(names)-1], backups[0].Name)
	assert.Equal(t, names[len(names)-2], backups[1].Name)
	assert.Equal(t, names[len(names)-3], backups[2].Name)

	content, err := os.ReadFile(backups[0].Path)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("v%d", retention+3), string(content))
}

func TestBackupRotator_OrdersByModTimeNotName(t *testing.T) {
	dir := t.TempDir()
	r := NewBackupRotator(dir, 2, NewAtomicWriter())

	// 文件名排序与修改时间排序相反
	write := func(name string, mtime time.Time) {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(name), 0o644))
		require.NoError(t, os.Chtimes(p, mtime, mtime))
	}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	write(backupPrefix+"c"+backupSuffix, base)
	write(backupPrefix+"b"+backupSuffix, base.Add(time.Minute))
	write(backupPrefix+"a"+backupSuffix, base.Add(2*time.Minute))

	removed, err := r.Prune()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	backups, err := r.List()
	require.NoError(t, err)
	require.Len(t, backups, 2)
	assert.Equal(t, backupPrefix+"a"+backupSuffix, backups[0].Name)
	assert.Equal(t, backupPrefix+"b"+backupSuffix, backups[1].Name)
}

func TestBackupRotator_UniqueNamesForSameTimestamp(t *testing.T) {
	dir := t.TempDir()
	r := NewBackupRotator(dir, 10, NewAtomicWriter())
	fixed := time.Date(2026, 3, 4, 5, 6, 7, 8, time.UTC)
	r.now = func() time.Time { return fixed }

	a, err := r.Archive([]byte("a"))
	require.NoError(t, err)
	b, err := r.Archive([]byte("b"))
	require.NoError(t, err)
	assert.NotEqual(t, a.Name, b.Name)

	// mtime 相同时，后归档的仍排在前面
	same := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	require.NoError(t, os.Chtimes(a.Path, same, same))
	require.NoError(t, os.Chtimes(b.Path, same, same))

	backups, err := r.List()
	require.NoError(t, err)
	require.Len(t, backups, 2)
	assert.Equal(t, b.Name, backups[0].Name)
	assert.Equal(t, a.Name, backups[1].Name)
}

func TestBackupRotator_PruneFailureKeepsArchive(t *testing.T) {
	dir := t.TempDir()
	r := NewBackupRotator(dir, 1, NewAtomicWriter())
	r.remove = func(string) error { return errors.New("read-only filesystem") }

	_, err := r.Archive([]byte("old"))
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	latest, err := r.Archive([]byte("new"))
	require.NoError(t, err)
	require.NotNil(t, latest)

	backups, err := r.List()
	require.NoError(t, err)
	assert.Len(t, backups, 2)
	assert.Equal(t, latest.Name, backups[0].Name)

	removed, err := r.Prune()
	assert.Error(t, err)
	assert.Zero(t, removed)
}

func TestBackupRotator_IgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	r := NewBackupRotator(dir, 1, NewAtomicWriter())

	_, err := r.Archive([]byte("one"))
	require.NoError(t, err)
	_, err = r.Archive([]byte("two"))
	require.NoError(t, err)

	backups, err := r.List()
	require.NoError(t, err)
	assert.Len(t, backups, 1)
	assert.FileExists(t, filepath.Join(dir, "notes.txt"))
}

func TestBackupRotator_ListMissingDir(t *testing.T) {
	r := NewBackupRotator(filepath.Join(t.TempDir(), "missing"), 3, NewAtomicWriter())
	backups, err := r.List()
	require.NoError(t, err)
	assert.Empty(t, backups)
}

// =============================================================================
// System config bootstrap
// =============================================================================

func TestEnsureSystemConfig_GeneratesDefaultOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf.d", "00-system.json")
	w := NewAtomicWriter()

	created, err := EnsureSystemConfig(path, w)
	require.NoError(t, err)
	assert.True(t, created)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultSystemConfig, string(got))
	assert.JSONEq(t, DefaultSystemConfig, string(got))

	require.NoError(t, os.WriteFile(path, []byte(`{"log":{}}`), 0o644))
	created, err = EnsureSystemConfig(path, w)
	require.NoError(t, err)
	assert.False(t, created)
	got, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"log":{}}`, string(got))
}

func TestDefaultSystemConfig_SafetyDefaults(t *testing.T) {
	for _, want := range []string{
		`"type": "tun"`,
		`"auto_route": true`,
		`"strict_route": true`,
		`"stack": "system"`,
		`"sniff": true`,
		`"cache_file"`,
		`"external_controller": "127.0.0.1:9090"`,
	} {
		assert.Contains(t, DefaultSystemConfig, want)
	}
}

// =============================================================================
// LayoutGuard
// =============================================================================

func TestLayoutGuard_Check(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"00-system.json", "10-business.json", ".10-business.json.tmp-123", "old.json"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o644))
	}

	g := NewLayoutGuard(dir, "00-system.json", "10-business.json")
	unexpected, err := g.Check()
	require.NoError(t, err)
	assert.Equal(t, []string{"old.json"}, unexpected)
}

func TestLayoutGuard_WatchReportsStrayFile(t *testing.T) {
	dir := t.TempDir()
	g := NewLayoutGuard(dir, "00-system.json", "10-business.json")

	var mu sync.Mutex
	var reported []string
	g.OnUnexpected = func(name string) {
		mu.Lock()
		defer mu.Unlock()
		reported = append(reported, name)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- g.Watch(ctx) }()

	// 等待 watcher 就绪后再写文件
	require.Eventually(t, func() bool {
		_ = os.WriteFile(filepath.Join(dir, "10-business.json"), []byte("{}"), 0o644)
		_ = os.WriteFile(filepath.Join(dir, "stray.json"), []byte("{}"), 0o644)
		_ = os.Remove(filepath.Join(dir, "stray.json"))
		_ = os.WriteFile(filepath.Join(dir, "stray.json"), []byte("{}"), 0o644)
		mu.Lock()
		defer mu.Unlock()
		return len(reported) > 0
	}, 5*time.Second, 50*time.Millisecond)

	mu.Lock()
	assert.NotContains(t, reported, "10-business.json")
	assert.Contains(t, reported, "stray.json")
	mu.Unlock()

	cancel()
	require.NoError(t, <-done)
}

func assertOnlyFiles(t *testing.T, dir string, want ...string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var got []string
	for _, e := range entries {
		got = append(got, e.Name())
	}
	assert.ElementsMatch(t, want, got)
}
