package config

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRWMutexManagerGetSet(t *testing.T) {
	initial := &Config{General: General{LogLevel: "info"}}
	mgr := NewManager(initial)

	got := mgr.Get()
	require.NotNil(t, got)
	require.NotSame(t, initial, got, "expected manager to store a cloned config on bootstrap")
	require.Equal(t, "info", got.General.LogLevel)

	next := &Config{General: General{LogLevel: "debug"}}
	mgr.Set(next)
	next.General.LogLevel = "error"

	updated := mgr.Get()
	require.NotSame(t, next, updated, "expected manager to clone Set input")
	require.Equal(t, "debug", updated.General.LogLevel, "expected Set to keep its own snapshot despite caller mutation")
}

func TestRWMutexManagerReload(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	mgr := NewManager(nil)

	require.NoError(t, mgr.Reload(path))

	cfg := mgr.Get()
	require.NotNil(t, cfg)
	require.NotEmpty(t, cfg.Buildings)
}

func TestRWMutexManagerReloadRequiresPath(t *testing.T) {
	mgr := NewManager(&Config{})
	require.Error(t, mgr.Reload(""))
}

func TestRWMutexManagerVersion(t *testing.T) {
	mgr := NewManager(&Config{})
	require.Equal(t, uint64(1), mgr.Version())

	mgr.Set(&Config{General: General{LogLevel: "debug"}})
	require.Equal(t, uint64(2), mgr.Version())

	path := writeTestConfig(t, validConfig)
	require.NoError(t, mgr.Reload(path))
	require.Equal(t, uint64(3), mgr.Version())

	require.Equal(t, uint64(0), (*RWMutexManager)(nil).Version())
}

func TestLoadManager(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	mgr, err := LoadManager(path)
	require.NoError(t, err)
	require.NotNil(t, mgr.Get())
}

func TestRWMutexManagerNilSafeMethods(t *testing.T) {
	var mgr *RWMutexManager

	require.Nil(t, mgr.Get())
	require.Error(t, mgr.Reload(validConfig))

	mgr.Set(&Config{General: General{LogLevel: "info"}})
	require.Nil(t, mgr.Get(), "Set on a nil manager must not initialize config")
}

func TestRWMutexManagerReloadUsesWriterLock(t *testing.T) {
	mgr := NewManager(&Config{})
	path := writeTestConfig(t, validConfig)

	mgr.mu.RLock()
	done := make(chan struct{})
	go func() {
		require.NoError(t, mgr.Reload(path))
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("reload completed while reader lock held; expected blocking")
	case <-time.After(20 * time.Millisecond):
	}

	mgr.mu.RUnlock()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reload did not complete after releasing reader lock")
	}
}

func TestRWMutexManagerSetUsesExclusiveLock(t *testing.T) {
	mgr := NewManager(&Config{})
	mgr.mu.RLock()

	done := make(chan struct{})
	go func() {
		mgr.Set(&Config{General: General{LogLevel: "debug"}})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("writer completed while reader lock held; expected blocking")
	case <-time.After(20 * time.Millisecond):
	}

	mgr.mu.RUnlock()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("writer did not complete after releasing reader lock")
	}
}

func TestRWMutexManagerGetUsesReadLock(t *testing.T) {
	mgr := NewManager(&Config{General: General{LogLevel: "info"}})
	mgr.mu.Lock()

	done := make(chan struct{})
	go func() {
		_ = mgr.Get()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("reader completed while writer lock held; expected blocking")
	case <-time.After(20 * time.Millisecond):
	}

	mgr.mu.Unlock()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reader did not complete after releasing writer lock")
	}
}

func TestRWMutexManagerConcurrentReadWithWrites(t *testing.T) {
	mgr := NewManager(&Config{Queue: Queue{MaxAttempts: 1}})

	const readers = 32
	const readsPerReader = 1000
	const writes = 100

	var wg sync.WaitGroup
	wg.Add(readers + 1)

	for i := 0; i < readers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < readsPerReader; j++ {
				cfg := mgr.Get()
				require.NotNil(t, cfg)
				_ = cfg.Queue.MaxAttempts
			}
		}()
	}

	go func() {
		defer wg.Done()
		for i := 0; i < writes; i++ {
			mgr.Set(&Config{Queue: Queue{MaxAttempts: i + 2}})
		}
	}()

	wg.Wait()
	require.NotNil(t, mgr.Get())
}
