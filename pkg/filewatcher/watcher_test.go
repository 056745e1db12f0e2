package filewatcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lightforgemedia/go-menshnet/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequiresFiles(t *testing.T) {
	_, err := New()
	require.Error(t, err)
}

func TestWatcherReportsTrackedFile(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte("threshold: 1\n"), 0644))

	w, err := New(
		WithLogger(testutil.DefaultLogger),
		WithFiles(configFile),
		WithDebounce(50*time.Millisecond),
	)
	require.NoError(t, err, "Failed to create watcher")

	changeCh := make(chan string, 10)
	w.OnChange(func(file string) {
		changeCh <- file
	})

	require.NoError(t, w.Start(), "Failed to start watcher")
	defer w.Stop()

	// Modify the watched file
	require.NoError(t, os.WriteFile(configFile, []byte("threshold: 2\n"), 0644))

	select {
	case changed := <-changeCh:
		assert.Equal(t, configFile, changed)
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for file change notification")
	}

	// A sibling file is not reported
	require.NoError(t, os.WriteFile(filepath.Join(tempDir, "other.yaml"), []byte("x: 1\n"), 0644))
	select {
	case changed := <-changeCh:
		t.Fatalf("Received unexpected change notification for %s", changed)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcherDebouncesBursts(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte("a: 0\n"), 0644))

	w, err := New(WithFiles(configFile), WithDebounce(150*time.Millisecond))
	require.NoError(t, err)
	changeCh := make(chan string, 10)
	w.OnChange(func(file string) { changeCh <- file })
	require.NoError(t, w.Start())
	defer w.Stop()

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(configFile, []byte("a: 1\n"), 0644))
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-changeCh:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for file change notification")
	}
	select {
	case changed := <-changeCh:
		t.Fatalf("burst reported twice: %s", changed)
	case <-time.After(400 * time.Millisecond):
	}
}

func TestStopIsIdempotent(t *testing.T) {
	f := filepath.Join(t.TempDir(), "c.yaml")
	require.NoError(t, os.WriteFile(f, nil, 0644))
	w, err := New(WithFiles(f))
	require.NoError(t, err)
	require.NoError(t, w.Start())
	require.NoError(t, w.Stop())
	assert.NoError(t, w.Stop())
}
