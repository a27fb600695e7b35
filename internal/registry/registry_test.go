package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSeed(t *testing.T) {
	r, err := Load(context.Background(), "", "", nil, time.Second)
	require.NoError(t, err)

	assert.Greater(t, r.Size(), 0)
	assert.True(t, r.IsDisposable("mailinator.com"))
	assert.True(t, r.IsDisposable("MAILINATOR.COM"))
	assert.False(t, r.IsDisposable("gmail.com"))
}

func TestLoadSeedFileOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.json")
	require.NoError(t, os.WriteFile(path, []byte(`["custom-burner.example", "Other.Example"]`), 0o644))

	r, err := Load(context.Background(), path, "", nil, time.Second)
	require.NoError(t, err)

	assert.Equal(t, 2, r.Size())
	assert.True(t, r.IsDisposable("custom-burner.example"))
	assert.True(t, r.IsDisposable("other.example"))
	// The packaged seed is fully replaced.
	assert.False(t, r.IsDisposable("mailinator.com"))
}

func TestLoadSeedFileMissing(t *testing.T) {
	_, err := Load(context.Background(), "/nonexistent/seed.json", "", nil, time.Second)
	assert.Error(t, err)
}

func TestLoadRemoteUnion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("# comment line\nextra-burner.example\n\nANOTHER-one.example\nmailinator.com\n"))
	}))
	defer srv.Close()

	r, err := Load(context.Background(), "", srv.URL, srv.Client(), time.Second)
	require.NoError(t, err)

	assert.True(t, r.IsDisposable("extra-burner.example"))
	assert.True(t, r.IsDisposable("another-one.example"))
	assert.True(t, r.IsDisposable("mailinator.com"))
	assert.False(t, r.IsDisposable("gmail.com"))
}

func TestLoadRemoteFailureNonFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r, err := Load(context.Background(), "", srv.URL, srv.Client(), time.Second)
	require.NoError(t, err)
	assert.True(t, r.IsDisposable("mailinator.com"))
}

func TestLoadRemoteUnreachableNonFatal(t *testing.T) {
	r, err := Load(context.Background(), "", "http://127.0.0.1:1/never", nil, 200*time.Millisecond)
	require.NoError(t, err)
	assert.Greater(t, r.Size(), 0)
}
