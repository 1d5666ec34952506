package manifest

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/divadsn/UBahnSimBerlinInstaller/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const manifestJSON = `{
  "assets": [
    {"username": "DT3 Wagen", "kuid": "<KUID:400722:1001>", "sha1": "aa", "fileId": "f-1", "revision": 1},
    {"username": "Bahnhof", "kuid": "kuid:400722:1002", "sha1": "bb", "fileId": "f-2", "revision": 2}
  ],
  "lastRevision": 2
}`

func TestFetch(t *testing.T) {
	var gotQuery, gotAgent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		gotAgent = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(manifestJSON))
	}))
	defer server.Close()

	client := New(server.Client(), server.URL+"/api/assets.json", "usbi-test")

	m, err := client.Fetch(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, gotQuery, "revision 0 must not add a query")
	assert.Equal(t, "usbi-test", gotAgent)

	require.Len(t, m.Assets, 2)
	assert.Equal(t, 2, m.LastRevision)
	assert.Equal(t, "kuid:400722:1001", m.Assets[0].Kuid.String())
	assert.Equal(t, "f-2", m.Assets[1].FileID)

	_, err = client.Fetch(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "revision=7", gotQuery)
}

func TestFetch_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	client := New(server.Client(), server.URL, "")

	_, err := client.Fetch(context.Background(), 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFetch_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer server.Close()

	client := New(server.Client(), server.URL, "")

	_, err := client.Fetch(context.Background(), 0)
	var netErr *domain.NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, http.StatusInternalServerError, netErr.StatusCode)
	assert.Equal(t, "boom", netErr.Message)
	assert.False(t, errors.Is(err, domain.ErrNotFound))
}

func TestFetch_TransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client := New(nil, url, "")

	_, err := client.Fetch(context.Background(), 0)
	var netErr *domain.NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Zero(t, netErr.StatusCode)
}

func TestFetch_Malformed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"assets": [{"kuid": "not-a-kuid"}]}`))
	}))
	defer server.Close()

	client := New(server.Client(), server.URL, "")

	_, err := client.Fetch(context.Background(), 0)
	var decodeErr *domain.DeserializationError
	require.ErrorAs(t, err, &decodeErr)
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "assets.json")
	m := &domain.Manifest{
		Assets:       []domain.Asset{{Username: "x", Kuid: domain.MustParseKuid("kuid:1:2"), FileID: "f", Revision: 4}},
		LastRevision: 4,
	}

	require.NoError(t, Save(path, m))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, m, loaded)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.json"))
	assert.ErrorIs(t, err, fs.ErrNotExist)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0644))
	_, err = Load(bad)
	var decodeErr *domain.DeserializationError
	assert.ErrorAs(t, err, &decodeErr)
}
