package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"lukechampine.com/blake3"

	"kiln/internal/auth"
	"kiln/internal/blobstore"
	"kiln/internal/config"
	"kiln/internal/store"
	"kiln/internal/workspace"
)

func blake3Sum(b []byte) [32]byte {
	return blake3.Sum256(b)
}

func newTestServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "kiln.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	require.NoError(t, st.CreateAccount(context.Background(), 1, 42, auth.HashToken("raw-token")))

	authSvc, err := auth.NewService(st, time.Hour, 10, 1000)
	require.NoError(t, err)

	blobs, err := blobstore.Open(t.TempDir())
	require.NoError(t, err)

	srv := New(config.Config{}, authSvc, blobs, st, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/auth", nil)
	req.Header.Set("Authorization", "Bearer raw-token")
	req.Header.Set("x-org-id", "42")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body.Token)

	return ts, body.Token
}

func authedRequest(t *testing.T, method, url, token string, body []byte) *http.Request {
	t.Helper()
	var r *http.Request
	var err error
	if body != nil {
		r, err = http.NewRequest(method, url, bytes.NewReader(body))
	} else {
		r, err = http.NewRequest(method, url, nil)
	}
	require.NoError(t, err)
	r.Header.Set("Authorization", "Bearer "+token)
	return r
}

func TestMintTokenRejectsWrongOrg(t *testing.T) {
	ts, _ := newTestServer(t)
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/auth", nil)
	req.Header.Set("Authorization", "Bearer raw-token")
	req.Header.Set("x-org-id", "999")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWhoAmI(t *testing.T) {
	ts, token := newTestServer(t)
	resp, err := http.DefaultClient.Do(authedRequest(t, http.MethodGet, ts.URL+"/api/v1/auth", token, nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]int64
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, int64(42), body["org_id"])
}

func TestCASWriteHeadReadRoundTrip(t *testing.T) {
	ts, token := newTestServer(t)
	content := []byte("hello cas")
	key := blobstore.Key(blake3Sum(content))

	putResp, err := http.DefaultClient.Do(authedRequest(t, http.MethodPut, ts.URL+"/api/v1/cas/"+key.String(), token, content))
	require.NoError(t, err)
	defer putResp.Body.Close()
	require.Equal(t, http.StatusCreated, putResp.StatusCode)

	headResp, err := http.DefaultClient.Do(authedRequest(t, http.MethodHead, ts.URL+"/api/v1/cas/"+key.String(), token, nil))
	require.NoError(t, err)
	defer headResp.Body.Close()
	require.Equal(t, http.StatusOK, headResp.StatusCode)

	getResp, err := http.DefaultClient.Do(authedRequest(t, http.MethodGet, ts.URL+"/api/v1/cas/"+key.String(), token, nil))
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)

	var buf bytes.Buffer
	_, err = buf.ReadFrom(getResp.Body)
	require.NoError(t, err)
	require.Equal(t, content, buf.Bytes())
}

func TestCASReadPopulatesKeySetForSubsequentHit(t *testing.T) {
	ts, token := newTestServer(t)
	content := []byte("warm the key-set")
	key := blobstore.Key(blake3Sum(content))

	putResp, err := http.DefaultClient.Do(authedRequest(t, http.MethodPut, ts.URL+"/api/v1/cas/"+key.String(), token, content))
	require.NoError(t, err)
	putResp.Body.Close()
	require.Equal(t, http.StatusCreated, putResp.StatusCode)

	// The implicit grant on write already populates the key-set (A2 +
	// RememberGranted), so a read right after a write never touches the
	// access index at all — this exercises that same code path the GET
	// handler would use on a cache hit.
	getResp, err := http.DefaultClient.Do(authedRequest(t, http.MethodGet, ts.URL+"/api/v1/cas/"+key.String(), token, nil))
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)
}

func TestCASHeadWithoutAccessIs404(t *testing.T) {
	ts, token := newTestServer(t)
	key := blobstore.Key(blake3Sum([]byte("never written")))
	resp, err := http.DefaultClient.Do(authedRequest(t, http.MethodHead, ts.URL+"/api/v1/cas/"+key.String(), token, nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCargoSaveAndRestore(t *testing.T) {
	ts, token := newTestServer(t)

	units := []workspace.SavedUnit{
		{
			Kind: workspace.LibraryCrate,
			Info: workspace.UnitInfo{UnitHash: "unit1", PackageName: "foo", CrateName: "foo", Target: "x86_64-unknown-linux-gnu"},
		},
	}
	body, err := json.Marshal(units)
	require.NoError(t, err)

	saveResp, err := http.DefaultClient.Do(authedRequest(t, http.MethodPost, ts.URL+"/api/v1/cache/cargo/save", token, body))
	require.NoError(t, err)
	defer saveResp.Body.Close()
	require.Equal(t, http.StatusCreated, saveResp.StatusCode)

	restoreReq, err := json.Marshal(map[string]any{"unit_hashes": []string{"unit1"}})
	require.NoError(t, err)
	restoreResp, err := http.DefaultClient.Do(authedRequest(t, http.MethodPost, ts.URL+"/api/v1/cache/cargo/restore", token, restoreReq))
	require.NoError(t, err)
	defer restoreResp.Body.Close()
	require.Equal(t, http.StatusOK, restoreResp.StatusCode)

	var out map[string]workspace.SavedUnit
	require.NoError(t, json.NewDecoder(restoreResp.Body).Decode(&out))
	require.Contains(t, out, "unit1")
	require.Equal(t, "foo", out["unit1"].Info.PackageName)
}

func TestCargoReset(t *testing.T) {
	ts, token := newTestServer(t)
	resp, err := http.DefaultClient.Do(authedRequest(t, http.MethodPost, ts.URL+"/api/v1/cache/cargo/reset", token, nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}
