package portalgo

import (
	"bytes"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geoportal/portalgo/internal/portaltest"
)

type RoundTripFunc func(req *http.Request) *http.Response

func (f RoundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req), nil
}

// NewTestClient returns *http.Client with Transport replaced to avoid making real calls
func NewTestClient(fn RoundTripFunc) *http.Client {
	return &http.Client{
		Transport: fn,
	}
}

func jsonResponse(body string) *http.Response {
	return &http.Response{
		StatusCode: 200,
		Body:       io.NopCloser(bytes.NewBufferString(body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

// startPortal runs a fake portal and returns a session pointed at it.
func startPortal(t *testing.T, fake *portaltest.Server) *Session {
	t.Helper()
	ts := httptest.NewServer(fake)
	t.Cleanup(ts.Close)
	return NewSession(ts.URL + "/sharing/rest")
}

func TestNewSessionNormalizesBaseURL(t *testing.T) {
	s := NewSession("https://example.com/sharing/rest")
	assert.Equal(t, "https://example.com/sharing/rest/", s.BaseURL())

	s = NewSession("https://example.com/sharing/rest/")
	assert.Equal(t, "https://example.com/sharing/rest/", s.BaseURL())
}

func TestLogin(t *testing.T) {
	fake := portaltest.New()
	fake.AddAccount("casey", "hunter2")
	s := startPortal(t, fake)

	token, err := s.Login("casey", "hunter2", 0)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, s.SignedIn())
	assert.Equal(t, "casey", s.Username())
	assert.Equal(t, token, s.Token())
}

func TestLoginRejected(t *testing.T) {
	fake := portaltest.New()
	fake.AddAccount("casey", "hunter2")
	s := startPortal(t, fake)

	_, err := s.Login("casey", "wrong", 0)
	var authErr *AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "casey", authErr.Username)
	assert.False(t, s.SignedIn())
}

func TestLoginWithoutBaseURL(t *testing.T) {
	s := NewSession("")
	_, err := s.Login("casey", "hunter2", 0)
	assert.ErrorIs(t, err, ErrNoBaseURL)
}

func TestExpiredTokenIsReissuedOnce(t *testing.T) {
	fake := portaltest.New()
	fake.AddAccount("casey", "hunter2")
	s := startPortal(t, fake)

	_, err := s.Login("casey", "hunter2", 0)
	require.NoError(t, err)
	before := s.Token()

	fake.ExpireTokens(1)

	var resp struct {
		Username string `json:"username"`
	}
	err = s.Get("content/users/casey", nil, &resp)
	require.NoError(t, err)
	assert.Equal(t, "casey", resp.Username)
	assert.NotEqual(t, before, s.Token(), "a fresh token should have been issued")
}

func TestPersistentTokenExpiryFailsAfterOneRetry(t *testing.T) {
	fake := portaltest.New()
	fake.AddAccount("casey", "hunter2")
	s := startPortal(t, fake)

	_, err := s.Login("casey", "hunter2", 0)
	require.NoError(t, err)

	fake.ExpireTokens(10)

	err = s.Get("content/users/casey", nil, nil)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestExpiryBeforeSignInIsNotRetried(t *testing.T) {
	fake := portaltest.New()
	s := startPortal(t, fake)

	err := s.Get("content/users/casey", nil, nil)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, 498, remote.Code)
}

func TestRemoteErrorIsNotRetried(t *testing.T) {
	calls := 0
	s := NewSession("http://portal.test/sharing/rest").
		SetHTTPClient(NewTestClient(func(req *http.Request) *http.Response {
			calls++
			return jsonResponse(`{"error":{"code":400,"message":"item not found","details":["no such id"]}}`)
		}))

	err := s.Get("content/items/missing", nil, nil)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, 400, remote.Code)
	assert.Equal(t, "item not found", remote.Message)
	assert.Equal(t, []string{"no such id"}, remote.Details)
	assert.Equal(t, 1, calls)
}

func TestAnonymousGetCarriesFormatButNoToken(t *testing.T) {
	s := NewSession("http://portal.test/sharing/rest").
		SetHTTPClient(NewTestClient(func(req *http.Request) *http.Response {
			q := req.URL.Query()
			assert.Equal(t, "json", q.Get("f"))
			assert.Empty(t, q.Get("token"))
			return jsonResponse(`{}`)
		}))

	require.NoError(t, s.Get("portals/self", nil, nil))
}

func TestPostSendsFormEncodedBody(t *testing.T) {
	s := NewSession("http://portal.test/sharing/rest").
		SetHTTPClient(NewTestClient(func(req *http.Request) *http.Response {
			assert.Equal(t, "application/x-www-form-urlencoded", req.Header.Get("Content-Type"))
			body, _ := io.ReadAll(req.Body)
			form, err := url.ParseQuery(string(body))
			assert.NoError(t, err)
			assert.Equal(t, "json", form.Get("f"))
			assert.Equal(t, "water", form.Get("q"))
			return jsonResponse(`{}`)
		}))

	form := url.Values{}
	form.Set("q", "water")
	require.NoError(t, s.Post("search", form, nil))
}

func TestPostFilesBuildsMultipart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.csv")
	require.NoError(t, os.WriteFile(path, []byte("a,b\n1,2\n"), 0o644))

	s := NewSession("http://portal.test/sharing/rest").
		SetHTTPClient(NewTestClient(func(req *http.Request) *http.Response {
			mediaType, params, err := mime.ParseMediaType(req.Header.Get("Content-Type"))
			assert.NoError(t, err)
			assert.Equal(t, "multipart/form-data", mediaType)

			mr := multipart.NewReader(req.Body, params["boundary"])
			fields := map[string]string{}
			var fileName, fileBody string
			for {
				part, err := mr.NextPart()
				if err == io.EOF {
					break
				}
				assert.NoError(t, err)
				data, _ := io.ReadAll(part)
				if part.FileName() != "" {
					fileName = part.FileName()
					fileBody = string(data)
				} else {
					fields[part.FormName()] = string(data)
				}
			}
			assert.Equal(t, "json", fields["f"])
			assert.Equal(t, "spreadsheet", fields["title"])
			assert.Equal(t, "data.csv", fileName)
			assert.Equal(t, "a,b\n1,2\n", fileBody)
			return jsonResponse(`{"success":true}`)
		}))

	form := url.Values{}
	form.Set("title", "spreadsheet")
	files := []File{{Field: "file", Path: path}}
	require.NoError(t, s.PostFiles("content/users/casey/addItem", form, files, nil))
}

func TestDownloadNeverWritesErrorEnvelopes(t *testing.T) {
	fake := portaltest.New()
	s := startPortal(t, fake)

	dest := filepath.Join(t.TempDir(), "payload.bin")
	err := s.Download("content/items/missing/data", nil, dest)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr), "error envelope must not land in the destination file")
}

func TestDownloadWritesBody(t *testing.T) {
	fake := portaltest.New()
	id := fake.SeedItem(map[string]any{"owner": "casey", "title": "dem", "type": "GeoTIFF"}, "", []byte{0x01, 0x02, 0x03}, nil, nil)
	s := startPortal(t, fake)

	dest := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, s.Download("content/items/"+id+"/data", nil, dest))
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, data)
}

func TestGetIntoRawBytes(t *testing.T) {
	fake := portaltest.New()
	id := fake.SeedItem(map[string]any{"owner": "casey", "title": "notes", "type": "Web Map"}, "", []byte(`{"version":"2.30"}`), nil, nil)
	s := startPortal(t, fake)

	var raw []byte
	require.NoError(t, s.Get("content/items/"+id+"/data", nil, &raw))
	assert.JSONEq(t, `{"version":"2.30"}`, string(raw))
}
