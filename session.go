package portalgo

import (
	"bytes"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/buger/jsonparser"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

const (
	// codeTokenExpired is the envelope code the portal uses to signal an
	// expired or otherwise invalid token.
	codeTokenExpired = 498

	defaultUserAgent  = "portalgo"
	defaultExpiration = 60 // minutes
)

// File is one part of a multipart upload: a form field name plus a local
// file. ContentType is inferred from the filename when empty.
type File struct {
	Field       string
	Path        string
	Name        string
	ContentType string
}

// Session carries all signed HTTP traffic to one portal or server endpoint.
// It holds the credentials and current token, attaches the token to outgoing
// requests once signed in, and transparently refreshes the token exactly
// once when the portal reports it expired.
//
// A Session is not safe for concurrent use.
type Session struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger

	referer   string
	userAgent string

	username   string
	password   string
	expiration int
	token      string
	tokenDue   time.Time
	signedIn   bool
}

// NewSession creates a session for the given REST endpoint, for example
// "https://myportal.example.com/sharing/rest". A trailing slash is enforced
// on the base URL.
func NewSession(baseURL string) *Session {
	if baseURL != "" && !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &Session{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log:       zerolog.Nop(),
		referer:   baseURL,
		userAgent: defaultUserAgent,
	}
}

func (s *Session) SetHTTPClient(client *http.Client) *Session {
	s.httpClient = client
	return s
}

func (s *Session) SetTimeout(timeout time.Duration) *Session {
	s.httpClient.Timeout = timeout
	return s
}

func (s *Session) SetLogger(log zerolog.Logger) *Session {
	s.log = log
	return s
}

func (s *Session) SetReferer(referer string) *Session {
	s.referer = referer
	return s
}

func (s *Session) SetUserAgent(agent string) *Session {
	s.userAgent = agent
	return s
}

// BaseURL returns the normalized endpoint URL.
func (s *Session) BaseURL() string { return s.baseURL }

// SignedIn reports whether Login has succeeded on this session.
func (s *Session) SignedIn() bool { return s.signedIn }

// Username returns the account the session is signed in as, or "".
func (s *Session) Username() string {
	if !s.signedIn {
		return ""
	}
	return s.username
}

// Token returns the current token, or "" before login.
func (s *Session) Token() string { return s.token }

// Login exchanges credentials for a token. The credentials are kept in
// memory so an expired token can be reissued mid-call. expiration is the
// requested token lifetime in minutes; non-positive values use the default.
func (s *Session) Login(username, password string, expiration int) (string, error) {
	if s.baseURL == "" {
		return "", ErrNoBaseURL
	}
	if expiration <= 0 {
		expiration = defaultExpiration
	}

	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)
	form.Set("referer", s.referer)
	form.Set("expiration", strconv.Itoa(expiration))
	form.Set("client", "referer")

	body, err := s.roundTrip(http.MethodPost, "generateToken", nil, form, nil)
	if err != nil {
		return "", err
	}
	if remote := envelopeError(body); remote != nil {
		return "", &AuthenticationError{Username: username, Reason: remote.Message}
	}

	var resp struct {
		Token   string `json:"token"`
		Expires int64  `json:"expires"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", &AuthenticationError{Username: username, Reason: "no token in response"}
	}

	s.username = username
	s.password = password
	s.expiration = expiration
	s.token = resp.Token
	s.tokenDue = time.UnixMilli(resp.Expires)
	s.signedIn = true
	s.log.Debug().Str("username", username).Msg("signed in")
	return s.token, nil
}

// relogin reissues Login with the stored credentials. Used only by the
// token-expiry retry path.
func (s *Session) relogin() error {
	_, err := s.Login(s.username, s.password, s.expiration)
	return err
}

// Get issues a GET and decodes the JSON response into out. Pass a *[]byte
// to receive the raw body instead.
func (s *Session) Get(path string, query url.Values, out any) error {
	body, err := s.request(http.MethodGet, path, query, nil, nil)
	if err != nil {
		return err
	}
	return decodeInto(body, out)
}

// Post issues a form-encoded POST and decodes the JSON response into out.
func (s *Session) Post(path string, form url.Values, out any) error {
	body, err := s.request(http.MethodPost, path, nil, form, nil)
	if err != nil {
		return err
	}
	return decodeInto(body, out)
}

// PostFiles issues a multipart/form-data POST carrying the given form
// fields and files, and decodes the JSON response into out.
func (s *Session) PostFiles(path string, form url.Values, files []File, out any) error {
	body, err := s.request(http.MethodPost, path, nil, form, files)
	if err != nil {
		return err
	}
	return decodeInto(body, out)
}

// Download streams a GET response to dest. The token-expiry protocol applies
// the same as for Get; an error envelope is never written to disk.
func (s *Session) Download(path string, query url.Values, dest string) error {
	body, err := s.request(http.MethodGet, path, query, nil, nil)
	if err != nil {
		return err
	}
	return os.WriteFile(dest, body, 0o644)
}

// request performs one logical call. Token expiry triggers exactly one
// relogin and one retry; the bound is structural, not a flag.
func (s *Session) request(method, path string, query, form url.Values, files []File) ([]byte, error) {
	if s.baseURL == "" {
		return nil, ErrNoBaseURL
	}
	for attempt := 0; ; attempt++ {
		body, err := s.roundTrip(method, path, query, form, files)
		if err != nil {
			return nil, err
		}
		remote := envelopeError(body)
		if remote == nil {
			return body, nil
		}
		if remote.Code != codeTokenExpired || !s.signedIn {
			return nil, remote
		}
		if attempt > 0 {
			return nil, ErrInvalidToken
		}
		s.log.Debug().Str("path", path).Msg("token expired, reissuing")
		s.token = ""
		if err := s.relogin(); err != nil {
			return nil, err
		}
	}
}

// roundTrip issues a single HTTP request and returns the raw body. The
// fixed-format parameter and, once signed in, the token are attached here:
// query string for GET, form field for POST.
func (s *Session) roundTrip(method, path string, query, form url.Values, files []File) ([]byte, error) {
	q := url.Values{}
	for k, vs := range query {
		q[k] = vs
	}
	q.Set("f", "json")

	var (
		bodyReader  io.Reader
		contentType string
	)
	if method == http.MethodGet {
		if s.signedIn && s.token != "" {
			q.Set("token", s.token)
		}
	} else {
		f := url.Values{}
		for k, vs := range form {
			f[k] = vs
		}
		f.Set("f", "json")
		q.Del("f")
		if s.signedIn && s.token != "" {
			f.Set("token", s.token)
		}
		if len(files) > 0 {
			var err error
			bodyReader, contentType, err = multipartBody(f, files)
			if err != nil {
				return nil, err
			}
		} else {
			bodyReader = strings.NewReader(f.Encode())
			contentType = "application/x-www-form-urlencoded"
		}
	}

	reqURL := s.baseURL + strings.TrimPrefix(path, "/")
	if encoded := q.Encode(); encoded != "" {
		reqURL += "?" + encoded
	}

	req, err := http.NewRequest(method, reqURL, bodyReader)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", s.userAgent)
	if s.referer != "" {
		req.Header.Set("Referer", s.referer)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func multipartBody(form url.Values, files []File) (io.Reader, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	for field, values := range form {
		for _, v := range values {
			if err := w.WriteField(field, v); err != nil {
				return nil, "", err
			}
		}
	}
	for _, f := range files {
		name := f.Name
		if name == "" {
			name = filepath.Base(f.Path)
		}
		data, err := os.ReadFile(f.Path)
		if err != nil {
			return nil, "", err
		}
		ctype := f.ContentType
		if ctype == "" {
			ctype = mime.TypeByExtension(filepath.Ext(name))
		}
		if ctype == "" {
			ctype = http.DetectContentType(data)
		}
		header := textproto.MIMEHeader{}
		header.Set("Content-Disposition",
			`form-data; name="`+f.Field+`"; filename="`+name+`"`)
		header.Set("Content-Type", ctype)
		part, err := w.CreatePart(header)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(data); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf, w.FormDataContentType(), nil
}

// envelopeError sniffs a body for the portal error envelope without fully
// decoding payloads that may be large or binary.
func envelopeError(body []byte) *RemoteError {
	errVal, dataType, _, err := jsonparser.Get(body, "error")
	if err != nil || dataType != jsonparser.Object {
		return nil
	}
	remote := &RemoteError{}
	if code, err := jsonparser.GetInt(errVal, "code"); err == nil {
		remote.Code = int(code)
	}
	remote.Message, _ = jsonparser.GetString(errVal, "message")
	_, _ = jsonparser.ArrayEach(errVal, func(v []byte, t jsonparser.ValueType, _ int, _ error) {
		if t == jsonparser.String {
			remote.Details = append(remote.Details, string(v))
		}
	}, "details")
	return remote
}

func decodeInto(body []byte, out any) error {
	if out == nil {
		return nil
	}
	if raw, ok := out.(*[]byte); ok {
		*raw = body
		return nil
	}
	return json.Unmarshal(body, out)
}
