// Package wattlib implements a client for the WattTime v2 API (api2.watttime.org)
// to read grid emissions data.
package wattlib

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/net/html"
)

// DefaultBaseURL is the address of the WattTime v2 API.
const DefaultBaseURL = `https://api2.watttime.org`

// ErrLogin is wrapped by all the errors returned by Login.
var ErrLogin = errors.New("login failed")

// Registration is the data required to create a new WattTime account.
type Registration struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email"`
	Org      string `json:"org"`
}

// Client connects to the WattTime API.
//
// The zero value is not usable, use NewClient.
type Client struct {
	hc      *http.Client
	baseURL string
	// Log receives a debug line for each request. It never sees credentials.
	Log *slog.Logger
}

// NewClient returns a new WattTime client.
//
// An empty baseURL means DefaultBaseURL.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		hc:      &http.Client{},
		baseURL: strings.TrimRight(baseURL, "/"),
		Log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func (c *Client) endpoint(path string, params url.Values) string {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

// Register creates a new account and returns the raw text of the response.
//
// It is meant to be called only once per account.
func (c *Client) Register(ctx context.Context, r Registration) (string, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/register", nil), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	rsp, err := c.do(req)
	if err != nil {
		return "", err
	}
	defer rsp.Body.Close()

	b, err := io.ReadAll(rsp.Body)
	if err != nil {
		return "", fmt.Errorf("cannot read http response: %w", err)
	}
	return string(b), nil
}

// Login authenticates with HTTP basic auth and returns the bearer token to use
// with the other endpoints.
//
// On failure the token is empty and the error wraps ErrLogin.
func (c *Client) Login(ctx context.Context, user, password string) (string, error) {
	if user == "" {
		return "", fmt.Errorf("%w: missing user name", ErrLogin)
	}
	if password == "" {
		return "", fmt.Errorf("%w: missing password", ErrLogin)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/login", nil), nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrLogin, err)
	}
	req.SetBasicAuth(user, password)

	rsp, err := c.do(req)
	if err != nil {
		return "", fmt.Errorf("%w: there was an error making your login request: %v", ErrLogin, err)
	}
	defer rsp.Body.Close()

	body, err := io.ReadAll(rsp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: there was an error making your login request: %v", ErrLogin, err)
	}

	var lr struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &lr); err != nil || lr.Token == "" {
		return "", fmt.Errorf("%w: there was an error logging in. The message returned from the api is %s", ErrLogin, readableBody(rsp.Header.Get("Content-Type"), body))
	}
	return lr.Token, nil
}

// Data returns the historical MOER values of the region between start and end.
//
// Times are sent as they are, the API expects them in a format like
// 2020-03-01T00:00:00-0000.
func (c *Client) Data(ctx context.Context, token, ba, start, end string) (any, error) {
	params := url.Values{}
	params.Set("ba", ba)
	params.Set("starttime", start)
	params.Set("endtime", end)
	return c.getJSON(ctx, token, "/data", params)
}

// Index returns the real time emissions index of the region.
func (c *Client) Index(ctx context.Context, token, ba string) (any, error) {
	params := url.Values{}
	params.Set("ba", ba)
	return c.getJSON(ctx, token, "/index", params)
}

// Forecast returns the MOER forecast of the region.
//
// The request is restricted to a time range only if start is not empty.
func (c *Client) Forecast(ctx context.Context, token, ba, start, end string) (any, error) {
	return c.getJSON(ctx, token, "/forecast", forecastParams(ba, start, end))
}

// ForecastRaw is like Forecast but returns the body as it is.
func (c *Client) ForecastRaw(ctx context.Context, token, ba, start, end string) ([]byte, error) {
	return c.getBytes(ctx, token, "/forecast", forecastParams(ba, start, end))
}

func forecastParams(ba, start, end string) url.Values {
	params := url.Values{}
	params.Set("ba", ba)
	if start != "" {
		params.Set("starttime", start)
		params.Set("endtime", end)
	}
	return params
}

// Historical downloads the zip archive with the historical data of the region.
func (c *Client) Historical(ctx context.Context, token, ba string) ([]byte, error) {
	params := url.Values{}
	params.Set("ba", ba)
	return c.getBytes(ctx, token, "/historical", params)
}

// HistoricalFileName returns the name of the archive saved by WriteHistorical.
func HistoricalFileName(ba string) string {
	return ba + "_historical.zip"
}

// WriteHistorical writes data into dir as HistoricalFileName(ba) and
// returns the absolute path of the file.
func WriteHistorical(dir, ba string, data []byte) (path string, err error) {
	path, err = filepath.Abs(filepath.Join(dir, HistoricalFileName(ba)))
	if err != nil {
		return "", err
	}
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()
	if _, err := f.Write(data); err != nil {
		return "", err
	}
	return path, nil
}

// DefaultOutputDir returns the directory of the running executable.
func DefaultOutputDir() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return "", err
	}
	return filepath.Dir(exe), nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	c.Log.Debug("request", "method", req.Method, "path", req.URL.Path, "query", req.URL.RawQuery)
	rsp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	c.Log.Debug("response", "path", req.URL.Path, "status", rsp.StatusCode, "content_type", rsp.Header.Get("Content-Type"))
	return rsp, nil
}

// get performs an authenticated GET and returns the status and the body.
func (c *Client) get(ctx context.Context, token, path string, params url.Values) (string, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path, params), nil)
	if err != nil {
		return "", nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	rsp, err := c.do(req)
	if err != nil {
		return "", nil, err
	}
	defer rsp.Body.Close()

	body, err := io.ReadAll(rsp.Body)
	if err != nil {
		return "", nil, fmt.Errorf("cannot read http response: %w", err)
	}
	return rsp.Status, body, nil
}

func (c *Client) getBytes(ctx context.Context, token, path string, params url.Values) ([]byte, error) {
	_, body, err := c.get(ctx, token, path, params)
	return body, err
}

// getJSON decodes the body whatever the status code is; the API reports
// errors as JSON objects which are returned as any other payload.
func (c *Client) getJSON(ctx context.Context, token, path string, params url.Values) (any, error) {
	status, body, err := c.get(ctx, token, path, params)
	if err != nil {
		return nil, err
	}
	d := json.NewDecoder(bytes.NewReader(body))
	d.UseNumber()
	var ret any
	if err := d.Decode(&ret); err != nil {
		return nil, fmt.Errorf("cannot parse %s response (status %v): %w", path, status, err)
	}
	// The body must be a single JSON value.
	if _, err := d.Token(); err != io.EOF {
		return nil, fmt.Errorf("cannot parse %s response (status %v): unexpected data after JSON value", path, status)
	}
	return ret, nil
}

// readableBody returns the body as a string, or its visible text if it is HTML.
func readableBody(contentType string, body []byte) string {
	if !strings.HasPrefix(contentType, "text/html") {
		return string(body)
	}
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return string(body)
	}

	var words []string
	var traverse func(*html.Node)
	traverse = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			words = append(words, strings.Fields(n.Data)...)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			traverse(c)
		}
	}
	traverse(doc)
	return strings.Join(words, " ")
}
