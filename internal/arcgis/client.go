// Package arcgis is a small client for the ArcGIS REST API: portal token
// auth, item lookup, feature layer query/edit and the geometry service.
package arcgis

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
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/ubuntu/decorate"
)

// APIError is the {"error": {...}} envelope the REST API returns, often
// with HTTP status 200.
type APIError struct {
	Code    int      `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details"`
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("arcgis error %d: %s", e.Code, e.Message)
	if len(e.Details) > 0 {
		msg += " (" + strings.Join(e.Details, "; ") + ")"
	}
	return msg
}

// IsTokenError reports whether err is an invalid or expired token error.
func IsTokenError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && (apiErr.Code == 498 || apiErr.Code == 499)
}

type Options struct {
	Timeout            time.Duration
	RetryMax           int
	Referer            string
	TokenExpiration    time.Duration
	GeometryServiceURL string
}

type Client struct {
	portalURL string
	opts      Options
	http      *retryablehttp.Client
	token     string
}

func NewClient(portalURL string, opts Options) *Client {
	rC := retryablehttp.NewClient()
	rC.Logger = slog.Default()
	rC.RetryMax = opts.RetryMax
	rC.HTTPClient.Timeout = opts.Timeout

	return &Client{
		portalURL: strings.TrimRight(portalURL, "/"),
		opts:      opts,
		http:      rC,
	}
}

func (c *Client) sharingURL(path string) string {
	return c.portalURL + "/sharing/rest/" + strings.TrimLeft(path, "/")
}

// Authenticate exchanges credentials for a token used on every later call.
func (c *Client) Authenticate(ctx context.Context, username, password string) (err error) {
	defer decorate.OnError(&err, "could not authenticate %s against %s", username, c.portalURL)

	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)
	form.Set("client", "referer")
	form.Set("referer", c.opts.Referer)
	if c.opts.TokenExpiration > 0 {
		form.Set("expiration", strconv.Itoa(int(c.opts.TokenExpiration/time.Minute)))
	}

	var resp struct {
		Token   string `json:"token"`
		Expires int64  `json:"expires"`
	}
	if err := c.do(ctx, http.MethodPost, c.sharingURL("generateToken"), form, &resp); err != nil {
		return err
	}
	if resp.Token == "" {
		return errors.New("empty token in response")
	}

	c.token = resp.Token
	slog.Debug("portal token issued", "portal", c.portalURL, "expires", time.UnixMilli(resp.Expires))
	return nil
}

type Item struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Type  string `json:"type"`
	URL   string `json:"url"`
}

func (c *Client) GetItem(ctx context.Context, itemID string) (item *Item, err error) {
	defer decorate.OnError(&err, "could not get item %s", itemID)

	var it Item
	if err := c.do(ctx, http.MethodGet, c.sharingURL("content/items/"+url.PathEscape(itemID)), nil, &it); err != nil {
		return nil, err
	}
	if it.ID == "" {
		return nil, errors.New("item not found")
	}
	return &it, nil
}

// ResolveLayer returns the first layer of a feature service item. Items
// that already point at a layer URL are used as is.
func (c *Client) ResolveLayer(ctx context.Context, itemID string) (*Layer, error) {
	it, err := c.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if it.URL == "" {
		return nil, fmt.Errorf("item %s (%s) has no service url", itemID, it.Type)
	}

	layerURL := strings.TrimRight(it.URL, "/")
	last := layerURL[strings.LastIndex(layerURL, "/")+1:]
	if _, err := strconv.Atoi(last); err != nil {
		layerURL += "/0"
	}

	return &Layer{ItemID: it.ID, Title: it.Title, URL: layerURL}, nil
}

// do sends a request with f=json and the current token, checks the error
// envelope and decodes the body into out. Numbers in untyped fields are
// kept as json.Number.
func (c *Client) do(ctx context.Context, method, endpoint string, form url.Values, out any) error {
	if form == nil {
		form = url.Values{}
	}
	form.Set("f", "json")
	if c.token != "" {
		form.Set("token", c.token)
	}

	var (
		req *retryablehttp.Request
		err error
	)
	if method == http.MethodGet {
		req, err = retryablehttp.NewRequestWithContext(ctx, method, endpoint+"?"+form.Encode(), nil)
	} else {
		req, err = retryablehttp.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(form.Encode()))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	if c.opts.Referer != "" {
		req.Header.Set("Referer", c.opts.Referer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("error doing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d - status: %s", resp.StatusCode, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("error reading resp.Body: %w", err)
	}

	var envelope struct {
		Error *APIError `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("error decoding resp.Body: %w", err)
	}
	if envelope.Error != nil {
		return envelope.Error
	}

	if out == nil {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("error decoding resp.Body: %w", err)
	}
	return nil
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		// only called with plain data types
		panic(err)
	}
	return string(b)
}
