// Package postgrest implements remote.Tables against a PostgREST endpoint
// such as a hosted Supabase project's /rest/v1.
package postgrest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/dentdesk/dentdesk/internal/platform/remote"
)

const (
	mimeObject = "application/vnd.pgrst.object+json"
	mimeJSON   = "application/json"
)

// Config configures the table client.
type Config struct {
	// URL is the project base URL; the client appends /rest/v1.
	URL     string
	APIKey  string
	Timeout time.Duration
	Retries int
}

// Client talks to PostgREST. Requests carry the project API key and, when
// a token source is set, the signed-in user's access token.
type Client struct {
	http   *resty.Client
	apiKey string
	tokens remote.TokenSource
	logger zerolog.Logger
}

// New creates a client. tokens may be nil, in which case requests are
// authorized with the API key alone.
func New(cfg Config, tokens remote.TokenSource, logger zerolog.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	hc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.URL, "/")+"/rest/v1").
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(200*time.Millisecond).
		SetRetryMaxWaitTime(2*time.Second).
		SetHeader("apikey", cfg.APIKey).
		SetHeader("Content-Type", mimeJSON)

	return &Client{
		http:   hc,
		apiKey: cfg.APIKey,
		tokens: tokens,
		logger: logger.With().Str("component", "postgrest").Logger(),
	}
}

func (c *Client) request(ctx context.Context) (*resty.Request, error) {
	token := c.apiKey
	if c.tokens != nil {
		t, err := c.tokens.AccessToken(ctx)
		if err != nil {
			return nil, err
		}
		if t != "" {
			token = t
		}
	}
	return c.http.R().SetContext(ctx).SetAuthToken(token), nil
}

// Select runs q.
func (c *Client) Select(ctx context.Context, q *remote.Query) ([]json.RawMessage, error) {
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}
	params, err := QueryParams(q)
	if err != nil {
		return nil, err
	}
	req.SetQueryParamsFromValues(params)
	if q.Single {
		req.SetHeader("Accept", mimeObject)
	}

	resp, err := req.Get("/" + q.Table)
	if err := c.check(resp, err, "select", q.Table); err != nil {
		return nil, err
	}
	if q.Single {
		return []json.RawMessage{json.RawMessage(resp.Body())}, nil
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(resp.Body(), &rows); err != nil {
		return nil, fmt.Errorf("decoding %s rows: %w", q.Table, err)
	}
	return rows, nil
}

// Insert creates one row and returns its stored representation.
func (c *Client) Insert(ctx context.Context, table string, row any) (json.RawMessage, error) {
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := req.
		SetHeader("Prefer", "return=representation").
		SetHeader("Accept", mimeObject).
		SetBody(row).
		Post("/" + table)
	if err := c.check(resp, err, "insert", table); err != nil {
		return nil, err
	}
	return json.RawMessage(resp.Body()), nil
}

// Update patches the single row matching match.
func (c *Client) Update(ctx context.Context, table string, match remote.Filter, patch any) (json.RawMessage, error) {
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}
	if !remote.ValidIdent(match.Column) {
		return nil, invalidColumn(match.Column)
	}
	resp, err := req.
		SetHeader("Prefer", "return=representation").
		SetHeader("Accept", mimeObject).
		SetQueryParam(match.Column, FilterValue(match)).
		SetBody(patch).
		Patch("/" + table)
	if err := c.check(resp, err, "update", table); err != nil {
		return nil, err
	}
	return json.RawMessage(resp.Body()), nil
}

// Delete removes the rows matching match.
func (c *Client) Delete(ctx context.Context, table string, match remote.Filter) error {
	req, err := c.request(ctx)
	if err != nil {
		return err
	}
	if !remote.ValidIdent(match.Column) {
		return invalidColumn(match.Column)
	}
	resp, err := req.
		SetQueryParam(match.Column, FilterValue(match)).
		Delete("/" + table)
	return c.check(resp, err, "delete", table)
}

func (c *Client) check(resp *resty.Response, err error, op, table string) error {
	if err != nil {
		c.logger.Warn().Err(err).Str("op", op).Str("table", table).Msg("request failed")
		return remote.NetworkError(err)
	}
	c.logger.Debug().
		Str("op", op).
		Str("table", table).
		Int("status", resp.StatusCode()).
		Dur("latency", resp.Time()).
		Msg("postgrest request")
	if resp.IsSuccess() {
		return nil
	}
	return decodeError(resp)
}

func decodeError(resp *resty.Response) error {
	e := &remote.Error{Status: resp.StatusCode()}
	if err := json.Unmarshal(resp.Body(), e); err != nil || e.Message == "" {
		e.Message = strings.TrimSpace(string(resp.Body()))
		if e.Message == "" {
			e.Message = http.StatusText(resp.StatusCode())
		}
	}
	return e
}

func invalidColumn(col string) error {
	return &remote.Error{Code: remote.CodeUndefinedColumn, Message: fmt.Sprintf("invalid column %q", col), Status: 400}
}

// QueryParams encodes q as PostgREST query parameters.
func QueryParams(q *remote.Query) (url.Values, error) {
	if _, err := remote.ParseSelection(q.Columns); err != nil {
		return nil, &remote.Error{Code: remote.CodeInvalidInput, Message: err.Error(), Status: 400}
	}
	v := url.Values{}
	v.Set("select", strings.Join(strings.Fields(q.Columns), ""))
	for _, f := range q.Filters {
		if !remote.ValidIdent(f.Column) {
			return nil, invalidColumn(f.Column)
		}
		v.Add(f.Column, FilterValue(f))
	}
	if len(q.AnyOf) > 0 {
		parts := make([]string, len(q.AnyOf))
		for i, f := range q.AnyOf {
			if !remote.ValidIdent(f.Column) {
				return nil, invalidColumn(f.Column)
			}
			parts[i] = f.Column + "." + string(f.Op) + "." + quoteOrValue(remote.FormatValue(f.Value))
		}
		v.Set("or", "("+strings.Join(parts, ",")+")")
	}
	if q.Sort != nil {
		if !remote.ValidIdent(q.Sort.Column) {
			return nil, invalidColumn(q.Sort.Column)
		}
		dir := "desc"
		if q.Sort.Ascending {
			dir = "asc"
		}
		v.Set("order", q.Sort.Column+"."+dir)
	}
	if q.Limit > 0 {
		v.Set("limit", fmt.Sprint(q.Limit))
	}
	return v, nil
}

// FilterValue renders the right-hand side of a column filter, e.g. "eq.5".
func FilterValue(f remote.Filter) string {
	return string(f.Op) + "." + remote.FormatValue(f.Value)
}

// quoteOrValue quotes values inside an or=(...) group when they contain
// characters PostgREST reserves there.
func quoteOrValue(s string) string {
	if !strings.ContainsAny(s, `,.():" \`) {
		return s
	}
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}
