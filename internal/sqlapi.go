package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// Ident is a statement argument rendered as a quoted identifier.
type Ident string

// Statement is SQL text with $1..$n placeholders.
type Statement struct {
	Text string
	Args []any
}

func Stmt(text string, args ...any) Statement {
	return Statement{Text: text, Args: args}
}

// Bind renders the statement with every argument quoted. The SQL API has no
// server-side parameters, so this is the only place values enter SQL text.
// Placeholders inside quoted literals and identifiers are left alone.
func (s Statement) Bind() (string, error) {
	var b strings.Builder
	var quote byte

	text := s.Text
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '$':
			j := i + 1
			for j < len(text) && text[j] >= '0' && text[j] <= '9' {
				j++
			}
			if j == i+1 {
				break
			}
			n, _ := strconv.Atoi(text[i+1 : j])
			if n < 1 || n > len(s.Args) {
				return "", fmt.Errorf("placeholder %s has no argument", text[i:j])
			}
			lit, err := sqlLiteral(s.Args[n-1])
			if err != nil {
				return "", err
			}
			b.WriteString(lit)
			i = j - 1
			continue
		}
		b.WriteByte(c)
	}
	if quote != 0 {
		return "", errors.New("unterminated quote in statement")
	}
	return b.String(), nil
}

func sqlLiteral(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "NULL", nil
	case Ident:
		return pq.QuoteIdentifier(string(x)), nil
	case string:
		return pq.QuoteLiteral(x), nil
	case bool:
		if x {
			return "TRUE", nil
		}
		return "FALSE", nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		return formatFloat(x), nil
	case time.Time:
		return pq.QuoteLiteral(x.UTC().Format(time.RFC3339Nano)), nil
	case json.RawMessage:
		return pq.QuoteLiteral(string(x)), nil
	case []byte:
		return pq.QuoteLiteral(string(x)), nil
	}
	return "", fmt.Errorf("unsupported argument of type %T", v)
}

// SQLResult is one response of the SQL API.
type SQLResult struct {
	Rows      []gjson.Result
	Fields    map[string]string
	TotalRows int64
}

// SQLClient talks to a CARTO style SQL-over-HTTP endpoint.
type SQLClient struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client

	logger zerolog.Logger
}

func NewSQLClient(baseURL string, apiKey string, timeout time.Duration, logger zerolog.Logger) *SQLClient {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &SQLClient{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "sql-api").Logger(),
	}
}

// Anonymous returns a client for the same server without credentials.
func (c *SQLClient) Anonymous() *SQLClient {
	anon := *c
	anon.APIKey = ""
	return &anon
}

// sqlAPIError carries the messages of an error response.
type sqlAPIError struct {
	Status   int
	Messages []string
}

func (e *sqlAPIError) Error() string {
	if len(e.Messages) == 0 {
		return fmt.Sprintf("SQL API returned %d", e.Status)
	}
	return strings.Join(e.Messages, "; ")
}

func (c *SQLClient) Query(ctx context.Context, stmt Statement) (*SQLResult, error) {
	body, err := c.post(ctx, stmt, "")
	if err != nil {
		return nil, err
	}

	res := &SQLResult{
		TotalRows: gjson.GetBytes(body, "total_rows").Int(),
		Fields:    map[string]string{},
	}
	gjson.GetBytes(body, "fields").ForEach(func(k, v gjson.Result) bool {
		res.Fields[k.String()] = v.Get("type").String()
		return true
	})
	res.Rows = gjson.GetBytes(body, "rows").Array()
	return res, nil
}

// Export runs stmt and returns the raw body in format, e.g. "csv".
func (c *SQLClient) Export(ctx context.Context, stmt Statement, format string) ([]byte, error) {
	return c.post(ctx, stmt, format)
}

// CopyFrom streams body to a COPY ... FROM STDIN statement.
func (c *SQLClient) CopyFrom(ctx context.Context, copyStmt Statement, body io.Reader) (int64, error) {
	q, err := copyStmt.Bind()
	if err != nil {
		return 0, err
	}

	params := url.Values{}
	params.Set("q", q)
	if c.APIKey != "" {
		params.Set("api_key", c.APIKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"api/v2/sql/copyfrom?"+params.Encode(), body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "text/csv")

	data, err := c.do(req)
	if err != nil {
		return 0, err
	}
	return gjson.GetBytes(data, "total_rows").Int(), nil
}

func (c *SQLClient) post(ctx context.Context, stmt Statement, format string) ([]byte, error) {
	q, err := stmt.Bind()
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("q", q)
	if c.APIKey != "" {
		form.Set("api_key", c.APIKey)
	}
	if format != "" {
		form.Set("format", format)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"api/v2/sql", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if format == "" {
		if err := responseError(http.StatusOK, body); err != nil {
			return nil, err
		}
	}
	return body, nil
}

func (c *SQLClient) do(req *http.Request) ([]byte, error) {
	start := time.Now()
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "SQL API request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read SQL API response")
	}
	c.logger.Debug().Str("path", req.URL.Path).Int("status", resp.StatusCode).Dur("duration", time.Since(start)).Msg("SQL API call")

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		msg := "Unauthorized"
		if err := responseError(resp.StatusCode, body); err != nil {
			msg = err.Error()
		}
		return nil, &ProviderError{Provider: "sql-api", Kind: KindAuth, Message: msg, Err: ErrNotLoggedIn}
	case resp.StatusCode >= 300:
		if err := responseError(resp.StatusCode, body); err != nil {
			return nil, err
		}
		return nil, &sqlAPIError{Status: resp.StatusCode}
	}
	return body, nil
}

// responseError reads the "error" member, which is either a string or a list.
func responseError(status int, body []byte) error {
	if !gjson.ValidBytes(body) {
		return nil
	}
	e := gjson.GetBytes(body, "error")
	if !e.Exists() {
		return nil
	}

	apiErr := &sqlAPIError{Status: status}
	if e.IsArray() {
		for _, m := range e.Array() {
			apiErr.Messages = append(apiErr.Messages, m.String())
		}
	} else {
		apiErr.Messages = []string{e.String()}
	}
	return apiErr
}
