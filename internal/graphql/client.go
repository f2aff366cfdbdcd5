// Package graphql is the authenticated request/response client for the batch
// query endpoint and the mercury receipt endpoints.
package graphql

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/jersoncarin/facebook-message-api/internal/session"
)

// Document ids select the server-side query shape. They are protocol
// constants tied to the deployed schema.
const (
	DocIDThreadListSeq    = "3336396659757871"
	DocIDThreadAndMessage = "2848441488556444"
)

const (
	batchPath = "/api/graphqlbatch/"
	jsonGuard = "for (;;);"
)

// Options configure a Client.
type Options struct {
	PageID    string
	UserAgent string
	Proxy     string
	Timeout   time.Duration

	// BaseURL overrides the site origin, for tests.
	BaseURL string
}

// Query is one named sub-query of a batch request.
type Query struct {
	DocID  string `json:"doc_id"`
	Params any    `json:"query_params"`
}

// Summary is the trailing value of every batch response.
type Summary struct {
	Successful int `json:"successful_results"`
	Errors     int `json:"error_results"`
	Skipped    int `json:"skipped_results"`
}

type subResult struct {
	Data   json.RawMessage `json:"data"`
	Errors json.RawMessage `json:"errors"`
}

// Client issues authenticated requests on behalf of one session. It holds no
// streaming state and is safe for concurrent use.
type Client struct {
	sess   *session.Context
	http   *resty.Client
	base   string
	pageID string
	reqSeq atomic.Int64
	now    func() time.Time
	logger zerolog.Logger
}

// New creates a Client bound to sess.
func New(sess *session.Context, opts Options, logger zerolog.Logger) *Client {
	base := opts.BaseURL
	if base == "" {
		base = session.BaseURL
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	httpClient := resty.New().
		SetCookieJar(sess.Jar()).
		SetTimeout(timeout).
		SetHeader("User-Agent", opts.UserAgent).
		SetHeader("Origin", session.BaseURL).
		SetHeader("Referer", session.BaseURL+"/")
	if opts.Proxy != "" {
		httpClient.SetProxy(opts.Proxy)
	}

	return &Client{
		sess:   sess,
		http:   httpClient,
		base:   base,
		pageID: opts.PageID,
		now:    time.Now,
		logger: logger.With().Str("component", "graphql").Logger(),
	}
}

// Batch runs a single sub-query and returns its data payload.
func (c *Client) Batch(ctx context.Context, q Query) (json.RawMessage, error) {
	queries, err := json.Marshal(map[string]Query{"o0": q})
	if err != nil {
		return nil, fmt.Errorf("encode queries: %w", err)
	}
	form := map[string]string{"queries": string(queries)}
	if c.pageID != "" {
		form["av"] = c.pageID
	}

	values, err := c.post(ctx, batchPath, form)
	if err != nil {
		return nil, err
	}
	if len(values) < 2 {
		return nil, &SchemaError{DocID: q.DocID, Path: "summary", Err: errors.New("missing batch summary")}
	}

	var summary Summary
	if err := json.Unmarshal(values[len(values)-1], &summary); err != nil {
		return nil, &SchemaError{DocID: q.DocID, Path: "summary", Err: err}
	}
	var first map[string]subResult
	if err := json.Unmarshal(values[0], &first); err != nil {
		return nil, &SchemaError{DocID: q.DocID, Path: "o0", Err: err}
	}
	result := first["o0"]

	if summary.Errors > 0 {
		return nil, &QueryError{DocID: q.DocID, Raw: result.Errors}
	}
	if summary.Successful == 0 {
		return nil, ErrNoSuccessfulResults
	}
	if isNull(result.Data) {
		return nil, &SchemaError{DocID: q.DocID, Path: "o0.data", Err: errors.New("missing")}
	}
	return result.Data, nil
}

// FetchSequenceID asks for the current position of the account's delta
// stream.
func (c *Client) FetchSequenceID(ctx context.Context) (int64, error) {
	data, err := c.Batch(ctx, Query{
		DocID: DocIDThreadListSeq,
		Params: map[string]any{
			"limit":                   1,
			"before":                  nil,
			"tags":                    []string{"INBOX"},
			"includeDeliveryReceipts": false,
			"includeSeqID":            true,
		},
	})
	if err != nil {
		return 0, err
	}

	var shape struct {
		Viewer *struct {
			MessageThreads *struct {
				SyncSequenceID json.RawMessage `json:"sync_sequence_id"`
			} `json:"message_threads"`
		} `json:"viewer"`
	}
	if err := json.Unmarshal(data, &shape); err != nil {
		return 0, &SchemaError{DocID: DocIDThreadListSeq, Path: "data", Err: err}
	}
	if shape.Viewer == nil || shape.Viewer.MessageThreads == nil {
		return 0, &SchemaError{DocID: DocIDThreadListSeq, Path: "data.viewer.message_threads", Err: ErrNoSequenceID}
	}

	seq, ok := parseIntValue(shape.Viewer.MessageThreads.SyncSequenceID)
	if !ok || seq == 0 {
		return 0, &SchemaError{DocID: DocIDThreadListSeq, Path: "data.viewer.message_threads.sync_sequence_id", Err: ErrNoSequenceID}
	}
	c.logger.Debug().Int64("seq_id", seq).Msg("Fetched sequence id")
	return seq, nil
}

// FetchMessage materializes one message of a thread and returns the raw
// data.message object, whose layout depends on its __typename.
func (c *Client) FetchMessage(ctx context.Context, threadID, messageID string) (json.RawMessage, error) {
	data, err := c.Batch(ctx, Query{
		DocID: DocIDThreadAndMessage,
		Params: map[string]any{
			"thread_and_message_id": map[string]string{
				"thread_id":  threadID,
				"message_id": messageID,
			},
		},
	})
	if err != nil {
		return nil, err
	}

	var shape struct {
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(data, &shape); err != nil {
		return nil, &SchemaError{DocID: DocIDThreadAndMessage, Path: "data", Err: err}
	}
	if isNull(shape.Message) {
		return nil, &SchemaError{DocID: DocIDThreadAndMessage, Path: "data.message", Err: errors.New("missing")}
	}
	return shape.Message, nil
}

func (c *Client) post(ctx context.Context, path string, form map[string]string) ([]json.RawMessage, error) {
	data := c.defaultForm()
	for k, v := range form {
		data[k] = v
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(data).
		Post(c.base + path)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", path, err)
	}
	if resp.IsError() {
		return nil, &HTTPError{StatusCode: resp.StatusCode(), URL: path, Body: truncate(resp.String(), 500)}
	}
	c.logger.Debug().Str("path", path).Int("status", resp.StatusCode()).Msg("Request completed")

	return c.checkLogin(resp.Body())
}

func (c *Client) get(ctx context.Context, path string, query map[string]string) ([]json.RawMessage, error) {
	params := c.defaultForm()
	for k, v := range query {
		params[k] = v
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get(c.base + path)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	if resp.IsError() {
		return nil, &HTTPError{StatusCode: resp.StatusCode(), URL: path, Body: truncate(resp.String(), 500)}
	}
	return c.checkLogin(resp.Body())
}

// defaultForm returns the fields every authenticated request carries.
func (c *Client) defaultForm() map[string]string {
	dtsg := c.sess.FBDtsg()
	return map[string]string{
		"__user":  c.sess.UserID(),
		"__a":     "1",
		"__req":   strconv.FormatInt(c.reqSeq.Add(1), 36),
		"__rev":   c.sess.Revision(),
		"fb_dtsg": dtsg,
		"jazoest": Jazoest(dtsg),
	}
}

// checkLogin decodes a response and turns a lone error object into a typed
// error. A "not logged in" answer also downgrades the session.
func (c *Client) checkLogin(body []byte) ([]json.RawMessage, error) {
	values, err := DecodeResponse(body)
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return values, nil
	}

	var qe QueryError
	if err := json.Unmarshal(values[0], &qe); err != nil || qe.Code == 0 {
		return values, nil
	}
	if qe.Code == NotLoggedInCode {
		c.sess.MarkLoggedOut()
		c.logger.Warn().Msg("Session is no longer logged in")
		return nil, ErrNotLoggedIn
	}
	qe.Raw = values[0]
	return nil, &qe
}

// DecodeResponse strips the anti-hijacking prefix and splits the body into
// its concatenated JSON values.
func DecodeResponse(body []byte) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	body = bytes.TrimPrefix(body, []byte(jsonGuard))

	dec := json.NewDecoder(bytes.NewReader(body))
	var values []json.RawMessage
	for {
		var v json.RawMessage
		err := dec.Decode(&v)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		values = append(values, v)
	}
	if len(values) == 0 {
		return nil, errors.New("decode response: empty body")
	}
	return values, nil
}

// Jazoest derives the checksum field from the anti-CSRF token.
func Jazoest(fbDtsg string) string {
	sum := 0
	for _, r := range fbDtsg {
		sum += int(r)
	}
	return "2" + strconv.Itoa(sum)
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// parseIntValue accepts a JSON number or a string holding one.
func parseIntValue(raw json.RawMessage) (int64, bool) {
	if isNull(raw) {
		return 0, false
	}
	s := string(raw)
	if s[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
