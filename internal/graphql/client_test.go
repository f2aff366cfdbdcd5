package graphql

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jersoncarin/facebook-message-api/internal/session"
)

type recordedRequest struct {
	Path  string
	Form  url.Values
	Query url.Values
}

type fakeSite struct {
	mu       sync.Mutex
	requests []recordedRequest
	srv      *httptest.Server
}

func newFakeSite(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *fakeSite {
	t.Helper()
	site := &fakeSite{}
	site.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		site.mu.Lock()
		site.requests = append(site.requests, recordedRequest{Path: r.URL.Path, Form: r.PostForm, Query: r.URL.Query()})
		site.mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(site.srv.Close)
	return site
}

func (s *fakeSite) last() recordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

func newTestClient(t *testing.T, site *fakeSite, pageID string) (*Client, *session.Context) {
	t.Helper()
	sess, err := session.New(session.Credentials{UserID: "100", FBDtsg: "AB", Revision: "42"})
	require.NoError(t, err)
	client := New(sess, Options{BaseURL: site.srv.URL, PageID: pageID, UserAgent: "test"}, zerolog.Nop())
	return client, sess
}

func reply(body string) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}
}

func TestBatchFormFields(t *testing.T) {
	site := newFakeSite(t, reply(`for (;;);{"o0":{"data":{"ok":true}}}
{"successful_results":1,"error_results":0,"skipped_results":0}`))
	client, _ := newTestClient(t, site, "page-1")

	data, err := client.Batch(context.Background(), Query{DocID: "1", Params: map[string]int{"limit": 1}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(data))

	req := site.last()
	assert.Equal(t, batchPath, req.Path)
	assert.Equal(t, "page-1", req.Form.Get("av"))
	assert.Equal(t, "100", req.Form.Get("__user"))
	assert.Equal(t, "1", req.Form.Get("__a"))
	assert.Equal(t, "1", req.Form.Get("__req"))
	assert.Equal(t, "42", req.Form.Get("__rev"))
	assert.Equal(t, "AB", req.Form.Get("fb_dtsg"))
	assert.Equal(t, "2131", req.Form.Get("jazoest"))

	var queries map[string]Query
	require.NoError(t, json.Unmarshal([]byte(req.Form.Get("queries")), &queries))
	assert.Equal(t, "1", queries["o0"].DocID)
}

func TestRequestCounterIsBase36(t *testing.T) {
	site := newFakeSite(t, reply(`{"o0":{"data":{}}}{"successful_results":1,"error_results":0}`))
	client, _ := newTestClient(t, site, "")

	for i := 0; i < 11; i++ {
		_, err := client.Batch(context.Background(), Query{DocID: "1"})
		require.NoError(t, err)
	}
	assert.Equal(t, "b", site.last().Form.Get("__req"))
	_, hasAV := site.last().Form["av"]
	assert.False(t, hasAV)
}

func TestBatchErrors(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		check func(t *testing.T, err error)
	}{
		{
			name: "error results",
			body: `{"o0":{"errors":[{"message":"bad"}]}}{"successful_results":0,"error_results":1}`,
			check: func(t *testing.T, err error) {
				var qe *QueryError
				require.True(t, errors.As(err, &qe))
				assert.Equal(t, "1", qe.DocID)
				assert.Contains(t, string(qe.Raw), "bad")
			},
		},
		{
			name: "no successful results",
			body: `{"o0":{}}{"successful_results":0,"error_results":0}`,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrNoSuccessfulResults)
			},
		},
		{
			name: "missing summary",
			body: `{"o0":{"data":{}}}`,
			check: func(t *testing.T, err error) {
				assert.True(t, IsStaleProtocol(err))
			},
		},
		{
			name: "error object",
			body: `for (;;);{"error":1545012,"errorSummary":"Temporary","errorDescription":"try later"}`,
			check: func(t *testing.T, err error) {
				var qe *QueryError
				require.True(t, errors.As(err, &qe))
				assert.Equal(t, 1545012, qe.Code)
				assert.Equal(t, "Temporary", qe.Summary)
			},
		},
		{
			name: "garbage",
			body: `<html>`,
			check: func(t *testing.T, err error) {
				assert.Error(t, err)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			site := newFakeSite(t, reply(tt.body))
			client, _ := newTestClient(t, site, "")
			_, err := client.Batch(context.Background(), Query{DocID: "1"})
			tt.check(t, err)
		})
	}
}

func TestNotLoggedInDowngradesSession(t *testing.T) {
	site := newFakeSite(t, reply(`for (;;);{"error":1357001,"errorSummary":"Not logged in"}`))
	client, sess := newTestClient(t, site, "")

	_, err := client.FetchSequenceID(context.Background())
	assert.ErrorIs(t, err, ErrNotLoggedIn)
	assert.False(t, sess.LoggedIn())
}

func TestHTTPStatusError(t *testing.T) {
	site := newFakeSite(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	client, _ := newTestClient(t, site, "")

	_, err := client.Batch(context.Background(), Query{DocID: "1"})
	assert.True(t, IsHTTPStatus(err, http.StatusBadGateway))
}

func TestFetchSequenceID(t *testing.T) {
	t.Run("string id", func(t *testing.T) {
		site := newFakeSite(t, reply(`{"o0":{"data":{"viewer":{"message_threads":{"sync_sequence_id":"4521"}}}}}
{"successful_results":1,"error_results":0,"skipped_results":0}`))
		client, _ := newTestClient(t, site, "")

		seq, err := client.FetchSequenceID(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(4521), seq)

		var queries map[string]struct {
			DocID  string         `json:"doc_id"`
			Params map[string]any `json:"query_params"`
		}
		require.NoError(t, json.Unmarshal([]byte(site.last().Form.Get("queries")), &queries))
		assert.Equal(t, DocIDThreadListSeq, queries["o0"].DocID)
		assert.Equal(t, true, queries["o0"].Params["includeSeqID"])
		assert.Equal(t, []any{"INBOX"}, queries["o0"].Params["tags"])
	})

	t.Run("numeric id", func(t *testing.T) {
		site := newFakeSite(t, reply(`{"o0":{"data":{"viewer":{"message_threads":{"sync_sequence_id":77}}}}}{"successful_results":1,"error_results":0}`))
		client, _ := newTestClient(t, site, "")

		seq, err := client.FetchSequenceID(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(77), seq)
	})

	t.Run("missing id is stale protocol", func(t *testing.T) {
		site := newFakeSite(t, reply(`{"o0":{"data":{"viewer":{}}}}{"successful_results":1,"error_results":0}`))
		client, _ := newTestClient(t, site, "")

		_, err := client.FetchSequenceID(context.Background())
		assert.ErrorIs(t, err, ErrNoSequenceID)
		assert.True(t, IsStaleProtocol(err))
	})
}

func TestFetchMessage(t *testing.T) {
	site := newFakeSite(t, reply(`{"o0":{"data":{"message":{"__typename":"UserMessage","message_id":"mid.1"}}}}{"successful_results":1,"error_results":0}`))
	client, _ := newTestClient(t, site, "")

	msg, err := client.FetchMessage(context.Background(), "200", "mid.1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"__typename":"UserMessage","message_id":"mid.1"}`, string(msg))

	var queries map[string]struct {
		Params struct {
			Key map[string]string `json:"thread_and_message_id"`
		} `json:"query_params"`
	}
	require.NoError(t, json.Unmarshal([]byte(site.last().Form.Get("queries")), &queries))
	assert.Equal(t, map[string]string{"thread_id": "200", "message_id": "mid.1"}, queries["o0"].Params.Key)
}

func TestMarkDelivered(t *testing.T) {
	site := newFakeSite(t, reply(`for (;;);{"__ar":1,"payload":null}`))
	client, _ := newTestClient(t, site, "")

	require.NoError(t, client.MarkDelivered(context.Background(), "200", "mid.1"))
	req := site.last()
	assert.Equal(t, deliveryReceiptsPath, req.Path)
	assert.Equal(t, "mid.1", req.Form.Get("message_ids[0]"))
	assert.Equal(t, "mid.1", req.Form.Get("thread_ids[200][0]"))

	assert.Error(t, client.MarkDelivered(context.Background(), "", "mid.1"))
}

func TestMarkRead(t *testing.T) {
	site := newFakeSite(t, reply(`for (;;);{"__ar":1}`))
	client, _ := newTestClient(t, site, "")
	client.now = func() time.Time { return time.UnixMilli(1700000000000) }

	require.NoError(t, client.MarkRead(context.Background(), "200"))
	req := site.last()
	assert.Equal(t, readStatusPath, req.Path)
	assert.Equal(t, "true", req.Form.Get("ids[200]"))
	assert.Equal(t, "1700000000000", req.Form.Get("watermarkTimestamp"))
	assert.Equal(t, "true", req.Form.Get("shouldSendReadReceipt"))
}

func TestResolvePhotoURL(t *testing.T) {
	site := newFakeSite(t, reply(`for (;;);{"jsmods":{"require":[["ServerRedirect","redirectPageTo",[],["https://cdn.example/p.jpg",false,false]]]}}`))
	client, _ := newTestClient(t, site, "")

	url, err := client.ResolvePhotoURL(context.Background(), "999")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/p.jpg", url)
	assert.Equal(t, "999", site.last().Query.Get("photo_id"))

	bad := newFakeSite(t, reply(`{"jsmods":{"require":[]}}`))
	client, _ = newTestClient(t, bad, "")
	_, err = client.ResolvePhotoURL(context.Background(), "999")
	assert.True(t, IsStaleProtocol(err))
}

func TestDecodeResponse(t *testing.T) {
	values, err := DecodeResponse([]byte("for (;;);{\"a\":1}\r\n{\"b\":2}\n"))
	require.NoError(t, err)
	assert.Len(t, values, 2)

	_, err = DecodeResponse([]byte("   "))
	assert.Error(t, err)
}

func TestJazoest(t *testing.T) {
	assert.Equal(t, "2131", Jazoest("AB"))
	assert.Equal(t, "20", Jazoest(""))
}
