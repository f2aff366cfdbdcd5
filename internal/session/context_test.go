package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCookies() []Cookie {
	return []Cookie{
		{Key: "c_user", Value: "1000", Domain: ".facebook.com", Path: "/"},
		{Key: "xs", Value: "secret", Domain: ".facebook.com", Path: "/"},
	}
}

func TestNewTakesIdentityFromCookie(t *testing.T) {
	ctx, err := New(Credentials{Cookies: testCookies()})
	require.NoError(t, err)

	assert.Equal(t, "1000", ctx.UserID())
	assert.True(t, ctx.LoggedIn())
	assert.Contains(t, ctx.CookieHeader(), "c_user=1000")
	assert.Contains(t, ctx.CookieHeader(), "xs=secret")
}

func TestNewWithoutIdentity(t *testing.T) {
	_, err := New(Credentials{Cookies: []Cookie{{Key: "xs", Value: "1", Domain: "facebook.com"}}})
	assert.ErrorIs(t, err, ErrNoUserCookie)
}

func TestAdvanceReplacesPair(t *testing.T) {
	ctx, err := New(Credentials{UserID: "1"})
	require.NoError(t, err)

	ctx.Advance(10, "tok-a")
	assert.Equal(t, Cursor{SequenceID: 10, HasSequence: true, SyncToken: "tok-a"}, ctx.CurrentCursor())
	assert.True(t, ctx.CurrentCursor().Resumable())

	ctx.AdvanceSequence(12)
	assert.Equal(t, Cursor{SequenceID: 12, HasSequence: true, SyncToken: "tok-a"}, ctx.CurrentCursor())

	ctx.Invalidate()
	assert.Equal(t, Cursor{}, ctx.CurrentCursor())
	assert.False(t, ctx.CurrentCursor().Resumable())
}

func TestCursorPairsNeverTear(t *testing.T) {
	ctx, err := New(Credentials{UserID: "1"})
	require.NoError(t, err)

	tokens := map[int64]string{1: "one", 2: "two"}
	ctx.Advance(1, "one")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			seq := int64(i%2 + 1)
			ctx.Advance(seq, tokens[seq])
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			c := ctx.CurrentCursor()
			assert.Equal(t, tokens[c.SequenceID], c.SyncToken)
		}
	}()
	wg.Wait()
}

func TestBeginListen(t *testing.T) {
	t.Run("first listen with seeded cursor connects directly", func(t *testing.T) {
		ctx, err := New(Credentials{UserID: "1", SequenceID: 55})
		require.NoError(t, err)

		assert.False(t, ctx.BeginListen())
		assert.Equal(t, int64(55), ctx.CurrentCursor().SequenceID)

		// second listen never trusts the old cursor
		ctx.Advance(60, "tok")
		assert.True(t, ctx.BeginListen())
		assert.Equal(t, Cursor{}, ctx.CurrentCursor())
	})

	t.Run("first listen without cursor syncs", func(t *testing.T) {
		ctx, err := New(Credentials{UserID: "1"})
		require.NoError(t, err)
		assert.True(t, ctx.BeginListen())
	})

	t.Run("token is always dropped", func(t *testing.T) {
		ctx, err := New(Credentials{UserID: "1"})
		require.NoError(t, err)
		ctx.Advance(5, "tok")
		assert.False(t, ctx.BeginListen())
		assert.Equal(t, "", ctx.CurrentCursor().SyncToken)
	})
}

func TestStreamURL(t *testing.T) {
	ctx, err := New(Credentials{UserID: "1"})
	require.NoError(t, err)
	assert.Equal(t, "wss://edge-chat.facebook.com/chat?sid=7", ctx.StreamURL(7))

	ctx.SetEndpoint("", "PRN")
	assert.Equal(t, "wss://edge-chat.facebook.com/chat?region=prn&sid=7", ctx.StreamURL(7))

	ctx.SetEndpoint("wss://edge-chat.facebook.com/chat?region=atn", "ATN")
	assert.Equal(t, "wss://edge-chat.facebook.com/chat?region=atn&sid=7", ctx.StreamURL(7))
}

func TestParseAppState(t *testing.T) {
	jsonState := `[{"key":"c_user","value":"42","domain":"facebook.com","path":"/"},{"name":"xs","value":"v","domain":"facebook.com"}]`
	cookies, err := ParseAppState([]byte(jsonState))
	require.NoError(t, err)
	require.Len(t, cookies, 2)
	assert.Equal(t, "c_user", cookies[0].Key)
	assert.Equal(t, "xs", cookies[1].Key)

	yamlState := "- key: c_user\n  value: \"42\"\n  domain: facebook.com\n"
	cookies, err = ParseAppState([]byte(yamlState))
	require.NoError(t, err)
	require.Len(t, cookies, 1)
	assert.Equal(t, "42", cookies[0].Value)
}

func TestLoadAppStateMissingFile(t *testing.T) {
	_, err := LoadAppState(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"key":"c_user","value":"1"}]`), 0600))
	cookies, err := LoadAppState(path)
	require.NoError(t, err)
	assert.Len(t, cookies, 1)
}

func TestExtractPageData(t *testing.T) {
	html := `<script>{"app_id":"219994525426954","endpoint":"wss:\/\/edge-chat.facebook.com\/chat?region=prn","iris_seq_id":"1234"}` +
		`["DTSGInitialData",[],{"token":"dtsg-value"}] "client_revision":1009</script>`

	data := ExtractPageData(html)
	assert.Equal(t, "wss://edge-chat.facebook.com/chat?region=prn", data.Endpoint)
	assert.Equal(t, "PRN", data.Region)
	assert.Equal(t, int64(1234), data.SequenceID)
	assert.Equal(t, "dtsg-value", data.FBDtsg)
	assert.Equal(t, "1009", data.Revision)

	old := `irisSeqID:"77",appID:219994525426954,endpoint:"wss://edge-chat.facebook.com/chat?region=atn"`
	data = ExtractPageData(old)
	assert.Equal(t, int64(77), data.SequenceID)
	assert.Equal(t, "ATN", data.Region)

	empty := ExtractPageData("<html></html>")
	assert.Equal(t, "", empty.Endpoint)
	assert.Equal(t, int64(0), empty.SequenceID)
}

func TestBootstrapFollowsRefresh(t *testing.T) {
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<meta http-equiv="refresh" content="0;url=` + srv.URL + `/home" />`))
	})
	mux.HandleFunc("/home", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`irisSeqID:"900",appID:219994525426954,endpoint:"wss://edge-chat.facebook.com/chat?region=odn" name="fb_dtsg" value="abc"`))
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	sess, err := New(Credentials{UserID: "1"})
	require.NoError(t, err)

	data, err := Bootstrap(context.Background(), sess, BootstrapOptions{BaseURL: srv.URL, UserAgent: "test"}, zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, "abc", data.FBDtsg)
	assert.Equal(t, "abc", sess.FBDtsg())
	assert.Equal(t, int64(900), sess.CurrentCursor().SequenceID)
	endpoint, region := sess.Endpoint()
	assert.Equal(t, "wss://edge-chat.facebook.com/chat?region=odn", endpoint)
	assert.Equal(t, "ODN", region)
}
