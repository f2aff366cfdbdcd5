package session

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// StreamAppID is the application id the web client registers its stream
// session under.
const StreamAppID = "219994525426954"

var (
	metaRefreshRe = regexp.MustCompile(`(?i)<meta http-equiv="refresh" content="0;url=([^"]+)[^>]+>`)
	oldMQTTRe     = regexp.MustCompile(`irisSeqID:"(.+?)",appID:219994525426954,endpoint:"(.+?)"`)
	newMQTTRe     = regexp.MustCompile(`\{"app_id":"219994525426954","endpoint":"(.+?)","iris_seq_id":"(.+?)"\}`)
	legacyMQTTRe  = regexp.MustCompile(`\["MqttWebConfig",\[\],\{fbid:"(.+?)",appID:219994525426954,endpoint:"(.+?)",pollingEndpoint:"(.+?)"`)
	dtsgInitialRe = regexp.MustCompile(`"DTSGInitialData",\[\],\{"token":"(.+?)"`)
	dtsgInputRe   = regexp.MustCompile(`name="fb_dtsg" value="(.+?)"`)
	revisionRe    = regexp.MustCompile(`"client_revision":(\d+)`)
)

// BootstrapOptions configure the home page fetch.
type BootstrapOptions struct {
	UserAgent string
	Proxy     string

	// BaseURL overrides the site origin, for tests.
	BaseURL string
}

// PageData is what Bootstrap extracts from the home page.
type PageData struct {
	FBDtsg     string
	Revision   string
	Endpoint   string
	Region     string
	SequenceID int64
}

// Bootstrap fetches the authenticated home page and records the form tokens,
// stream endpoint, region and initial sequence id on sess. Missing stream
// data is logged and left for the listener's sequence sync to resolve.
func Bootstrap(ctx context.Context, sess *Context, opts BootstrapOptions, logger zerolog.Logger) (*PageData, error) {
	base := opts.BaseURL
	if base == "" {
		base = BaseURL
	}

	client := resty.New().
		SetCookieJar(sess.Jar()).
		SetHeader("User-Agent", opts.UserAgent).
		SetHeader("Referer", base+"/")
	if opts.Proxy != "" {
		client.SetProxy(opts.Proxy)
	}

	body, err := getPage(ctx, client, base+"/")
	if err != nil {
		return nil, err
	}
	if m := metaRefreshRe.FindStringSubmatch(body); m != nil {
		body, err = getPage(ctx, client, m[1])
		if err != nil {
			return nil, err
		}
	}

	data := ExtractPageData(body)
	if strings.Contains(body, "/checkpoint/block/?next") {
		logger.Warn().Msg("Checkpoint detected, verify the account in a browser")
	}
	if data.Endpoint == "" {
		logger.Warn().Msg("No stream endpoint found in page, the default host will be used")
	} else {
		logger.Info().Str("region", data.Region).Msg("Resolved stream endpoint")
	}

	sess.SetPageTokens(data.FBDtsg, data.Revision)
	if data.Endpoint != "" {
		sess.SetEndpoint(data.Endpoint, data.Region)
	}
	if data.SequenceID > 0 {
		sess.Advance(data.SequenceID, "")
	}
	return data, nil
}

func getPage(ctx context.Context, client *resty.Client, target string) (string, error) {
	resp, err := client.R().SetContext(ctx).Get(target)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", target, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("fetch %s: status %d", target, resp.StatusCode())
	}
	return resp.String(), nil
}

// ExtractPageData pulls the known embeddings out of a home page.
func ExtractPageData(html string) *PageData {
	data := &PageData{}

	if m := dtsgInitialRe.FindStringSubmatch(html); m != nil {
		data.FBDtsg = m[1]
	} else if m := dtsgInputRe.FindStringSubmatch(html); m != nil {
		data.FBDtsg = m[1]
	}
	if m := revisionRe.FindStringSubmatch(html); m != nil {
		data.Revision = m[1]
	}

	var seq string
	switch {
	case oldMQTTRe.MatchString(html):
		m := oldMQTTRe.FindStringSubmatch(html)
		seq, data.Endpoint = m[1], m[2]
	case newMQTTRe.MatchString(html):
		m := newMQTTRe.FindStringSubmatch(html)
		data.Endpoint = strings.ReplaceAll(m[1], `\/`, "/")
		seq = m[2]
	case legacyMQTTRe.MatchString(html):
		m := legacyMQTTRe.FindStringSubmatch(html)
		data.Endpoint = m[2]
	}

	if seq != "" {
		if n, err := strconv.ParseInt(seq, 10, 64); err == nil {
			data.SequenceID = n
		}
	}
	if data.Endpoint != "" {
		if u, err := url.Parse(data.Endpoint); err == nil {
			data.Region = strings.ToUpper(u.Query().Get("region"))
		}
	}
	return data
}
