package platform

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PortNumber53/publish-enforcer/internal/config"
	"github.com/PortNumber53/publish-enforcer/internal/models"
	"golang.org/x/time/rate"
)

const maxBodyBytes = 1 << 20

// limitedTransport waits on the platform limiter before every outbound request,
// including token endpoint calls made by x/oauth2.
type limitedTransport struct {
	base    http.RoundTripper
	limiter *rate.Limiter
}

func (t limitedTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(r.Context()); err != nil {
			return nil, err
		}
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(r)
}

// NewHTTPClient builds the client one platform's adapter uses. A nil base uses http.DefaultTransport.
func NewHTTPClient(timeout time.Duration, rl config.PlatformConfig, base http.RoundTripper) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	var lim *rate.Limiter
	if rl.RequestsPerSecond > 0 {
		burst := rl.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(rl.RequestsPerSecond), burst)
	}
	return &http.Client{Timeout: timeout, Transport: limitedTransport{base: base, limiter: lim}}
}

// FromConfig registers every supported adapter with its own rate-limited client.
func FromConfig(platforms map[models.Platform]config.PlatformConfig, timeout time.Duration, base http.RoundTripper) *Registry {
	client := func(p models.Platform) *http.Client {
		return NewHTTPClient(timeout, platforms[p], base)
	}
	fb := platforms[models.PlatformFacebook]
	li := platforms[models.PlatformLinkedIn]
	x := platforms[models.PlatformX]
	return NewRegistry(
		&Facebook{Client: client(models.PlatformFacebook), AppID: fb.ClientID, AppSecret: fb.ClientSecret},
		&Instagram{Client: client(models.PlatformInstagram)},
		&Threads{Client: client(models.PlatformThreads)},
		&LinkedIn{Client: client(models.PlatformLinkedIn), ClientID: li.ClientID, ClientSecret: li.ClientSecret},
		&X{Client: client(models.PlatformX), ClientID: x.ClientID, ClientSecret: x.ClientSecret},
	)
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func (r response) ok() bool { return r.status >= 200 && r.status < 300 }

// do sends the request and reads a bounded body. Transport failures become transient errors.
func do(ctx context.Context, p models.Platform, client *http.Client, req *http.Request) (response, error) {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	req = req.WithContext(ctx)
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	res, err := client.Do(req)
	if err != nil {
		return response{}, &Error{Platform: p, Kind: KindTransient, Message: "request_failed", Err: err}
	}
	defer res.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	return response{status: res.StatusCode, header: res.Header, body: b}, nil
}

func postForm(ctx context.Context, p models.Platform, client *http.Client, endpoint string, form url.Values) (response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return response{}, &Error{Platform: p, Kind: KindTransient, Message: "build_request", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return do(ctx, p, client, req)
}

func getURL(ctx context.Context, p models.Platform, client *http.Client, endpoint string, q url.Values) (response, error) {
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return response{}, &Error{Platform: p, Kind: KindTransient, Message: "build_request", Err: err}
	}
	return do(ctx, p, client, req)
}

// graphError is the error envelope shared by the Facebook, Instagram and Threads graph APIs.
type graphError struct {
	Error struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
	} `json:"error"`
}

// Graph API error codes. See developers.facebook.com/docs/graph-api/guides/error-handling.
const (
	graphCodeOAuth          = 190
	graphSubcodeExpired     = 463
	graphCodePermission     = 10
	graphCodeThrottleApp    = 4
	graphCodeThrottleUser   = 17
	graphCodeThrottlePage   = 32
	graphCodeThrottleCall   = 613
	graphCodeInvalidParam   = 100
	graphCodeBlocked        = 368
	graphCodeDuplicatePost  = 506
	graphCodeUnknown        = 1
	graphCodeServiceTempErr = 2
)

func graphFailure(p models.Platform, res response) *Error {
	var ge graphError
	_ = json.Unmarshal(res.body, &ge)
	msg := strings.TrimSpace(ge.Error.Message)
	if msg == "" {
		msg = truncate(string(res.body), 400)
	}
	kind := kindForStatus(res.status)
	switch c := ge.Error.Code; {
	case c == graphCodeOAuth && ge.Error.ErrorSubcode == graphSubcodeExpired:
		kind = KindTokenExpired
	case c == graphCodeOAuth:
		kind = KindInvalidToken
	case c == graphCodePermission || (c >= 200 && c <= 299):
		kind = KindMissingScope
	case c == graphCodeThrottleApp || c == graphCodeThrottleUser || c == graphCodeThrottlePage || c == graphCodeThrottleCall:
		kind = KindRateLimited
	case c == graphCodeInvalidParam || c == graphCodeBlocked || c == graphCodeDuplicatePost:
		kind = KindContentRejected
	case c == graphCodeUnknown || c == graphCodeServiceTempErr:
		kind = KindTransient
	}
	return &Error{Platform: p, Kind: kind, Status: res.status, Message: msg}
}

// idFromBody reads {"id": "..."} style responses.
func idFromBody(body []byte, keys ...string) string {
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return ""
	}
	for _, k := range keys {
		if v, ok := obj[k].(string); ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// exchangeResponse is the long-lived token exchange body returned by the Meta family of APIs.
type exchangeResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func parseExchange(p models.Platform, res response, now time.Time) (Token, error) {
	if !res.ok() {
		return Token{}, graphFailure(p, res)
	}
	var er exchangeResponse
	if err := json.Unmarshal(res.body, &er); err != nil || strings.TrimSpace(er.AccessToken) == "" {
		return Token{}, &Error{Platform: p, Kind: KindTransient, Status: res.status, Message: "exchange_missing_access_token"}
	}
	tok := Token{AccessToken: er.AccessToken}
	if er.ExpiresIn > 0 {
		exp := now.Add(time.Duration(er.ExpiresIn) * time.Second).UTC()
		tok.ExpiresAt = &exp
	}
	return tok, nil
}

func requireToken(p models.Platform, conn models.PlatformConnection) error {
	if strings.TrimSpace(conn.AccessToken) == "" {
		return &Error{Platform: p, Kind: KindInvalidToken, Message: "missing_access_token"}
	}
	return nil
}

// requireAnyScope only checks when a scope string was recorded at consent time.
func requireAnyScope(p models.Platform, conn models.PlatformConnection, scopes ...string) error {
	if strings.TrimSpace(conn.Scope) == "" {
		return nil
	}
	for _, s := range scopes {
		if conn.HasScope(s) {
			return nil
		}
	}
	return &Error{Platform: p, Kind: KindMissingScope, Message: "missing_scope required=" + strings.Join(scopes, "|")}
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
