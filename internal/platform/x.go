package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/PortNumber53/publish-enforcer/internal/models"
	"golang.org/x/oauth2"
)

const (
	defaultXBase     = "https://api.x.com"
	defaultXTokenURL = "https://api.x.com/2/oauth2/token"
)

// X posts through the v2 tweets endpoint with an OAuth 2.0 user token.
type X struct {
	Client       *http.Client
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
}

func (x *X) Name() models.Platform    { return models.PlatformX }
func (x *X) RefreshMode() RefreshMode { return RefreshOAuth2 }

func (x *X) base() string {
	if x.BaseURL != "" {
		return strings.TrimRight(x.BaseURL, "/")
	}
	return defaultXBase
}

func (x *X) oauthConfig() oauth2.Config {
	tokenURL := x.TokenURL
	if tokenURL == "" {
		tokenURL = defaultXTokenURL
	}
	style := oauth2.AuthStyleInHeader
	if x.ClientSecret == "" {
		// Public clients send client_id in the body.
		style = oauth2.AuthStyleInParams
	}
	return oauth2.Config{
		ClientID:     x.ClientID,
		ClientSecret: x.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL, AuthStyle: style},
	}
}

type xProblem struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

func xFailure(res response) *Error {
	var pr xProblem
	_ = json.Unmarshal(res.body, &pr)
	msg := strings.TrimSpace(pr.Detail)
	if msg == "" {
		msg = strings.TrimSpace(pr.Title)
	}
	if msg == "" {
		msg = truncate(string(res.body), 400)
	}
	kind := kindForStatus(res.status)
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "duplicate content"):
		kind = KindContentRejected
	case res.status == http.StatusForbidden && (strings.Contains(lower, "not permitted") || strings.Contains(lower, "too long")):
		kind = KindContentRejected
	case strings.Contains(lower, "expired"):
		kind = KindTokenExpired
	}
	return &Error{Platform: models.PlatformX, Kind: kind, Status: res.status, Message: msg}
}

type xTweetResponse struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (x *X) Publish(ctx context.Context, conn models.PlatformConnection, post models.Post) (string, error) {
	if err := requireToken(x.Name(), conn); err != nil {
		return "", err
	}
	text := post.Content
	if post.MediaURL != nil && strings.TrimSpace(*post.MediaURL) != "" {
		// Media upload is not supported; the link is appended and unfurled by X.
		text = strings.TrimSpace(text + " " + strings.TrimSpace(*post.MediaURL))
	}
	payload, _ := json.Marshal(map[string]string{"text": text})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, x.base()+"/2/tweets", bytes.NewReader(payload))
	if err != nil {
		return "", &Error{Platform: x.Name(), Kind: KindTransient, Message: "build_request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+conn.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	res, err := do(ctx, x.Name(), x.Client, req)
	if err != nil {
		return "", err
	}
	if !res.ok() {
		return "", xFailure(res)
	}
	var tr xTweetResponse
	if err := json.Unmarshal(res.body, &tr); err != nil || strings.TrimSpace(tr.Data.ID) == "" {
		return "", &Error{Platform: x.Name(), Kind: KindTransient, Status: res.status, Message: "x_missing_tweet_id"}
	}
	return tr.Data.ID, nil
}

func (x *X) Refresh(ctx context.Context, conn models.PlatformConnection) (Token, error) {
	return refreshOAuth2(ctx, x.Name(), x.Client, x.oauthConfig(), conn)
}

// Probe checks tweet.write and that the token still resolves the user.
func (x *X) Probe(ctx context.Context, conn models.PlatformConnection) error {
	if err := requireToken(x.Name(), conn); err != nil {
		return err
	}
	if err := requireAnyScope(x.Name(), conn, "tweet.write"); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, x.base()+"/2/users/me", nil)
	if err != nil {
		return &Error{Platform: x.Name(), Kind: KindTransient, Message: "build_request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+conn.AccessToken)
	res, err := do(ctx, x.Name(), x.Client, req)
	if err != nil {
		return err
	}
	if !res.ok() {
		return xFailure(res)
	}
	return nil
}

var _ Adapter = (*X)(nil)
