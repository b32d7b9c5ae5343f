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
	defaultLinkedInBase     = "https://api.linkedin.com"
	defaultLinkedInTokenURL = "https://www.linkedin.com/oauth/v2/accessToken"
)

// LinkedIn shares through the UGC posts API as the member in AccountID.
type LinkedIn struct {
	Client       *http.Client
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
}

func (li *LinkedIn) Name() models.Platform    { return models.PlatformLinkedIn }
func (li *LinkedIn) RefreshMode() RefreshMode { return RefreshOAuth2 }

func (li *LinkedIn) base() string {
	if li.BaseURL != "" {
		return strings.TrimRight(li.BaseURL, "/")
	}
	return defaultLinkedInBase
}

func (li *LinkedIn) oauthConfig() oauth2.Config {
	tokenURL := li.TokenURL
	if tokenURL == "" {
		tokenURL = defaultLinkedInTokenURL
	}
	return oauth2.Config{
		ClientID:     li.ClientID,
		ClientSecret: li.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL, AuthStyle: oauth2.AuthStyleInParams},
	}
}

func linkedInAuthor(accountID string) string {
	id := strings.TrimSpace(accountID)
	if strings.HasPrefix(id, "urn:") {
		return id
	}
	return "urn:li:person:" + id
}

type liShareContent struct {
	ShareCommentary struct {
		Text string `json:"text"`
	} `json:"shareCommentary"`
	ShareMediaCategory string    `json:"shareMediaCategory"`
	Media              []liMedia `json:"media,omitempty"`
}

type liMedia struct {
	Status      string `json:"status"`
	OriginalURL string `json:"originalUrl"`
}

type liUGCPost struct {
	Author          string `json:"author"`
	LifecycleState  string `json:"lifecycleState"`
	SpecificContent struct {
		ShareContent liShareContent `json:"com.linkedin.ugc.ShareContent"`
	} `json:"specificContent"`
	Visibility struct {
		MemberNetworkVisibility string `json:"com.linkedin.ugc.MemberNetworkVisibility"`
	} `json:"visibility"`
}

type liError struct {
	Status           int    `json:"status"`
	ServiceErrorCode int    `json:"serviceErrorCode"`
	Code             string `json:"code"`
	Message          string `json:"message"`
}

func linkedInFailure(res response) *Error {
	var le liError
	_ = json.Unmarshal(res.body, &le)
	msg := strings.TrimSpace(le.Message)
	if msg == "" {
		msg = truncate(string(res.body), 400)
	}
	kind := kindForStatus(res.status)
	switch strings.ToUpper(le.Code) {
	case "EXPIRED_ACCESS_TOKEN":
		kind = KindTokenExpired
	case "REVOKED_ACCESS_TOKEN", "INVALID_ACCESS_TOKEN":
		kind = KindInvalidToken
	case "ACCESS_DENIED":
		kind = KindMissingScope
	case "DUPLICATE_POST":
		kind = KindContentRejected
	}
	return &Error{Platform: models.PlatformLinkedIn, Kind: kind, Status: res.status, Message: msg}
}

func (li *LinkedIn) Publish(ctx context.Context, conn models.PlatformConnection, post models.Post) (string, error) {
	if err := requireToken(li.Name(), conn); err != nil {
		return "", err
	}
	if strings.TrimSpace(conn.AccountID) == "" {
		return "", &Error{Platform: li.Name(), Kind: KindInvalidToken, Message: "missing_member_id"}
	}

	var body liUGCPost
	body.Author = linkedInAuthor(conn.AccountID)
	body.LifecycleState = "PUBLISHED"
	body.Visibility.MemberNetworkVisibility = "PUBLIC"
	share := &body.SpecificContent.ShareContent
	share.ShareCommentary.Text = post.Content
	share.ShareMediaCategory = "NONE"
	if post.MediaURL != nil && strings.TrimSpace(*post.MediaURL) != "" {
		share.ShareMediaCategory = "ARTICLE"
		share.Media = []liMedia{{Status: "READY", OriginalURL: strings.TrimSpace(*post.MediaURL)}}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", &Error{Platform: li.Name(), Kind: KindContentRejected, Message: "encode_failed", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, li.base()+"/v2/ugcPosts", bytes.NewReader(payload))
	if err != nil {
		return "", &Error{Platform: li.Name(), Kind: KindTransient, Message: "build_request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+conn.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Restli-Protocol-Version", "2.0.0")
	res, err := do(ctx, li.Name(), li.Client, req)
	if err != nil {
		return "", err
	}
	if !res.ok() {
		return "", linkedInFailure(res)
	}
	id := strings.TrimSpace(res.header.Get("X-RestLi-Id"))
	if id == "" {
		id = idFromBody(res.body, "id")
	}
	if id == "" {
		return "", &Error{Platform: li.Name(), Kind: KindTransient, Status: res.status, Message: "linkedin_missing_post_id"}
	}
	return id, nil
}

func (li *LinkedIn) Refresh(ctx context.Context, conn models.PlatformConnection) (Token, error) {
	return refreshOAuth2(ctx, li.Name(), li.Client, li.oauthConfig(), conn)
}

// Probe checks w_member_social and that the token is still accepted.
func (li *LinkedIn) Probe(ctx context.Context, conn models.PlatformConnection) error {
	if err := requireToken(li.Name(), conn); err != nil {
		return err
	}
	if err := requireAnyScope(li.Name(), conn, "w_member_social"); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, li.base()+"/v2/userinfo", nil)
	if err != nil {
		return &Error{Platform: li.Name(), Kind: KindTransient, Message: "build_request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+conn.AccessToken)
	res, err := do(ctx, li.Name(), li.Client, req)
	if err != nil {
		return err
	}
	if res.status == http.StatusForbidden {
		// userinfo needs openid/profile; a member-social-only token is still usable.
		return nil
	}
	if !res.ok() {
		return linkedInFailure(res)
	}
	return nil
}

var _ Adapter = (*LinkedIn)(nil)
