package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PortNumber53/publish-enforcer/internal/models"
)

const defaultFacebookBase = "https://graph.facebook.com/v18.0"

// Facebook publishes to a page feed. AccountID is the page id and the access
// token is the page token.
type Facebook struct {
	Client    *http.Client
	BaseURL   string
	AppID     string
	AppSecret string
	Now       func() time.Time
}

func (f *Facebook) Name() models.Platform    { return models.PlatformFacebook }
func (f *Facebook) RefreshMode() RefreshMode { return RefreshExchange }

func (f *Facebook) base() string {
	if f.BaseURL != "" {
		return strings.TrimRight(f.BaseURL, "/")
	}
	return defaultFacebookBase
}

func (f *Facebook) Publish(ctx context.Context, conn models.PlatformConnection, post models.Post) (string, error) {
	if err := requireToken(f.Name(), conn); err != nil {
		return "", err
	}
	if strings.TrimSpace(conn.AccountID) == "" {
		return "", &Error{Platform: f.Name(), Kind: KindInvalidToken, Message: "missing_page_id"}
	}

	form := url.Values{}
	form.Set("access_token", conn.AccessToken)
	endpoint := fmt.Sprintf("%s/%s/feed", f.base(), url.PathEscape(conn.AccountID))
	if post.MediaURL != nil && strings.TrimSpace(*post.MediaURL) != "" {
		// Photo by URL creates the photo post in one call.
		endpoint = fmt.Sprintf("%s/%s/photos", f.base(), url.PathEscape(conn.AccountID))
		form.Set("url", strings.TrimSpace(*post.MediaURL))
		form.Set("caption", post.Content)
		form.Set("published", "true")
	} else {
		form.Set("message", post.Content)
	}

	res, err := postForm(ctx, f.Name(), f.Client, endpoint, form)
	if err != nil {
		return "", err
	}
	if !res.ok() {
		return "", graphFailure(f.Name(), res)
	}
	id := idFromBody(res.body, "post_id", "id")
	if id == "" {
		return "", &Error{Platform: f.Name(), Kind: KindTransient, Status: res.status, Message: "facebook_missing_post_id"}
	}
	return id, nil
}

// Refresh exchanges the current token for a long-lived one via fb_exchange_token.
func (f *Facebook) Refresh(ctx context.Context, conn models.PlatformConnection) (Token, error) {
	if err := requireToken(f.Name(), conn); err != nil {
		return Token{}, err
	}
	if f.AppID == "" || f.AppSecret == "" {
		return Token{}, &Error{Platform: f.Name(), Kind: KindInvalidToken, Message: "facebook_app_not_configured"}
	}
	q := url.Values{}
	q.Set("grant_type", "fb_exchange_token")
	q.Set("client_id", f.AppID)
	q.Set("client_secret", f.AppSecret)
	q.Set("fb_exchange_token", conn.AccessToken)
	res, err := getURL(ctx, f.Name(), f.Client, f.base()+"/oauth/access_token", q)
	if err != nil {
		return Token{}, err
	}
	return parseExchange(f.Name(), res, now(f.Now))
}

type fbPermissions struct {
	Data []struct {
		Permission string `json:"permission"`
		Status     string `json:"status"`
	} `json:"data"`
}

// Probe requires pages_manage_posts to be granted.
func (f *Facebook) Probe(ctx context.Context, conn models.PlatformConnection) error {
	if err := requireToken(f.Name(), conn); err != nil {
		return err
	}
	q := url.Values{}
	q.Set("access_token", conn.AccessToken)
	res, err := getURL(ctx, f.Name(), f.Client, f.base()+"/me/permissions", q)
	if err != nil {
		return err
	}
	if !res.ok() {
		return graphFailure(f.Name(), res)
	}
	var perms fbPermissions
	if err := json.Unmarshal(res.body, &perms); err != nil {
		return &Error{Platform: f.Name(), Kind: KindTransient, Status: res.status, Message: "facebook_invalid_permissions_body", Err: err}
	}
	for _, p := range perms.Data {
		if p.Permission == "pages_manage_posts" && p.Status == "granted" {
			return nil
		}
	}
	return &Error{Platform: f.Name(), Kind: KindMissingScope, Status: res.status, Message: "missing_scope required=pages_manage_posts"}
}

func now(fn func() time.Time) time.Time {
	if fn != nil {
		return fn()
	}
	return time.Now()
}

var _ Adapter = (*Facebook)(nil)
