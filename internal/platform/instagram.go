package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/PortNumber53/publish-enforcer/internal/models"
)

const defaultInstagramBase = "https://graph.instagram.com"

// Instagram publishes through a media container followed by media_publish.
// AccountID is the Instagram professional account id.
type Instagram struct {
	Client       *http.Client
	BaseURL      string
	Version      string
	PollInterval time.Duration
	PollAttempts int
	Now          func() time.Time
}

func (ig *Instagram) Name() models.Platform    { return models.PlatformInstagram }
func (ig *Instagram) RefreshMode() RefreshMode { return RefreshExchange }

func (ig *Instagram) base() string {
	if ig.BaseURL != "" {
		return strings.TrimRight(ig.BaseURL, "/")
	}
	return defaultInstagramBase
}

func (ig *Instagram) versioned() string {
	v := ig.Version
	if v == "" {
		v = "v21.0"
	}
	return ig.base() + "/" + v
}

func isVideoURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch strings.ToLower(path.Ext(u.Path)) {
	case ".mp4", ".mov", ".m4v":
		return true
	}
	return false
}

func (ig *Instagram) Publish(ctx context.Context, conn models.PlatformConnection, post models.Post) (string, error) {
	if err := requireToken(ig.Name(), conn); err != nil {
		return "", err
	}
	if post.MediaURL == nil || strings.TrimSpace(*post.MediaURL) == "" {
		return "", &Error{Platform: ig.Name(), Kind: KindContentRejected, Message: "instagram_requires_media"}
	}
	media := strings.TrimSpace(*post.MediaURL)

	form := url.Values{}
	form.Set("caption", post.Content)
	form.Set("access_token", conn.AccessToken)
	if isVideoURL(media) {
		form.Set("media_type", "REELS")
		form.Set("video_url", media)
	} else {
		form.Set("image_url", media)
	}
	res, err := postForm(ctx, ig.Name(), ig.Client, fmt.Sprintf("%s/%s/media", ig.versioned(), url.PathEscape(conn.AccountID)), form)
	if err != nil {
		return "", err
	}
	if !res.ok() {
		return "", graphFailure(ig.Name(), res)
	}
	containerID := idFromBody(res.body, "id")
	if containerID == "" {
		return "", &Error{Platform: ig.Name(), Kind: KindTransient, Status: res.status, Message: "instagram_missing_container_id"}
	}

	if err := ig.waitForContainer(ctx, conn.AccessToken, containerID); err != nil {
		return "", err
	}

	form = url.Values{}
	form.Set("creation_id", containerID)
	form.Set("access_token", conn.AccessToken)
	res, err = postForm(ctx, ig.Name(), ig.Client, fmt.Sprintf("%s/%s/media_publish", ig.versioned(), url.PathEscape(conn.AccountID)), form)
	if err != nil {
		return "", err
	}
	if !res.ok() {
		return "", graphFailure(ig.Name(), res)
	}
	mediaID := idFromBody(res.body, "id")
	if mediaID == "" {
		return "", &Error{Platform: ig.Name(), Kind: KindTransient, Status: res.status, Message: "instagram_missing_media_id"}
	}
	return mediaID, nil
}

type containerStatus struct {
	StatusCode string `json:"status_code"`
}

func (ig *Instagram) waitForContainer(ctx context.Context, token, containerID string) error {
	interval := ig.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	attempts := ig.PollAttempts
	if attempts <= 0 {
		attempts = 15
	}
	q := url.Values{}
	q.Set("fields", "status_code")
	q.Set("access_token", token)

	last := ""
	for i := 0; i < attempts; i++ {
		res, err := getURL(ctx, ig.Name(), ig.Client, fmt.Sprintf("%s/%s", ig.versioned(), url.PathEscape(containerID)), q)
		if err != nil {
			return err
		}
		if !res.ok() {
			return graphFailure(ig.Name(), res)
		}
		var st containerStatus
		_ = json.Unmarshal(res.body, &st)
		last = strings.ToUpper(strings.TrimSpace(st.StatusCode))
		switch last {
		case "FINISHED", "PUBLISHED":
			return nil
		case "ERROR", "EXPIRED":
			return &Error{Platform: ig.Name(), Kind: KindContentRejected, Message: "instagram_container_" + strings.ToLower(last)}
		}
		select {
		case <-ctx.Done():
			return &Error{Platform: ig.Name(), Kind: KindTransient, Message: "instagram_container_wait_canceled", Err: ctx.Err()}
		case <-time.After(interval):
		}
	}
	return &Error{Platform: ig.Name(), Kind: KindTransient, Message: "instagram_container_not_ready status=" + last}
}

// Refresh extends a long-lived token with ig_refresh_token. The token must still be valid.
func (ig *Instagram) Refresh(ctx context.Context, conn models.PlatformConnection) (Token, error) {
	if err := requireToken(ig.Name(), conn); err != nil {
		return Token{}, err
	}
	q := url.Values{}
	q.Set("grant_type", "ig_refresh_token")
	q.Set("access_token", conn.AccessToken)
	res, err := getURL(ctx, ig.Name(), ig.Client, ig.base()+"/refresh_access_token", q)
	if err != nil {
		return Token{}, err
	}
	return parseExchange(ig.Name(), res, now(ig.Now))
}

func (ig *Instagram) Probe(ctx context.Context, conn models.PlatformConnection) error {
	if err := requireToken(ig.Name(), conn); err != nil {
		return err
	}
	if err := requireAnyScope(ig.Name(), conn, "instagram_business_content_publish", "instagram_content_publish"); err != nil {
		return err
	}
	q := url.Values{}
	q.Set("fields", "user_id,username")
	q.Set("access_token", conn.AccessToken)
	res, err := getURL(ctx, ig.Name(), ig.Client, ig.versioned()+"/me", q)
	if err != nil {
		return err
	}
	if !res.ok() {
		return graphFailure(ig.Name(), res)
	}
	return nil
}

var _ Adapter = (*Instagram)(nil)
