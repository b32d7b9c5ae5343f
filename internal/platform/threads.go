package platform

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PortNumber53/publish-enforcer/internal/models"
)

const defaultThreadsBase = "https://graph.threads.net"

// Threads creates a container then publishes it. Text-only posts are allowed.
type Threads struct {
	Client  *http.Client
	BaseURL string
	Now     func() time.Time
}

func (th *Threads) Name() models.Platform    { return models.PlatformThreads }
func (th *Threads) RefreshMode() RefreshMode { return RefreshExchange }

func (th *Threads) base() string {
	if th.BaseURL != "" {
		return strings.TrimRight(th.BaseURL, "/")
	}
	return defaultThreadsBase
}

func (th *Threads) userPath(conn models.PlatformConnection) string {
	id := strings.TrimSpace(conn.AccountID)
	if id == "" {
		id = "me"
	}
	return fmt.Sprintf("%s/v1.0/%s", th.base(), url.PathEscape(id))
}

func (th *Threads) Publish(ctx context.Context, conn models.PlatformConnection, post models.Post) (string, error) {
	if err := requireToken(th.Name(), conn); err != nil {
		return "", err
	}
	form := url.Values{}
	form.Set("text", post.Content)
	form.Set("access_token", conn.AccessToken)
	if post.MediaURL != nil && strings.TrimSpace(*post.MediaURL) != "" {
		media := strings.TrimSpace(*post.MediaURL)
		if isVideoURL(media) {
			form.Set("media_type", "VIDEO")
			form.Set("video_url", media)
		} else {
			form.Set("media_type", "IMAGE")
			form.Set("image_url", media)
		}
	} else {
		form.Set("media_type", "TEXT")
	}

	res, err := postForm(ctx, th.Name(), th.Client, th.userPath(conn)+"/threads", form)
	if err != nil {
		return "", err
	}
	if !res.ok() {
		return "", graphFailure(th.Name(), res)
	}
	creationID := idFromBody(res.body, "id")
	if creationID == "" {
		return "", &Error{Platform: th.Name(), Kind: KindTransient, Status: res.status, Message: "threads_missing_creation_id"}
	}

	form = url.Values{}
	form.Set("creation_id", creationID)
	form.Set("access_token", conn.AccessToken)
	res, err = postForm(ctx, th.Name(), th.Client, th.userPath(conn)+"/threads_publish", form)
	if err != nil {
		return "", err
	}
	if !res.ok() {
		return "", graphFailure(th.Name(), res)
	}
	id := idFromBody(res.body, "id")
	if id == "" {
		return "", &Error{Platform: th.Name(), Kind: KindTransient, Status: res.status, Message: "threads_missing_post_id"}
	}
	return id, nil
}

// Refresh extends a long-lived token with th_refresh_token.
func (th *Threads) Refresh(ctx context.Context, conn models.PlatformConnection) (Token, error) {
	if err := requireToken(th.Name(), conn); err != nil {
		return Token{}, err
	}
	q := url.Values{}
	q.Set("grant_type", "th_refresh_token")
	q.Set("access_token", conn.AccessToken)
	res, err := getURL(ctx, th.Name(), th.Client, th.base()+"/refresh_access_token", q)
	if err != nil {
		return Token{}, err
	}
	return parseExchange(th.Name(), res, now(th.Now))
}

func (th *Threads) Probe(ctx context.Context, conn models.PlatformConnection) error {
	if err := requireToken(th.Name(), conn); err != nil {
		return err
	}
	if err := requireAnyScope(th.Name(), conn, "threads_content_publish"); err != nil {
		return err
	}
	q := url.Values{}
	q.Set("fields", "id")
	q.Set("access_token", conn.AccessToken)
	res, err := getURL(ctx, th.Name(), th.Client, th.base()+"/v1.0/me", q)
	if err != nil {
		return err
	}
	if !res.ok() {
		return graphFailure(th.Name(), res)
	}
	return nil
}

var _ Adapter = (*Threads)(nil)
