// Package platformtest provides a scriptable platform.Adapter for tests.
package platformtest

import (
	"context"
	"sync"

	"github.com/PortNumber53/publish-enforcer/internal/models"
	"github.com/PortNumber53/publish-enforcer/internal/platform"
)

type Adapter struct {
	Platform models.Platform
	Mode     platform.RefreshMode

	PublishFunc func(ctx context.Context, conn models.PlatformConnection, post models.Post) (string, error)
	RefreshFunc func(ctx context.Context, conn models.PlatformConnection) (platform.Token, error)
	ProbeFunc   func(ctx context.Context, conn models.PlatformConnection) error

	mu        sync.Mutex
	published []string
	refreshes int
	probes    int
}

func New(p models.Platform) *Adapter {
	return &Adapter{Platform: p, Mode: platform.RefreshOAuth2}
}

func (a *Adapter) Name() models.Platform { return a.Platform }

func (a *Adapter) RefreshMode() platform.RefreshMode {
	if a.Mode == "" {
		return platform.RefreshNone
	}
	return a.Mode
}

// Publish defaults to success with id "<platform>_<postID>".
func (a *Adapter) Publish(ctx context.Context, conn models.PlatformConnection, post models.Post) (string, error) {
	id := string(a.Platform) + "_" + post.ID
	if a.PublishFunc != nil {
		var err error
		id, err = a.PublishFunc(ctx, conn, post)
		if err != nil {
			return "", err
		}
	}
	a.mu.Lock()
	a.published = append(a.published, post.ID)
	a.mu.Unlock()
	return id, nil
}

func (a *Adapter) Refresh(ctx context.Context, conn models.PlatformConnection) (platform.Token, error) {
	a.mu.Lock()
	a.refreshes++
	a.mu.Unlock()
	if a.RefreshFunc != nil {
		return a.RefreshFunc(ctx, conn)
	}
	return platform.Token{}, &platform.Error{Platform: a.Platform, Kind: platform.KindInvalidToken, Message: "refresh_not_scripted"}
}

func (a *Adapter) Probe(ctx context.Context, conn models.PlatformConnection) error {
	a.mu.Lock()
	a.probes++
	a.mu.Unlock()
	if a.ProbeFunc != nil {
		return a.ProbeFunc(ctx, conn)
	}
	return nil
}

// Published lists post ids that reached the platform successfully.
func (a *Adapter) Published() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.published...)
}

func (a *Adapter) Refreshes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refreshes
}

func (a *Adapter) Probes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.probes
}

var _ platform.Adapter = (*Adapter)(nil)
