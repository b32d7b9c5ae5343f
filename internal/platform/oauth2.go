package platform

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/PortNumber53/publish-enforcer/internal/models"
	"golang.org/x/oauth2"
)

// refreshOAuth2 redeems the stored refresh token at the provider's token endpoint.
// A provider that does not rotate refresh tokens keeps the old one.
func refreshOAuth2(ctx context.Context, p models.Platform, client *http.Client, cfg oauth2.Config, conn models.PlatformConnection) (Token, error) {
	if !conn.HasRefreshToken() {
		return Token{}, &Error{Platform: p, Kind: KindInvalidToken, Message: "missing_refresh_token"}
	}
	if client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, client)
	}
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: *conn.RefreshToken, Expiry: time.Unix(1, 0)})
	t, err := src.Token()
	if err != nil {
		return Token{}, oauth2Failure(p, err)
	}

	out := Token{AccessToken: t.AccessToken, RefreshToken: t.RefreshToken}
	if out.RefreshToken == "" {
		out.RefreshToken = *conn.RefreshToken
	}
	if !t.Expiry.IsZero() {
		exp := t.Expiry.UTC()
		out.ExpiresAt = &exp
	}
	if s, ok := t.Extra("scope").(string); ok {
		out.Scope = strings.TrimSpace(s)
	}
	return out, nil
}

func oauth2Failure(p models.Platform, err error) *Error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return &Error{Platform: p, Kind: KindTransient, Message: "refresh_failed", Err: err}
	}
	status := 0
	if re.Response != nil {
		status = re.Response.StatusCode
	}
	msg := strings.TrimSpace(re.ErrorCode + " " + re.ErrorDescription)
	if msg == "" {
		msg = truncate(string(re.Body), 400)
	}
	kind := kindForStatus(status)
	switch re.ErrorCode {
	case "invalid_grant", "invalid_token", "unauthorized_client", "invalid_client":
		kind = KindInvalidToken
	case "invalid_scope", "insufficient_scope":
		kind = KindMissingScope
	}
	if kind == KindContentRejected {
		// A 400 from a token endpoint is about the credentials, not about content.
		kind = KindInvalidToken
	}
	return &Error{Platform: p, Kind: kind, Status: status, Message: msg, Err: err}
}
