// Copyright (C) 2024 Stashpost, Inc.
// See LICENSE for copying information.

package deviantart_test

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"storj.io/common/testcontext"
	"storj.io/common/testrand"

	"github.com/stashpost/stashpost/publisher/deviantart"
)

func TestSanitizeTags(t *testing.T) {
	require.Equal(t,
		[]string{"digital_art", "tagwithdash", "tagspecial"},
		deviantart.SanitizeTags([]string{"digital art", "tag-with-dash", "tag@special!"}))

	require.Equal(t, "", deviantart.SanitizeTag("---"))
	require.Equal(t, "__", deviantart.SanitizeTag("  "))
	require.Empty(t, deviantart.SanitizeTags([]string{"---", "!!!"}))
}

func TestRefreshToken(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/oauth2/token", r.URL.Path)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		require.Equal(t, "old-refresh", r.PostForm.Get("refresh_token"))
		require.Equal(t, "app-id", r.PostForm.Get("client_id"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"new-access","refresh_token":"new-refresh","expires_in":3600}`))
	}))
	defer server.Close()

	client := deviantart.NewClient(deviantart.Config{
		Endpoint:       server.URL,
		ClientID:       "app-id",
		ClientSecret:   "app-secret",
		RequestTimeout: time.Second,
		UploadTimeout:  time.Second,
	})

	response, err := client.RefreshToken(ctx, "old-refresh")
	require.NoError(t, err)
	require.Equal(t, "new-access", response.AccessToken)
	require.Equal(t, "new-refresh", response.RefreshToken)
	require.Equal(t, 3600, response.ExpiresIn)
}

func TestStashSubmitAndPublish(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/oauth2/stash/submit":
			require.Equal(t, "Bearer token", r.Header.Get("Authorization"))
			require.NoError(t, r.ParseMultipartForm(1<<20))
			require.Equal(t, "winter piece", r.MultipartForm.Value["title"][0])
			file, header, err := r.FormFile("file")
			require.NoError(t, err)
			require.Equal(t, "art.png", header.Filename)
			require.NoError(t, file.Close())

			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"success","itemid":12345678}`))

		case "/api/v1/oauth2/stash/publish":
			require.NoError(t, r.ParseForm())
			require.Equal(t, "12345678", r.PostForm.Get("itemid"))
			require.Equal(t, []string{"digital_art", "tagwithdash"}, r.PostForm["tags[]"])
			require.Equal(t, "true", r.PostForm.Get("is_dirty"))
			require.Equal(t, "true", r.PostForm.Get("is_mature"))
			require.Equal(t, "moderate", r.PostForm.Get("mature_level"))

			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"success","deviationid":987654}`))

		default:
			t.Errorf("unexpected path %q", r.URL.Path)
		}
	}))
	defer server.Close()

	client := deviantart.NewClient(deviantart.Config{
		Endpoint:       server.URL,
		RequestTimeout: time.Second,
		UploadTimeout:  time.Second,
	})

	itemID, err := client.StashSubmit(ctx, "token", deviantart.SubmitParams{
		Filename: "art.png",
		MimeType: "image/png",
		Body:     bytes.NewReader(testrand.BytesInt(4096)),
		Title:    "winter piece",
	})
	require.NoError(t, err)
	require.Equal(t, "12345678", itemID)

	result, err := client.StashPublish(ctx, "token", deviantart.PublishParams{
		ItemID:      itemID,
		Tags:        []string{"digital art", "tag-with-dash"},
		Mature:      true,
		MatureLevel: "moderate",
	})
	require.NoError(t, err)
	require.Equal(t, "987654", result.DeviationID)
	require.Equal(t, "https://www.deviantart.com/deviation/987654", result.URL)
}

func TestErrorClassification(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	status := http.StatusOK
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "30")
			w.Header().Set("X-RateLimit-Remaining", "0")
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":"nope"}`))
	}))
	defer server.Close()

	client := deviantart.NewClient(deviantart.Config{
		Endpoint:       server.URL,
		RequestTimeout: time.Second,
		UploadTimeout:  time.Second,
	})

	status = http.StatusBadRequest
	_, err := client.Whoami(ctx, "token")
	require.True(t, deviantart.ErrValidation.Has(err))
	require.False(t, deviantart.IsRetryable(err))

	status = http.StatusUnauthorized
	_, err = client.Whoami(ctx, "token")
	require.True(t, deviantart.ErrAuth.Has(err))
	require.False(t, deviantart.IsRetryable(err))

	status = http.StatusForbidden
	_, err = client.Whoami(ctx, "token")
	require.True(t, deviantart.ErrPermission.Has(err))

	status = http.StatusTooManyRequests
	_, err = client.Whoami(ctx, "token")
	require.True(t, deviantart.ErrRateLimited.Has(err))
	require.True(t, deviantart.IsRateLimit(err))
	require.True(t, deviantart.IsRetryable(err))
	require.Equal(t, 30*time.Second, deviantart.RetryAfterHint(err))

	status = http.StatusInternalServerError
	_, err = client.Whoami(ctx, "token")
	require.True(t, deviantart.ErrServer.Has(err))
	require.True(t, deviantart.IsRetryable(err))
}

func TestIsRateLimitFromMessage(t *testing.T) {
	require.True(t, deviantart.IsRateLimit(deviantart.Error.New("got 429 from upstream")))
	require.True(t, deviantart.IsRateLimit(deviantart.Error.New("hit the rate limit")))
	require.False(t, deviantart.IsRateLimit(deviantart.Error.New("boom")))
	require.False(t, deviantart.IsRateLimit(nil))
}

