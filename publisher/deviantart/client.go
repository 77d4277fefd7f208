// Copyright (C) 2024 Stashpost, Inc.
// See LICENSE for copying information.

// Package deviantart is the client for the upstream publication API.
// It covers exactly the endpoints the publisher core needs: token refresh,
// identity, stash upload, stash publish and deviation metadata.
package deviantart

import (
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	mon = monkit.Package()

	// Error is the default error class for this package.
	Error = errs.Class("deviantart client")
)

// DefaultDeviationURL returns the canonical deviation URL used when upstream
// omits one in the publish response.
func DefaultDeviationURL(deviationID string) string {
	return "https://www.deviantart.com/deviation/" + deviationID
}

// Config holds client configuration.
type Config struct {
	Endpoint       string        `help:"base URL of the upstream API" default:"https://www.deviantart.com"`
	ClientID       string        `help:"oauth2 application client id" default:""`
	ClientSecret   string        `help:"oauth2 application client secret" default:""`
	RequestTimeout time.Duration `help:"timeout for upstream read requests" default:"10s"`
	UploadTimeout  time.Duration `help:"timeout for upstream upload requests" default:"2m0s"`
}

// Client talks to the upstream API.
//
// architecture: Client
type Client struct {
	config Config
	http   *http.Client
	upload *http.Client
}

// NewClient constructs an upstream client.
func NewClient(config Config) *Client {
	return &Client{
		config: config,
		http:   &http.Client{Timeout: config.RequestTimeout},
		upload: &http.Client{Timeout: config.UploadTimeout},
	}
}

// TokenResponse is the upstream token refresh result.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// RefreshToken exchanges a refresh token for a fresh token pair.
func (client *Client) RefreshToken(ctx context.Context, refreshToken string) (_ TokenResponse, err error) {
	defer mon.Task()(&ctx)(&err)

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", client.config.ClientID)
	form.Set("client_secret", client.config.ClientSecret)

	var response TokenResponse
	err = client.postForm(ctx, client.http, "/oauth2/token", form, &response)
	if err != nil {
		return TokenResponse{}, err
	}
	if response.AccessToken == "" {
		return TokenResponse{}, Error.New("token response missing access_token")
	}
	return response, nil
}

// WhoamiResponse is the upstream identity result.
type WhoamiResponse struct {
	UserID   string `json:"userid"`
	Username string `json:"username"`
}

// Whoami returns the identity behind an access token.
func (client *Client) Whoami(ctx context.Context, accessToken string) (_ WhoamiResponse, err error) {
	defer mon.Task()(&ctx)(&err)

	var response WhoamiResponse
	err = client.getJSON(ctx, accessToken, "/api/v1/oauth2/user/whoami", nil, &response)
	return response, err
}

// SubmitParams describes one stash upload.
type SubmitParams struct {
	Filename       string
	MimeType       string
	Body           io.Reader
	Title          string
	ArtistComments string
}

// StashSubmit uploads a file to the upstream staging area and returns the
// stash item id referring to it.
func (client *Client) StashSubmit(ctx context.Context, accessToken string, params SubmitParams) (itemID string, err error) {
	defer mon.Task()(&ctx)(&err)

	pipeReader, pipeWriter := io.Pipe()
	writer := multipart.NewWriter(pipeWriter)

	go func() {
		var err error
		defer func() { _ = pipeWriter.CloseWithError(err) }()

		if params.Title != "" {
			if err = writer.WriteField("title", params.Title); err != nil {
				return
			}
		}
		if params.ArtistComments != "" {
			if err = writer.WriteField("artist_comments", params.ArtistComments); err != nil {
				return
			}
		}
		var part io.Writer
		part, err = writer.CreateFormFile("file", params.Filename)
		if err != nil {
			return
		}
		if _, err = io.Copy(part, params.Body); err != nil {
			return
		}
		err = writer.Close()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, client.config.Endpoint+"/api/v1/oauth2/stash/submit", pipeReader)
	if err != nil {
		return "", Error.Wrap(err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+accessToken)

	var response struct {
		Status  string      `json:"status"`
		ItemID  json.Number `json:"itemid"`
		StackID json.Number `json:"stackid"`
	}
	if err := client.do(client.upload, req, &response); err != nil {
		return "", err
	}

	// upstream reports either an item or a stack id depending on stash state
	switch {
	case response.ItemID.String() != "":
		return response.ItemID.String(), nil
	case response.StackID.String() != "":
		return response.StackID.String(), nil
	default:
		return "", Error.New("stash submit response missing itemid and stackid")
	}
}

// PublishParams describes one stash publish call.
type PublishParams struct {
	ItemID string

	Tags       []string
	GalleryIDs []string

	Mature      bool
	MatureLevel string

	AllowComments     bool
	AllowFreeDownload bool
	AddWatermark      bool
	DisplayResolution int
}

// PublishResponse is the upstream publish result.
type PublishResponse struct {
	DeviationID string
	URL         string
}

// StashPublish publishes a previously uploaded stash item as a deviation.
func (client *Client) StashPublish(ctx context.Context, accessToken string, params PublishParams) (_ PublishResponse, err error) {
	defer mon.Task()(&ctx)(&err)

	form := url.Values{}
	form.Set("itemid", params.ItemID)
	form.Set("is_mature", strconv.FormatBool(params.Mature))
	if params.Mature && params.MatureLevel != "" {
		form.Set("mature_level", params.MatureLevel)
	}
	for _, tag := range SanitizeTags(params.Tags) {
		form.Add("tags[]", tag)
	}
	for _, galleryID := range params.GalleryIDs {
		form.Add("galleryids[]", galleryID)
	}
	form.Set("allow_comments", strconv.FormatBool(params.AllowComments))
	form.Set("allow_free_download", strconv.FormatBool(params.AllowFreeDownload))
	form.Set("add_watermark", strconv.FormatBool(params.AddWatermark))
	if params.DisplayResolution > 0 {
		form.Set("display_resolution", strconv.Itoa(params.DisplayResolution))
	}
	if len(params.Tags) > 0 || len(params.GalleryIDs) > 0 {
		form.Set("is_dirty", "true")
	}

	var response struct {
		Status      string      `json:"status"`
		DeviationID json.Number `json:"deviationid"`
		URL         string      `json:"url"`
	}
	err = client.postFormAuth(ctx, accessToken, "/api/v1/oauth2/stash/publish", form, &response)
	if err != nil {
		return PublishResponse{}, err
	}
	if response.DeviationID.String() == "" {
		return PublishResponse{}, Error.New("publish response missing deviationid")
	}

	result := PublishResponse{
		DeviationID: response.DeviationID.String(),
		URL:         response.URL,
	}
	if result.URL == "" {
		result.URL = DefaultDeviationURL(result.DeviationID)
	}
	return result, nil
}

// DeviationMetadata fetches metadata for the given deviation ids.
func (client *Client) DeviationMetadata(ctx context.Context, accessToken string, deviationIDs []string) (_ json.RawMessage, err error) {
	defer mon.Task()(&ctx)(&err)

	query := url.Values{}
	for _, id := range deviationIDs {
		query.Add("deviationids[]", id)
	}

	var response json.RawMessage
	err = client.getJSON(ctx, accessToken, "/api/v1/oauth2/deviation/metadata", query, &response)
	return response, err
}

func (client *Client) getJSON(ctx context.Context, accessToken, path string, query url.Values, out interface{}) error {
	endpoint := client.config.Endpoint + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	return client.do(client.http, req, out)
}

func (client *Client) postForm(ctx context.Context, httpClient *http.Client, path string, form url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, client.config.Endpoint+path, strings.NewReader(form.Encode()))
	if err != nil {
		return Error.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return client.do(httpClient, req, out)
}

func (client *Client) postFormAuth(ctx context.Context, accessToken, path string, form url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, client.config.Endpoint+path, strings.NewReader(form.Encode()))
	if err != nil {
		return Error.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	return client.do(client.http, req, out)
}

func (client *Client) do(httpClient *http.Client, req *http.Request, out interface{}) error {
	resp, err := httpClient.Do(req)
	if err != nil {
		return ErrTransient.Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ErrTransient.Wrap(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiErrorFromResponse(resp.StatusCode, body, resp.Header)
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(strings.NewReader(string(body)))
	decoder.UseNumber()
	if err := decoder.Decode(out); err != nil {
		return Error.New("undecodable response body: %v", err)
	}
	return nil
}
