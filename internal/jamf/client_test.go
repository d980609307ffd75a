package jamf_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/jamfsync/internal/jamf"
	"github.com/fruitsalade/jamfsync/internal/jamf/jamftest"
	"github.com/fruitsalade/jamfsync/internal/retry"
)

func TestAuthenticate_Success(t *testing.T) {
	srv := jamftest.NewServer(t)
	srv.SetExpiresIn(60)
	clock := clockwork.NewFakeClock()

	cfg := srv.Config()
	cfg.Clock = clock
	c := jamf.New(cfg)

	tok, err := c.Tokens().Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-1", tok.AccessToken)
	assert.Equal(t, clock.Now().Add(60*time.Second), tok.ExpiresAt)
	assert.Equal(t, tok, c.Tokens().Current())
}

func TestAuthenticate_Rejected(t *testing.T) {
	srv := jamftest.NewServer(t)
	cfg := srv.Config()
	cfg.ClientSecret = "wrong"
	c := jamf.New(cfg)

	_, err := c.Tokens().Authenticate(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, jamf.ErrAuth)

	var apiErr *jamf.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestAuthenticate_MalformedPayload(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: "<html>"},
		{name: "missing token", body: `{"expires_in": 60}`},
		{name: "missing expiry", body: `{"access_token": "abc"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tt.body)
			}))
			defer ts.Close()

			c := jamf.New(jamf.Config{Endpoint: ts.URL, ClientID: "id", ClientSecret: "secret"})
			_, err := c.Tokens().Authenticate(context.Background())
			assert.ErrorIs(t, err, jamf.ErrAuth)
		})
	}
}

func TestToken_ReusedUntilExpiryThenRefreshedOnce(t *testing.T) {
	srv := jamftest.NewServer(t)
	srv.SetExpiresIn(300)
	clock := clockwork.NewFakeClock()

	cfg := srv.Config()
	cfg.Clock = clock
	c := jamf.New(cfg)
	ctx := context.Background()

	_, err := c.ListPackages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, srv.TokenRequests())

	// Every call strictly before T reuses the first token.
	clock.Advance(299 * time.Second)
	for i := 0; i < 3; i++ {
		_, err := c.ListPackages(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, srv.TokenRequests())

	// The first call at T refreshes, later calls reuse the new token.
	clock.Advance(time.Second)
	_, err = c.ListPackages(ctx)
	require.NoError(t, err)
	_, err = c.ListPackages(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, srv.TokenRequests())
	assert.Equal(t, "token-2", c.Tokens().Current().AccessToken)
}

func TestListPackages_Paginates(t *testing.T) {
	srv := jamftest.NewServer(t)
	for i := 0; i < 7; i++ {
		srv.AddPackage(fmt.Sprintf("pkg-%d.pkg", i), []byte{byte(i)})
	}

	cfg := srv.Config()
	cfg.PageSize = 3
	c := jamf.New(cfg)

	pkgs, err := c.ListPackages(context.Background())
	require.NoError(t, err)
	require.Len(t, pkgs, 7)
	for i, p := range pkgs {
		assert.Equal(t, fmt.Sprintf("pkg-%d.pkg", i), p.FileName)
	}
	// Pages 0..2 hold 3+3+1 records; totalCount ends the loop.
	assert.Equal(t, 3, srv.ListRequests())
}

func TestListPackages_StopsOnEmptyPage(t *testing.T) {
	var pages []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/oauth/token":
			fmt.Fprint(w, `{"access_token":"t","expires_in":60}`)
		case "/api/v1/packages":
			page := r.URL.Query().Get("page")
			pages = append(pages, page)
			list := jamf.PackageList{}
			if page == "0" {
				list.Results = []jamf.Package{{ID: "1", FileName: "a.pkg", MD5: "X"}}
			}
			json.NewEncoder(w).Encode(list)
		}
	}))
	defer ts.Close()

	c := jamf.New(jamf.Config{Endpoint: ts.URL, ClientID: "id", ClientSecret: "secret", PageSize: 1})
	pkgs, err := c.ListPackages(context.Background())
	require.NoError(t, err)
	require.Len(t, pkgs, 1)
	assert.Equal(t, "x", pkgs[0].Checksum())
	assert.Equal(t, []string{"0", "1"}, pages)
}

func TestListPackages_StopsOnShortPage(t *testing.T) {
	// A server that ignores page and omits totalCount.
	var requests int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/oauth/token":
			fmt.Fprint(w, `{"access_token":"t","expires_in":60}`)
		case "/api/v1/packages":
			requests++
			json.NewEncoder(w).Encode(jamf.PackageList{Results: []jamf.Package{
				{ID: "1", FileName: "a.pkg"},
				{ID: "2", FileName: "b.pkg"},
			}})
		}
	}))
	defer ts.Close()

	c := jamf.New(jamf.Config{Endpoint: ts.URL, ClientID: "id", ClientSecret: "secret", PageSize: 3})
	pkgs, err := c.ListPackages(context.Background())
	require.NoError(t, err)
	assert.Len(t, pkgs, 2)
	assert.Equal(t, 1, requests)
}

func TestListPackages_ErrorAborts(t *testing.T) {
	srv := jamftest.NewServer(t)
	srv.AddPackage("a.pkg", []byte("a"))
	srv.FailNext("list", 1)

	c := jamf.New(srv.Config())
	_, err := c.ListPackages(context.Background())
	require.Error(t, err)

	var apiErr *jamf.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Equal(t, 1, srv.ListRequests(), "no retry by default")
}

func TestListPackages_RetriesWhenConfigured(t *testing.T) {
	srv := jamftest.NewServer(t)
	srv.AddPackage("a.pkg", []byte("a"))
	srv.FailNext("list", 2)

	cfg := srv.Config()
	cfg.RetryConfig = retry.Config{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: time.Millisecond, Multiplier: 1}
	c := jamf.New(cfg)

	pkgs, err := c.ListPackages(context.Background())
	require.NoError(t, err)
	assert.Len(t, pkgs, 1)
}

func TestDownload_StreamsWithoutBearer(t *testing.T) {
	srv := jamftest.NewServer(t)
	srv.AddPackage("Firefox 120.pkg", []byte("firefox bytes"))

	c := jamf.New(srv.Config())
	body, size, err := c.Download(context.Background(), "Firefox 120.pkg")
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "firefox bytes", string(data))
	assert.Equal(t, int64(len("firefox bytes")), size)
	assert.False(t, srv.SawAuthOnDownload())
	assert.Equal(t, 1, srv.Downloads("Firefox 120.pkg"))
}

func TestDownload_UnknownFile(t *testing.T) {
	srv := jamftest.NewServer(t)
	c := jamf.New(srv.Config())

	_, _, err := c.Download(context.Background(), "missing.pkg")
	var apiErr *jamf.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestPackageChecksum(t *testing.T) {
	assert.Equal(t, "abc", jamf.Package{MD5: "ABC"}.Checksum())
	assert.Equal(t, "def", jamf.Package{HashType: "MD5", HashValue: "DEF"}.Checksum())
	assert.Empty(t, jamf.Package{HashType: "SHA_512", HashValue: "123"}.Checksum())
}
