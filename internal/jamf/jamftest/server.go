// Package jamftest provides an in-process fake of the Jamf Pro endpoints the
// mirror uses, for tests.
package jamftest

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/fruitsalade/jamfsync/internal/jamf"
)

const (
	ClientID     = "test-client"
	ClientSecret = "test-secret"
)

// Server is a fake Jamf Pro server backed by in-memory packages.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	nextID    int
	packages  []jamf.Package
	contents  map[string][]byte
	issued    map[string]bool
	expiresIn int64

	tokenRequests  int
	listRequests   int
	downloads      map[string]int
	failures       map[string]int
	authOnDownload bool
}

// NewServer starts a fake server that is closed when the test ends.
func NewServer(t testing.TB) *Server {
	s := &Server{
		contents:  make(map[string][]byte),
		issued:    make(map[string]bool),
		downloads: make(map[string]int),
		failures:  make(map[string]int),
		expiresIn: 1200,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/oauth/token", s.handleToken)
	mux.HandleFunc("/api/v1/packages", s.handlePackages)
	mux.HandleFunc("/api/v1/jcds/files/", s.handleJCDS)
	mux.HandleFunc("/jcds-download/", s.handleDownload)

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// Config returns a client config pointed at the fake server.
func (s *Server) Config() jamf.Config {
	return jamf.Config{
		Endpoint:     s.URL,
		ClientID:     ClientID,
		ClientSecret: ClientSecret,
		HTTPClient:   s.Client(),
	}
}

// SetExpiresIn sets the expires_in value returned for new tokens.
func (s *Server) SetExpiresIn(seconds int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiresIn = seconds
}

// FailNext makes the next n requests to the named endpoint ("token", "list",
// "jcds" or "download") answer with 500.
func (s *Server) FailNext(endpoint string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[endpoint] = n
}

// AddPackage publishes fileName with the given content.
func (s *Server) AddPackage(fileName string, content []byte) jamf.Package {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	pkg := jamf.Package{
		ID:          strconv.Itoa(s.nextID),
		PackageName: strings.TrimSuffix(fileName, ".pkg"),
		FileName:    fileName,
		MD5:         MD5(content),
	}
	s.packages = append(s.packages, pkg)
	s.contents[fileName] = content
	return pkg
}

// SetContent replaces the content of a published package and its md5.
func (s *Server) SetContent(fileName string, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.packages {
		if s.packages[i].FileName == fileName {
			s.packages[i].MD5 = MD5(content)
		}
	}
	s.contents[fileName] = content
}

// RemovePackage unpublishes fileName.
func (s *Server) RemovePackage(fileName string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.packages[:0]
	for _, p := range s.packages {
		if p.FileName != fileName {
			kept = append(kept, p)
		}
	}
	s.packages = kept
	delete(s.contents, fileName)
}

// TokenRequests returns how many tokens were requested.
func (s *Server) TokenRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenRequests
}

// ListRequests returns how many package pages were requested.
func (s *Server) ListRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listRequests
}

// Downloads returns how many times fileName was downloaded.
func (s *Server) Downloads(fileName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.downloads[fileName]
}

// TotalDownloads returns the number of downloads across all files.
func (s *Server) TotalDownloads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.downloads {
		n += c
	}
	return n
}

// SawAuthOnDownload reports whether any download request carried an
// Authorization header.
func (s *Server) SawAuthOnDownload() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authOnDownload
}

// MD5 returns the lower-case hex md5 of b.
func MD5(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func (s *Server) shouldFail(endpoint string) bool {
	if s.failures[endpoint] > 0 {
		s.failures[endpoint]--
		return true
	}
	return false
}

func (s *Server) authorized(r *http.Request) bool {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return s.issued[token]
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	s.tokenRequests++
	if s.shouldFail("token") {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if r.PostForm.Get("grant_type") != "client_credentials" ||
		r.PostForm.Get("client_id") != ClientID ||
		r.PostForm.Get("client_secret") != ClientSecret {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"invalid_client"}`)
		return
	}

	token := fmt.Sprintf("token-%d", s.tokenRequests)
	s.issued[token] = true
	writeJSON(w, map[string]any{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   s.expiresIn,
	})
}

func (s *Server) handlePackages(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.listRequests++
	if !s.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if s.shouldFail("list") {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	size, err := strconv.Atoi(q.Get("page-size"))
	if err != nil || size <= 0 || q.Get("sort") != "id:asc" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	start := page * size
	end := start + size
	if start > len(s.packages) {
		start = len(s.packages)
	}
	if end > len(s.packages) {
		end = len(s.packages)
	}

	writeJSON(w, jamf.PackageList{
		TotalCount: len(s.packages),
		Results:    append([]jamf.Package{}, s.packages[start:end]...),
	})
}

func (s *Server) handleJCDS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if s.shouldFail("jcds") {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/api/v1/jcds/files/")
	if _, ok := s.contents[name]; !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]string{
		"uri": s.URL + "/jcds-download/" + url.PathEscape(name) + "?X-Amz-Signature=fake",
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.Header.Get("Authorization") != "" {
		s.authOnDownload = true
	}
	if s.shouldFail("download") {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/jcds-download/")
	content, ok := s.contents[name]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	s.downloads[name]++
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(content)))
	w.Write(content)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
