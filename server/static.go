package server

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// handleStatic serves the web client. The index page always carries a
// freshly issued nonce; other paths are plain assets.
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Path
	if p == "/" || p == "/index.html" {
		s.serveIndex(w)
		return
	}

	name := filepath.Join(s.staticDir, filepath.Clean(p))
	if fi, err := os.Stat(name); err != nil || fi.IsDir() {
		s.handleNotFound(w, r)
		return
	}
	http.ServeFile(w, r, name)
}

func (s *Server) serveIndex(w http.ResponseWriter) {
	page, err := os.ReadFile(filepath.Join(s.staticDir, "index.html"))
	if err != nil {
		s.logger.Errorf("could not read index page: %v", err)
		s.writeError(w, http.StatusInternalServerError, "ConfigurationError", "MISSING_INDEX",
			"index page is not available")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(injectNonce(page, s.nonces.Issue()))
}

// devProxy forwards page requests to a front-end dev server, injecting a
// nonce into any HTML it returns so the dev workflow matches production.
func (s *Server) devProxy(target *url.URL) http.Handler {
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ModifyResponse = func(resp *http.Response) error {
		if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
			return nil
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		_ = resp.Body.Close()

		body = injectNonce(body, s.nonces.Issue())
		resp.Body = io.NopCloser(bytes.NewReader(body))
		resp.ContentLength = int64(len(body))
		resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
		return nil
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		s.logger.Errorf("dev server proxy error: %v", err)
		s.writeError(w, http.StatusBadGateway, "ConfigurationError", "DEV_SERVER_UNREACHABLE",
			"front-end dev server is not reachable")
	}
	return proxy
}

// injectNonce embeds a freshly issued nonce as a meta tag so the page can
// exchange it for a session token.
func injectNonce(page []byte, n string) []byte {
	tag := fmt.Sprintf(`<meta name="session-nonce" content=%q>`, n)
	if i := bytes.Index(page, []byte("</head>")); i >= 0 {
		var b bytes.Buffer
		b.Grow(len(page) + len(tag))
		b.Write(page[:i])
		b.WriteString(tag)
		b.Write(page[i:])
		return b.Bytes()
	}
	return append(page, []byte(tag)...)
}
