package artifacts

import (
	"net/http"
	"strconv"
	"strings"
)

// Handler serves artifact bytes at GET {prefix}/{id}. Mount it with
// http.StripPrefix or a ServeMux pattern ending in "/{id}".
func (s *Store) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id := r.PathValue("id")
		if id == "" {
			id = r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		}
		a, data, ok := s.Get(id)
		if !ok {
			http.NotFound(w, r)
			return
		}

		etag := `"` + a.SHA256 + `"`
		w.Header().Set("ETag", etag)
		w.Header().Set("Cache-Control", "private, max-age="+strconv.Itoa(int(a.ExpiresAt.Sub(s.now()).Seconds())))
		if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Content-Type", a.MIME)
		w.Header().Set("Content-Length", strconv.FormatInt(a.Bytes, 10))
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(data)
		}
	})
}
