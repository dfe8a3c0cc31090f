package sanitize

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"portal-auth/internal/httpx"
)

const maxBodyBytes = 1 << 20

var errUnsupportedMedia = errors.New("unsupported content type")

// Middleware sanitizes the JSON body, query string and path wildcards of a
// matched route. A request that cannot be sanitized is rejected with 400
// and never reaches next.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := sanitizeBody(w, r); err != nil {
			if errors.Is(err, errUnsupportedMedia) {
				httpx.WriteFailure(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
				return
			}
			httpx.WriteFailure(w, http.StatusBadRequest, "Malformed request payload")
			return
		}
		if err := sanitizeQuery(r); err != nil {
			httpx.WriteFailure(w, http.StatusBadRequest, "Malformed query string")
			return
		}
		if err := sanitizePath(r); err != nil {
			httpx.WriteFailure(w, http.StatusBadRequest, "Malformed path parameter")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func sanitizeBody(w http.ResponseWriter, r *http.Request) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	if contentType := r.Header.Get("Content-Type"); contentType != "" {
		mediaType, _, err := mime.ParseMediaType(contentType)
		if err != nil || (mediaType != "application/json" && !strings.HasSuffix(mediaType, "+json")) {
			return errUnsupportedMedia
		}
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	_ = r.Body.Close()
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		r.Body = http.NoBody
		r.ContentLength = 0
		return nil
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var payload any
	if err := decoder.Decode(&payload); err != nil {
		return errors.Join(ErrMalformed, err)
	}
	if _, err := decoder.Token(); !errors.Is(err, io.EOF) {
		return errors.Join(ErrMalformed, errors.New("trailing data after JSON value"))
	}

	cleaned, err := Value(payload)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(cleaned)
	if err != nil {
		return errors.Join(ErrMalformed, err)
	}

	r.Body = io.NopCloser(bytes.NewReader(encoded))
	r.ContentLength = int64(len(encoded))
	return nil
}

func sanitizeQuery(r *http.Request) error {
	if r.URL.RawQuery == "" {
		return nil
	}
	values := r.URL.Query()
	for key, items := range values {
		cleaned, err := Value(items)
		if err != nil {
			return err
		}
		values[key] = cleaned.([]string)
	}
	r.URL.RawQuery = values.Encode()
	return nil
}

func sanitizePath(r *http.Request) error {
	for _, name := range wildcards(r.Pattern) {
		cleaned, err := String(r.PathValue(name))
		if err != nil {
			return err
		}
		r.SetPathValue(name, cleaned)
	}
	return nil
}

// wildcards lists the {name} and {name...} segments of a ServeMux pattern.
func wildcards(pattern string) []string {
	var names []string
	for {
		start := strings.IndexByte(pattern, '{')
		if start < 0 {
			return names
		}
		end := strings.IndexByte(pattern[start:], '}')
		if end < 0 {
			return names
		}
		name := strings.TrimSuffix(pattern[start+1:start+end], "...")
		if name != "" && name != "$" {
			names = append(names, name)
		}
		pattern = pattern[start+end+1:]
	}
}
