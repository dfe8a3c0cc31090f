package sanitize

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestString(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "plain", input: "  Jane Doe  ", want: "Jane Doe"},
		{name: "script element", input: `<script>alert(1)</script>hello`, want: "hello"},
		{name: "tags stripped", input: `<b>bold</b> <i>text</i>`, want: "bold text"},
		{name: "image handler", input: `<img src=x onerror=alert(1)>`, want: ""},
		{name: "encoded markup", input: `&lt;script&gt;alert(1)&lt;/script&gt;`, want: "scriptalert(1)/script"},
		{name: "javascript scheme", input: "JavaScript:alert(1)", want: "alert(1)"},
		{name: "nested scheme", input: "javajavascript:script:alert(1)", want: "alert(1)"},
		{name: "inline handler text", input: `x onclick="steal()"`, want: `x "steal()"`},
		{name: "ampersand survives", input: "Tom & Jerry", want: "Tom & Jerry"},
		{name: "email untouched", input: "a@b.com", want: "a@b.com"},
		{name: "control characters", input: "ab\x00c\x07", want: "abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := String(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStringIsIdempotent(t *testing.T) {
	inputs := []string{
		"",
		"hello",
		"<<script>>",
		"&amp;lt;b&amp;gt;",
		"<a href=\"javascript:alert(1)\">x</a>",
		"data:text/html;base64,AAAA",
		"1 < 2 > 0",
		"O'Brien & \"quotes\"",
		"ünïcødé <em>text</em>",
	}

	for _, input := range inputs {
		once, err := String(input)
		require.NoError(t, err, input)
		twice, err := String(once)
		require.NoError(t, err, input)
		assert.Equal(t, once, twice, "input %q", input)
	}
}

func TestValueWalksNestedInput(t *testing.T) {
	input := map[string]any{
		"name":   " <b>Ann</b> ",
		"age":    json.Number("42"),
		"score":  3.5,
		"active": true,
		"none":   nil,
		"tags":   []any{"<i>a</i>", json.Number("1"), map[string]any{"deep": "<script>x</script>y"}},
	}

	got, err := Value(input)
	require.NoError(t, err)

	want := map[string]any{
		"name":   "Ann",
		"age":    json.Number("42"),
		"score":  3.5,
		"active": true,
		"none":   nil,
		"tags":   []any{"a", json.Number("1"), map[string]any{"deep": "y"}},
	}
	assert.Equal(t, want, got)
}

func TestValueIsIdempotent(t *testing.T) {
	var input any
	require.NoError(t, json.Unmarshal([]byte(`{
		"a": ["<x>1</x>", 2, {"b": "  javascript:void(0) "}],
		"c": {"d": [[["&lt;p&gt;"]]], "e": false, "f": 1.25}
	}`), &input))

	once, err := Value(input)
	require.NoError(t, err)
	twice, err := Value(once)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}

func TestValueRejectsMalformedStructures(t *testing.T) {
	var deep any = "leaf"
	for i := 0; i < maxDepth+2; i++ {
		deep = []any{deep}
	}
	_, err := Value(deep)
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Value(make(chan int))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestStringRejectsInputThatNeverSettles(t *testing.T) {
	// Every pass decodes one entity level.
	input := "&" + strings.Repeat("amp;", maxPasses+1) + "lt;"

	_, err := String(input)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestWildcards(t *testing.T) {
	assert.Nil(t, wildcards("POST /auth/login"))
	assert.Equal(t, []string{"id"}, wildcards("GET /users/{id}"))
	assert.Equal(t, []string{"org", "path"}, wildcards("GET /orgs/{org}/files/{path...}"))
	assert.Nil(t, wildcards("GET /{$}"))
}

func TestMiddlewareSanitizesBodyQueryAndPath(t *testing.T) {
	var gotBody map[string]any
	var gotQuery, gotPath string

	mux := http.NewServeMux()
	mux.Handle("POST /items/{slug}", Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		gotQuery = r.URL.Query().Get("q")
		gotPath = r.PathValue("slug")
		w.WriteHeader(http.StatusNoContent)
	})))

	body := `{"title":"<script>alert(1)</script>Report","count":7}`
	r := httptest.NewRequest(http.MethodPost, "/items/%3Cb%3Ename%3C%2Fb%3E?q=%3Ci%3Eterm%3C%2Fi%3E", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json; charset=utf-8")
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, r)

	require.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "Report", gotBody["title"])
	assert.Equal(t, float64(7), gotBody["count"])
	assert.Equal(t, "term", gotQuery)
	assert.Equal(t, "name", gotPath)
}

func TestValueKeepsCredentialsVerbatim(t *testing.T) {
	input := map[string]any{
		"name":            "<b>Ana</b>",
		"password":        "Qwrt7#zz<abcdefgh",
		"currentPassword": " Root<Key9!xyz ",
		"newPassword":     "javascript:Aa1!onload=",
		"profile":         map[string]any{"password": "<i>x</i>"},
	}

	got, err := Value(input)
	require.NoError(t, err)

	out := got.(map[string]any)
	assert.Equal(t, "Ana", out["name"])
	assert.Equal(t, "Qwrt7#zz<abcdefgh", out["password"])
	assert.Equal(t, " Root<Key9!xyz ", out["currentPassword"])
	assert.Equal(t, "javascript:Aa1!onload=", out["newPassword"])
	assert.Equal(t, map[string]any{"password": "<i>x</i>"}, out["profile"])
}

func TestMiddlewareKeepsPasswordBytes(t *testing.T) {
	var got map[string]string
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))

	r := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"email":"a@b.com","password":"Qwrt7#zz<abcdefgh"}`))
	r.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, r)

	require.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "Qwrt7#zz<abcdefgh", got["password"])
}

func TestMiddlewareRejectsMalformedBody(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		contentType string
		wantStatus  int
	}{
		{name: "broken json", body: `{"a":`, wantStatus: http.StatusBadRequest},
		{name: "trailing data", body: `{"a":1} {"b":2}`, wantStatus: http.StatusBadRequest},
		{name: "too deep", body: strings.Repeat("[", 40) + strings.Repeat("]", 40), wantStatus: http.StatusBadRequest},
		{name: "form body", body: "a=b", contentType: "application/x-www-form-urlencoded", wantStatus: http.StatusUnsupportedMediaType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

			r := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(tt.body))
			if tt.contentType != "" {
				r.Header.Set("Content-Type", tt.contentType)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, r)

			assert.Equal(t, tt.wantStatus, rr.Code)
			assert.False(t, called)
			assert.Contains(t, rr.Body.String(), `"success":false`)
		})
	}
}

func TestMiddlewarePassesEmptyBody(t *testing.T) {
	var read []byte
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		read, _ = io.ReadAll(r.Body)
	}))

	r := httptest.NewRequest(http.MethodPost, "/auth/logout", strings.NewReader("   "))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, r)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, read)
}
