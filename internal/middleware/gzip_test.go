package middleware

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// echoJobHandler отвечает JSON-описанием задания с адресом изображения из тела запроса.
func echoJobHandler(contentType string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ImageURL string `json:"image_url"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Length", "999")
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"job_id":"j1","image_url":"`+req.ImageURL+`"}`)
	})
}

func gzipBytes(t *testing.T, s string) *bytes.Buffer {
	t.Helper()

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(s)); err != nil {
		t.Fatalf("write gzip: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return &buf
}

func readBody(t *testing.T, res *http.Response) string {
	t.Helper()

	var r io.Reader = res.Body
	if res.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(res.Body)
		if err != nil {
			t.Fatalf("new gzip reader: %v", err)
		}
		defer zr.Close()
		r = zr
	}

	body, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestGzipMiddleware(t *testing.T) {
	const payload = `{"image_url":"https://img.example/in.png"}`

	tests := []struct {
		name            string
		compressRequest bool
		acceptEncoding  string
		responseType    string
		wantEncoding    string
	}{
		{name: "json response compressed", acceptEncoding: "gzip, deflate", responseType: "application/json", wantEncoding: "gzip"},
		{name: "plain text compressed", acceptEncoding: "gzip", responseType: "text/plain; charset=utf-8", wantEncoding: "gzip"},
		{name: "client without gzip", acceptEncoding: "", responseType: "application/json", wantEncoding: ""},
		{name: "image passes through", acceptEncoding: "gzip", responseType: "image/png", wantEncoding: ""},
		{name: "gzip request body", compressRequest: true, acceptEncoding: "gzip", responseType: "application/json", wantEncoding: "gzip"},
		{name: "gzip request body, plain response", compressRequest: true, acceptEncoding: "", responseType: "application/json", wantEncoding: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader = strings.NewReader(payload)
			if tt.compressRequest {
				body = gzipBytes(t, payload)
			}

			req := httptest.NewRequest(http.MethodPost, "/api/jobs/upscale", body)
			req.Header.Set("Content-Type", "application/json")
			if tt.compressRequest {
				req.Header.Set("Content-Encoding", "gzip")
			}
			if tt.acceptEncoding != "" {
				req.Header.Set("Accept-Encoding", tt.acceptEncoding)
			}

			w := httptest.NewRecorder()
			GzipMiddleware(echoJobHandler(tt.responseType)).ServeHTTP(w, req)

			res := w.Result()
			defer res.Body.Close()

			if res.StatusCode != http.StatusAccepted {
				t.Fatalf("status: got %d want %d", res.StatusCode, http.StatusAccepted)
			}
			if ce := res.Header.Get("Content-Encoding"); ce != tt.wantEncoding {
				t.Fatalf("content-encoding: got %q want %q", ce, tt.wantEncoding)
			}
			if tt.wantEncoding == "gzip" && res.Header.Get("Content-Length") != "" {
				t.Fatalf("content-length must be dropped for compressed responses")
			}
			if tt.acceptEncoding != "" && res.Header.Get("Vary") != "Accept-Encoding" {
				t.Fatalf("vary: got %q want Accept-Encoding", res.Header.Get("Vary"))
			}

			want := `{"job_id":"j1","image_url":"https://img.example/in.png"}`
			if got := readBody(t, res); got != want {
				t.Fatalf("body: got %q want %q", got, want)
			}
		})
	}
}

func TestGzipMiddleware_MalformedBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/jobs/upscale", strings.NewReader("not gzip"))
	req.Header.Set("Content-Encoding", "gzip")

	w := httptest.NewRecorder()
	GzipMiddleware(echoJobHandler("application/json")).ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d want %d", w.Code, http.StatusBadRequest)
	}

	var body ErrorBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error != ReasonInvalidRequest {
		t.Fatalf("reason: got %q want %q", body.Error, ReasonInvalidRequest)
	}
}
