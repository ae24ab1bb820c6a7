package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/maneesh/memestream/internal/ingest"
	"github.com/maneesh/memestream/internal/metadata"
	"github.com/maneesh/memestream/internal/metrics"
	"github.com/maneesh/memestream/internal/models"
	"github.com/maneesh/memestream/internal/storage"
)

func newTestServer(t *testing.T, maxUpload int64) *httptest.Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	coord := ingest.NewCoordinator(storage.NewMemoryChunkStore(), metadata.NewMemoryIndex(), 16)
	coord.SetMetrics(metrics.New(reg))
	srv := httptest.NewServer(NewRouter(coord, RouterConfig{
		MaxUploadBytes: maxUpload,
		Logger:         zerolog.Nop(),
		Gatherer:       reg,
	}))
	t.Cleanup(srv.Close)
	return srv
}

type uploadForm struct {
	fields      map[string]string
	filename    string
	contentType string
	body        []byte
}

func postUpload(t *testing.T, srv *httptest.Server, form uploadForm) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range form.fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	if form.filename != "" {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename=%q`, form.filename))
		h.Set("Content-Type", form.contentType)
		part, err := mw.CreatePart(h)
		if err != nil {
			t.Fatalf("CreatePart: %v", err)
		}
		if _, err := part.Write(form.body); err != nil {
			t.Fatalf("part.Write: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("multipart Close: %v", err)
	}

	resp, err := http.Post(srv.URL+"/images/upload", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("POST upload: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestUploadAndServe(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, 1<<20)
	img := bytes.Repeat([]byte("meme"), 40) // 160 bytes, 10 chunks of 16

	resp := postUpload(t, srv, uploadForm{
		fields:      map[string]string{"userId": "u1", "caption": "so true", "lat": "40.7", "lng": "-74"},
		filename:    "funny cat!.png",
		contentType: "image/png",
		body:        img,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload status = %d, want 201", resp.StatusCode)
	}
	created := decode[ImageResponse](t, resp)
	if created.Size != int64(len(img)) || created.UploaderID != "u1" || created.Latitude == nil || *created.Latitude != 40.7 {
		t.Fatalf("created = %+v", created)
	}
	if !strings.HasSuffix(created.AlternateKey, "-funny_cat_.png") {
		t.Fatalf("AlternateKey = %q", created.AlternateKey)
	}
	if created.ImageURL != "/images/file/"+string(created.ObjectID) {
		t.Fatalf("ImageURL = %q", created.ImageURL)
	}

	for _, key := range []string{string(created.ObjectID), created.AlternateKey} {
		file := get(t, srv.URL+"/images/file/"+key)
		if file.StatusCode != http.StatusOK {
			t.Fatalf("GET file %s status = %d", key, file.StatusCode)
		}
		if ct := file.Header.Get("Content-Type"); ct != "image/png" {
			t.Fatalf("Content-Type = %q, want image/png", ct)
		}
		if file.ContentLength != int64(len(img)) {
			t.Fatalf("Content-Length = %d, want %d", file.ContentLength, len(img))
		}
		body, err := io.ReadAll(file.Body)
		if err != nil {
			t.Fatalf("read body: %v", err)
		}
		if !bytes.Equal(body, img) {
			t.Fatal("served bytes differ from upload")
		}
	}

	md := get(t, srv.URL+"/images/"+string(created.ObjectID))
	if md.StatusCode != http.StatusOK {
		t.Fatalf("GET metadata status = %d", md.StatusCode)
	}
	if got := decode[ImageResponse](t, md); got.Caption != "so true" {
		t.Fatalf("metadata caption = %q", got.Caption)
	}

	metricsResp := get(t, srv.URL+"/metrics")
	text, _ := io.ReadAll(metricsResp.Body)
	if !strings.Contains(string(text), `memestream_ingest_total{result="ok"} 1`) {
		t.Fatalf("metrics missing ingest counter:\n%s", text)
	}
}

func TestUploadErrors(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, 1024)
	tests := []struct {
		name       string
		form       uploadForm
		wantStatus int
		wantReason string
		wantOrphan bool
	}{
		{
			name:       "no file",
			form:       uploadForm{fields: map[string]string{"userId": "u1"}},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "non-numeric lat",
			form:       uploadForm{fields: map[string]string{"userId": "u1", "lat": "north"}, filename: "a.png", body: []byte("x")},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "lat out of range",
			form:       uploadForm{fields: map[string]string{"userId": "u1", "lat": "91"}, filename: "a.png", body: []byte("x")},
			wantStatus: http.StatusBadRequest,
			wantReason: string(ingest.MetadataRejected),
			wantOrphan: true,
		},
		{
			name:       "too large",
			form:       uploadForm{fields: map[string]string{"userId": "u1"}, filename: "big.png", body: make([]byte, 4096)},
			wantStatus: http.StatusRequestEntityTooLarge,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp := postUpload(t, srv, tt.form)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			body := decode[ErrorResponse](t, resp)
			if body.Reason != tt.wantReason {
				t.Fatalf("reason = %q, want %q", body.Reason, tt.wantReason)
			}
			if (body.ObjectID != "") != tt.wantOrphan {
				t.Fatalf("object_id = %q, orphan expected %v", body.ObjectID, tt.wantOrphan)
			}
		})
	}
}

func TestBindOrphanOverHTTP(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, 1<<20)
	resp := postUpload(t, srv, uploadForm{
		fields:      map[string]string{"userId": "u1", "lng": "500"},
		filename:    "orphan.jpg",
		contentType: "image/jpeg",
		body:        []byte("jpeg bytes"),
	})
	orphan := decode[ErrorResponse](t, resp)
	if orphan.ObjectID == "" {
		t.Fatalf("upload did not report the orphan: %+v", orphan)
	}

	if r := get(t, srv.URL+"/images/file/"+orphan.ObjectID); r.StatusCode != http.StatusNotFound {
		t.Fatalf("orphan served with status %d, want 404", r.StatusCode)
	}

	put := func(body string) *http.Response {
		req, err := http.NewRequest(http.MethodPut, srv.URL+"/images/"+orphan.ObjectID+"/metadata", strings.NewReader(body))
		if err != nil {
			t.Fatalf("NewRequest: %v", err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("PUT metadata: %v", err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	bound := put(`{"userId":"u1","caption":"fixed","lng":50,"contentType":"image/jpeg"}`)
	if bound.StatusCode != http.StatusOK {
		t.Fatalf("bind status = %d, want 200", bound.StatusCode)
	}
	if again := put(`{"userId":"u1"}`); again.StatusCode != http.StatusConflict {
		t.Fatalf("second bind status = %d, want 409", again.StatusCode)
	}

	file := get(t, srv.URL+"/images/file/"+orphan.ObjectID)
	if file.StatusCode != http.StatusOK {
		t.Fatalf("bound image status = %d, want 200", file.StatusCode)
	}
	body, _ := io.ReadAll(file.Body)
	if string(body) != "jpeg bytes" {
		t.Fatalf("body = %q", body)
	}
}

func TestReadErrors(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, 1<<20)
	tests := []struct {
		path string
		want int
	}{
		{path: "/images/file/missing.png", want: http.StatusNotFound},
		{path: "/images/file/6f1c2a52-1f0e-4a43-9d55-2f4d3c0f9a11", want: http.StatusNotFound},
		{path: "/images/not-a-uuid", want: http.StatusBadRequest},
		{path: "/images/6f1c2a52-1f0e-4a43-9d55-2f4d3c0f9a11", want: http.StatusNotFound},
		{path: "/images?limit=abc", want: http.StatusBadRequest},
		{path: "/health", want: http.StatusOK},
	}
	for _, tt := range tests {
		if resp := get(t, srv.URL+tt.path); resp.StatusCode != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.path, resp.StatusCode, tt.want)
		}
	}
}

func TestList(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, 1<<20)
	for i, user := range []string{"u1", "u2", "u1", "u1"} {
		resp := postUpload(t, srv, uploadForm{
			fields:      map[string]string{"userId": user, "caption": fmt.Sprintf("meme %d", i)},
			filename:    fmt.Sprintf("%d.gif", i),
			contentType: "image/gif",
			body:        []byte{byte(i)},
		})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("upload %d status = %d", i, resp.StatusCode)
		}
		time.Sleep(2 * time.Millisecond)
	}

	resp := get(t, srv.URL+"/images?userId=u1&limit=2")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	page := decode[ListResponse](t, resp)
	if len(page.Items) != 2 || page.Limit != 2 {
		t.Fatalf("page = %+v", page)
	}
	if page.Items[0].Caption != "meme 3" || page.Items[1].Caption != "meme 2" {
		t.Fatalf("order = %q, %q; want newest first", page.Items[0].Caption, page.Items[1].Caption)
	}

	rest := decode[ListResponse](t, get(t, srv.URL+"/images?userId=u1&limit=2&offset=2"))
	if len(rest.Items) != 1 || rest.Items[0].Caption != "meme 0" {
		t.Fatalf("second page = %+v", rest)
	}
}

func TestSanitizeFilename(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{in: "cat.png", want: "cat.png"},
		{in: "../../etc/passwd", want: "passwd"},
		{in: `C:\Users\me\pic 1.jpg`, want: "pic_1.jpg"},
		{in: "..", want: "upload"},
		{in: "", want: "upload"},
		{in: "ünïcode.gif", want: "_n_code.gif"},
		{in: strings.Repeat("a", 500), want: strings.Repeat("a", maxFilenameBytes)},
	}
	for _, tt := range tests {
		if got := sanitizeFilename(tt.in); got != tt.want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWriteDomainError(t *testing.T) {
	t.Parallel()

	backendErr := fmt.Errorf("failed to upload chunk 3: dial tcp 10.0.0.7:9000: connection refused")
	orphan := models.ObjectID("6f1c2a52-1f0e-4a43-9d55-2f4d3c0f9a11")
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
		wantReason string
		wantLogged bool
	}{
		{
			name:       "internal failure is redacted",
			err:        fmt.Errorf("lookup: %w", backendErr),
			wantStatus: http.StatusInternalServerError,
			wantError:  http.StatusText(http.StatusInternalServerError),
			wantLogged: true,
		},
		{
			name:       "commit failure keeps reason only",
			err:        &ingest.Error{Reason: ingest.BlobCommitFailed, Err: backendErr},
			wantStatus: http.StatusBadGateway,
			wantError:  http.StatusText(http.StatusBadGateway),
			wantReason: string(ingest.BlobCommitFailed),
			wantLogged: true,
		},
		{
			name:       "not found is shown",
			err:        metadata.ErrNotFound,
			wantStatus: http.StatusNotFound,
			wantError:  metadata.ErrNotFound.Error(),
		},
		{
			name:       "closed bind window",
			err:        &ingest.Error{Reason: ingest.MetadataPersistFailed, ObjectID: orphan, Err: ingest.ErrBindWindowClosed},
			wantStatus: http.StatusGone,
			wantReason: string(ingest.MetadataPersistFailed),
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var logs bytes.Buffer
			rec := httptest.NewRecorder()
			writeDomainError(rec, zerolog.New(&logs), tt.err)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var body ErrorResponse
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if tt.wantError != "" && body.Error != tt.wantError {
				t.Fatalf("error = %q, want %q", body.Error, tt.wantError)
			}
			if body.Reason != tt.wantReason {
				t.Fatalf("reason = %q, want %q", body.Reason, tt.wantReason)
			}
			if strings.Contains(body.Error, "10.0.0.7") {
				t.Fatalf("response leaks backend detail: %q", body.Error)
			}
			if logged := strings.Contains(logs.String(), "10.0.0.7"); logged != tt.wantLogged {
				t.Fatalf("backend detail logged = %v, want %v: %s", logged, tt.wantLogged, logs.String())
			}
		})
	}
}
