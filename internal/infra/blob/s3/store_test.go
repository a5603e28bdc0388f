package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"bunkcore/internal/infra/blob"
)

// fakeS3 is a path-style S3 subset served from memory. Listing pages one key
// at a time so continuation tokens are exercised.
type fakeS3 struct {
	mu    sync.Mutex
	state map[string]stored
}

type stored struct {
	body        []byte
	contentType string
	metadata    map[string]string
}

func respond(status int, body string, header http.Header) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(body)), Header: header}
}

func (f *fakeS3) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	if req.Method == http.MethodGet && req.URL.Query().Get("list-type") == "2" {
		return f.list(req), nil
	}
	switch req.Method {
	case http.MethodHead, http.MethodGet:
		st, ok := f.state[key]
		if !ok {
			return respond(http.StatusNotFound, "", nil), nil
		}
		h := http.Header{
			"Content-Length": {strconv.Itoa(len(st.body))},
			"Content-Type":   {st.contentType},
			"Last-Modified":  {time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC).Format(http.TimeFormat)},
		}
		for k, v := range st.metadata {
			h.Set("X-Amz-Meta-"+k, v)
		}
		if req.Method == http.MethodHead {
			return respond(http.StatusOK, "", h), nil
		}
		return respond(http.StatusOK, string(st.body), h), nil
	case http.MethodPut:
		body, _ := io.ReadAll(req.Body)
		if dec, ok := decodeChunked(body); ok {
			body = dec
		}
		md := map[string]string{}
		for k, v := range req.Header {
			if strings.HasPrefix(strings.ToLower(k), "x-amz-meta-") {
				md[strings.ToLower(strings.TrimPrefix(strings.ToLower(k), "x-amz-meta-"))] = v[0]
			}
		}
		f.state[key] = stored{body: body, contentType: req.Header.Get("Content-Type"), metadata: md}
		return respond(http.StatusOK, "", http.Header{"ETag": {`"etag"`}}), nil
	case http.MethodDelete:
		delete(f.state, key)
		return respond(http.StatusNoContent, "", nil), nil
	}
	return respond(http.StatusNotImplemented, "", nil), nil
}

func (f *fakeS3) list(req *http.Request) *http.Response {
	prefix := req.URL.Query().Get("prefix")
	after := req.URL.Query().Get("continuation-token")
	var keys []string
	for k := range f.state {
		if strings.HasPrefix(k, prefix) && k > after {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?><ListBucketResult>`)
	if len(keys) > 1 {
		fmt.Fprintf(&b, "<IsTruncated>true</IsTruncated><NextContinuationToken>%s</NextContinuationToken>", keys[0])
		keys = keys[:1]
	} else {
		b.WriteString("<IsTruncated>false</IsTruncated>")
	}
	for _, k := range keys {
		fmt.Fprintf(&b, "<Contents><Key>%s</Key><Size>%d</Size><LastModified>2025-06-01T00:00:00Z</LastModified></Contents>", k, len(f.state[k].body))
	}
	b.WriteString("</ListBucketResult>")
	return respond(http.StatusOK, b.String(), http.Header{"Content-Type": {"application/xml"}})
}

// decodeChunked strips a single-chunk aws-chunked payload.
func decodeChunked(b []byte) ([]byte, bool) {
	parts := strings.Split(string(b), "\r\n")
	if len(parts) < 3 {
		return nil, false
	}
	size := strings.SplitN(parts[0], ";", 2)[0]
	n, err := strconv.ParseInt(size, 16, 64)
	if err != nil || n <= 0 || int64(len(parts[1])) != n {
		return nil, false
	}
	return []byte(parts[1]), true
}

func newFakeStore(t *testing.T, prefix string) *Store {
	t.Helper()
	store, err := New(context.Background(), Config{
		Bucket:          "archive",
		Endpoint:        "https://fake.s3.local",
		Prefix:          prefix,
		AccessKeyID:     "AKIA",
		SecretAccessKey: "SECRET",
		PathStyle:       true,
		HTTPClient:      &http.Client{Transport: &fakeS3{state: make(map[string]stored)}},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return store
}

func TestStoreFlow(t *testing.T) {
	store := newFakeStore(t, "bunkcore/")
	ctx := context.Background()
	if store.Driver() != blob.DriverS3 {
		t.Fatalf("unexpected driver %s", store.Driver())
	}
	info, err := store.Put(ctx, "runs/1/a.json", bytes.NewReader([]byte(`{"id":"a"}`)), blob.PutOptions{ContentType: "application/json"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Key != "runs/1/a.json" || info.ContentType != "application/json" || info.Size != 10 {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, err := store.Put(ctx, "runs/1/a.json", bytes.NewReader([]byte("x")), blob.PutOptions{}); !errors.Is(err, blob.ErrExists) {
		t.Fatalf("expected exists, got %v", err)
	}
	_, rc, err := store.Get(ctx, "runs/1/a.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(data) != `{"id":"a"}` {
		t.Fatalf("get mismatch %q", data)
	}
	for _, k := range []string{"runs/1/b.json", "runs/2/c.json"} {
		if _, err := store.Put(ctx, k, bytes.NewReader([]byte("{}")), blob.PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}
	list, err := store.List(ctx, "runs/1/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Key != "runs/1/a.json" || list[1].Key != "runs/1/b.json" {
		t.Fatalf("unexpected list %+v", list)
	}
	if ok, err := store.Delete(ctx, "runs/1/a.json"); err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	if ok, err := store.Delete(ctx, "runs/1/a.json"); err != nil || ok {
		t.Fatalf("second delete: %v %v", ok, err)
	}
	if _, _, err := store.Get(ctx, "runs/1/a.json"); !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error for missing bucket")
	}
}
