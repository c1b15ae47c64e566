package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// fakeGCS serves the slice of the JSON API the gateway uses: multipart insert,
// rewrite, get and delete. Objects are keyed by "bucket/name".
type fakeGCS struct {
	mu         sync.Mutex
	objects    map[string]bool
	failDelete map[string]bool
}

func newFakeGCS() *fakeGCS {
	return &fakeGCS{objects: map[string]bool{}, failDelete: map[string]bool{}}
}

func (f *fakeGCS) put(bucket, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[bucket+"/"+name] = true
}

func (f *fakeGCS) has(bucket, name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.objects[bucket+"/"+name]
}

func writeGCSError(w http.ResponseWriter, code int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": code, "message": reason},
	})
}

func writeGCSObject(w http.ResponseWriter, bucket, name string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"bucket": bucket, "name": name})
}

func (f *fakeGCS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	io.Copy(io.Discard, r.Body)
	f.mu.Lock()
	defer f.mu.Unlock()

	path := r.URL.EscapedPath()
	if r.Method == http.MethodPost && strings.HasPrefix(path, "/upload/storage/v1/b/") {
		bucket := strings.TrimSuffix(strings.TrimPrefix(path, "/upload/storage/v1/b/"), "/o")
		name := r.URL.Query().Get("name")
		if r.URL.Query().Get("ifGenerationMatch") == "0" && f.objects[bucket+"/"+name] {
			writeGCSError(w, http.StatusPreconditionFailed, "conditionNotMet")
			return
		}
		f.objects[bucket+"/"+name] = true
		writeGCSObject(w, bucket, name)
		return
	}

	var segs []string
	for _, s := range strings.Split(strings.TrimPrefix(path, "/storage/v1/b/"), "/") {
		u, err := url.PathUnescape(s)
		if err != nil {
			writeGCSError(w, http.StatusBadRequest, err.Error())
			return
		}
		segs = append(segs, u)
	}

	switch {
	case r.Method == http.MethodPost && len(segs) == 8 && segs[3] == "rewriteTo":
		src, dst := segs[0]+"/"+segs[2], segs[5]+"/"+segs[7]
		if !f.objects[src] {
			writeGCSError(w, http.StatusNotFound, "notFound")
			return
		}
		if r.URL.Query().Get("ifGenerationMatch") == "0" && f.objects[dst] {
			writeGCSError(w, http.StatusPreconditionFailed, "conditionNotMet")
			return
		}
		f.objects[dst] = true
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"kind":     "storage#rewriteResponse",
			"done":     true,
			"resource": map[string]any{"bucket": segs[5], "name": segs[7]},
		})
	case len(segs) == 3 && segs[1] == "o":
		key := segs[0] + "/" + segs[2]
		switch r.Method {
		case http.MethodGet:
			if !f.objects[key] {
				writeGCSError(w, http.StatusNotFound, "notFound")
				return
			}
			writeGCSObject(w, segs[0], segs[2])
		case http.MethodDelete:
			if f.failDelete[key] {
				writeGCSError(w, http.StatusForbidden, "forbidden")
				return
			}
			if !f.objects[key] {
				writeGCSError(w, http.StatusNotFound, "notFound")
				return
			}
			delete(f.objects, key)
			w.WriteHeader(http.StatusNoContent)
		default:
			writeGCSError(w, http.StatusMethodNotAllowed, r.Method)
		}
	default:
		writeGCSError(w, http.StatusNotFound, "no route for "+r.Method+" "+path)
	}
}

func newFakeGCSGateway(t *testing.T) (*GCSBlobGateway, *fakeGCS) {
	t.Helper()
	fake := newFakeGCS()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	t.Setenv("STORAGE_EMULATOR_HOST", srv.URL)

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(srv.URL+"/storage/v1/"),
		option.WithoutAuthentication())
	if err != nil {
		t.Fatalf("storage.NewClient: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	g, err := NewGCSBlobGateway(client, "quarantine-bkt", "vault-bkt", discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	return g, fake
}

func TestGCSBlobGatewayUploadRefusesOverwrite(t *testing.T) {
	ctx := context.Background()
	g, fake := newFakeGCSGateway(t)

	if err := g.Upload(ctx, AreaQuarantine, "u1/c_raw.pdf", []byte("%PDF")); err != nil {
		t.Fatalf("first Upload: %v", err)
	}
	if !fake.has("quarantine-bkt", "u1/c_raw.pdf") {
		t.Fatal("object not written to the quarantine bucket")
	}
	err := g.Upload(ctx, AreaQuarantine, "u1/c_raw.pdf", []byte("%PDF"))
	if !errors.Is(err, ErrObjectExists) {
		t.Errorf("second Upload err = %v, want ErrObjectExists", err)
	}
}

func TestGCSBlobGatewayMove(t *testing.T) {
	ctx := context.Background()

	t.Run("copies then deletes the source", func(t *testing.T) {
		g, fake := newFakeGCSGateway(t)
		fake.put("quarantine-bkt", "u1/c_redacted.pdf")
		if err := g.Move(ctx, AreaQuarantine, "u1/c_redacted.pdf", AreaVault, "u1/d.pdf"); err != nil {
			t.Fatalf("Move: %v", err)
		}
		if fake.has("quarantine-bkt", "u1/c_redacted.pdf") || !fake.has("vault-bkt", "u1/d.pdf") {
			t.Error("object was not moved from quarantine to vault")
		}
	})

	t.Run("existing destination skips the copy and still deletes the source", func(t *testing.T) {
		g, fake := newFakeGCSGateway(t)
		fake.put("quarantine-bkt", "u1/c_redacted.pdf")
		fake.put("vault-bkt", "u1/d.pdf")
		if err := g.Move(ctx, AreaQuarantine, "u1/c_redacted.pdf", AreaVault, "u1/d.pdf"); err != nil {
			t.Fatalf("Move: %v", err)
		}
		if fake.has("quarantine-bkt", "u1/c_redacted.pdf") {
			t.Error("source survived a move onto an existing destination")
		}
	})

	t.Run("missing source", func(t *testing.T) {
		g, _ := newFakeGCSGateway(t)
		err := g.Move(ctx, AreaQuarantine, "u1/gone.pdf", AreaVault, "u1/d.pdf")
		if !errors.Is(err, ErrObjectNotFound) {
			t.Errorf("err = %v, want ErrObjectNotFound", err)
		}
	})

	t.Run("source delete failure after copy", func(t *testing.T) {
		g, fake := newFakeGCSGateway(t)
		fake.put("quarantine-bkt", "u1/c_redacted.pdf")
		fake.failDelete["quarantine-bkt/u1/c_redacted.pdf"] = true
		err := g.Move(ctx, AreaQuarantine, "u1/c_redacted.pdf", AreaVault, "u1/d.pdf")
		if !errors.Is(err, ErrIntegrity) {
			t.Errorf("err = %v, want ErrIntegrity", err)
		}
		if !fake.has("vault-bkt", "u1/d.pdf") {
			t.Error("destination missing although the copy succeeded")
		}
	})
}

func TestGCSBlobGatewayDeleteAndExists(t *testing.T) {
	ctx := context.Background()
	g, fake := newFakeGCSGateway(t)

	if err := g.Delete(ctx, AreaQuarantine, "u1/never-existed.pdf"); err != nil {
		t.Errorf("Delete of a missing object: %v", err)
	}

	fake.put("vault-bkt", "u1/d.pdf")
	if ok, err := g.Exists(ctx, AreaVault, "u1/d.pdf"); err != nil || !ok {
		t.Errorf("Exists = %v, %v; want true", ok, err)
	}
	if ok, err := g.Exists(ctx, AreaQuarantine, "u1/d.pdf"); err != nil || ok {
		t.Errorf("Exists in the wrong area = %v, %v; want false", ok, err)
	}
	if got, want := g.URI(AreaVault, "u1/d.pdf"), "gs://vault-bkt/u1/d.pdf"; got != want {
		t.Errorf("URI = %q, want %q", got, want)
	}
}
