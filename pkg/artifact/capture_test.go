package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/wardenhq/warden/pkg/sandbox"
	"github.com/wardenhq/warden/pkg/wlog"
)

// memStore collects uploads without external storage.
type memStore struct {
	objects map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (m *memStore) Upload(_ context.Context, key string, reader io.Reader, contentType string, metadata map[string]string) (*Artifact, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	m.objects[key] = data
	return &Artifact{Key: key, Size: int64(len(data)), ContentType: contentType, Metadata: metadata}, nil
}

func (m *memStore) Download(_ context.Context, key string) (io.ReadCloser, error) {
	data, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memStore) PresignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://example.test/" + key, nil
}

func (m *memStore) List(_ context.Context, prefix string) ([]*Artifact, error) {
	var out []*Artifact
	for key, data := range m.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, &Artifact{Key: key, Size: int64(len(data))})
		}
	}
	return out, nil
}

func (m *memStore) Delete(_ context.Context, key string) error {
	delete(m.objects, key)
	return nil
}

func (m *memStore) DeletePrefix(_ context.Context, prefix string) error {
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			delete(m.objects, key)
		}
	}
	return nil
}

func (m *memStore) EnsureBucket(context.Context) error { return nil }

// fileProvisioner serves canned files; the other operations are never
// reached by the capturer.
type fileProvisioner struct {
	files map[string][]byte
}

func (f *fileProvisioner) Name() string { return "fake" }

func (f *fileProvisioner) Create(context.Context, sandbox.Spec) (*sandbox.Sandbox, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *fileProvisioner) Connect(context.Context, string) (*sandbox.Sandbox, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *fileProvisioner) Kill(context.Context, string) error { return nil }

func (f *fileProvisioner) Launch(context.Context, string, sandbox.LaunchSpec) (sandbox.Process, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *fileProvisioner) ReadFile(_ context.Context, _ string, path string, maxBytes int64) ([]byte, error) {
	data, ok := f.files[path]
	if !ok {
		return nil, fmt.Errorf("file %s: not found", path)
	}
	if int64(len(data)) > maxBytes {
		data = data[:maxBytes]
	}
	return data, nil
}

func TestCaptureUploadsRequestedFiles(t *testing.T) {
	store := newMemStore()
	prov := &fileProvisioner{files: map[string][]byte{
		"/out/report.md": []byte("# report"),
		"/out/data.json": []byte(`{"ok":true}`),
	}}
	c := NewCapturer(wlog.Nop(), store)

	arts, err := c.Capture(context.Background(), prov, "sb-1", "run-1",
		[]string{"/out/report.md", "/out/data.json"})
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if len(arts) != 2 {
		t.Fatalf("expected 2 artifacts, got %d", len(arts))
	}
	if _, ok := store.objects["runs/run-1/report.md"]; !ok {
		t.Errorf("report.md not stored under run prefix: %v", store.objects)
	}
	if arts[1].Metadata["source_path"] != "/out/data.json" {
		t.Errorf("source path metadata missing: %+v", arts[1])
	}
}

func TestCaptureSkipsOversizeFile(t *testing.T) {
	store := newMemStore()
	prov := &fileProvisioner{files: map[string][]byte{
		"/out/huge.bin":  make([]byte, MaxFileBytes+1),
		"/out/small.txt": []byte("fine"),
	}}
	c := NewCapturer(wlog.Nop(), store)

	arts, err := c.Capture(context.Background(), prov, "sb-1", "run-2",
		[]string{"/out/huge.bin", "/out/small.txt"})
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if len(arts) != 1 || arts[0].Key != "runs/run-2/small.txt" {
		t.Fatalf("oversize file should be skipped, got %+v", arts)
	}
}

func TestCaptureMissingFileTolerated(t *testing.T) {
	store := newMemStore()
	prov := &fileProvisioner{files: map[string][]byte{
		"/out/present.txt": []byte("here"),
	}}
	c := NewCapturer(wlog.Nop(), store)

	arts, err := c.Capture(context.Background(), prov, "sb-1", "run-3",
		[]string{"/out/gone.txt", "/out/present.txt"})
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if len(arts) != 1 {
		t.Fatalf("missing file should be skipped, got %+v", arts)
	}
}
