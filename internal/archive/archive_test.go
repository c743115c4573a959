package archive

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/gcphost/pagehub.dev-sub001/internal/snapshot"
	"github.com/gcphost/pagehub.dev-sub001/internal/tree"
)

func TestObjectKeyRoundTrip(t *testing.T) {
	key := objectKey("page-1", 42)
	if key != "pages/page-1/000000000042.json.zst" {
		t.Fatalf("objectKey() = %q", key)
	}
	id, version, ok := parseKey(key)
	if !ok || id != "page-1" || version != 42 {
		t.Fatalf("parseKey() = %q, %d, %v", id, version, ok)
	}
}

func TestParseKeyRejectsForeignObjects(t *testing.T) {
	for _, key := range []string{
		"other/page-1/000000000001.json.zst",
		"pages/page-1/000000000001.json",
		"pages//000000000001.json.zst",
		"pages/page-1/abc.json.zst",
		"pages/page-1/-1.json.zst",
	} {
		if _, _, ok := parseKey(key); ok {
			t.Fatalf("parseKey(%q) ok = true", key)
		}
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Config{Endpoint: "localhost:9000"}); err == nil {
		t.Fatal("New() without bucket error = nil")
	}
}

func TestArchiveRoundTripMinio(t *testing.T) {
	endpoint := strings.TrimSpace(os.Getenv("PAGEHUB_TEST_MINIO_ENDPOINT"))
	if endpoint == "" {
		t.Skip("PAGEHUB_TEST_MINIO_ENDPOINT is not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a, err := New(ctx, Config{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("PAGEHUB_TEST_MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv("PAGEHUB_TEST_MINIO_SECRET_KEY"),
		Bucket:    "pagehub-test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	pageID := "archive-" + time.Now().Format("150405.000000")
	page := snapshot.Page{Tree: tree.NewTree("ROOT", "Container"), Components: map[string]string{}}
	for _, v := range []int64{1, 2} {
		if _, err := a.Put(ctx, pageID, v, page); err != nil {
			t.Fatalf("Put(%d) error = %v", v, err)
		}
	}
	got, err := a.Get(ctx, pageID, 2)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if diff := cmp.Diff(page.Tree.RootID, got.Tree.RootID); diff != "" {
		t.Fatalf("Get() root mismatch (-want +got):\n%s", diff)
	}
	entries, err := a.List(ctx, pageID)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 2 || entries[0].Version != 2 {
		t.Fatalf("List() = %+v", entries)
	}
	if _, err := a.Get(ctx, pageID, 9); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
	}
}
