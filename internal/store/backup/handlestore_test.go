package backup

import (
	"context"
	"os"
	"testing"
)

func TestHandleStore_RoundTrip(t *testing.T) {
	store := NewHandleStore(t.TempDir())

	rec, err := store.Load()
	if err != nil || rec != nil {
		t.Fatalf("Load() on empty store = %v, %v; want nil, nil", rec, err)
	}

	folder := t.TempDir()
	h, err := NewDirHandle(folder, true, nil)
	if err != nil {
		t.Fatalf("NewDirHandle failed: %v", err)
	}
	if err := store.SaveHandle(h); err != nil {
		t.Fatalf("SaveHandle failed: %v", err)
	}

	reopened, err := store.Open(nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if reopened == nil || reopened.Path() != h.Path() || !reopened.Consented() {
		t.Errorf("Open() = %+v, want %s with consent", reopened, h.Path())
	}

	if err := store.Forget(); err != nil {
		t.Fatalf("Forget failed: %v", err)
	}
	if _, err := os.Stat(store.Path()); !os.IsNotExist(err) {
		t.Errorf("record still present after Forget: %v", err)
	}
	if err := store.Forget(); err != nil {
		t.Errorf("second Forget failed: %v", err)
	}

	reopened, err = store.Open(nil)
	if err != nil || reopened != nil {
		t.Errorf("Open() after Forget = %v, %v; want nil, nil", reopened, err)
	}
}

func TestHandleStore_Corrupt(t *testing.T) {
	store := NewHandleStore(t.TempDir())
	if err := os.WriteFile(store.Path(), []byte("{oops"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load(); err == nil {
		t.Error("Load() on corrupt record returned nil error")
	}
}

func TestDirHandle_OnGrantedRemembersConsent(t *testing.T) {
	ctx := context.Background()
	store := NewHandleStore(t.TempDir())
	folder := t.TempDir()

	asked := 0
	allow := PrompterFunc(func(context.Context, string, string) (bool, error) {
		asked++
		return true, nil
	})

	h, err := NewDirHandle(folder, false, allow)
	if err != nil {
		t.Fatalf("NewDirHandle failed: %v", err)
	}
	h.OnGranted(func(h *DirHandle) {
		if err := store.SaveHandle(h); err != nil {
			t.Errorf("SaveHandle failed: %v", err)
		}
	})

	perm, err := h.RequestPermission(ctx)
	if err != nil || perm != PermissionGranted {
		t.Fatalf("RequestPermission() = %v, %v; want granted", perm, err)
	}
	if perm, _ := h.RequestPermission(ctx); perm != PermissionGranted || asked != 1 {
		t.Errorf("second RequestPermission() = %v after %d prompts; want granted after 1", perm, asked)
	}

	reopened, err := store.Open(nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if reopened == nil || !reopened.Consented() {
		t.Fatalf("Open() = %+v, want remembered consent", reopened)
	}
	if perm, err := reopened.RequestPermission(ctx); err != nil || perm != PermissionGranted {
		t.Errorf("reopened RequestPermission() = %v, %v; want granted without a prompter", perm, err)
	}
}

func TestDirHandle_DeniedConsentNotRemembered(t *testing.T) {
	h, err := NewDirHandle(t.TempDir(), false, PrompterFunc(func(context.Context, string, string) (bool, error) {
		return false, nil
	}))
	if err != nil {
		t.Fatalf("NewDirHandle failed: %v", err)
	}
	called := false
	h.OnGranted(func(*DirHandle) { called = true })

	perm, err := h.RequestPermission(context.Background())
	if err != nil || perm != PermissionDenied {
		t.Errorf("RequestPermission() = %v, %v; want denied", perm, err)
	}
	if called {
		t.Error("OnGranted ran for a refused prompt")
	}
}
