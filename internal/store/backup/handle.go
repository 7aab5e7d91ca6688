// Package backup mirrors the dataset to a user-chosen folder outside the
// private data directory.
//
// The folder is reached through a Handle, a permission-scoped capability that
// can be revoked or go stale at any time. After each write the Bridge writes a
// full snapshot document into the folder, replacing the previous one. When the
// folder cannot be written the write is skipped and logged; the local data is
// never affected.
package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
	"golang.org/x/sys/unix"
)

var (
	// ErrPermissionDenied is recorded when write permission on the folder
	// was refused.
	ErrPermissionDenied = errors.New("backup folder permission denied")

	// ErrUnavailable is recorded when the folder no longer exists or no
	// folder capability is configured.
	ErrUnavailable = errors.New("backup folder unavailable")
)

// Permission is the state of write access to a backup folder.
type Permission int

const (
	// PermissionPrompt means access must be requested before use.
	PermissionPrompt Permission = iota
	// PermissionGranted means the folder may be written.
	PermissionGranted
	// PermissionDenied means access was refused.
	PermissionDenied
)

func (p Permission) String() string {
	switch p {
	case PermissionPrompt:
		return "prompt"
	case PermissionGranted:
		return "granted"
	case PermissionDenied:
		return "denied"
	default:
		return "unknown"
	}
}

// Handle is a capability on one backup folder.
type Handle interface {
	// Name is a human readable identifier of the folder.
	Name() string
	// FS is the folder's filesystem; paths are relative to the folder root.
	FS() afero.Fs
	// QueryPermission reports the current write permission without asking.
	QueryPermission(ctx context.Context) (Permission, error)
	// RequestPermission asks for write permission if it is not granted yet.
	RequestPermission(ctx context.Context) (Permission, error)
}

// Prompter asks the user to consent to writing into a folder.
type Prompter interface {
	Confirm(ctx context.Context, title, description string) (bool, error)
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(ctx context.Context, title, description string) (bool, error)

// Confirm calls f.
func (f PrompterFunc) Confirm(ctx context.Context, title, description string) (bool, error) {
	return f(ctx, title, description)
}

// DirHandle is a Handle on a folder of the local filesystem. Writing requires
// both OS write access and the user's consent, which is asked once through a
// Prompter and then remembered by the HandleStore.
type DirHandle struct {
	path     string
	fs       afero.Fs
	prompter Prompter

	mu        sync.Mutex
	consented bool
	onGranted func(*DirHandle)
}

// NewDirHandle returns a handle on path. consented records a consent given in
// an earlier session. prompter may be nil, in which case requests for consent
// are refused.
func NewDirHandle(path string, consented bool, prompter Prompter) (*DirHandle, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve backup folder: %w", err)
	}
	return &DirHandle{
		path:      abs,
		fs:        afero.NewBasePathFs(afero.NewOsFs(), abs),
		prompter:  prompter,
		consented: consented,
	}, nil
}

// Name returns the absolute folder path.
func (h *DirHandle) Name() string { return h.path }

// Path returns the absolute folder path.
func (h *DirHandle) Path() string { return h.path }

// FS returns the folder filesystem.
func (h *DirHandle) FS() afero.Fs { return h.fs }

// Consented reports whether the user has agreed to writes into the folder.
func (h *DirHandle) Consented() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.consented
}

// OnGranted registers fn to run each time the prompter grants consent, so the
// caller can remember it for later sessions.
func (h *DirHandle) OnGranted(fn func(*DirHandle)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onGranted = fn
}

// QueryPermission checks that the folder exists and is writable.
func (h *DirHandle) QueryPermission(_ context.Context) (Permission, error) {
	info, err := os.Stat(h.path)
	if err != nil {
		if os.IsNotExist(err) {
			return PermissionDenied, ErrUnavailable
		}
		return PermissionDenied, fmt.Errorf("failed to stat backup folder: %w", err)
	}
	if !info.IsDir() {
		return PermissionDenied, fmt.Errorf("%w: %s is not a directory", ErrUnavailable, h.path)
	}
	if err := unix.Access(h.path, unix.W_OK|unix.X_OK); err != nil {
		return PermissionDenied, nil
	}
	if !h.Consented() {
		return PermissionPrompt, nil
	}
	return PermissionGranted, nil
}

// RequestPermission asks the prompter for consent when the folder is
// writable but consent is missing.
func (h *DirHandle) RequestPermission(ctx context.Context) (Permission, error) {
	perm, err := h.QueryPermission(ctx)
	if err != nil || perm != PermissionPrompt {
		return perm, err
	}
	if h.prompter == nil {
		return PermissionDenied, nil
	}

	ok, err := h.prompter.Confirm(ctx,
		"Allow backups to this folder?",
		fmt.Sprintf("pulse will keep a copy of all data in %s after every change.", h.path))
	if err != nil {
		return PermissionDenied, fmt.Errorf("failed to ask for consent: %w", err)
	}
	if !ok {
		return PermissionDenied, nil
	}

	h.mu.Lock()
	h.consented = true
	fn := h.onGranted
	h.mu.Unlock()
	if fn != nil {
		fn(h)
	}
	return PermissionGranted, nil
}

// MemHandle is an in-memory Handle. It backs tests and dry runs; Revoke
// simulates the user withdrawing access.
type MemHandle struct {
	name string
	base afero.Fs

	mu        sync.Mutex
	fs        afero.Fs
	perm      Permission
	onRequest Permission
	requests  int
}

// NewMemHandle returns a granted handle on an empty in-memory folder.
func NewMemHandle(name string) *MemHandle {
	base := afero.NewMemMapFs()
	return &MemHandle{
		name:      name,
		base:      base,
		fs:        base,
		perm:      PermissionGranted,
		onRequest: PermissionGranted,
	}
}

// Name returns the handle name.
func (h *MemHandle) Name() string { return h.name }

// FS returns the current filesystem view; read-only after Revoke.
func (h *MemHandle) FS() afero.Fs {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fs
}

// Base returns the underlying writable filesystem regardless of permission.
func (h *MemHandle) Base() afero.Fs { return h.base }

// SetPermission sets the answer of QueryPermission and the outcome of the
// next RequestPermission.
func (h *MemHandle) SetPermission(query, onRequest Permission) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.perm = query
	h.onRequest = onRequest
	if query == PermissionGranted {
		h.fs = h.base
	} else {
		h.fs = afero.NewReadOnlyFs(h.base)
	}
}

// Revoke withdraws write access: the folder becomes read-only and every
// permission query or request is denied.
func (h *MemHandle) Revoke() {
	h.SetPermission(PermissionDenied, PermissionDenied)
}

// Requests returns how many times RequestPermission was called.
func (h *MemHandle) Requests() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.requests
}

// QueryPermission returns the configured permission.
func (h *MemHandle) QueryPermission(_ context.Context) (Permission, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.perm, nil
}

// RequestPermission applies the configured request outcome.
func (h *MemHandle) RequestPermission(_ context.Context) (Permission, error) {
	h.mu.Lock()
	h.requests++
	perm := h.perm
	onRequest := h.onRequest
	h.mu.Unlock()

	if perm == PermissionGranted {
		return perm, nil
	}
	h.SetPermission(onRequest, onRequest)
	return onRequest, nil
}
