// Package surface provides the interactive browser surface used by OAuth
// flows: an Opener that shows the authorization page and a CallbackServer that
// observes navigation to the redirect URI.
package surface

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"sync"
)

var (
	ErrUnsupportedPlatform = errors.New("no browser launcher for this platform")
	ErrNotStarted          = errors.New("callback server not started")
	ErrInvalidRedirectURI  = errors.New("invalid redirect URI")
)

// Opener presents a URL to the user.
type Opener interface {
	Open(ctx context.Context, url string) error
}

// SystemBrowser opens URLs with the operating system's default browser.
type SystemBrowser struct{}

// Open launches the platform browser command and does not wait for it.
func (SystemBrowser) Open(ctx context.Context, url string) error {
	name, args, err := browserCommand(runtime.GOOS, url)
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, name, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

func browserCommand(goos, url string) (string, []string, error) {
	switch goos {
	case "darwin":
		return "open", []string{url}, nil
	case "windows":
		return "rundll32", []string{"url.dll,FileProtocolHandler", url}, nil
	case "linux", "freebsd", "openbsd", "netbsd":
		return "xdg-open", []string{url}, nil
	default:
		return "", nil, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, goos)
	}
}

// RecordingOpener remembers URLs instead of opening them. Headless hosts use
// it to expose pending authorization URLs to an operator.
type RecordingOpener struct {
	mutex sync.Mutex
	urls  []string
	next  Opener
}

// NewRecordingOpener records every URL and forwards it to next when non-nil.
func NewRecordingOpener(next Opener) *RecordingOpener {
	return &RecordingOpener{next: next}
}

func (o *RecordingOpener) Open(ctx context.Context, url string) error {
	o.mutex.Lock()
	o.urls = append(o.urls, url)
	o.mutex.Unlock()
	if o.next != nil {
		return o.next.Open(ctx, url)
	}
	return nil
}

// URLs returns the recorded URLs in order.
func (o *RecordingOpener) URLs() []string {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return append([]string(nil), o.urls...)
}
