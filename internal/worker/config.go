package worker

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"offline_cache_proxy/internal/cache"
	"offline_cache_proxy/internal/notify"
	"offline_cache_proxy/internal/retry"
)

const (
	DefaultCacheName       = "tetris-turbo-mobile-v2"
	DefaultOfflineFallback = "./tetris.html"
	DefaultSyncTag         = "background-sync-scores"
)

// DefaultManifest is the asset list pre-populated on install.
var DefaultManifest = []string{"./", "./tetris.html", "./manifest.json"}

type Config struct {
	// CacheName is the current namespace, version tag included.
	CacheName string
	// Scope is the absolute URL manifest entries and the offline fallback
	// are resolved against.
	Scope           *url.URL
	Manifest        []string
	OfflineFallback string
	SyncTag         string
	MaxObjectBytes  int64
	// WaitForIdle keeps a freshly installed version waiting until the
	// active one is idle instead of skipping the wait.
	WaitForIdle bool
	// Install bounds retries of transient manifest fetch failures. The
	// zero value makes a single attempt per asset.
	Install      retry.Policy
	Notification NotificationTemplate
}

// NotificationTemplate is the fixed notification shown for push events.
type NotificationTemplate struct {
	Title       string
	DefaultBody string
	Icon        string
	Badge       string
	Vibrate     []int
	Actions     []notify.Action
}

func DefaultNotificationTemplate() NotificationTemplate {
	return NotificationTemplate{
		Title:       "Tetris Turbo",
		DefaultBody: "New Tetris challenge available!",
		Icon:        "./manifest.json",
		Badge:       "./manifest.json",
		Vibrate:     []int{100, 50, 100},
		Actions: []notify.Action{
			{Action: "play", Title: "Play Now", Icon: "./manifest.json"},
			{Action: "close", Title: "Close", Icon: "./manifest.json"},
		},
	}
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.CacheName) == "" {
		c.CacheName = DefaultCacheName
	}
	if c.Manifest == nil {
		c.Manifest = append([]string(nil), DefaultManifest...)
	}
	if strings.TrimSpace(c.OfflineFallback) == "" {
		c.OfflineFallback = DefaultOfflineFallback
	}
	if c.SyncTag == "" {
		c.SyncTag = DefaultSyncTag
	}
	if c.MaxObjectBytes <= 0 {
		c.MaxObjectBytes = cache.DefaultMaxObjectBytes
	}
	if c.Notification.Title == "" {
		c.Notification = DefaultNotificationTemplate()
	}
	if c.Install.MaxAttempts == 0 {
		c.Install.MaxAttempts = 1
	}
	c.Install = c.Install.WithDefaults()
	return c
}

func (c Config) validate() error {
	if c.Scope == nil || c.Scope.Host == "" || c.Scope.Scheme == "" {
		return errors.New("worker scope must be an absolute url")
	}
	for i, asset := range c.Manifest {
		if strings.TrimSpace(asset) == "" {
			return fmt.Errorf("manifest entry %d is empty", i)
		}
	}
	return nil
}

func (c Config) resolve(ref string) (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return nil, err
	}
	resolved := c.Scope.ResolveReference(parsed)
	resolved.Fragment = ""
	return resolved, nil
}
