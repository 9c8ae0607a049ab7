// Package botpkg downloads, verifies and installs the single active bot
// script, and keeps it available to the pipeline between runs.
package botpkg

import (
	"errors"
	"fmt"
	"time"
)

// Package is the metadata of the installed bot. The script bytes are read
// from disk on every LoadScript call and never cached.
type Package struct {
	SourceURL          string `json:"sourceUrl"`
	ContentHash        string `json:"contentHash"`
	InstalledAtEpochMs int64  `json:"installedAtEpochMs"`
	SizeBytes          int64  `json:"sizeBytes"`
}

func (p *Package) InstalledAt() time.Time {
	return time.UnixMilli(p.InstalledAtEpochMs)
}

type InstallResult struct {
	Package *Package
	// Changed is false when the fetched bytes matched the installed hash.
	Changed bool
	// StorageCleared reports that the install replaced a bot from a
	// different source and its key-value data was dropped.
	StorageCleared bool
}

var (
	ErrInvalidURLScheme    = errors.New("only HTTPS URLs are allowed")
	ErrNetworkFailure      = errors.New("network failure")
	ErrIntegrityOrTransfer = errors.New("integrity or transfer failure")
	ErrRateLimited         = errors.New("download rate limited")

	ErrNoPackage      = errors.New("no bot installed")
	ErrCorruptPackage = errors.New("installed bot does not match its hash")
)

// DownloadError is returned by the install and update paths. The
// previously installed package is untouched whenever one is returned.
type DownloadError struct {
	Kind       error
	URL        string
	Err        error
	RetryAfter time.Duration
}

func (e *DownloadError) Error() string {
	msg := fmt.Sprintf("download %s: %s", e.URL, e.Kind)
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry in %s)", e.RetryAfter.Round(time.Second))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DownloadError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

type installOptions struct {
	expectedHash string
}

type InstallOption func(*installOptions)

// WithExpectedHash rejects the download unless its SHA-256 matches hash.
func WithExpectedHash(hash string) InstallOption {
	return func(o *installOptions) { o.expectedHash = hash }
}
