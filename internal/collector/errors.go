package collector

import (
	"errors"

	"hls-collector/internal/manifest"
)

// Error kinds escalated to the host. Wrapped values are matched with
// errors.Is.
var (
	ErrManifestDownload  = errors.New("manifest download failed")
	ErrInvalidManifest   = manifest.ErrInvalidManifest
	ErrManifestContent   = errors.New("manifest has no media fragments")
	ErrUnsupportedCrypto = errors.New("unsupported encryption method")
	ErrFragmentDownload  = errors.New("fragment download failed")
	ErrLicenseTimeout    = errors.New("license acquisition timed out")
	ErrDecryptFailed     = errors.New("fragment decryption failed")
	ErrTracksSync        = errors.New("track synchronization failed")
	ErrSeekRange         = errors.New("seek position outside playable window")
	ErrTransientNetwork  = errors.New("transient network failure")
)
