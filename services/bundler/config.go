package bundler

import (
	"io"
	"net/http"
	"time"
)

// BuildConfig configures bundle creation from a model directory.
type BuildConfig struct {
	ModelDir  string
	Output    string
	Name      string
	Version   string
	Framework string
	Type      string
	Tags      map[string]string
	Signer    *Signer
	Now       func() time.Time
	Stdout    io.Writer
}

// PushConfig configures uploading a built bundle to the registry API.
type PushConfig struct {
	BundlePath string
	APIBaseURL string
	TenantID   string
	HTTPClient *http.Client
	Stdout     io.Writer
}
