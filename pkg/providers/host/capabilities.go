package host

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Capability names a host facility a WASM provider may request.
type Capability string

const (
	// CapabilityNetOutbound allows outbound HTTP requests.
	CapabilityNetOutbound Capability = "net:outbound"

	// CapabilityFSTemp allows scratch files under the host temp dir.
	CapabilityFSTemp Capability = "fs:temp"
)

// CapabilityEnforcer gates host functions behind the capabilities the
// manifest granted. A provider calling a function it was not granted gets
// an error, never the facility.
type CapabilityEnforcer struct {
	granted    map[Capability]bool
	httpClient *http.Client
	tempDir    string
}

// NewCapabilityEnforcer creates an enforcer for the granted capabilities.
func NewCapabilityEnforcer(capabilities []string, tempDir string) *CapabilityEnforcer {
	enforcer := &CapabilityEnforcer{
		granted:    make(map[Capability]bool, len(capabilities)),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		tempDir:    tempDir,
	}
	for _, c := range capabilities {
		enforcer.granted[Capability(c)] = true
	}
	return enforcer
}

// Has reports whether the capability was granted.
func (e *CapabilityEnforcer) Has(capability Capability) bool {
	return e.granted[capability]
}

// Validate checks that every requested capability is a known one.
func (e *CapabilityEnforcer) Validate() error {
	known := map[Capability]bool{CapabilityNetOutbound: true, CapabilityFSTemp: true}
	var unknown []string
	for c := range e.granted {
		if !known[c] {
			unknown = append(unknown, string(c))
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("unknown capabilities requested: %v", unknown)
	}
	return nil
}

// HTTPRequest performs an outbound request under net:outbound.
func (e *CapabilityEnforcer) HTTPRequest(ctx context.Context, method, url string, body io.Reader) (*http.Response, error) {
	if !e.Has(CapabilityNetOutbound) {
		return nil, fmt.Errorf("capability %s not granted", CapabilityNetOutbound)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	return e.httpClient.Do(req)
}

// WriteTempFile writes a scratch file under fs:temp.
func (e *CapabilityEnforcer) WriteTempFile(name string, data []byte) error {
	path, err := e.tempPath(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(e.tempDir, 0o750); err != nil {
		return fmt.Errorf("create temp directory: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// ReadTempFile reads a scratch file under fs:temp.
func (e *CapabilityEnforcer) ReadTempFile(name string) ([]byte, error) {
	path, err := e.tempPath(name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// Cleanup removes the provider's scratch directory.
func (e *CapabilityEnforcer) Cleanup() error {
	if e.tempDir == "" {
		return nil
	}
	return os.RemoveAll(e.tempDir)
}

func (e *CapabilityEnforcer) tempPath(name string) (string, error) {
	if !e.Has(CapabilityFSTemp) {
		return "", fmt.Errorf("capability %s not granted", CapabilityFSTemp)
	}
	path := filepath.Join(e.tempDir, name)
	// Reject path traversal out of the scratch directory.
	if !strings.HasPrefix(filepath.Clean(path), filepath.Clean(e.tempDir)+string(os.PathSeparator)) {
		return "", fmt.Errorf("invalid temp file name %q", name)
	}
	return path, nil
}
