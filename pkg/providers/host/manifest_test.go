package host

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const manifestYAML = `
name: cloudsim
version: 0.2.0
module: cloudsim.wasm
capabilities:
  - net:outbound
resources:
  compute.network:
    attributes:
      cidr:
        type: string
        required: true
        forces_replacement: true
      name:
        type: string
        updatable: true
      id:
        type: string
        computed: true
`

func TestManifestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	module := []byte("\x00asm not a real module")
	if err := os.WriteFile(filepath.Join(dir, "cloudsim.wasm"), module, 0o644); err != nil {
		t.Fatalf("write module: %v", err)
	}
	manifestPath := filepath.Join(dir, "cloudsim.yaml")
	if err := os.WriteFile(manifestPath, []byte(manifestYAML), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	manifest, err := NewManifestLoader("").LoadFromFile(manifestPath)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if manifest.Doc.Name != "cloudsim" || manifest.Doc.Version != "0.2.0" {
		t.Errorf("doc = %+v", manifest.Doc)
	}
	if manifest.ModulePath != filepath.Join(dir, "cloudsim.wasm") {
		t.Errorf("module path = %q", manifest.ModulePath)
	}
	if manifest.Verified {
		t.Error("verified without checksum")
	}

	schemas := manifest.Schemas()
	network := schemas["compute.network"]
	if network == nil {
		t.Fatal("network schema missing")
	}
	if !network.Attributes["cidr"].ForcesReplacement {
		t.Error("cidr not marked forces_replacement")
	}
	if !network.Attributes["id"].Computed {
		t.Error("id not marked computed")
	}
}

func TestManifestChecksum(t *testing.T) {
	module := []byte("provider module bytes")
	sum := sha256.Sum256(module)
	good := strings.Replace(manifestYAML, "capabilities:",
		"checksum: "+hex.EncodeToString(sum[:])+"\ncapabilities:", 1)

	manifest, err := NewManifestLoader("").LoadFromBytes([]byte(good), module)
	if err != nil {
		t.Fatalf("LoadFromBytes: %v", err)
	}
	if !manifest.Verified {
		t.Error("checksum not verified")
	}

	if _, err := NewManifestLoader("").LoadFromBytes([]byte(good), []byte("tampered")); err == nil {
		t.Error("tampered module accepted")
	}
}

func TestManifestValidation(t *testing.T) {
	cases := map[string]string{
		"missing name":    strings.Replace(manifestYAML, "name: cloudsim", "", 1),
		"missing version": strings.Replace(manifestYAML, "version: 0.2.0", "", 1),
		"missing module":  strings.Replace(manifestYAML, "module: cloudsim.wasm", "", 1),
		"no resources":    "name: x\nversion: 1.0.0\nmodule: x.wasm\n",
	}
	for name, yaml := range cases {
		if _, err := NewManifestLoader("").LoadFromBytes([]byte(yaml), nil); err == nil {
			t.Errorf("%s: manifest accepted, want error", name)
		}
	}
}

func TestCapabilityEnforcer(t *testing.T) {
	enforcer := NewCapabilityEnforcer([]string{"fs:temp"}, t.TempDir())
	if err := enforcer.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if err := enforcer.WriteTempFile("scratch.json", []byte(`{}`)); err != nil {
		t.Fatalf("WriteTempFile: %v", err)
	}
	data, err := enforcer.ReadTempFile("scratch.json")
	if err != nil || string(data) != "{}" {
		t.Fatalf("ReadTempFile: %q %v", data, err)
	}

	if err := enforcer.WriteTempFile("../escape", []byte("x")); err == nil {
		t.Error("path traversal accepted")
	}

	// net:outbound was not granted.
	if _, err := enforcer.HTTPRequest(context.Background(), "GET", "http://localhost/", nil); err == nil {
		t.Error("HTTP request allowed without capability")
	}

	bad := NewCapabilityEnforcer([]string{"kernel:load"}, "")
	if err := bad.Validate(); err == nil {
		t.Error("unknown capability accepted")
	}
}
