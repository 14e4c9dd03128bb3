package policy

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var nameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// LoadFromFile parses and validates one policy document. Unknown fields are
// rejected so a typo never silently weakens a rule.
func LoadFromFile(path string) (*Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return Parse(b)
}

// Parse decodes and validates a policy document from raw YAML.
func Parse(b []byte) (*Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	var d Document
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("validate policy: %w", err)
	}
	return &d, nil
}

// ResolveDocumentPath locates a named policy document under dir.
func ResolveDocumentPath(dir, name string) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("policy dir is empty")
	}
	if !nameRe.MatchString(name) {
		return "", fmt.Errorf("invalid policy name")
	}
	try := []string{
		filepath.Join(dir, name+".yaml"),
		filepath.Join(dir, name+".yml"),
		filepath.Join(dir, name),
	}
	for _, p := range try {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("policy %q not found in %q", name, dir)
}

// VerifyManifest checks the document bytes against a sha256 manifest file
// (lines of "<hex> <basename>"). It guards against a policy file edited
// outside the authorized reload path.
func VerifyManifest(path string, data []byte, manifestPath string) error {
	manifest, err := os.ReadFile(manifestPath)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	base := filepath.Base(path)
	expected := ""
	for _, ln := range bytes.Split(bytes.TrimSpace(manifest), []byte{'\n'}) {
		fields := bytes.Fields(ln)
		if len(fields) >= 2 && string(fields[1]) == base {
			expected = string(fields[0])
			break
		}
	}
	if expected == "" {
		return fmt.Errorf("policy not listed in manifest: %s", base)
	}
	actual := sha256.Sum256(data)
	if expected != hex.EncodeToString(actual[:]) {
		return fmt.Errorf("policy hash mismatch: %s", base)
	}
	return nil
}
