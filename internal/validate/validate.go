// Package validate checks artifact and link filenames against the naming
// scheme the store enforces, plus content signatures for formats that carry
// magic numbers.
package validate

import (
	"bytes"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	maxArtifactStem = 15
	maxLinkName     = 14 // 7 digits + underscore + 3 letters + 3 digits
)

var (
	artifactPattern = regexp.MustCompile(`^\d{7}(_[A-Z]{1,3}\d{1,3})?$`)
	linkPattern     = regexp.MustCompile(`^\d{7}(_[A-Z]{3}\d{3})?$`)
)

// signatures maps extensions to the magic-number prefixes accepted for that
// format. A nil entry means the extension is trusted without sniffing.
var signatures = map[string][][]byte{
	".mcam": {
		[]byte("\x89HDF\r\n\x1a\n"),         // commercial build
		[]byte("\x89HDF\x01\x02\x03\x04"), // HLE build
	},
	".vnc":   nil,
	".emcam": nil,
	".link":  nil,
}

// ArtifactName validates a regular artifact filename (with extension).
func ArtifactName(filename string) error {
	stem := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	if len(stem) > maxArtifactStem {
		return fmt.Errorf("filename stem exceeds %d characters", maxArtifactStem)
	}
	if !artifactPattern.MatchString(stem) {
		return fmt.Errorf("filename must follow 7digits_1-3LETTERS1-3numbers (e.g. 1234567_AB123)")
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if _, ok := signatures[ext]; !ok || ext == ".link" {
		return fmt.Errorf("file type %q not allowed", ext)
	}
	return nil
}

// LinkName validates a link name (no extension permitted).
func LinkName(name string) error {
	if strings.Contains(name, ".") {
		return fmt.Errorf("link names cannot have file extensions")
	}
	if len(name) > maxLinkName {
		return fmt.Errorf("link name exceeds %d characters", maxLinkName)
	}
	if !linkPattern.MatchString(name) {
		return fmt.Errorf("link name must follow 7digits_3LETTERS3numbers (e.g. 1234567_ABC123)")
	}
	return nil
}

// ContentSignature verifies the leading bytes of a file against the magic
// numbers registered for its extension. Extensions without signatures are
// trusted.
func ContentSignature(filename string, head []byte) error {
	ext := strings.ToLower(filepath.Ext(filename))
	sigs, ok := signatures[ext]
	if !ok {
		return fmt.Errorf("file type %q not allowed", ext)
	}
	if sigs == nil {
		return nil
	}
	for _, sig := range sigs {
		if bytes.HasPrefix(head, sig) {
			return nil
		}
	}
	return fmt.Errorf("content signature does not match %s format", ext)
}

// AllowedExtensions lists uploadable artifact extensions. Links are excluded;
// they are created through the link operation, not upload.
func AllowedExtensions() []string {
	exts := make([]string, 0, len(signatures))
	for ext := range signatures {
		if ext == ".link" {
			continue
		}
		exts = append(exts, ext)
	}
	return exts
}

// SignatureSniffLen returns how many leading bytes ContentSignature needs.
func SignatureSniffLen() int {
	max := 0
	for _, sigs := range signatures {
		for _, sig := range sigs {
			if len(sig) > max {
				max = len(sig)
			}
		}
	}
	return max
}
