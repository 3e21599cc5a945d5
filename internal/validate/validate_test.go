package validate

import "testing"

func TestArtifactName(t *testing.T) {
	valid := []string{"1234567.mcam", "1234567_AB123.mcam", "7654321_XYZ9.emcam", "1234567_A1.vnc"}
	for _, name := range valid {
		if err := ArtifactName(name); err != nil {
			t.Fatalf("ArtifactName(%q): %v", name, err)
		}
	}
	invalid := []string{
		"123456.mcam",                // six digits
		"12345678.mcam",              // eight digits
		"1234567_abc123.mcam",        // lowercase letters
		"1234567_ABCD123.mcam",       // four letters
		"1234567890123456.mcam",      // stem too long
		"1234567.exe",                // extension not allowed
		"1234567.link",               // links are not uploadable artifacts
	}
	for _, name := range invalid {
		if err := ArtifactName(name); err == nil {
			t.Fatalf("ArtifactName(%q) unexpectedly valid", name)
		}
	}
}

func TestLinkName(t *testing.T) {
	if err := LinkName("1234567_ABC123"); err != nil {
		t.Fatalf("LinkName: %v", err)
	}
	if err := LinkName("1234567"); err != nil {
		t.Fatalf("LinkName bare: %v", err)
	}
	invalid := []string{"1234567.link", "1234567_AB123", "1234567_ABCD123", "12345678_ABC123"}
	for _, name := range invalid {
		if err := LinkName(name); err == nil {
			t.Fatalf("LinkName(%q) unexpectedly valid", name)
		}
	}
}

func TestContentSignature(t *testing.T) {
	good := append([]byte("\x89HDF\r\n\x1a\n"), []byte("payload")...)
	if err := ContentSignature("1234567.mcam", good); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	if err := ContentSignature("1234567.mcam", []byte("not an mcam")); err == nil {
		t.Fatal("bad signature accepted")
	}
	// No signatures registered for .vnc, extension is trusted.
	if err := ContentSignature("1234567.vnc", []byte("anything")); err != nil {
		t.Fatalf("signature-free extension rejected: %v", err)
	}
	if err := ContentSignature("1234567.bin", nil); err == nil {
		t.Fatal("unknown extension accepted")
	}
}

func TestAllowedExtensionsExcludesLinks(t *testing.T) {
	for _, ext := range AllowedExtensions() {
		if ext == ".link" {
			t.Fatal("links listed as uploadable")
		}
	}
}
