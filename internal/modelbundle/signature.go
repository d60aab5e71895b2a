package modelbundle

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SignatureFile holds the detached ed25519 signature over the manifest
// bytes, either as bare base64 or as {"algorithm","signature"} JSON.
const SignatureFile = "bundle.sig"

type manifestSignature struct {
	Algorithm string `json:"algorithm"`
	Signature string `json:"signature"`
}

// DecodePublicKey accepts standard or URL-safe base64, padded or not.
func DecodePublicKey(v string) (ed25519.PublicKey, error) {
	b, err := decodeBase64(v)
	if err != nil {
		return nil, fmt.Errorf("manifest public key: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid manifest public key length: %d", len(b))
	}
	return ed25519.PublicKey(b), nil
}

// VerifySignature checks SignatureFile in dir against the manifest.
func VerifySignature(dir string, pk ed25519.PublicKey) error {
	manifest, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	return verifyManifestBytes(dir, manifest, pk)
}

// verifyManifestBytes checks SignatureFile in dir against manifest, the
// exact bytes the caller goes on to parse.
func verifyManifestBytes(dir string, manifest []byte, pk ed25519.PublicKey) error {
	if len(pk) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid manifest public key length: %d", len(pk))
	}
	data, err := os.ReadFile(filepath.Join(dir, SignatureFile))
	if err != nil {
		return fmt.Errorf("read manifest signature: %w", err)
	}

	encoded, alg := strings.TrimSpace(string(data)), "ed25519"
	var sig manifestSignature
	if jsonErr := json.Unmarshal(data, &sig); jsonErr == nil && strings.TrimSpace(sig.Signature) != "" {
		encoded = strings.TrimSpace(sig.Signature)
		if a := strings.ToLower(strings.TrimSpace(sig.Algorithm)); a != "" {
			alg = a
		}
	}
	if alg != "ed25519" {
		return fmt.Errorf("unsupported signature algorithm %q", alg)
	}

	raw, err := decodeBase64(encoded)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if len(raw) != ed25519.SignatureSize {
		return fmt.Errorf("manifest signature invalid length: got %d, want %d", len(raw), ed25519.SignatureSize)
	}
	if !ed25519.Verify(pk, manifest, raw) {
		return errors.New("manifest signature verification failed")
	}
	return nil
}

func decodeBase64(v string) ([]byte, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, errors.New("empty value")
	}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(v); err == nil {
			return b, nil
		}
	}
	return nil, errors.New("not valid base64")
}
