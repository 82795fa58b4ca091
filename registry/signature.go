package registry

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"

	"encore.app/internal/kernelerrors"
)

// SignatureErrorKind classifies why signature verification rejected a
// bundle, ported one-for-one from security/signatures.py's
// SignatureVerificationError contract (confirmed by test_signature.py's
// roundtrip expectations).
type SignatureErrorKind string

const (
	MissingKeys      SignatureErrorKind = "missing_keys"
	MissingSignature SignatureErrorKind = "missing_signature"
	DecodeFailure    SignatureErrorKind = "decode_failure"
	NoKeyAccepted    SignatureErrorKind = "no_key_accepted"
)

// SignatureError reports why a bundle failed signature verification.
type SignatureError struct {
	Kind SignatureErrorKind
	Path string
	Err  error
}

func (e *SignatureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("signature verification failed for %q (%s): %v", e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("signature verification failed for %q (%s)", e.Path, e.Kind)
}

func (e *SignatureError) Unwrap() error { return kernelerrors.ErrSignature }

// LoadPublicKeys parses a list of PEM files into RSA public keys, ported
// from load_public_keys_from_files.
func LoadPublicKeys(paths []string) ([]*rsa.PublicKey, error) {
	keys := make([]*rsa.PublicKey, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading public key %q: %w", path, err)
		}
		key, err := parsePublicKeyPEM(data)
		if err != nil {
			return nil, fmt.Errorf("parsing public key %q: %w", path, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func parsePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA")
	}
	return rsaKey, nil
}

// VerifyBundleSignature checks the detached signature sibling of path
// (`<path>.sig`, base64-encoded PKCS1v15-SHA256 over the bundle's raw
// bytes) against publicKeys, accepting if any one key verifies. Ported
// from security/signatures.py's verify_dlc_signature: the signature file
// holds base64(sign(sha256(file_bytes))), and verification succeeds the
// moment one configured key accepts it.
func VerifyBundleSignature(path string, publicKeys []*rsa.PublicKey) error {
	if len(publicKeys) == 0 {
		return &SignatureError{Kind: MissingKeys, Path: path}
	}

	sigPath := path + ".sig"
	sigB64, err := os.ReadFile(sigPath)
	if err != nil {
		return &SignatureError{Kind: MissingSignature, Path: path, Err: err}
	}

	sig := make([]byte, base64.StdEncoding.DecodedLen(len(sigB64)))
	n, err := base64.StdEncoding.Decode(sig, sigB64)
	if err != nil {
		return &SignatureError{Kind: DecodeFailure, Path: path, Err: err}
	}
	sig = sig[:n]

	content, err := os.ReadFile(path)
	if err != nil {
		return &SignatureError{Kind: DecodeFailure, Path: path, Err: err}
	}
	digest := sha256.Sum256(content)

	for _, key := range publicKeys {
		if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], sig); err == nil {
			return nil
		}
	}
	return &SignatureError{Kind: NoKeyAccepted, Path: path}
}

// RequiresVerification decides whether path must be signature-checked
// before loading, porting _verify_dlc_file_signature's gating logic:
// required forces it; verifyIfPresent only checks when a sibling .sig
// file actually exists.
func RequiresVerification(path string, required, verifyIfPresent bool) bool {
	if required {
		return true
	}
	if !verifyIfPresent {
		return false
	}
	_, err := os.Stat(path + ".sig")
	return err == nil
}
