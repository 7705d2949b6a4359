package artifact

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"

	"github.com/Bidon15/otaupdate/internal/merror"
)

// LoadVerifyKeys reads PEM-encoded public keys from the given paths.
func LoadVerifyKeys(paths []string) ([]crypto.PublicKey, error) {
	keys := make([]crypto.PublicKey, 0, len(paths))
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, merror.New(merror.ValidationError, "artifact.LoadVerifyKeys", err)
		}
		block, _ := pem.Decode(raw)
		if block == nil {
			return nil, merror.New(merror.ValidationError, "artifact.LoadVerifyKeys",
				fmt.Errorf("%s: not PEM", path))
		}
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, merror.New(merror.ValidationError, "artifact.LoadVerifyKeys", err)
		}
		keys = append(keys, pub)
	}
	return keys, nil
}

// VerifyManifestSignature tries every key in order against sig and the
// manifest's raw bytes, accepting on the first success. It returns
// SignatureError if every key fails.
func VerifyManifestSignature(manifest, sig []byte, keys []crypto.PublicKey) error {
	var lastErr error
	for _, key := range keys {
		if err := verifyOne(manifest, sig, key); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return merror.New(merror.SignatureError, "artifact.VerifyManifestSignature", lastErr)
}

func verifyOne(message, sig []byte, key crypto.PublicKey) error {
	switch pub := key.(type) {
	case *rsa.PublicKey:
		digest := sha256.Sum256(message)
		return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig)
	case *ecdsa.PublicKey:
		digest := sha256.Sum256(message)
		if ecdsa.VerifyASN1(pub, digest[:], sig) {
			return nil
		}
		// Historical Mender-specific format: a raw r||s concatenation
		// rather than ASN.1 DER. Try both big-endian and little-endian
		// interpretations of the halves before giving up.
		if verifyRawRS(pub, digest[:], sig, false) || verifyRawRS(pub, digest[:], sig, true) {
			return nil
		}
		return fmt.Errorf("ecdsa signature verification failed")
	case ed25519.PublicKey:
		// Ed25519 signs the message directly, never a pre-hashed digest.
		if ed25519.Verify(pub, message, sig) {
			return nil
		}
		return fmt.Errorf("ed25519 signature verification failed")
	default:
		return fmt.Errorf("unsupported public key type %T", key)
	}
}

func verifyRawRS(pub *ecdsa.PublicKey, digest, sig []byte, littleEndian bool) bool {
	if len(sig)%2 != 0 {
		return false
	}
	half := len(sig) / 2
	rBytes, sBytes := sig[:half], sig[half:]
	if littleEndian {
		rBytes = reversed(rBytes)
		sBytes = reversed(sBytes)
	}
	r := new(big.Int).SetBytes(rBytes)
	s := new(big.Int).SetBytes(sBytes)
	return ecdsa.Verify(pub, digest, r, s)
}

func reversed(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

