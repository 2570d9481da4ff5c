package orchestrator

import (
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"time"

	"github.com/ic-boundary/certificate-issuer/core"
	ierrors "github.com/ic-boundary/certificate-issuer/errors"
)

// PackCertificate combines a PEM private key and certificate chain into the
// single plaintext blob codec.Cipher encrypts, length-prefixing the key so
// the two halves can be told apart again on decrypt.
func PackCertificate(privateKeyPEM, chainPEM []byte) []byte {
	buf := make([]byte, 4+len(privateKeyPEM)+len(chainPEM))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(privateKeyPEM)))
	copy(buf[4:], privateKeyPEM)
	copy(buf[4+len(privateKeyPEM):], chainPEM)
	return buf
}

func splitCertificatePair(name string, plaintext []byte) (core.CertificatePair, error) {
	if len(plaintext) < 4 {
		return core.CertificatePair{}, ierrors.IntegrityError("decrypted certificate payload for %s is truncated", name)
	}
	keyLen := binary.BigEndian.Uint32(plaintext[:4])
	if uint32(len(plaintext)-4) < keyLen {
		return core.CertificatePair{}, ierrors.IntegrityError("decrypted certificate payload for %s has an invalid key length", name)
	}
	privateKeyPEM := plaintext[4 : 4+keyLen]
	chainPEM := plaintext[4+keyLen:]

	notAfter, err := leafNotAfter(chainPEM)
	if err != nil {
		return core.CertificatePair{}, err
	}

	return core.CertificatePair{
		Name:       name,
		PrivateKey: append([]byte(nil), privateKeyPEM...),
		Chain:      append([]byte(nil), chainPEM...),
		NotAfter:   notAfter,
	}, nil
}

func leafNotAfter(chainPEM []byte) (time.Time, error) {
	block, _ := pem.Decode(chainPEM)
	if block == nil {
		return time.Time{}, ierrors.IntegrityError("certificate chain is not valid PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return time.Time{}, ierrors.IntegrityError("leaf certificate is not parseable: %s", err)
	}
	return cert.NotAfter, nil
}
