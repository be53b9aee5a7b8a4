package mirror

import (
	"os"
	"strings"
	"sync"

	"github.com/ProtonMail/gopenpgp/v3/crypto"
	"github.com/cockroachdb/errors"
	"log/slog"
)

// Verifier holds both ends of the trust chain: the keyring that remote
// manifests must verify against, and the private key local manifests are
// signed with. One Verifier is shared by every repository in a run and
// signing is serialized through it.
type Verifier struct {
	pgp     *crypto.PGPHandle
	public  *crypto.Key
	private *crypto.Key

	mu sync.Mutex
}

// NewVerifier loads the verification keyring and the signing key.
// passphraseFile may be empty for an unprotected signing key. A
// non-empty keyID must match the signing key's hex key ID.
func NewVerifier(keyringPath, signingKeyPath, passphraseFile, keyID string) (*Verifier, error) {
	keyringBytes, err := os.ReadFile(keyringPath) // #nosec G304 - path comes from validated config
	if err != nil {
		return nil, errors.Wrap(err, "reading keyring")
	}
	public, err := crypto.NewKeyFromArmored(string(keyringBytes))
	if err != nil {
		return nil, errors.Wrap(err, "parsing keyring "+keyringPath)
	}

	var passphrase []byte
	if passphraseFile != "" {
		raw, err := os.ReadFile(passphraseFile) // #nosec G304 - path comes from validated config
		if err != nil {
			return nil, errors.Wrap(err, "reading passphrase file")
		}
		passphrase = []byte(strings.TrimRight(string(raw), "\r\n"))
	}

	signingBytes, err := os.ReadFile(signingKeyPath) // #nosec G304 - path comes from validated config
	if err != nil {
		return nil, errors.Wrap(err, "reading signing key")
	}
	private, err := crypto.NewPrivateKeyFromArmored(string(signingBytes), passphrase)
	if err != nil {
		return nil, errors.Wrap(err, "parsing signing key "+signingKeyPath)
	}

	if keyID != "" && !strings.EqualFold(private.GetHexKeyID(), keyID) {
		return nil, errors.Newf("signing key ID mismatch: key is %s, config wants %s",
			private.GetHexKeyID(), keyID)
	}

	return &Verifier{
		pgp:     crypto.PGP(),
		public:  public,
		private: private,
	}, nil
}

// VerifyDetached checks an armored detached signature over data against
// the keyring. It reports validity and never fails; any parse or
// verification error counts as an invalid signature.
func (v *Verifier) VerifyDetached(data, sig []byte) bool {
	verifier, err := v.pgp.Verify().VerificationKey(v.public).New()
	if err != nil {
		slog.Warn("building signature verifier failed", "error", err)
		return false
	}
	result, err := verifier.VerifyDetached(data, sig, crypto.Armor)
	if err != nil {
		return false
	}
	return result.SignatureError() == nil
}

// SignDetached produces an armored detached signature over data with the
// signing key.
func (v *Verifier) SignDetached(data []byte) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	signer, err := v.pgp.Sign().SigningKey(v.private).Detached().New()
	if err != nil {
		return nil, errors.Wrap(err, "building signer")
	}
	sig, err := signer.Sign(data, crypto.Armor)
	if err != nil {
		return nil, errors.Wrap(err, "signing")
	}
	return sig, nil
}

// SignCleartext embeds data in a cleartext signature, the form published
// as InRelease.
func (v *Verifier) SignCleartext(data []byte) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	signer, err := v.pgp.Sign().SigningKey(v.private).New()
	if err != nil {
		return nil, errors.Wrap(err, "building signer")
	}
	out, err := signer.SignCleartext(data)
	if err != nil {
		return nil, errors.Wrap(err, "signing")
	}
	return out, nil
}

// SigningKeyID returns the hex key ID of the loaded signing key.
func (v *Verifier) SigningKeyID() string {
	return v.private.GetHexKeyID()
}
