package canonical

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"

	"github.com/pkg/errors"
)

// B64 is the unpadded standard encoding Matrix uses for hashes, signatures
// and keys.
var B64 = base64.RawStdEncoding

// EventID recomputes the reference hash id of an event from its raw JSON:
// sha256 over the canonical form with event_id, signatures, unsigned and
// age_ts removed, unpadded base64, prefixed with '$'.
func EventID(raw []byte) (string, error) {
	stripped, err := Strip(raw, "event_id", "signatures", "unsigned", "age_ts")
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(stripped)
	return "$" + B64.EncodeToString(sum[:]), nil
}

// ContentHash computes the sha256 content hash of an event: canonical form
// with unsigned, signatures and hashes removed.
func ContentHash(raw []byte) (string, error) {
	stripped, err := Strip(raw, "unsigned", "signatures", "hashes")
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(stripped)
	return B64.EncodeToString(sum[:]), nil
}

// signable returns the canonical form over which signatures are computed:
// the event with unsigned and signatures removed. The content hash stays in.
func signable(raw []byte) ([]byte, error) {
	return Strip(raw, "unsigned", "signatures")
}

// VerifyEvent checks the detached ed25519 signature an event carries for
// (origin, keyID) against pub.
func VerifyEvent(raw []byte, origin, keyID string, pub ed25519.PublicKey) error {
	msg, err := signable(raw)
	if err != nil {
		return err
	}
	var envelope struct {
		Signatures map[string]map[string]string `json:"signatures"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return errors.Wrap(err, "canonical: signatures")
	}
	sigB64, ok := envelope.Signatures[origin][keyID]
	if !ok {
		return errors.Errorf("canonical: no signature by %s with %s", origin, keyID)
	}
	sig, err := B64.DecodeString(sigB64)
	if err != nil {
		return errors.Wrap(err, "canonical: signature base64")
	}
	if len(pub) != ed25519.PublicKeySize {
		return errors.New("canonical: bad public key size")
	}
	if !ed25519.Verify(pub, msg, sig) {
		return errors.New("canonical: signature verification failed")
	}
	return nil
}

// SignJSON produces the detached signature for a JSON object as origin would:
// ed25519 over the canonical form with unsigned and signatures removed.
func SignJSON(raw []byte, priv ed25519.PrivateKey) (string, error) {
	msg, err := signable(raw)
	if err != nil {
		return "", err
	}
	return B64.EncodeToString(ed25519.Sign(priv, msg)), nil
}

// VerifyJSON checks a detached signature over an arbitrary JSON object, as
// used for server key self-signatures.
func VerifyJSON(raw []byte, origin, keyID string, pub ed25519.PublicKey) error {
	return VerifyEvent(raw, origin, keyID, pub)
}
