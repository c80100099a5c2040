// Package pgp verifies OpenPGP/MIME signed messages and decrypts OpenPGP/MIME
// encrypted messages, see RFC 3156. Only the read paths are implemented.
package pgp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
	pgperrors "golang.org/x/crypto/openpgp/errors"

	"github.com/mjl-/moxmime/message"
	"github.com/mjl-/moxmime/metrics"
	"github.com/mjl-/moxmime/mlog"
)

const (
	SignProtocol    = "application/pgp-signature"
	EncryptProtocol = "application/pgp-encrypted"
)

var (
	ErrFormat   = errors.New("incorrect message format")
	ErrProtocol = errors.New("unsupported protocol")
)

// SignStatus is the outcome of checking a signature.
type SignStatus int

const (
	SignNone    SignStatus = iota // Not signed.
	SignGood                      // Valid signature by a key in the keyring.
	SignBad                       // Signature does not match the content.
	SignUnknown                   // Signed by a key not in the keyring.
)

func (s SignStatus) String() string {
	switch s {
	case SignNone:
		return "none"
	case SignGood:
		return "good"
	case SignBad:
		return "bad"
	case SignUnknown:
		return "unknown"
	}
	return fmt.Sprintf("SignStatus(%d)", int(s))
}

// Validity describes the signature and encryption state of a message.
type Validity struct {
	Sign        SignStatus
	Signer      string // Identity of the signing key, for SignGood.
	KeyID       uint64 // Key id of the signing key, if known.
	Description string // Diagnostics for the signature check.
	Encrypted   bool
}

// ReadKeyring reads public and/or secret keys from an armored or binary
// keyring file.
func ReadKeyring(path string) (openpgp.EntityList, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading keyring: %w", err)
	}
	if isArmored(buf) {
		l, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(buf))
		if err != nil {
			return nil, fmt.Errorf("parsing armored keyring: %w", err)
		}
		return l, nil
	}
	l, err := openpgp.ReadKeyRing(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("parsing keyring: %w", err)
	}
	return l, nil
}

func isArmored(buf []byte) bool {
	return bytes.HasPrefix(bytes.TrimLeft(buf, " \t\r\n"), []byte("-----BEGIN "))
}

func identity(e *openpgp.Entity) string {
	for name := range e.Identities {
		return name
	}
	return ""
}

// Verify checks the signature of a multipart/signed against the signed content
// with line endings canonicalized. A bad signature or a signature by an unknown
// key is not an error, it is reported in the validity.
func Verify(elog *slog.Logger, keyring openpgp.KeyRing, ms *message.MultipartSigned) (rv *Validity, rerr error) {
	log := mlog.New("pgp", elog)
	defer func() {
		result := "error"
		if rerr == nil {
			result = rv.Sign.String()
		}
		metrics.SignedVerifyInc(result)
	}()

	if !strings.EqualFold(ms.Protocol(), SignProtocol) {
		return nil, fmt.Errorf("%w: cannot verify signature with protocol %q", ErrProtocol, ms.Protocol())
	}
	content, err := ms.ContentStream()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	sigpart, err := ms.Part(message.SignedSignature)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	sigr, err := sigpart.DecodedReader()
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %v", ErrFormat, err)
	}
	sig, err := io.ReadAll(sigr)
	if err != nil {
		return nil, fmt.Errorf("reading signature: %w", err)
	}

	var signer *openpgp.Entity
	if isArmored(sig) {
		signer, err = openpgp.CheckArmoredDetachedSignature(keyring, content, bytes.NewReader(sig))
	} else {
		signer, err = openpgp.CheckDetachedSignature(keyring, content, bytes.NewReader(sig))
	}
	v := &Validity{}
	switch {
	case err == nil:
		v.Sign = SignGood
		v.Signer = identity(signer)
		v.KeyID = signer.PrimaryKey.KeyId
		v.Description = "good signature from " + v.Signer
	case errors.Is(err, pgperrors.ErrUnknownIssuer):
		v.Sign = SignUnknown
		v.Description = "signed by unknown key"
	default:
		var serr pgperrors.SignatureError
		var uerr pgperrors.UnsupportedError
		var ierr pgperrors.StructuralError
		if !errors.As(err, &serr) && !errors.As(err, &uerr) && !errors.As(err, &ierr) && err != io.EOF {
			return nil, fmt.Errorf("checking signature: %w", err)
		}
		v.Sign = SignBad
		v.Description = err.Error()
	}
	log.Debug("signature checked",
		slog.String("status", v.Sign.String()),
		slog.String("signer", v.Signer),
		slog.String("micalg", ms.Micalg()))
	return v, nil
}

// Decrypt decrypts the encrypted part of a multipart/encrypted with a secret
// key from the keyring and parses the cleartext as a part. The decrypted part
// is cached in me. If the cleartext was signed, the signature status is set in
// the returned validity.
func Decrypt(elog *slog.Logger, keyring openpgp.KeyRing, me *message.MultipartEncrypted) (*message.Part, *Validity, error) {
	log := mlog.New("pgp", elog)

	if !strings.EqualFold(me.Protocol(), EncryptProtocol) {
		return nil, nil, fmt.Errorf("%w: cannot decrypt with protocol %q", ErrProtocol, me.Protocol())
	}
	ep := me.EncryptedPart()
	if ep == nil {
		return nil, nil, fmt.Errorf("%w: missing encrypted part", ErrFormat)
	}
	r, err := ep.DecodedReader()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: encrypted part: %v", ErrFormat, err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("reading encrypted part: %w", err)
	}
	var er io.Reader = bytes.NewReader(data)
	if isArmored(data) {
		block, err := armor.Decode(er)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: decoding armor: %v", ErrFormat, err)
		}
		er = block.Body
	}

	md, err := openpgp.ReadMessage(er, keyring, nil, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("decrypting: %w", err)
	}
	cleartext, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		return nil, nil, fmt.Errorf("reading decrypted data: %w", err)
	}

	v := &Validity{Encrypted: md.IsEncrypted, Description: "encrypted content"}
	if md.IsSigned {
		v.KeyID = md.SignedByKeyId
		// Signature errors are only known after reading the body.
		switch {
		case md.SignedBy == nil:
			v.Sign = SignUnknown
		case md.SignatureError != nil:
			v.Sign = SignBad
			v.Description = md.SignatureError.Error()
		default:
			v.Sign = SignGood
			v.Signer = identity(md.SignedBy.Entity)
		}
	}

	m, err := message.ParseBytes(elog, cleartext)
	if m == nil {
		return nil, v, fmt.Errorf("%w: parsing decrypted content: %v", ErrFormat, err)
	}
	if err != nil {
		log.Debugx("parsing decrypted content, continuing", err)
	}
	me.SetDecrypted(&m.Part)
	log.Debug("message decrypted", slog.Int("size", len(cleartext)), slog.String("sign", v.Sign.String()))
	return &m.Part, v, nil
}
