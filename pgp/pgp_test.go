package pgp

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
	"golang.org/x/crypto/openpgp/packet"
	_ "golang.org/x/crypto/ripemd160" // Default hash for recipients without hash preferences.

	"github.com/mjl-/moxmime/message"
)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare[T comparable](t *testing.T, got, exp T) {
	t.Helper()
	if got != exp {
		t.Fatalf("got %v, expected %v", got, exp)
	}
}

func newEntity(t *testing.T, name, email string) *openpgp.Entity {
	t.Helper()
	e, err := openpgp.NewEntity(name, "", email, &packet.Config{RSABits: 1024})
	tcheck(t, err, "new entity")
	return e
}

func parseSigned(t *testing.T, msg string) *message.MultipartSigned {
	t.Helper()
	m, err := message.ParseBytes(nil, []byte(msg))
	tcheck(t, err, "parse")
	ms, ok := m.Content().(*message.MultipartSigned)
	if !ok {
		t.Fatalf("content is %T, expected multipart/signed", m.Content())
	}
	return ms
}

func signedMessage(t *testing.T, signer *openpgp.Entity, content, sent string) string {
	t.Helper()
	var sig bytes.Buffer
	canon := strings.ReplaceAll(content, "\n", "\r\n")
	err := openpgp.ArmoredDetachSign(&sig, signer, strings.NewReader(canon), nil)
	tcheck(t, err, "sign")
	return "From: alice@example.org\n" +
		`Content-Type: multipart/signed; boundary=B; protocol="application/pgp-signature"; micalg=pgp-sha256` + "\n" +
		"\n" +
		"--B\n" +
		sent + "\n" +
		"--B\n" +
		"Content-Type: application/pgp-signature\n" +
		"\n" +
		sig.String() + "\n" +
		"--B--\n"
}

func TestVerify(t *testing.T) {
	alice := newEntity(t, "Alice", "alice@example.org")
	bob := newEntity(t, "Bob", "bob@example.org")
	keyring := openpgp.EntityList{alice, bob}

	content := "Content-Type: text/plain\n\nsigned text"
	ms := parseSigned(t, signedMessage(t, alice, content, content))
	v, err := Verify(nil, keyring, ms)
	tcheck(t, err, "verify")
	tcompare(t, v.Sign, SignGood)
	tcompare(t, v.Signer, "Alice <alice@example.org>")
	tcompare(t, v.KeyID, alice.PrimaryKey.KeyId)

	// Content signed with CRLF verifies when sent with CRLF too.
	crlf := strings.ReplaceAll(signedMessage(t, alice, content, content), "\n", "\r\n")
	v, err = Verify(nil, keyring, parseSigned(t, crlf))
	tcheck(t, err, "verify crlf")
	tcompare(t, v.Sign, SignGood)

	// Modified content.
	ms = parseSigned(t, signedMessage(t, alice, content, content+"!"))
	v, err = Verify(nil, keyring, ms)
	tcheck(t, err, "verify modified")
	tcompare(t, v.Sign, SignBad)

	// Key not in keyring.
	ms = parseSigned(t, signedMessage(t, alice, content, content))
	v, err = Verify(nil, openpgp.EntityList{bob}, ms)
	tcheck(t, err, "verify unknown")
	tcompare(t, v.Sign, SignUnknown)

	// Wrong protocol.
	msg := strings.Replace(signedMessage(t, alice, content, content), "application/pgp-signature\"", "application/pkcs7-signature\"", 1)
	_, err = Verify(nil, keyring, parseSigned(t, msg))
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("got err %v, expected ErrProtocol", err)
	}

	// Missing signature part.
	msg = "Content-Type: multipart/signed; boundary=B; protocol=\"application/pgp-signature\"\n\n--B\n" + content + "\n--B--\n"
	m, _ := message.ParseBytes(nil, []byte(msg))
	_, err = Verify(nil, keyring, m.Content().(*message.MultipartSigned))
	if !errors.Is(err, ErrFormat) {
		t.Fatalf("got err %v, expected ErrFormat", err)
	}
}

func encryptedMessage(t *testing.T, to, signer *openpgp.Entity, cleartext string) string {
	t.Helper()
	var buf bytes.Buffer
	aw, err := armor.Encode(&buf, "PGP MESSAGE", nil)
	tcheck(t, err, "armor")
	pw, err := openpgp.Encrypt(aw, []*openpgp.Entity{to}, signer, nil, nil)
	tcheck(t, err, "encrypt")
	_, err = pw.Write([]byte(cleartext))
	tcheck(t, err, "write cleartext")
	tcheck(t, pw.Close(), "close encrypt")
	tcheck(t, aw.Close(), "close armor")
	return `Content-Type: multipart/encrypted; boundary=E; protocol="application/pgp-encrypted"` + "\n" +
		"\n" +
		"--E\n" +
		"Content-Type: application/pgp-encrypted\n" +
		"\n" +
		"Version: 1\n" +
		"--E\n" +
		"Content-Type: application/octet-stream\n" +
		"\n" +
		buf.String() + "\n" +
		"--E--\n"
}

func parseEncrypted(t *testing.T, msg string) *message.MultipartEncrypted {
	t.Helper()
	m, err := message.ParseBytes(nil, []byte(msg))
	tcheck(t, err, "parse")
	me, ok := m.Content().(*message.MultipartEncrypted)
	if !ok {
		t.Fatalf("content is %T, expected multipart/encrypted", m.Content())
	}
	return me
}

func TestDecrypt(t *testing.T) {
	alice := newEntity(t, "Alice", "alice@example.org")
	bob := newEntity(t, "Bob", "bob@example.org")

	me := parseEncrypted(t, encryptedMessage(t, alice, bob, "Content-Type: text/plain\n\nsecret text\n"))
	p, v, err := Decrypt(nil, openpgp.EntityList{alice, bob}, me)
	tcheck(t, err, "decrypt")
	s, err := p.TextUTF8()
	tcheck(t, err, "text")
	tcompare(t, s, "secret text\n")
	tcompare(t, v.Encrypted, true)
	tcompare(t, v.Sign, SignGood)
	tcompare(t, v.Signer, "Bob <bob@example.org>")
	if me.Decrypted() != p {
		t.Fatalf("decrypted part not cached")
	}

	// Signer not in keyring.
	me = parseEncrypted(t, encryptedMessage(t, alice, bob, "signed by bob"))
	_, v, err = Decrypt(nil, openpgp.EntityList{alice}, me)
	tcheck(t, err, "decrypt")
	tcompare(t, v.Sign, SignUnknown)

	// Not signed.
	me = parseEncrypted(t, encryptedMessage(t, alice, nil, "Content-Type: text/plain\n\nplain"))
	p, v, err = Decrypt(nil, openpgp.EntityList{alice}, me)
	tcheck(t, err, "decrypt")
	tcompare(t, v.Sign, SignNone)
	s, err = p.TextUTF8()
	tcheck(t, err, "text")
	tcompare(t, s, "plain")

	// No secret key.
	me = parseEncrypted(t, encryptedMessage(t, alice, nil, "plain"))
	_, _, err = Decrypt(nil, openpgp.EntityList{bob}, me)
	if err == nil {
		t.Fatalf("decrypt without key succeeded")
	}
}

func TestReadKeyring(t *testing.T) {
	alice := newEntity(t, "Alice", "alice@example.org")
	dir := t.TempDir()

	var armored bytes.Buffer
	aw, err := armor.Encode(&armored, openpgp.PublicKeyType, nil)
	tcheck(t, err, "armor")
	tcheck(t, alice.Serialize(aw), "serialize")
	tcheck(t, aw.Close(), "close armor")
	apath := filepath.Join(dir, "pub.asc")
	tcheck(t, os.WriteFile(apath, armored.Bytes(), 0600), "write keyring")

	l, err := ReadKeyring(apath)
	tcheck(t, err, "read armored keyring")
	tcompare(t, len(l), 1)
	tcompare(t, identity(l[0]), "Alice <alice@example.org>")

	var binary bytes.Buffer
	tcheck(t, alice.Serialize(&binary), "serialize")
	bpath := filepath.Join(dir, "pub.gpg")
	tcheck(t, os.WriteFile(bpath, binary.Bytes(), 0600), "write keyring")
	l, err = ReadKeyring(bpath)
	tcheck(t, err, "read binary keyring")
	tcompare(t, l[0].PrimaryKey.KeyId, alice.PrimaryKey.KeyId)

	// Public key verifies signatures.
	content := "Content-Type: text/plain\n\nhi"
	v, err := Verify(nil, l, parseSigned(t, signedMessage(t, alice, content, content)))
	tcheck(t, err, "verify")
	tcompare(t, v.Sign, SignGood)

	_, err = ReadKeyring(filepath.Join(dir, "missing"))
	if err == nil {
		t.Fatalf("reading missing keyring succeeded")
	}
}
