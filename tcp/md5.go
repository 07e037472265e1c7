package tcp

import (
	"crypto/md5"
)

// md5DigestLen is the fixed 16-byte digest carried by the MD5 Signature
// option (RFC 2385 §2). There is no ecosystem replacement for this
// narrowly-scoped legacy algorithm; crypto/md5 is used directly (see
// DESIGN.md's stdlib justification table).
const md5DigestLen = 16

// AuthKey is a configured MD5 shared secret for one peer (// "MD5 auth"). Keys are looked up by peer address; a zero-length Secret
// disables authentication for that peer.
type AuthKey struct {
	Secret []byte
}

// md5Signature computes the RFC 2385 §2 digest over:
//
//	the pseudo-header, the fixed TCP header with the checksum field
//	zeroed and the MD5 option itself absent from the data-offset
//	accounting, the segment payload, and the connection secret.
//
// ipPseudoHeader must already contain the running pseudo-header checksum
// accumulation reinterpreted as raw bytes is NOT used here: RFC 2385 signs
// the actual pseudo-header octets, not the One's complement sum, so callers
// pass the raw pseudo-header bytes via phdr.
func md5Signature(phdr []byte, tcpHeaderSansOptions []byte, options []byte, payload []byte, secret []byte) [md5DigestLen]byte {
	h := md5.New()
	h.Write(phdr)
	h.Write(tcpHeaderSansOptions)
	h.Write(options)
	h.Write(payload)
	h.Write(secret)
	var sum [md5DigestLen]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// verifyMD5 reports whether digest matches the expected signature computed
// from the same inputs.
func verifyMD5(digest [md5DigestLen]byte, phdr, tcpHeaderSansOptions, options, payload, secret []byte) bool {
	want := md5Signature(phdr, tcpHeaderSansOptions, options, payload, secret)
	return constantTimeEqual(digest[:], want[:])
}

// constantTimeEqual compares two equal-length byte slices in constant time,
// avoiding a timing side-channel on signature verification (// "Security considerations").
func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
