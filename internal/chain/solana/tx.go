package solana

import (
	"bytes"
	"crypto/ed25519"
	"fmt"

	"github.com/mr-tron/base58"
)

// MemoProgramID is the SPL Memo program (v2).
const MemoProgramID = "MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr"

var memoProgram = mustDecodeKey(MemoProgramID)

func mustDecodeKey(s string) []byte {
	b, err := base58.Decode(s)
	if err != nil || len(b) != 32 {
		panic(fmt.Sprintf("solana: bad program id %s", s))
	}
	return b
}

// buildMessage encodes a legacy transaction message with a single memo
// instruction. The payer is the only signer; the memo program is a read-only
// unsigned account.
func buildMessage(payer ed25519.PublicKey, blockhash []byte, memo []byte) []byte {
	var b bytes.Buffer
	// header: required signatures, read-only signed, read-only unsigned
	b.Write([]byte{1, 0, 1})

	writeCompactU16(&b, 2)
	b.Write(payer)
	b.Write(memoProgram)

	b.Write(blockhash)

	writeCompactU16(&b, 1)
	b.WriteByte(1) // program id index
	writeCompactU16(&b, 0)
	writeCompactU16(&b, len(memo))
	b.Write(memo)
	return b.Bytes()
}

// signTransaction returns the wire transaction and its signature.
func signTransaction(key ed25519.PrivateKey, message []byte) ([]byte, []byte) {
	sig := ed25519.Sign(key, message)
	var b bytes.Buffer
	writeCompactU16(&b, 1)
	b.Write(sig)
	b.Write(message)
	return b.Bytes(), sig
}

// writeCompactU16 writes Solana's shortvec length prefix.
func writeCompactU16(b *bytes.Buffer, n int) {
	v := uint16(n)
	for {
		elem := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			b.WriteByte(elem)
			return
		}
		b.WriteByte(elem | 0x80)
	}
}
