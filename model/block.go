package model

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/tolelom/tolconsensus/crypto"
)

// Hash is an opaque fixed-width digest of a block header, rendered as a
// lowercase hex string (see crypto.Hash).
type Hash string

// ZeroHash is the sentinel used for "no parent in this thread yet"; it never
// matches a real header digest.
const ZeroHash Hash = ""

// BlockHeader carries everything that is hashed and signed: the slot the
// block occupies, one parent hash per thread, the creator's public key and
// a content root summarising the block body.
type BlockHeader struct {
	Slot        Slot   `json:"slot"`
	Parents     []Hash `json:"parents"` // one entry per thread
	Creator     string `json:"creator"` // hex-encoded ed25519 public key
	ContentRoot Hash   `json:"content_root"`
}

// Block is a signed header plus an opaque body. The consensus core hashes
// and signs the header only and checks the body solely against
// Header.ContentRoot (VerifyIntegrity); the body is kept as an ordered list of
// content ids (e.g. transaction ids) so a reference block store and the
// mempool-backed block creator have something concrete to move around.
type Block struct {
	Header    BlockHeader `json:"header"`
	Signature string      `json:"signature"`
	Body      []string    `json:"body"`
}

// ComputeContentRoot builds a deterministic root hash from ordered content
// ids. Each id is length-prefixed (4-byte big-endian) to prevent boundary
// ambiguity where different id sets could otherwise produce the same byte
// sequence.
func ComputeContentRoot(body []string) Hash {
	if len(body) == 0 {
		return Hash(crypto.Hash([]byte("empty")))
	}
	var buf bytes.Buffer
	var lenBuf [4]byte
	for _, id := range body {
		b := []byte(id)
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
		buf.Write(lenBuf[:])
		buf.Write(b)
	}
	return Hash(crypto.Hash(buf.Bytes()))
}

// ComputeHash returns the digest of the serialised header.
func (b *Block) ComputeHash() (Hash, error) {
	data, err := json.Marshal(b.Header)
	if err != nil {
		return ZeroHash, fmt.Errorf("model: marshal header: %w", err)
	}
	return Hash(crypto.Hash(data)), nil
}

// Sign computes the header hash and signs it with priv, returning the hash
// so the caller can index the block by it.
func (b *Block) Sign(priv crypto.PrivateKey) (Hash, error) {
	hash, err := b.ComputeHash()
	if err != nil {
		return ZeroHash, err
	}
	b.Signature = crypto.Sign(priv, []byte(hash))
	return hash, nil
}

// VerifySignature checks that signature is a valid signature over hash by
// pub. Callers that need tamper-evidence must recompute hash from the
// header themselves first (ComputeHash) and pass that in.
func VerifySignature(pub crypto.PublicKey, hash Hash, signature string) error {
	return crypto.Verify(pub, []byte(hash), signature)
}

// VerifyIntegrity checks that Body still matches Header.ContentRoot,
// independent of the signature.
func (b *Block) VerifyIntegrity() error {
	if root := ComputeContentRoot(b.Body); root != b.Header.ContentRoot {
		return fmt.Errorf("model: content root mismatch: stored %s computed %s", b.Header.ContentRoot, root)
	}
	return nil
}

// NewUnsignedBlock builds a block for the given slot, parents and creator,
// ready for Sign.
func NewUnsignedBlock(slot Slot, parents []Hash, creator crypto.PublicKey, body []string) *Block {
	return &Block{
		Header: BlockHeader{
			Slot:        slot,
			Parents:     parents,
			Creator:     creator.Hex(),
			ContentRoot: ComputeContentRoot(body),
		},
		Body: body,
	}
}
