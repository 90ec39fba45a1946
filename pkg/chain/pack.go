package chain

import (
	"fmt"

	"blockwatch.cc/tzgo/micheline"
	"blockwatch.cc/tzgo/tezos"
	"golang.org/x/crypto/blake2b"
)

// packPrefix is the watermark the chain's PACK instruction puts in front of
// serialised Micheline values. Signatures over packed data cover it.
const packPrefix = 0x05

// WithdrawPayload builds the Micheline value a sponsor signs to authorise a
// withdrawal. Its shape is fixed, pair string (pair int mutez):
//
//	Pair vaultID (Pair counter amount)
func WithdrawPayload(vaultID string, counter, amount int64) micheline.Prim {
	return micheline.NewPair(
		micheline.NewString(vaultID),
		micheline.NewPair(
			micheline.NewInt64(counter),
			micheline.NewInt64(amount),
		),
	)
}

// Pack serialises a Micheline value exactly like the chain's PACK
// instruction, binary form behind the 0x05 watermark.
func Pack(value micheline.Prim) ([]byte, error) {
	body, err := value.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("can't pack value: %w", err)
	}
	return append([]byte{packPrefix}, body...), nil
}

// VerifyPayload checks sig over the packed form of value against the given
// public key. The digest is blake2b-256 of the packed bytes, the scheme every
// Tezos wallet uses for off-chain data.
func VerifyPayload(key tezos.Key, value micheline.Prim, sig tezos.Signature) error {
	packed, err := Pack(value)
	if err != nil {
		return err
	}
	digest := blake2b.Sum256(packed)
	if err := key.Verify(digest[:], sig); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidSignature, key.Address())
	}
	return nil
}

// SignPayload produces the signature VerifyPayload accepts, used by tests and
// example clients.
func SignPayload(key tezos.PrivateKey, value micheline.Prim) (tezos.Signature, error) {
	packed, err := Pack(value)
	if err != nil {
		return tezos.Signature{}, err
	}
	digest := blake2b.Sum256(packed)
	return key.Sign(digest[:])
}

// VerifyCallSignature checks a sponsee's signature over the packed sequence
// of Micheline parameter values of their calls.
func VerifyCallSignature(key tezos.Key, values []micheline.Prim, sig tezos.Signature) error {
	return VerifyPayload(key, micheline.NewSeq(values...), sig)
}
