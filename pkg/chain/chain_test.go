package chain

import (
	"encoding/hex"
	"testing"

	"blockwatch.cc/tzgo/micheline"
	"blockwatch.cc/tzgo/rpc"
	"blockwatch.cc/tzgo/tezos"
	"github.com/stretchr/testify/require"
)

const (
	contractAddr  = "KT1RJ6PbjHpwc3M5rw5s2Nbmefwbuwbdxton"
	contractAddr2 = "KT1PWx2mnDueood7fEmfbBDKx1D9BAnnXitn"
	implicitAddr  = "tz1gjaF81ZRRvdzjobyfVNsAeSC6PScjfQwN"
)

func TestWithdrawPayloadPack(t *testing.T) {
	// Pair "abc" (Pair 2 1000), packed: watermark, two Pair prims, the
	// string and the two zarith ints.
	packed, err := Pack(WithdrawPayload("abc", 2, 1000))
	require.NoError(t, err)
	require.Equal(t, "05070701000000036162630707000200a80f", hex.EncodeToString(packed))
}

func TestPayloadSignatureRoundTrip(t *testing.T) {
	priv, err := tezos.GenerateKey(tezos.KeyTypeEd25519)
	require.NoError(t, err)

	payload := WithdrawPayload("2c5e4d71-ca89-4733-a3b6-6a8b50e3a0d8", 7, 42_000)
	sig, err := SignPayload(priv, payload)
	require.NoError(t, err)
	require.NoError(t, VerifyPayload(priv.Public(), payload, sig))

	// The counter is part of the signed bytes, replays with a bumped
	// counter must not verify.
	tampered := WithdrawPayload("2c5e4d71-ca89-4733-a3b6-6a8b50e3a0d8", 8, 42_000)
	err = VerifyPayload(priv.Public(), tampered, sig)
	require.ErrorIs(t, err, ErrInvalidSignature)

	other, err := tezos.GenerateKey(tezos.KeyTypeEd25519)
	require.NoError(t, err)
	err = VerifyPayload(other.Public(), payload, sig)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyCallSignature(t *testing.T) {
	priv, err := tezos.GenerateKey(tezos.KeyTypeEd25519)
	require.NoError(t, err)

	values := []micheline.Prim{
		micheline.NewString("mint"),
		micheline.NewInt64(5),
	}
	sig, err := SignPayload(priv, micheline.NewSeq(values...))
	require.NoError(t, err)
	require.NoError(t, VerifyCallSignature(priv.Public(), values, sig))

	swapped := []micheline.Prim{values[1], values[0]}
	err = VerifyCallSignature(priv.Public(), swapped, sig)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestParseAddresses(t *testing.T) {
	a, err := ParseAddress(implicitAddr)
	require.NoError(t, err)
	require.False(t, a.IsContract())

	a, err = ParseAddress(contractAddr)
	require.NoError(t, err)
	require.True(t, a.IsContract())

	_, err = ParseAddress("not-an-address")
	require.ErrorIs(t, err, ErrInvalidAddress)

	_, err = ParseContractAddress(contractAddr)
	require.NoError(t, err)
	_, err = ParseContractAddress(implicitAddr)
	require.ErrorIs(t, err, ErrInvalidAddress)
	_, err = ParseContractAddress("KT1junk")
	require.ErrorIs(t, err, ErrInvalidAddress)
}

func TestReduceOperation(t *testing.T) {
	relayer := tezos.MustParseAddress(implicitAddr)
	dest := tezos.MustParseAddress(contractAddr)
	payout := tezos.MustParseAddress("tz1KqTpEZ7Yob7QbPE4Hy4Wo8fHG8LhKxZSx")

	op := &rpc.Operation{
		Contents: rpc.OperationList{
			&rpc.Transaction{
				Manager: rpc.Manager{
					Generic: rpc.Generic{
						OpKind: tezos.OpTypeTransaction,
						Metadata: rpc.OperationMetadata{
							BalanceUpdates: rpc.BalanceUpdates{
								{Kind: "contract", Contract: relayer, Change: -450},
								{Kind: "accumulator", Change: 450},
							},
							Result: rpc.OperationResult{
								Status: tezos.OpStatusApplied,
								BalanceUpdates: rpc.BalanceUpdates{
									{Kind: "contract", Contract: relayer, Change: -784},
									{Kind: "burned", Change: 784},
								},
							},
						},
					},
					Source: relayer,
				},
				Destination: dest,
			},
			&rpc.Transaction{
				Manager: rpc.Manager{
					Generic: rpc.Generic{OpKind: tezos.OpTypeTransaction},
					Source:  relayer,
				},
				Destination: payout,
				Amount:      9_000,
			},
		},
	}

	found := reduceOperation(op)
	require.Len(t, found.Contents, 2)

	first := found.Contents[0]
	require.Equal(t, tezos.OpTypeTransaction, first.Kind)
	require.True(t, first.Destination.Equal(dest))
	// Non-contract updates carry no account and are dropped, the fee-side
	// and execution-side contract updates are merged in order.
	require.Equal(t, []BalanceUpdate{
		{Contract: relayer, Change: -450},
		{Contract: relayer, Change: -784},
	}, first.BalanceUpdates)

	second := found.Contents[1]
	require.True(t, second.Destination.Equal(payout))
	require.EqualValues(t, 9_000, second.Amount)
	require.Empty(t, second.BalanceUpdates)
}

func TestSimulatedBatchFees(t *testing.T) {
	dest1 := tezos.MustParseAddress(contractAddr)
	dest2 := tezos.MustParseAddress(contractAddr2)
	batch := &SimulatedBatch{Contents: []SimulatedOp{
		{Destination: dest1, Fee: 300},
		{Destination: dest2, Fee: 120},
		{Destination: dest1, Fee: 80},
	}}

	require.EqualValues(t, 500, batch.TotalFee())
	require.Equal(t, map[string]int64{
		contractAddr:  380,
		contractAddr2: 120,
	}, batch.FeesByDestination())
}
