package restsrv

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"blockwatch.cc/tzgo/micheline"
	"blockwatch.cc/tzgo/tezos"
	"github.com/google/uuid"
	"github.com/marigold-dev/gas-station/internal/fakechain"
	"github.com/marigold-dev/gas-station/pkg/chain"
	"github.com/marigold-dev/gas-station/pkg/config"
	"github.com/marigold-dev/gas-station/pkg/ledger"
	"github.com/marigold-dev/gas-station/pkg/policy"
	"github.com/marigold-dev/gas-station/pkg/services/reconciler"
	"github.com/marigold-dev/gas-station/pkg/services/scheduler"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	counterContract  = "KT1RJ6PbjHpwc3M5rw5s2Nbmefwbuwbdxton"
	ledgerContract   = "KT1PWx2mnDueood7fEmfbBDKx1D9BAnnXitn"
	sponsorAddr      = "tz1VSUr8wwNhLAzempoch5d6hLRiTh8Cjcjb"
	otherSponsorAddr = "tz1hQzKQpprB5JhNxZZRowEDRBoieHRAL84b"
	sponseeAddr      = "tz1KqTpEZ7Yob7QbPE4Hy4Wo8fHG8LhKxZSx"
	sponseeAddr2     = "tz1fHpmiDYZ6RBDuYtjMxjEH5HsGBx5cD4sK"
)

// testStation runs the full relay pipeline against an in-memory ledger and a
// fake chain: real policy engine, real scheduler ticking on the fake's block
// delay and a real reconciler hooked into OnBatch. Only the node is fake.
type testStation struct {
	store   *ledger.MemoryStore
	fc      *fakechain.FakeChain
	sched   *scheduler.Scheduler
	rec     *reconciler.Reconciler
	httpSrv *httptest.Server
}

func newTestStation(t *testing.T) *testStation {
	log := zaptest.NewLogger(t)
	store := ledger.NewMemoryStore()
	fc := fakechain.NewFakeChain()
	rec := reconciler.New(reconciler.Config{Chain: fc, Ledger: store, Log: log})
	sched := scheduler.New(scheduler.Config{Chain: fc, Log: log, OnBatch: rec.Reconcile})
	rest := New(config.RESTConfig{}, store, policy.New(store, log), fc, sched, rec, log, make(chan error, 1))
	srv := httptest.NewServer(rest.newRouter())
	sched.Start()
	t.Cleanup(func() {
		srv.Close()
		sched.Shutdown()
		rec.Shutdown()
		require.NoError(t, store.Close())
	})
	return &testStation{store: store, fc: fc, sched: sched, rec: rec, httpSrv: srv}
}

// request performs one API call, decoding the JSON response into out when it
// is non-nil.
func (ts *testStation) request(t *testing.T, method, path string, body, out any) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.httpSrv.URL+path, rd)
	require.NoError(t, err)
	resp, err := ts.httpSrv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	} else {
		_, err = io.Copy(io.Discard, resp.Body)
		require.NoError(t, err)
	}
	return resp.StatusCode
}

func (ts *testStation) rawRequest(t *testing.T, method, path, body string) int {
	t.Helper()
	req, err := http.NewRequest(method, ts.httpSrv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := ts.httpSrv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode
}

func (ts *testStation) registerSponsor(t *testing.T, name, address string) *sponsorResponse {
	t.Helper()
	var res sponsorResponse
	code := ts.request(t, http.MethodPost, "/sponsors", &sponsorRequest{Name: name, ChainAddress: address}, &res)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, res.Vaults, 1)
	return &res
}

func (ts *testStation) registerContract(t *testing.T, req *contractRequest) *contractResponse {
	t.Helper()
	var res contractResponse
	code := ts.request(t, http.MethodPost, "/contracts", req, &res)
	require.Equal(t, http.StatusOK, code)
	return &res
}

func (ts *testStation) fund(t *testing.T, vaultID uuid.UUID, amount int64) {
	t.Helper()
	_, err := ts.store.CreditVault(context.Background(), vaultID, amount)
	require.NoError(t, err)
}

func (ts *testStation) balance(t *testing.T, vaultID uuid.UUID) int64 {
	t.Helper()
	v, err := ts.store.GetVault(context.Background(), vaultID)
	require.NoError(t, err)
	return v.Amount
}

// stdSetup registers a sponsor whose funded vault pays for one contract with
// an enabled mint and a disabled transfer entrypoint.
func stdSetup(t *testing.T, ts *testStation, funds int64) (*sponsorResponse, *contractResponse) {
	sp := ts.registerSponsor(t, "acme", sponsorAddr)
	c := ts.registerContract(t, &contractRequest{
		Name:    "pool",
		Address: counterContract,
		OwnerID: sp.ID,
		VaultID: sp.Vaults[0].ID,
		Entrypoints: []ledger.EntrypointTemplate{
			{Name: "mint", IsEnabled: true},
			{Name: "transfer", IsEnabled: false},
		},
	})
	if funds > 0 {
		ts.fund(t, sp.Vaults[0].ID, funds)
	}
	return sp, c
}

func mintCall(value int64) callRequest {
	return callRequest{
		Destination: counterContract,
		Parameters: callParameters{
			Entrypoint: "mint",
			Value:      micheline.NewInt64(value),
		},
	}
}

func epID(t *testing.T, c *contractResponse, name string) uuid.UUID {
	t.Helper()
	for _, ep := range c.Entrypoints {
		if ep.Name == name {
			return ep.ID
		}
	}
	t.Fatalf("entrypoint %s not registered", name)
	return uuid.Nil
}

func i64(v int64) *int64 { return &v }

func TestHealth(t *testing.T) {
	ts := newTestStation(t)

	var res map[string]any
	code := ts.request(t, http.MethodGet, "/", nil, &res)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, fakechain.Relayer, res["relayerAddress"])
	require.NotEmpty(t, res["date"])
}

func TestSponsorEndpoints(t *testing.T) {
	ts := newTestStation(t)
	sp := ts.registerSponsor(t, "acme", sponsorAddr)
	require.Equal(t, "acme", sp.Name)
	require.Equal(t, sponsorAddr, sp.Address)
	require.Zero(t, sp.Vaults[0].Amount)

	// The chain address is the sponsor's identity.
	code := ts.request(t, http.MethodPost, "/sponsors", &sponsorRequest{Name: "impostor", ChainAddress: sponsorAddr}, nil)
	require.Equal(t, http.StatusForbidden, code)
	code = ts.request(t, http.MethodPost, "/sponsors", &sponsorRequest{Name: "bad", ChainAddress: "not-an-address"}, nil)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, http.StatusBadRequest, ts.rawRequest(t, http.MethodPost, "/sponsors", "{broken"))

	var got sponsorResponse
	require.Equal(t, http.StatusOK, ts.request(t, http.MethodGet, "/sponsors/"+sp.ID.String(), nil, &got))
	require.Equal(t, sp.ID, got.ID)
	got = sponsorResponse{}
	require.Equal(t, http.StatusOK, ts.request(t, http.MethodGet, "/sponsors/"+sponsorAddr, nil, &got))
	require.Equal(t, sp.ID, got.ID)
	require.Len(t, got.Vaults, 1)

	require.Equal(t, http.StatusNotFound, ts.request(t, http.MethodGet, "/sponsors/"+uuid.NewString(), nil, nil))
	require.Equal(t, http.StatusNotFound, ts.request(t, http.MethodGet, "/sponsors/garbage", nil, nil))
	require.Equal(t, http.StatusBadRequest, ts.request(t, http.MethodGet, "/sponsors/tzjunk", nil, nil))
}

func TestContractEndpoints(t *testing.T) {
	ts := newTestStation(t)
	sp := ts.registerSponsor(t, "acme", sponsorAddr)

	c := ts.registerContract(t, &contractRequest{
		Name:    "pool",
		Address: counterContract,
		OwnerID: sp.ID,
		Entrypoints: []ledger.EntrypointTemplate{
			{Name: "mint", IsEnabled: true},
			{Name: "transfer", IsEnabled: false},
		},
	})
	// No vault given: the owner's first vault picks up the bill.
	require.Equal(t, sp.Vaults[0].ID, c.VaultID)
	require.EqualValues(t, -1, c.MaxCallsPerMonth)
	require.Len(t, c.Entrypoints, 2)

	code := ts.request(t, http.MethodPost, "/contracts", &contractRequest{Name: "copy", Address: counterContract, OwnerID: sp.ID}, nil)
	require.Equal(t, http.StatusForbidden, code)
	code = ts.request(t, http.MethodPost, "/contracts", &contractRequest{Name: "implicit", Address: sponseeAddr, OwnerID: sp.ID}, nil)
	require.Equal(t, http.StatusBadRequest, code)
	code = ts.request(t, http.MethodPost, "/contracts", &contractRequest{Name: "orphan", Address: ledgerContract, OwnerID: uuid.New()}, nil)
	require.Equal(t, http.StatusNotFound, code)

	var got contractResponse
	require.Equal(t, http.StatusOK, ts.request(t, http.MethodGet, "/contracts/"+c.ID.String(), nil, &got))
	require.Equal(t, c.Address, got.Address)
	got = contractResponse{}
	require.Equal(t, http.StatusOK, ts.request(t, http.MethodGet, "/contracts/"+counterContract, nil, &got))
	require.Equal(t, c.ID, got.ID)
	require.Len(t, got.Entrypoints, 2)
	require.Equal(t, http.StatusNotFound, ts.request(t, http.MethodGet, "/contracts/"+uuid.NewString(), nil, nil))
	require.Equal(t, http.StatusNotFound, ts.request(t, http.MethodGet, "/contracts/"+ledgerContract, nil, nil))

	var list []*ledger.Contract
	require.Equal(t, http.StatusOK, ts.request(t, http.MethodGet, "/contracts/user/"+sponsorAddr, nil, &list))
	require.Len(t, list, 1)
	require.Equal(t, http.StatusNotFound, ts.request(t, http.MethodGet, "/contracts/user/"+sponseeAddr, nil, nil))

	list = nil
	require.Equal(t, http.StatusOK, ts.request(t, http.MethodGet, "/contracts/credit/"+sp.Vaults[0].ID.String(), nil, &list))
	require.Len(t, list, 1)
	require.Equal(t, http.StatusNotFound, ts.request(t, http.MethodGet, "/contracts/credit/garbage", nil, nil))
	require.Equal(t, http.StatusNotFound, ts.request(t, http.MethodGet, "/contracts/credit/"+uuid.NewString(), nil, nil))
}

func TestEntrypointEndpoints(t *testing.T) {
	ts := newTestStation(t)
	_, c := stdSetup(t, ts, 0)

	var eps []*ledger.Entrypoint
	require.Equal(t, http.StatusOK, ts.request(t, http.MethodGet, "/entrypoints/"+c.ID.String(), nil, &eps))
	require.Len(t, eps, 2)

	var ep ledger.Entrypoint
	require.Equal(t, http.StatusOK, ts.request(t, http.MethodGet, "/entrypoints/"+counterContract+"/mint", nil, &ep))
	require.True(t, ep.IsEnabled)
	require.Equal(t, http.StatusNotFound, ts.request(t, http.MethodGet, "/entrypoints/"+counterContract+"/burn", nil, nil))

	var updated []*ledger.Entrypoint
	code := ts.request(t, http.MethodPut, "/entrypoints",
		[]ledger.EntrypointUpdate{{ID: ep.ID, IsEnabled: false}}, &updated)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, updated, 1)
	require.False(t, updated[0].IsEnabled)

	require.Equal(t, http.StatusNotFound, ts.request(t, http.MethodPut, "/entrypoints",
		[]ledger.EntrypointUpdate{{ID: uuid.New(), IsEnabled: true}}, nil))
	require.Equal(t, http.StatusBadRequest, ts.rawRequest(t, http.MethodPut, "/entrypoints", "{not-a-list}"))
}

func TestCreditsEndpoint(t *testing.T) {
	ts := newTestStation(t)
	sp := ts.registerSponsor(t, "acme", sponsorAddr)
	ts.fund(t, sp.Vaults[0].ID, 7_000)

	var vaults []*ledger.Vault
	require.Equal(t, http.StatusOK, ts.request(t, http.MethodGet, "/credits/"+sp.Vaults[0].ID.String(), nil, &vaults))
	require.Len(t, vaults, 1)
	require.EqualValues(t, 7_000, vaults[0].Amount)

	vaults = nil
	require.Equal(t, http.StatusOK, ts.request(t, http.MethodGet, "/credits/"+sp.ID.String(), nil, &vaults))
	require.Len(t, vaults, 1)

	vaults = nil
	require.Equal(t, http.StatusOK, ts.request(t, http.MethodGet, "/credits/"+sponsorAddr, nil, &vaults))
	require.Len(t, vaults, 1)

	require.Equal(t, http.StatusNotFound, ts.request(t, http.MethodGet, "/credits/garbage", nil, nil))
	require.Equal(t, http.StatusNotFound, ts.request(t, http.MethodGet, "/credits/"+uuid.NewString(), nil, nil))
}

func TestDeposit(t *testing.T) {
	ts := newTestStation(t)
	sp := ts.registerSponsor(t, "acme", sponsorAddr)
	vaultID := sp.Vaults[0].ID
	hash := fakechain.NewHash(9)

	var (
		gotHash   tezos.OpHash
		gotPayer  tezos.Address
		gotAmount int64
	)
	ts.fc.ConfirmDepositF = func(ctx context.Context, h tezos.OpHash, payer tezos.Address, amount int64) (bool, error) {
		gotHash, gotPayer, gotAmount = h, payer, amount
		return true, nil
	}

	var vault ledger.Vault
	code := ts.request(t, http.MethodPut, "/deposit", &depositRequest{
		VaultID:       vaultID,
		Amount:        12_000,
		OperationHash: hash.String(),
	}, &vault)
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 12_000, vault.Amount)
	require.Equal(t, hash, gotHash)
	require.Equal(t, sponsorAddr, gotPayer.String(), "confirmation must check the sponsor's own transfer")
	require.EqualValues(t, 12_000, gotAmount)

	// No confirmation on chain, no credit.
	ts.fc.ConfirmDepositF = func(context.Context, tezos.OpHash, tezos.Address, int64) (bool, error) {
		return false, nil
	}
	code = ts.request(t, http.MethodPut, "/deposit",
		&depositRequest{VaultID: vaultID, Amount: 1, OperationHash: hash.String()}, nil)
	require.Equal(t, http.StatusNotFound, code)
	require.EqualValues(t, 12_000, ts.balance(t, vaultID))

	require.Equal(t, http.StatusBadRequest, ts.request(t, http.MethodPut, "/deposit",
		&depositRequest{VaultID: vaultID, Amount: 1, OperationHash: "nothash"}, nil))
	require.Equal(t, http.StatusNotFound, ts.request(t, http.MethodPut, "/deposit",
		&depositRequest{VaultID: uuid.New(), Amount: 1, OperationHash: hash.String()}, nil))
	require.Equal(t, http.StatusNotFound, ts.request(t, http.MethodPut, "/deposit",
		&depositRequest{VaultID: vaultID, OwnerID: uuid.New(), Amount: 1, OperationHash: hash.String()}, nil))
}

// TestRelayOperation drives one sponsored call through the whole pipeline:
// admission, batching on the scheduler tick, broadcast and finally the debit
// of the realized fee once the batch is found on chain.
func TestRelayOperation(t *testing.T) {
	ts := newTestStation(t)
	sp, c := stdSetup(t, ts, 100_000)
	vaultID := sp.Vaults[0].ID

	const realizedFee = 1_250
	relayer := ts.fc.Address()
	ts.fc.FindOperationF = func(ctx context.Context, hash tezos.OpHash) (*chain.FoundOperation, error) {
		return &chain.FoundOperation{
			Hash: hash,
			Contents: []chain.ContentResult{{
				Kind:        tezos.OpTypeTransaction,
				Source:      relayer,
				Destination: tezos.MustParseAddress(counterContract),
				BalanceUpdates: []chain.BalanceUpdate{
					{Contract: relayer, Change: -realizedFee},
				},
			}},
		}, nil
	}

	var res operationResponse
	code := ts.request(t, http.MethodPost, "/operation", &unsignedCallRequest{
		SenderAddress: sponseeAddr,
		Operations:    []callRequest{mintCall(5)},
	}, &res)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", res.Result)
	require.NotEmpty(t, res.TxHash)

	n, err := ts.store.CountSenderOperationsSince(context.Background(), c.ID, sponseeAddr, time.Time{})
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	// The estimate was DefaultFee, the books settle on the realized fee.
	require.Eventually(t, func() bool {
		return ts.balance(t, vaultID) == 100_000-realizedFee
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRelayOperationRejections(t *testing.T) {
	ts := newTestStation(t)
	sp, c := stdSetup(t, ts, 100_000)

	post := func(ops ...callRequest) int {
		return ts.request(t, http.MethodPost, "/operation", &unsignedCallRequest{
			SenderAddress: sponseeAddr,
			Operations:    ops,
		}, nil)
	}

	require.Equal(t, http.StatusBadRequest, post())
	require.Equal(t, http.StatusBadRequest, post(callRequest{
		Destination: sponsorAddr,
		Parameters:  callParameters{Entrypoint: "mint", Value: micheline.NewInt64(1)},
	}), "implicit accounts cannot be sponsored destinations")
	require.Equal(t, http.StatusNotFound, post(callRequest{
		Destination: ledgerContract,
		Parameters:  callParameters{Entrypoint: "mint", Value: micheline.NewInt64(1)},
	}))
	require.Equal(t, http.StatusNotFound, post(callRequest{
		Destination: counterContract,
		Parameters:  callParameters{Entrypoint: "burn", Value: micheline.NewInt64(1)},
	}))
	require.Equal(t, http.StatusForbidden, post(callRequest{
		Destination: counterContract,
		Parameters:  callParameters{Entrypoint: "transfer", Value: micheline.NewInt64(1)},
	}))

	// Nothing was relayed, recorded or charged.
	n, err := ts.store.CountContractOperationsSince(context.Background(), c.ID, time.Time{})
	require.NoError(t, err)
	require.Zero(t, n)
	require.EqualValues(t, 100_000, ts.balance(t, sp.Vaults[0].ID))
}

func TestRelayOperationCredits(t *testing.T) {
	ts := newTestStation(t)
	sp, _ := stdSetup(t, ts, fakechain.DefaultFee-1) // one mutez short

	code := ts.request(t, http.MethodPost, "/operation", &unsignedCallRequest{
		SenderAddress: sponseeAddr,
		Operations:    []callRequest{mintCall(1)},
	}, nil)
	require.Equal(t, http.StatusForbidden, code)

	ts.fund(t, sp.Vaults[0].ID, 1) // now exactly the estimated fee

	// A bundle is admitted as a whole: one unfunded destination refuses the
	// funded one too, and no audit rows are written.
	sp2 := ts.registerSponsor(t, "other", otherSponsorAddr)
	c2 := ts.registerContract(t, &contractRequest{
		Name:        "ledger",
		Address:     ledgerContract,
		OwnerID:     sp2.ID,
		Entrypoints: []ledger.EntrypointTemplate{{Name: "mint", IsEnabled: true}},
	})
	code = ts.request(t, http.MethodPost, "/operation", &unsignedCallRequest{
		SenderAddress: sponseeAddr,
		Operations: []callRequest{
			mintCall(1),
			{Destination: ledgerContract, Parameters: callParameters{Entrypoint: "mint", Value: micheline.NewInt64(2)}},
		},
	}, nil)
	require.Equal(t, http.StatusForbidden, code)
	n, err := ts.store.CountContractOperationsSince(context.Background(), c2.ID, time.Time{})
	require.NoError(t, err)
	require.Zero(t, n)

	// Alone, a balance exactly covering the estimate is admitted.
	code = ts.request(t, http.MethodPost, "/operation", &unsignedCallRequest{
		SenderAddress: sponseeAddr,
		Operations:    []callRequest{mintCall(1)},
	}, nil)
	require.Equal(t, http.StatusOK, code)
}

func TestMonthlyCapOverHTTP(t *testing.T) {
	ts := newTestStation(t)
	sp := ts.registerSponsor(t, "acme", sponsorAddr)
	c := ts.registerContract(t, &contractRequest{
		Name:             "pool",
		Address:          counterContract,
		OwnerID:          sp.ID,
		MaxCallsPerMonth: i64(1),
		Entrypoints:      []ledger.EntrypointTemplate{{Name: "mint", IsEnabled: true}},
	})
	ts.fund(t, sp.Vaults[0].ID, 100_000)

	post := func() int {
		return ts.request(t, http.MethodPost, "/operation", &unsignedCallRequest{
			SenderAddress: sponseeAddr,
			Operations:    []callRequest{mintCall(1)},
		}, nil)
	}
	require.Equal(t, http.StatusOK, post())
	require.Equal(t, http.StatusForbidden, post())

	// Lifting the cap reopens the tap.
	var updated ledger.Contract
	code := ts.request(t, http.MethodPut, "/contract/"+c.ID.String()+"/condition/max_calls",
		&maxCallsRequest{MaxCalls: -1}, &updated)
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, -1, updated.MaxCallsPerMonth)
	require.Equal(t, http.StatusOK, post())

	require.Equal(t, http.StatusBadRequest, ts.request(t, http.MethodPut,
		"/contract/"+c.ID.String()+"/condition/max_calls", &maxCallsRequest{MaxCalls: -2}, nil))
	require.Equal(t, http.StatusNotFound, ts.request(t, http.MethodPut,
		"/contract/"+uuid.NewString()+"/condition/max_calls", &maxCallsRequest{MaxCalls: 1}, nil))
	require.Equal(t, http.StatusNotFound, ts.request(t, http.MethodPut,
		"/contract/garbage/condition/max_calls", &maxCallsRequest{MaxCalls: 1}, nil))
}

func TestConditionEndpoints(t *testing.T) {
	ts := newTestStation(t)
	sp, c := stdSetup(t, ts, 100_000)
	vaultID := sp.Vaults[0].ID
	mintID := epID(t, c, "mint")

	var cond ledger.Condition
	code := ts.request(t, http.MethodPost, "/condition", &conditionRequest{
		Type: ledger.MaxCallsPerEntrypoint, ContractID: c.ID, EntrypointID: &mintID, VaultID: vaultID, Max: 1,
	}, &cond)
	require.Equal(t, http.StatusOK, code)
	require.True(t, cond.IsActive)
	require.Zero(t, cond.Current)

	// One active condition per scope.
	require.Equal(t, http.StatusForbidden, ts.request(t, http.MethodPost, "/condition", &conditionRequest{
		Type: ledger.MaxCallsPerEntrypoint, ContractID: c.ID, EntrypointID: &mintID, VaultID: vaultID, Max: 5,
	}, nil))
	// Shape errors.
	require.Equal(t, http.StatusBadRequest, ts.request(t, http.MethodPost, "/condition", &conditionRequest{
		Type: ledger.MaxCallsPerEntrypoint, ContractID: c.ID, VaultID: vaultID, Max: 5,
	}, nil))
	require.Equal(t, http.StatusBadRequest, ts.request(t, http.MethodPost, "/condition", &conditionRequest{
		Type: "max_gas_per_block", ContractID: c.ID, VaultID: vaultID, Max: 5,
	}, nil))

	post := func() int {
		return ts.request(t, http.MethodPost, "/operation", &unsignedCallRequest{
			SenderAddress: sponseeAddr,
			Operations:    []callRequest{mintCall(1)},
		}, nil)
	}
	require.Equal(t, http.StatusOK, post())
	require.Equal(t, http.StatusForbidden, post())

	var conds []*ledger.Condition
	require.Equal(t, http.StatusOK, ts.request(t, http.MethodGet, "/condition/"+vaultID.String(), nil, &conds))
	require.Len(t, conds, 1)
	require.EqualValues(t, 1, conds[0].Current, "the admitted call burned one unit")
	require.Equal(t, http.StatusNotFound, ts.request(t, http.MethodGet, "/condition/garbage", nil, nil))
}

func TestSponseeConditionOverHTTP(t *testing.T) {
	ts := newTestStation(t)
	sp, c := stdSetup(t, ts, 100_000)

	code := ts.request(t, http.MethodPost, "/condition", &conditionRequest{
		Type: ledger.MaxCallsPerSponsee, ContractID: c.ID, VaultID: sp.Vaults[0].ID, Max: 1,
	}, nil)
	require.Equal(t, http.StatusOK, code)

	post := func(sender string) int {
		return ts.request(t, http.MethodPost, "/operation", &unsignedCallRequest{
			SenderAddress: sender,
			Operations:    []callRequest{mintCall(1)},
		}, nil)
	}
	require.Equal(t, http.StatusOK, post(sponseeAddr))
	require.Equal(t, http.StatusForbidden, post(sponseeAddr))
	// The budget is per sender.
	require.Equal(t, http.StatusOK, post(sponseeAddr2))
}

func TestSignedOperation(t *testing.T) {
	ts := newTestStation(t)
	_, c := stdSetup(t, ts, 100_000)

	priv, err := tezos.GenerateKey(tezos.KeyTypeEd25519)
	require.NoError(t, err)

	ops := []callRequest{mintCall(42)}
	sig, err := chain.SignPayload(priv, micheline.NewSeq(ops[0].Parameters.Value))
	require.NoError(t, err)

	var res operationResponse
	code := ts.request(t, http.MethodPost, "/signed_operation", &signedCallRequest{
		SenderKey:  priv.Public().String(),
		Signature:  sig.String(),
		Operations: ops,
	}, &res)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", res.Result)

	// The sender identity comes from the key, not from a client-chosen field.
	n, err := ts.store.CountSenderOperationsSince(context.Background(), c.ID,
		priv.Public().Address().String(), time.Time{})
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	// The signature covers the call values, swapping them in must not pass.
	code = ts.request(t, http.MethodPost, "/signed_operation", &signedCallRequest{
		SenderKey:  priv.Public().String(),
		Signature:  sig.String(),
		Operations: []callRequest{mintCall(43)},
	}, nil)
	require.Equal(t, http.StatusBadRequest, code)

	require.Equal(t, http.StatusBadRequest, ts.request(t, http.MethodPost, "/signed_operation",
		&signedCallRequest{SenderKey: "not-a-key", Signature: sig.String(), Operations: ops}, nil))
	require.Equal(t, http.StatusBadRequest, ts.request(t, http.MethodPost, "/signed_operation",
		&signedCallRequest{SenderKey: priv.Public().String(), Signature: "not-a-sig", Operations: ops}, nil))
}

func TestWithdraw(t *testing.T) {
	ts := newTestStation(t)
	priv, err := tezos.GenerateKey(tezos.KeyTypeEd25519)
	require.NoError(t, err)
	owner := priv.Public().Address()

	sp := ts.registerSponsor(t, "acme", owner.String())
	vaultID := sp.Vaults[0].ID
	ts.fund(t, vaultID, 50_000)

	// The payout is a plain transfer to an implicit account, so batch
	// settlement must leave it alone and only the withdrawal confirmation may
	// touch the vault.
	ts.fc.FindOperationF = func(ctx context.Context, hash tezos.OpHash) (*chain.FoundOperation, error) {
		return &chain.FoundOperation{Hash: hash, Contents: []chain.ContentResult{{
			Kind:        tezos.OpTypeTransaction,
			Source:      ts.fc.Address(),
			Destination: owner,
			Amount:      20_000,
		}}}, nil
	}

	withdraw := func(amount, counter int64, sig string) (int, withdrawResponse) {
		var res withdrawResponse
		code := ts.request(t, http.MethodPut, "/withdraw", &withdrawRequest{
			VaultID:         vaultID.String(),
			Amount:          amount,
			WithdrawCounter: counter,
			Signature:       sig,
		}, &res)
		return code, res
	}
	sign := func(counter, amount int64) string {
		sig, err := chain.SignPayload(priv, chain.WithdrawPayload(vaultID.String(), counter, amount))
		require.NoError(t, err)
		return sig.String()
	}

	// Without a revealed manager key there is nothing to verify against.
	code, _ := withdraw(20_000, 0, sign(0, 20_000))
	require.Equal(t, http.StatusInternalServerError, code)

	ts.fc.ManagerKeyF = func(ctx context.Context, addr tezos.Address) (tezos.Key, error) {
		return priv.Public(), nil
	}

	code, res := withdraw(20_000, 0, sign(0, 20_000))
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", res.Result)
	require.EqualValues(t, 1, res.Counter)
	require.NotEmpty(t, res.TxHash)

	// The vault releases the funds once the transfer lands.
	require.Eventually(t, func() bool {
		return ts.balance(t, vaultID) == 30_000
	}, 2*time.Second, 10*time.Millisecond)

	// The burned counter refuses the same authorisation a second time.
	code, _ = withdraw(20_000, 0, sign(0, 20_000))
	require.Equal(t, http.StatusBadRequest, code)

	// A signature over other parameters fails and burns nothing.
	code, _ = withdraw(5_000, 1, sign(1, 999))
	require.Equal(t, http.StatusBadRequest, code)

	code, res = withdraw(5_000, 1, sign(1, 5_000))
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 2, res.Counter)
	require.Eventually(t, func() bool {
		return ts.balance(t, vaultID) == 25_000
	}, 2*time.Second, 10*time.Millisecond)

	code, _ = withdraw(1_000_000, 2, sign(2, 1_000_000))
	require.Equal(t, http.StatusForbidden, code)

	require.Equal(t, http.StatusNotFound, ts.request(t, http.MethodPut, "/withdraw",
		&withdrawRequest{VaultID: uuid.NewString(), Amount: 1, Signature: "x"}, nil))
	require.Equal(t, http.StatusNotFound, ts.request(t, http.MethodPut, "/withdraw",
		&withdrawRequest{VaultID: "garbage", Amount: 1, Signature: "x"}, nil))
}

// A call can pass its solo admission dry run and still break the combined
// batch; the client sees a conflict and is expected to re-post.
func TestBatchConflictStatus(t *testing.T) {
	ts := newTestStation(t)
	_, c := stdSetup(t, ts, 100_000)

	var sims atomic.Int64
	ts.fc.SimulateF = func(ctx context.Context, calls []chain.Call) (*chain.SimulatedBatch, error) {
		if sims.Add(1) > 1 {
			return nil, chain.ErrSimulationFailed
		}
		return fakechain.SimulatedBatch(calls), nil
	}

	code := ts.request(t, http.MethodPost, "/operation", &unsignedCallRequest{
		SenderAddress: sponseeAddr,
		Operations:    []callRequest{mintCall(1)},
	}, nil)
	require.Equal(t, http.StatusConflict, code)

	// The eviction is on the books as a failed relay.
	n, err := ts.store.CountContractOperationsSince(context.Background(), c.ID, time.Time{})
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestServerLifecycle(t *testing.T) {
	log := zaptest.NewLogger(t)
	store := ledger.NewMemoryStore()
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	fc := fakechain.NewFakeChain()
	errChan := make(chan error, 1)

	t.Run("disabled", func(t *testing.T) {
		srv := New(config.RESTConfig{}, store, policy.New(store, log), fc, nil, nil, log, errChan)
		srv.Start()
		srv.Shutdown()
		require.Empty(t, errChan)
	})

	t.Run("occupied address", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()

		cfg := config.RESTConfig{BasicService: config.BasicService{
			Enabled:   true,
			Addresses: []string{ln.Addr().String()},
		}}
		srv := New(cfg, store, policy.New(store, log), fc, nil, nil, log, errChan)
		srv.Start()
		srv.Start() // second start is a no-op
		select {
		case err := <-errChan:
			require.Error(t, err)
		case <-time.After(time.Second):
			t.Fatal("expected a bind failure")
		}
		srv.Shutdown()
		srv.Shutdown()
	})
}

func TestMetricName(t *testing.T) {
	require.Equal(t, "get_health", metricName("GET /"))
	require.Equal(t, "post_sponsors", metricName("POST /sponsors"))
	require.Equal(t, "get_entrypoints_ref_name", metricName("GET /entrypoints/{ref}/{name}"))
	require.Equal(t, "put_contract_id_condition_max_calls", metricName("PUT /contract/{id}/condition/max_calls"))
}
