package restsrv

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"blockwatch.cc/tzgo/micheline"
	"blockwatch.cc/tzgo/tezos"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/marigold-dev/gas-station/pkg/chain"
	"github.com/marigold-dev/gas-station/pkg/ledger"
	"go.uber.org/zap"
)

type (
	sponsorRequest struct {
		Name         string `json:"name"`
		ChainAddress string `json:"chainAddress"`
	}

	sponsorResponse struct {
		*ledger.Sponsor
		Vaults []*ledger.Vault `json:"vaults"`
	}

	contractRequest struct {
		Name             string                      `json:"name"`
		Address          string                      `json:"address"`
		OwnerID          uuid.UUID                   `json:"ownerId"`
		VaultID          uuid.UUID                   `json:"vaultId"`
		MaxCallsPerMonth *int64                      `json:"maxCallsPerMonth"`
		Entrypoints      []ledger.EntrypointTemplate `json:"entrypoints"`
	}

	contractResponse struct {
		*ledger.Contract
		Entrypoints []*ledger.Entrypoint `json:"entrypoints"`
	}

	depositRequest struct {
		VaultID       uuid.UUID `json:"vaultId"`
		OwnerID       uuid.UUID `json:"ownerId"`
		Amount        int64     `json:"amount"`
		OperationHash string    `json:"operationHash"`
	}

	// withdrawRequest keeps VaultID as the raw string: the signature covers
	// the identifier exactly as the sponsor packed it.
	withdrawRequest struct {
		VaultID         string `json:"vaultId"`
		Amount          int64  `json:"amount"`
		WithdrawCounter int64  `json:"withdrawCounter"`
		Signature       string `json:"signature"`
	}

	withdrawResponse struct {
		Result  string `json:"result"`
		TxHash  string `json:"txHash"`
		Counter int64  `json:"counter"`
	}

	callParameters struct {
		Entrypoint string         `json:"entrypoint"`
		Value      micheline.Prim `json:"value"`
	}

	callRequest struct {
		Destination string         `json:"destination"`
		Parameters  callParameters `json:"parameters"`
	}

	unsignedCallRequest struct {
		SenderAddress string        `json:"senderAddress"`
		Operations    []callRequest `json:"operations"`
	}

	signedCallRequest struct {
		SenderKey string `json:"senderKey"`
		Signature string `json:"signature"`
		// MichelineType is accepted for schema compatibility but plays no
		// part in verification: the signature covers the packed values.
		MichelineType json.RawMessage `json:"michelineType,omitempty"`
		Operations    []callRequest   `json:"operations"`
	}

	operationResponse struct {
		Result string `json:"result"`
		TxHash string `json:"txHash"`
	}

	conditionRequest struct {
		Type         ledger.ConditionKind `json:"type"`
		ContractID   uuid.UUID            `json:"contractId"`
		EntrypointID *uuid.UUID           `json:"entrypointId"`
		VaultID      uuid.UUID            `json:"vaultId"`
		Max          int64                `json:"max"`
	}

	maxCallsRequest struct {
		MaxCalls int64 `json:"maxCalls"`
	}
)

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"date":           time.Now().UTC(),
		"relayerAddress": s.relay.Address().String(),
	})
}

func (s *Server) createSponsor(w http.ResponseWriter, r *http.Request) {
	var req sponsorRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	addr, err := chain.ParseAddress(req.ChainAddress)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	sponsor, err := s.store.AddSponsor(ctx, req.Name, addr.String())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	vault, err := s.store.AddVault(ctx, sponsor.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, &sponsorResponse{Sponsor: sponsor, Vaults: []*ledger.Vault{vault}})
}

func (s *Server) getSponsor(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sponsor, err := s.resolveSponsor(ctx, mux.Vars(r)["ref"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	vaults, err := s.store.GetVaultsByOwner(ctx, sponsor.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, &sponsorResponse{Sponsor: sponsor, Vaults: vaults})
}

func (s *Server) registerContract(w http.ResponseWriter, r *http.Request) {
	var req contractRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	addr, err := chain.ParseContractAddress(req.Address)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	if _, err := s.store.GetSponsor(ctx, req.OwnerID); err != nil {
		s.writeError(w, r, err)
		return
	}
	vaultID := req.VaultID
	if vaultID == uuid.Nil {
		// Default to the owner's first vault.
		vaults, err := s.store.GetVaultsByOwner(ctx, req.OwnerID)
		if err == nil && len(vaults) == 0 {
			err = fmt.Errorf("%w: owner has no vault", ledger.ErrVaultNotFound)
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		vaultID = vaults[0].ID
	}
	maxCalls := int64(-1)
	if req.MaxCallsPerMonth != nil {
		maxCalls = *req.MaxCallsPerMonth
	}
	contract, entrypoints, err := s.store.AddContract(ctx, ledger.ContractRegistration{
		Name:             req.Name,
		Address:          addr.String(),
		OwnerID:          req.OwnerID,
		VaultID:          vaultID,
		MaxCallsPerMonth: maxCalls,
		Entrypoints:      req.Entrypoints,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, &contractResponse{Contract: contract, Entrypoints: entrypoints})
}

func (s *Server) getContract(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	contract, err := s.resolveContract(ctx, mux.Vars(r)["ref"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entrypoints, err := s.store.GetEntrypoints(ctx, contract.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, &contractResponse{Contract: contract, Entrypoints: entrypoints})
}

func (s *Server) getContractsByUser(w http.ResponseWriter, r *http.Request) {
	addr, err := chain.ParseAddress(mux.Vars(r)["address"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	sponsor, err := s.store.GetSponsorByAddress(ctx, addr.String())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	contracts, err := s.store.GetContractsByOwner(ctx, sponsor.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, contracts)
}

func (s *Server) getContractsByVault(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: bad vault id", ledger.ErrVaultNotFound))
		return
	}
	ctx := r.Context()
	if _, err := s.store.GetVault(ctx, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	contracts, err := s.store.GetContractsByVault(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, contracts)
}

func (s *Server) getEntrypoints(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	contract, err := s.resolveContract(ctx, mux.Vars(r)["ref"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entrypoints, err := s.store.GetEntrypoints(ctx, contract.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entrypoints)
}

func (s *Server) getEntrypoint(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ctx := r.Context()
	contract, err := s.resolveContract(ctx, vars["ref"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ep, err := s.store.GetEntrypoint(ctx, contract.ID, vars["name"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ep)
}

func (s *Server) updateEntrypoints(w http.ResponseWriter, r *http.Request) {
	var updates []ledger.EntrypointUpdate
	if err := decodeJSON(r, &updates); err != nil {
		s.writeError(w, r, err)
		return
	}
	entrypoints, err := s.store.UpdateEntrypoints(r.Context(), updates)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entrypoints)
}

func (s *Server) getCredits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ref := mux.Vars(r)["ref"]
	if strings.HasPrefix(ref, "tz") {
		sponsor, err := s.resolveSponsor(ctx, ref)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		vaults, err := s.store.GetVaultsByOwner(ctx, sponsor.ID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, vaults)
		return
	}
	id, err := uuid.Parse(ref)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %q is neither an address nor an id", ledger.ErrVaultNotFound, ref))
		return
	}
	if vault, err := s.store.GetVault(ctx, id); err == nil {
		s.writeJSON(w, http.StatusOK, []*ledger.Vault{vault})
		return
	}
	// Not a vault id: maybe a sponsor id.
	sponsor, err := s.store.GetSponsor(ctx, id)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %s", ledger.ErrVaultNotFound, ref))
		return
	}
	vaults, err := s.store.GetVaultsByOwner(ctx, sponsor.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, vaults)
}

func (s *Server) deposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	vault, err := s.store.GetVault(ctx, req.VaultID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.OwnerID != uuid.Nil && req.OwnerID != vault.OwnerID {
		s.writeError(w, r, fmt.Errorf("%w: owner mismatch", ledger.ErrVaultNotFound))
		return
	}
	sponsor, err := s.store.GetSponsor(ctx, vault.OwnerID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	payer, err := chain.ParseAddress(sponsor.Address)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	hash, err := tezos.ParseOpHash(req.OperationHash)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %q", errBadOperationHash, req.OperationHash))
		return
	}
	confirmed, err := s.relay.ConfirmDeposit(ctx, hash, payer, req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !confirmed {
		s.writeError(w, r, fmt.Errorf("%w: no confirmation for %d mutez in %s",
			ledger.ErrOperationNotFound, req.Amount, req.OperationHash))
		return
	}
	vault, err = s.store.CreditVault(ctx, vault.ID, req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, vault)
}

func (s *Server) withdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	vaultID, err := uuid.Parse(req.VaultID)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: bad vault id", ledger.ErrVaultNotFound))
		return
	}
	ctx := r.Context()
	vault, err := s.store.GetVault(ctx, vaultID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if vault.Amount < req.Amount {
		s.writeError(w, r, fmt.Errorf("%w to withdraw %d mutez", ledger.ErrNotEnoughFunds, req.Amount))
		return
	}
	sponsor, err := s.store.GetSponsor(ctx, vault.OwnerID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if sponsor.WithdrawCounter != req.WithdrawCounter {
		s.writeError(w, r, ledger.ErrBadWithdrawCounter)
		return
	}
	owner, err := chain.ParseAddress(sponsor.Address)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	key, err := s.relay.ManagerKey(ctx, owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sig, err := tezos.ParseSignature(req.Signature)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", chain.ErrInvalidSignature, err))
		return
	}
	payload := chain.WithdrawPayload(req.VaultID, req.WithdrawCounter, req.Amount)
	if err := chain.VerifyPayload(key, payload, sig); err != nil {
		s.writeError(w, r, err)
		return
	}
	// The counter burns before the transfer leaves, so the same signature
	// cannot authorize a second withdrawal even if this one fails.
	counter := req.WithdrawCounter + 1
	if err := s.store.SetWithdrawCounter(ctx, sponsor.ID, counter); err != nil {
		s.writeError(w, r, err)
		return
	}
	sender := fmt.Sprintf("withdraw:%s:%d", vault.ID, req.WithdrawCounter)
	res, err := s.batcher.Enqueue(ctx, sender, []chain.Call{chain.Transfer(owner, req.Amount)})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.settler.ConfirmWithdraw(res.Hash, vault.ID, req.Amount)
	s.writeJSON(w, http.StatusOK, &withdrawResponse{
		Result:  "ok",
		TxHash:  res.Hash.String(),
		Counter: counter,
	})
}

func (s *Server) postOperation(w http.ResponseWriter, r *http.Request) {
	var req unsignedCallRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.admit(r.Context(), req.SenderAddress, req.Operations)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) postSignedOperation(w http.ResponseWriter, r *http.Request) {
	var req signedCallRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	key, err := tezos.ParseKey(req.SenderKey)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: bad sender key: %v", chain.ErrInvalidSignature, err))
		return
	}
	sig, err := tezos.ParseSignature(req.Signature)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", chain.ErrInvalidSignature, err))
		return
	}
	values := make([]micheline.Prim, len(req.Operations))
	for i, op := range req.Operations {
		values[i] = op.Parameters.Value
	}
	if err := chain.VerifyCallSignature(key, values, sig); err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.admit(r.Context(), key.Address().String(), req.Operations)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// admissionTarget is one resolved sub-operation of an admission request.
type admissionTarget struct {
	contract   *ledger.Contract
	entrypoint *ledger.Entrypoint
}

// admit runs the admission pipeline: resolve and police every sub-operation,
// simulate the bundle, verify the estimated fees are covered, re-check the
// monthly caps, burn the per-entrypoint condition counters and queue the
// calls for the next batch. It returns once the containing batch is
// broadcast, with the batch hash the caller hands back to the client.
func (s *Server) admit(ctx context.Context, sender string, ops []callRequest) (*operationResponse, error) {
	if len(ops) == 0 {
		return nil, errEmptyOperationList
	}
	calls := make([]chain.Call, len(ops))
	targets := make([]admissionTarget, len(ops))
	for i, op := range ops {
		// Implicit accounts are always refused as destinations.
		addr, err := chain.ParseContractAddress(op.Destination)
		if err != nil {
			return nil, err
		}
		contract, err := s.store.GetContractByAddress(ctx, addr.String())
		if err != nil {
			return nil, err
		}
		ep, err := s.store.GetEntrypoint(ctx, contract.ID, op.Parameters.Entrypoint)
		if err != nil {
			return nil, err
		}
		if err := s.policy.Allow(ctx, sender, contract, ep); err != nil {
			return nil, err
		}
		calls[i] = chain.Call{
			Destination: addr,
			Entrypoint:  op.Parameters.Entrypoint,
			Value:       op.Parameters.Value,
		}
		targets[i] = admissionTarget{contract: contract, entrypoint: ep}
	}
	batch, err := s.relay.Simulate(ctx, calls)
	if err != nil {
		return nil, err
	}
	if err := s.policy.CheckCredits(ctx, batch.FeesByDestination()); err != nil {
		return nil, err
	}
	for _, tg := range targets {
		// The cap may have filled while the simulation was in flight.
		if err := s.policy.CheckMonthlyCap(ctx, tg.contract); err != nil {
			return nil, err
		}
	}
	for _, tg := range targets {
		if err := s.policy.Accept(ctx, tg.contract, tg.entrypoint); err != nil {
			return nil, err
		}
	}
	res, err := s.batcher.Enqueue(ctx, sender, calls)
	if err != nil {
		s.recordOperations(ctx, sender, targets, "", ledger.StatusFailing)
		return nil, err
	}
	hash := res.Hash.String()
	s.recordOperations(ctx, sender, targets, hash, ledger.StatusOK)
	return &operationResponse{Result: "ok", TxHash: hash}, nil
}

func (s *Server) recordOperations(ctx context.Context, sender string, targets []admissionTarget, txHash string, status ledger.OperationStatus) {
	for _, tg := range targets {
		_, err := s.store.RecordOperation(ctx, &ledger.Operation{
			Sender:       sender,
			ContractID:   tg.contract.ID,
			EntrypointID: tg.entrypoint.ID,
			TxHash:       txHash,
			Status:       status,
		})
		if err != nil {
			s.log.Warn("can't record operation",
				zap.String("sender", sender),
				zap.String("contract", tg.contract.Address),
				zap.Error(err))
		}
	}
}

func (s *Server) createCondition(w http.ResponseWriter, r *http.Request) {
	var req conditionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	cond := &ledger.Condition{
		Kind:       req.Type,
		ContractID: req.ContractID,
		VaultID:    req.VaultID,
		Max:        req.Max,
		IsActive:   true,
	}
	switch req.Type {
	case ledger.MaxCallsPerEntrypoint:
		if req.ContractID == uuid.Nil || req.EntrypointID == nil {
			s.writeError(w, r, errBadCondition)
			return
		}
		cond.EntrypointID = req.EntrypointID
	case ledger.MaxCallsPerSponsee:
		if req.ContractID == uuid.Nil {
			s.writeError(w, r, errBadCondition)
			return
		}
	default:
		s.writeError(w, r, errBadCondition)
		return
	}
	cond, err := s.store.AddCondition(r.Context(), cond)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cond)
}

func (s *Server) getConditionsByVault(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["vaultId"])
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: bad vault id", ledger.ErrVaultNotFound))
		return
	}
	conditions, err := s.store.GetConditionsByVault(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, conditions)
}

func (s *Server) setMaxCallsPerMonth(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: bad contract id", ledger.ErrContractNotFound))
		return
	}
	var req maxCallsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.MaxCalls < -1 {
		s.writeError(w, r, errBadMaxCalls)
		return
	}
	contract, err := s.store.SetMaxCallsPerMonth(r.Context(), id, req.MaxCalls)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, contract)
}

// resolveSponsor accepts a sponsor id or a chain address.
func (s *Server) resolveSponsor(ctx context.Context, ref string) (*ledger.Sponsor, error) {
	if strings.HasPrefix(ref, "tz") {
		addr, err := chain.ParseAddress(ref)
		if err != nil {
			return nil, err
		}
		return s.store.GetSponsorByAddress(ctx, addr.String())
	}
	id, err := uuid.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is neither an address nor an id", ledger.ErrSponsorNotFound, ref)
	}
	return s.store.GetSponsor(ctx, id)
}

// resolveContract accepts a contract id or a KT1 address.
func (s *Server) resolveContract(ctx context.Context, ref string) (*ledger.Contract, error) {
	if strings.HasPrefix(ref, "KT") {
		addr, err := chain.ParseContractAddress(ref)
		if err != nil {
			return nil, err
		}
		return s.store.GetContractByAddress(ctx, addr.String())
	}
	id, err := uuid.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is neither an address nor an id", ledger.ErrContractNotFound, ref)
	}
	return s.store.GetContract(ctx, id)
}
