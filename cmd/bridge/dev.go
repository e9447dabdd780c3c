package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/richardliu001/ledger-bridge/internal/ledger"
	"github.com/richardliu001/ledger-bridge/internal/ledger/memledger"
	"github.com/richardliu001/ledger-bridge/internal/readmodel"
)

// devContract stands in for the token and identity contracts when the bridge
// runs against the in-memory ledger. Payloads are passed through unchanged.
func devContract(_ string, req ledger.SubmitRequest) ([]memledger.Emit, error) {
	if len(req.Args) == 0 {
		return nil, ledger.Permanent("BAD_ARGS", "missing payload argument")
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(req.Args[0]), &body); err != nil {
		return nil, ledger.Permanent("BAD_ARGS", err.Error())
	}
	emit := func(contract, event string) []memledger.Emit {
		return []memledger.Emit{{ContractName: contract, EventName: event, Version: "1", Payload: body}}
	}
	switch req.Function {
	case "TransferTokens":
		return emit("tokenomics", readmodel.EventTokensTransferred), nil
	case "MintTokens":
		return emit("tokenomics", readmodel.EventTokensMinted), nil
	case "BurnTokens":
		return emit("tokenomics", readmodel.EventTokensBurned), nil
	case "SetAccountStatus":
		return emit("identity", readmodel.EventAccountStatusChanged), nil
	case "RegisterIdentity":
		return nil, nil
	}
	return nil, ledger.Permanent("UNKNOWN_FUNCTION", req.Function)
}

// workerID returns configured, or host-uuid so two replicas never share a lock owner.
func workerID(configured string) string {
	if configured != "" {
		return configured
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "bridge"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}
