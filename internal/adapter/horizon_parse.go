package adapter

import (
	"encoding/json"
	"fmt"

	"github.com/stellar/go/amount"
	"github.com/stellar/go/protocols/horizon"
	"github.com/stellar/go/protocols/horizon/operations"

	apperrors "github.com/stellar-lineage/internal/errors"
	"github.com/stellar-lineage/internal/types"
)

// AccountData is the part of a Horizon account document the pipeline keeps
type AccountData struct {
	HomeDomain string
	Balance    float64 // native XLM
	Attributes json.RawMessage
	Assets     json.RawMessage
}

type accountAttributes struct {
	Sequence      int64                     `json:"sequence"`
	SubentryCount int32                     `json:"subentryCount"`
	Thresholds    horizon.AccountThresholds `json:"thresholds"`
	Flags         horizon.AccountFlags      `json:"flags"`
	Signers       int                       `json:"signers"`
	LastModified  uint32                    `json:"lastModifiedLedger"`
}

type accountAsset struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Issuer  string `json:"issuer,omitempty"`
	Balance string `json:"balance"`
}

// ParseAccount decodes a raw Horizon account document. Malformed documents
// are domain-invalid: refetching returns the same bytes.
func ParseAccount(raw json.RawMessage) (*AccountData, error) {
	invalid := func(msg string, err error) error {
		return apperrors.NewInvalidError(types.InvalidReasonAccountData, msg, err)
	}
	if len(raw) == 0 {
		return nil, invalid("account dataset is empty", nil)
	}

	var acct horizon.Account
	if err := json.Unmarshal(raw, &acct); err != nil {
		return nil, invalid("account dataset is not a horizon account", err)
	}
	if acct.AccountID == "" {
		return nil, invalid("account dataset has no account id", nil)
	}

	native, err := acct.GetNativeBalance()
	if err != nil {
		return nil, invalid("account dataset has no native balance", err)
	}
	stroops, err := amount.ParseInt64(native)
	if err != nil || stroops < 0 {
		return nil, invalid(fmt.Sprintf("invalid native balance %q", native), err)
	}

	assets := make([]accountAsset, 0, len(acct.Balances))
	for _, b := range acct.Balances {
		if b.Asset.Type == "native" {
			continue
		}
		assets = append(assets, accountAsset{
			Type:    b.Asset.Type,
			Code:    b.Asset.Code,
			Issuer:  b.Asset.Issuer,
			Balance: b.Balance,
		})
	}
	assetsRaw, err := json.Marshal(assets)
	if err != nil {
		return nil, fmt.Errorf("failed to encode assets: %w", err)
	}

	attrsRaw, err := json.Marshal(accountAttributes{
		Sequence:      acct.Sequence,
		SubentryCount: acct.SubentryCount,
		Thresholds:    acct.Thresholds,
		Flags:         acct.Flags,
		Signers:       len(acct.Signers),
		LastModified:  acct.LastModifiedLedger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode attributes: %w", err)
	}

	return &AccountData{
		HomeDomain: acct.HomeDomain,
		Balance:    float64(stroops) / float64(amount.One),
		Attributes: attrsRaw,
		Assets:     assetsRaw,
	}, nil
}

type operationsPage struct {
	Embedded struct {
		Records []json.RawMessage `json:"records"`
	} `json:"_embedded"`
}

// ParseCreation finds the create_account operation that created address in
// a raw operations page. A page without one returns (nil, nil).
func ParseCreation(raw json.RawMessage, address string) (*CreationInfo, error) {
	if len(raw) == 0 {
		return nil, apperrors.NewInvalidError(types.InvalidReasonOperationsData, "operations dataset is empty", nil)
	}

	var page operationsPage
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, apperrors.NewInvalidError(types.InvalidReasonOperationsData, "operations dataset is not a horizon page", err)
	}

	for _, rec := range page.Embedded.Records {
		var head operations.Base
		if err := json.Unmarshal(rec, &head); err != nil {
			continue
		}
		if head.Type != "create_account" {
			continue
		}

		var op operations.CreateAccount
		if err := json.Unmarshal(rec, &op); err != nil {
			return nil, apperrors.NewInvalidError(types.InvalidReasonOperationsData, "malformed create_account operation", err)
		}
		if op.Account != address {
			continue
		}
		return &CreationInfo{
			Creator:   op.Funder,
			CreatedAt: op.LedgerCloseTime.UTC(),
		}, nil
	}
	return nil, nil
}
