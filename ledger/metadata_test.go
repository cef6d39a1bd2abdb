package ledger_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mypts/points-ledger/ledger"
)

func TestTypeRegistry_BuiltIns(t *testing.T) {
	types := ledger.TransactionTypes()
	assert.ElementsMatch(t, []ledger.TransactionType{
		ledger.TxEarn, ledger.TxBuy, ledger.TxSpend, ledger.TxRefund, ledger.TxSell, ledger.TxAdminAdjust,
	}, types)

	spec, ok := ledger.LookupTransactionType(ledger.TxAdminAdjust)
	require.True(t, ok)
	assert.NoError(t, spec.ValidateAmount(-5))
	assert.NoError(t, spec.ValidateAmount(5))
	assert.ErrorIs(t, spec.ValidateAmount(0), ledger.ErrValidation)
}

func TestTypeSpec_ValidateMetadata(t *testing.T) {
	spec, ok := ledger.LookupTransactionType(ledger.TxBuy)
	require.True(t, ok)

	tests := []struct {
		name    string
		meta    ledger.Metadata
		wantErr bool
	}{
		{"minimal", ledger.Metadata{"paymentId": "pi_1"}, false},
		{"missing required", ledger.Metadata{"provider": "stripe"}, true},
		{"nil required", ledger.Metadata{"paymentId": nil}, true},
		{"int from JSON float", ledger.Metadata{"paymentId": "pi_1", "priceMinor": float64(499)}, false},
		{"fractional int", ledger.Metadata{"paymentId": "pi_1", "priceMinor": 4.99}, true},
		{"json.Number int", ledger.Metadata{"paymentId": "pi_1", "priceMinor": json.Number("499")}, false},
		{"unknown key passes", ledger.Metadata{"paymentId": "pi_1", "campaign": map[string]any{"id": 7}}, false},
		{"wrong kind", ledger.Metadata{"paymentId": "pi_1", "currency": 978}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := spec.ValidateMetadata(tt.meta)
			if tt.wantErr {
				assert.ErrorIs(t, err, ledger.ErrValidation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMetadata_CloneIsShallowCopy(t *testing.T) {
	m := ledger.Metadata{"a": "1"}
	c := m.Clone()
	c["a"] = "2"
	assert.Equal(t, "1", m.String("a"))
	assert.Nil(t, ledger.Metadata(nil).Clone())
	assert.Equal(t, "", ledger.Metadata(nil).String("a"))
}
