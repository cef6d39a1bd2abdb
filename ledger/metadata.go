/*
metadata.go - Schema-validated metadata and the transaction type registry

PURPOSE:
  Transactions carry an open metadata map. Keys a transaction type knows
  about are validated (kind, required); unknown keys pass through untouched
  so newer producers can attach data older consumers ignore.

  Each transaction type is registered once with its direction (credit,
  debit or either) and its metadata schema. TransactionLog.Create looks the
  type up here instead of switching on it.

SEE ALSO:
  - transactions.go: Validates requests against the registry
*/
package ledger

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"sync"
)

// Well-known metadata keys.
const (
	MetaActivityType = "activityType"
	MetaPaymentID    = "paymentId"
	MetaProvider     = "provider"
	MetaEventType    = "eventType"
	MetaPriceMinor   = "priceMinor"
	MetaCurrency     = "currency"
	MetaProductID    = "productId"
	MetaOriginalTxID = "originalTransactionId"
	MetaAdminID      = "adminId"
	MetaAutomatic    = "automatic"
)

// Metadata is an open key/value bag attached to transactions and supply logs.
type Metadata map[string]any

// String returns the string value for key, or "".
func (m Metadata) String(key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// Clone returns a shallow copy.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// =============================================================================
// SCHEMA
// =============================================================================

type FieldKind int

const (
	KindString FieldKind = iota
	KindInt
	KindNumber
	KindBool
)

func (k FieldKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "integer"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	}
	return "unknown"
}

type FieldSpec struct {
	Key      string
	Kind     FieldKind
	Required bool
}

// Direction constrains the sign of a transaction's amount.
type Direction int

const (
	DirectionCredit Direction = iota // amount > 0
	DirectionDebit                   // amount < 0
	DirectionEither                  // amount != 0
)

// TypeSpec is the registered variant for one TransactionType.
type TypeSpec struct {
	Type      TransactionType
	Direction Direction
	Fields    []FieldSpec
}

// ValidateAmount checks the sign rule for the type.
func (s TypeSpec) ValidateAmount(amount int64) error {
	if amount > MaxAmount || amount < -MaxAmount {
		return invalid("amount", "magnitude must not exceed %d, got %d", MaxAmount, amount)
	}
	switch s.Direction {
	case DirectionCredit:
		if amount <= 0 {
			return invalid("amount", "%s requires a positive amount, got %d", s.Type, amount)
		}
	case DirectionDebit:
		if amount >= 0 {
			return invalid("amount", "%s requires a negative amount, got %d", s.Type, amount)
		}
	default:
		if amount == 0 {
			return invalid("amount", "%s requires a non-zero amount", s.Type)
		}
	}
	return nil
}

// ValidateMetadata checks known keys; unknown keys are ignored.
func (s TypeSpec) ValidateMetadata(m Metadata) error {
	for _, f := range s.Fields {
		v, ok := m[f.Key]
		if !ok || v == nil {
			if f.Required {
				return invalid("metadata."+f.Key, "required for %s", s.Type)
			}
			continue
		}
		if !kindMatches(f.Kind, v) {
			return invalid("metadata."+f.Key, "expected %s, got %T", f.Kind, v)
		}
	}
	return nil
}

func kindMatches(kind FieldKind, v any) bool {
	switch kind {
	case KindString:
		_, ok := v.(string)
		return ok
	case KindBool:
		_, ok := v.(bool)
		return ok
	case KindInt:
		switch n := v.(type) {
		case int, int32, int64:
			return true
		case float64:
			return n == math.Trunc(n)
		case json.Number:
			_, err := n.Int64()
			return err == nil
		}
		return false
	case KindNumber:
		switch v.(type) {
		case int, int32, int64, float32, float64, json.Number:
			return true
		}
		// decimal amounts travel as strings
		if s, ok := v.(string); ok {
			_, err := strconv.ParseFloat(s, 64)
			return err == nil
		}
		return false
	}
	return false
}

// =============================================================================
// TYPE REGISTRY
// =============================================================================

var (
	typeRegistry = make(map[TransactionType]TypeSpec)
	typeMu       sync.RWMutex
)

// RegisterTransactionType adds or replaces a transaction type variant.
func RegisterTransactionType(spec TypeSpec) {
	typeMu.Lock()
	defer typeMu.Unlock()
	typeRegistry[spec.Type] = spec
}

// LookupTransactionType returns the registered TypeSpec for t.
func LookupTransactionType(t TransactionType) (TypeSpec, bool) {
	typeMu.RLock()
	defer typeMu.RUnlock()
	spec, ok := typeRegistry[t]
	return spec, ok
}

// TransactionTypes lists registered types, sorted.
func TransactionTypes() []TransactionType {
	typeMu.RLock()
	defer typeMu.RUnlock()
	out := make([]TransactionType, 0, len(typeRegistry))
	for t := range typeRegistry {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func init() {
	RegisterTransactionType(TypeSpec{
		Type:      TxEarn,
		Direction: DirectionCredit,
		Fields: []FieldSpec{
			{Key: MetaActivityType, Kind: KindString, Required: true},
		},
	})
	RegisterTransactionType(TypeSpec{
		Type:      TxBuy,
		Direction: DirectionCredit,
		Fields: []FieldSpec{
			{Key: MetaPaymentID, Kind: KindString, Required: true},
			{Key: MetaProvider, Kind: KindString},
			{Key: MetaEventType, Kind: KindString},
			{Key: MetaPriceMinor, Kind: KindInt},
			{Key: MetaCurrency, Kind: KindString},
		},
	})
	RegisterTransactionType(TypeSpec{
		Type:      TxSpend,
		Direction: DirectionDebit,
		Fields: []FieldSpec{
			{Key: MetaProductID, Kind: KindString},
		},
	})
	RegisterTransactionType(TypeSpec{
		Type:      TxRefund,
		Direction: DirectionDebit,
		Fields: []FieldSpec{
			{Key: MetaPaymentID, Kind: KindString},
			{Key: MetaOriginalTxID, Kind: KindString},
		},
	})
	RegisterTransactionType(TypeSpec{
		Type:      TxSell,
		Direction: DirectionDebit,
		Fields: []FieldSpec{
			{Key: MetaPaymentID, Kind: KindString},
			{Key: MetaCurrency, Kind: KindString},
		},
	})
	RegisterTransactionType(TypeSpec{
		Type:      TxAdminAdjust,
		Direction: DirectionEither,
		Fields: []FieldSpec{
			{Key: MetaAdminID, Kind: KindString, Required: true},
		},
	})
}
