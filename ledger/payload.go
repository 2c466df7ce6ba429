package ledger

import (
	"encoding/json"
	"fmt"
)

// EncodePayload serializes a payload for storage. The transaction type is
// stored alongside it, not inside.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: payload is required", ErrInvalidArgument)
	}
	return json.Marshal(p)
}

// DecodePayload rebuilds the payload variant for t from its stored form.
func DecodePayload(t Type, raw []byte) (Payload, error) {
	switch t {
	case TypeIncome:
		return decodeVariant[Income](raw)
	case TypeExpense:
		return decodeVariant[Expense](raw)
	case TypeTransfer:
		return decodeVariant[Transfer](raw)
	case TypeDept:
		return decodeVariant[DeptPayment](raw)
	case TypeReceiving:
		return decodeVariant[ReceivingPayment](raw)
	}
	return nil, fmt.Errorf("%w: unknown transaction type %q", ErrInvalidArgument, t)
}

func decodeVariant[P Payload](raw []byte) (Payload, error) {
	var p P
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: malformed %s payload: %v", ErrInvalidArgument, p.Kind(), err)
	}
	return p, nil
}
