package block

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Fixed-size byte fields travel as hex strings in JSON records.

func marshalHex(b []byte) ([]byte, error) {
	return json.Marshal(hex.EncodeToString(b))
}

func unmarshalHex(data []byte, dst []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(raw) != len(dst) {
		return fmt.Errorf("expected %d bytes, got %d", len(dst), len(raw))
	}
	copy(dst, raw)
	return nil
}

func (h HashType) MarshalJSON() ([]byte, error)  { return marshalHex(h[:]) }
func (h *HashType) UnmarshalJSON(d []byte) error { return unmarshalHex(d, h[:]) }

func (a AddressType) MarshalJSON() ([]byte, error)  { return marshalHex(a[:]) }
func (a *AddressType) UnmarshalJSON(d []byte) error { return unmarshalHex(d, a[:]) }

func (p PubkeyType) MarshalJSON() ([]byte, error)  { return marshalHex(p[:]) }
func (p *PubkeyType) UnmarshalJSON(d []byte) error { return unmarshalHex(d, p[:]) }

func (s SigType) MarshalJSON() ([]byte, error)  { return marshalHex(s[:]) }
func (s *SigType) UnmarshalJSON(d []byte) error { return unmarshalHex(d, s[:]) }

func (h HashType) String() string {
	return hex.EncodeToString(h[:])
}

func ParseHash(s string) (HashType, error) {
	var h HashType
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != HashLen {
		return h, fmt.Errorf("invalid hash %q", s)
	}
	copy(h[:], raw)
	return h, nil
}

func (k TxKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *TxKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := ParseTxKind(s)
	if err != nil {
		return err
	}
	*k = v
	return nil
}

func (s TxStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *TxStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	if str == "success" {
		*s = TxSuccess
	} else {
		*s = TxFailed
	}
	return nil
}
