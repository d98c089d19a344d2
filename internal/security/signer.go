package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"

	domain "github.com/aq2208/gorder-payments/internal/entity"
)

// Signer computes the gateway request token:
// sha256(concat(values sorted by field name, with Password injected)).
type Signer struct {
	password string
	allow    AllowList
}

func NewSigner(t Terminal, allow AllowList) (*Signer, error) {
	if t.Password == "" {
		return nil, errors.New("signer: terminal password required")
	}
	if len(allow.Operations) == 0 {
		return nil, errors.New("signer: empty allow-list")
	}
	return &Signer{password: t.Password, allow: allow}, nil
}

func (s *Signer) AllowListVersion() string { return s.allow.Version }

// Sign returns the lowercase hex token for op. Only op's allow-listed fields
// are read from params; a missing required field is a SignatureInputInvalid
// error. Nested values must be flattened by the caller.
func (s *Signer) Sign(op Operation, params map[string]any) (string, error) {
	values, err := s.collect(op, params)
	if err != nil {
		return "", err
	}
	return digest(values), nil
}

// Verify recomputes the token of params and compares it with params["Token"]
// in constant time.
func (s *Signer) Verify(op Operation, params map[string]any) (bool, error) {
	got, _ := params[FieldToken].(string)
	if got == "" {
		return false, fmt.Errorf("%w: %s: missing %s", domain.ErrSignatureInputInvalid, op, FieldToken)
	}
	want, err := s.Sign(op, params)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1, nil
}

func (s *Signer) collect(op Operation, params map[string]any) (map[string]string, error) {
	fs, ok := s.allow.Operations[op]
	if !ok {
		return nil, fmt.Errorf("%w: unknown operation %q", domain.ErrSignatureInputInvalid, op)
	}

	values := make(map[string]string, len(fs.Required)+len(fs.Optional)+1)
	for _, name := range fs.Required {
		v, present := params[name]
		if !present || v == nil {
			return nil, fmt.Errorf("%w: %s: missing required field %s", domain.ErrSignatureInputInvalid, op, name)
		}
		str, err := stringify(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: field %s: %v", domain.ErrSignatureInputInvalid, op, name, err)
		}
		values[name] = str
	}
	for _, name := range fs.Optional {
		v, present := params[name]
		if !present || v == nil {
			continue
		}
		str, err := stringify(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: field %s: %v", domain.ErrSignatureInputInvalid, op, name, err)
		}
		values[name] = str
	}

	delete(values, FieldToken)
	values[FieldPassword] = s.password
	return values, nil
}

func digest(values map[string]string) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		_, _ = io.WriteString(h, values[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func stringify(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case json.Number:
		return x.String(), nil
	case bool:
		return strconv.FormatBool(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int32:
		return strconv.FormatInt(int64(x), 10), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case fmt.Stringer:
		return x.String(), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}
