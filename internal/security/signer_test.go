package security

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"testing"

	domain "github.com/aq2208/gorder-payments/internal/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPassword = "rlkzhollw74x8uvv"

func newTestSigner(t *testing.T, allow AllowList) *Signer {
	t.Helper()
	s, err := NewSigner(Terminal{Key: "1691507148627", Password: testPassword}, allow)
	require.NoError(t, err)
	return s
}

// synthetic allow-list used by the property tests
func fieldsAllowList(n int) AllowList {
	fs := FieldSet{Required: []string{"F00"}}
	for i := 1; i < n; i++ {
		fs.Optional = append(fs.Optional, fmt.Sprintf("F%02d", i))
	}
	return AllowList{Version: "test", Operations: map[Operation]FieldSet{"Op": fs}}
}

func TestSign_KnownVectors(t *testing.T) {
	s := newTestSigner(t, AllowListV2())

	cases := []struct {
		name   string
		op     Operation
		params map[string]any
		want   string
	}{
		{
			name: "init with utf-8 description",
			op:   OpInit,
			params: map[string]any{
				"TerminalKey": "TinkoffBankTest",
				"Amount":      19200,
				"OrderId":     "21090",
				"Description": "Подарочная карта на 1000 рублей",
			},
			want: "59c027cbe1eae73c23201062d46b7a17f8a1aa532c2b5eeef9755894b8084ef2",
		},
		{
			name: "charge uses terminal, payment and rebill only",
			op:   OpCharge,
			params: map[string]any{
				"TerminalKey": "1691507148627",
				"PaymentId":   "700001",
				"RebillId":    int64(145919),
			},
			want: "975f8c86c84f6bf67ace55ff8ad9b557081c78478a559296250ff6c175328e3a",
		},
		{
			name: "get state",
			op:   OpGetState,
			params: map[string]any{
				"TerminalKey": "1691507148627",
				"PaymentId":   json.Number("700001"),
			},
			want: "15f8de4844b85e05b17004c9004c223d29c4bcd59a1501000deaf9de61cf72f4",
		},
		{
			name: "notification with bool and numbers",
			op:   OpNotification,
			params: map[string]any{
				"TerminalKey": "1691507148627",
				"OrderId":     "o-1",
				"Success":     true,
				"Status":      "CONFIRMED",
				"PaymentId":   json.Number("700001"),
				"ErrorCode":   "0",
				"Amount":      json.Number("10000"),
				"RebillId":    json.Number("145919"),
				"CardId":      json.Number("42"),
				"Pan":         "430000******0777",
				"ExpDate":     "1230",
			},
			want: "a40dcf1ed9ada5a0dba7ef6c63672188b57b056c69702d0a2b6e86c32c478444",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := s.Sign(tc.op, tc.params)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestSign_IgnoresFieldsOutsideAllowList(t *testing.T) {
	s := newTestSigner(t, AllowListV2())
	base := map[string]any{"TerminalKey": "1691507148627", "PaymentId": "700001", "RebillId": "145919"}
	want, err := s.Sign(OpCharge, base)
	require.NoError(t, err)

	noisy := map[string]any{
		"TerminalKey": "1691507148627",
		"PaymentId":   "700001",
		"RebillId":    "145919",
		"Amount":      10000,
		"CustomerKey": "u1",
		"OrderId":     "o-1",
		"Receipt":     map[string]any{"Email": "a@b.c"},
		"Token":       "stale-token",
		"Password":    "attacker-chosen",
	}
	got, err := s.Sign(OpCharge, noisy)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestSign_MissingRequiredField(t *testing.T) {
	s := newTestSigner(t, AllowListV2())
	_, err := s.Sign(OpInit, map[string]any{"TerminalKey": "k", "OrderId": "o-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSignatureInputInvalid)
	assert.Contains(t, err.Error(), "Amount")

	_, err = s.Sign(OpInit, map[string]any{"TerminalKey": "k", "OrderId": "o-1", "Amount": nil})
	assert.ErrorIs(t, err, domain.ErrSignatureInputInvalid)
}

func TestSign_RejectsNestedValues(t *testing.T) {
	allow := AllowList{Operations: map[Operation]FieldSet{
		"Op": {Required: []string{"TerminalKey", "Receipt"}},
	}}
	s := newTestSigner(t, allow)
	_, err := s.Sign("Op", map[string]any{"TerminalKey": "k", "Receipt": map[string]any{"Email": "x"}})
	assert.ErrorIs(t, err, domain.ErrSignatureInputInvalid)

	// already reduced to its JSON text by the caller: accepted as a plain string
	_, err = s.Sign("Op", map[string]any{"TerminalKey": "k", "Receipt": `{"Email":"x"}`})
	assert.NoError(t, err)
}

func TestSign_UnknownOperation(t *testing.T) {
	s := newTestSigner(t, AllowListV2())
	_, err := s.Sign("Refund", map[string]any{"TerminalKey": "k"})
	assert.ErrorIs(t, err, domain.ErrSignatureInputInvalid)
}

func TestSign_DeterministicAndOrderIndependent(t *testing.T) {
	const nFields = 12
	s := newTestSigner(t, fieldsAllowList(nFields))
	rnd := rand.New(rand.NewSource(42))

	for i := 0; i < 200; i++ {
		names := []string{"F00"}
		for j := 1; j < nFields; j++ {
			if rnd.Intn(2) == 0 {
				names = append(names, fmt.Sprintf("F%02d", j))
			}
		}
		values := make(map[string]any, len(names))
		for _, n := range names {
			values[n] = randomValue(rnd)
		}

		first, err := s.Sign("Op", copyInOrder(values, names))
		require.NoError(t, err)

		shuffled := append([]string(nil), names...)
		rnd.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		second, err := s.Sign("Op", copyInOrder(values, shuffled))
		require.NoError(t, err)
		assert.Equal(t, first, second, "iteration %d", i)

		again, err := s.Sign("Op", values)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestSign_AnySingleValueChangeChangesToken(t *testing.T) {
	s := newTestSigner(t, AllowListV2())
	params := map[string]any{
		"TerminalKey": "1691507148627",
		"Amount":      10000,
		"OrderId":     "o-1",
		"Description": "sub",
		"CustomerKey": "u1",
		"Recurrent":   "Y",
	}
	base, err := s.Sign(OpInit, params)
	require.NoError(t, err)

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		mutated := make(map[string]any, len(params))
		for kk, vv := range params {
			mutated[kk] = vv
		}
		mutated[k] = fmt.Sprint(params[k]) + "x"
		got, err := s.Sign(OpInit, mutated)
		require.NoError(t, err)
		assert.NotEqual(t, base, got, "changing %s must change the token", k)
	}
}

// The gateway hashes the sorted values joined with no separator, so the token
// for A=12,B=3 is the token for A=1,B=23. Tokens only verify against the
// gateway if this stays byte-for-byte the same.
func TestSign_MatchesGatewaySeparatorFreeConcatenation(t *testing.T) {
	allow := AllowList{Operations: map[Operation]FieldSet{"Op": {Required: []string{"A", "B"}}}}
	s := newTestSigner(t, allow)

	a, err := s.Sign("Op", map[string]any{"A": "12", "B": "3"})
	require.NoError(t, err)
	b, err := s.Sign("Op", map[string]any{"A": "1", "B": "23"})
	require.NoError(t, err)
	assert.Equal(t, "73720334ec805193c989a76d50d421e244eecfdc649fbd4722d60b9801025fbc", a)
	assert.Equal(t, a, b)
}

func TestVerify(t *testing.T) {
	s := newTestSigner(t, AllowListV2())
	payload := map[string]any{
		"TerminalKey": "1691507148627",
		"OrderId":     "o-1",
		"Success":     true,
		"Status":      "CONFIRMED",
		"PaymentId":   json.Number("700001"),
		"ErrorCode":   "0",
		"Amount":      json.Number("10000"),
		"Token":       "a40dcf1ed9ada5a0dba7ef6c63672188b57b056c69702d0a2b6e86c32c478444",
		"RebillId":    json.Number("145919"),
		"CardId":      json.Number("42"),
		"Pan":         "430000******0777",
		"ExpDate":     "1230",
		"Data":        map[string]any{"ignored": "nested"},
	}
	ok, err := s.Verify(OpNotification, payload)
	require.NoError(t, err)
	assert.True(t, ok)

	payload["Amount"] = json.Number("1")
	ok, err = s.Verify(OpNotification, payload)
	require.NoError(t, err)
	assert.False(t, ok)

	delete(payload, "Token")
	_, err = s.Verify(OpNotification, payload)
	assert.ErrorIs(t, err, domain.ErrSignatureInputInvalid)
}

func TestAllowListOverride(t *testing.T) {
	allow, err := AllowListV2().Override("v2-2026", map[string]FieldSet{
		"charge": {Required: []string{"TerminalKey", "PaymentId", "RebillId"}, Optional: []string{"IP"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "v2-2026", allow.Version)
	assert.Equal(t, []string{"IP"}, allow.Operations[OpCharge].Optional)
	assert.Empty(t, AllowListV2().Operations[OpCharge].Optional, "override must not mutate the pinned table")

	_, err = AllowListV2().Override("", map[string]FieldSet{"Refund": {Required: []string{"TerminalKey"}}})
	assert.Error(t, err)

	_, err = AllowListV2().Override("", map[string]FieldSet{"Init": {Required: []string{"TerminalKey", "Password"}}})
	assert.Error(t, err)

	_, err = AllowListV2().Override("", map[string]FieldSet{"Init": {}})
	assert.Error(t, err)
}

func randomValue(rnd *rand.Rand) any {
	switch rnd.Intn(4) {
	case 0:
		return rnd.Int63n(1_000_000)
	case 1:
		return rnd.Intn(2) == 0
	case 2:
		return json.Number(fmt.Sprint(rnd.Intn(100000)))
	default:
		const letters = "abcdefghijklmnopqrstuvwxyzАБВ0123456789"
		runes := []rune(letters)
		b := make([]rune, 1+rnd.Intn(12))
		for i := range b {
			b[i] = runes[rnd.Intn(len(runes))]
		}
		return string(b)
	}
}

func copyInOrder(values map[string]any, order []string) map[string]any {
	out := make(map[string]any, len(order))
	for _, k := range order {
		out[k] = values[k]
	}
	return out
}
