package policy

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestStoreRoundTrip verifies signals and trading date survive save/load.
func TestStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()

	store := NewStore("demo", dir)
	store.Doc.CurrentTradingDate = "2026-09-01"
	when := time.Date(2026, 9, 1, 14, 30, 0, 0, time.Local)
	require.NoError(t, store.SetSignal("30m", "long", when))

	restored := NewStore("demo", dir)
	require.NoError(t, restored.Load())

	assert.Equal(t, "2026-09-01", restored.Doc.CurrentTradingDate)
	sig := restored.Doc.Signals["30m"]
	require.NotNil(t, sig)
	assert.Equal(t, "long", sig.LastSignal)
	assert.True(t, when.Equal(sig.LastSignalTime.Time))
	assert.False(t, restored.Doc.UpdatedAt.IsZero())
}

// TestUnknownFieldsPreserved verifies fields the engine does not understand
// survive a load-save cycle untouched.
func TestUnknownFieldsPreserved(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "demo_policy.json")

	original := `{
		"current_trading_date": "2026-09-01",
		"signals": {},
		"custom_risk_budget": {"max_loss": 5000, "nested": [1, 2, 3]},
		"analyst_note": "do not touch"
	}`
	require.NoError(t, os.WriteFile(path, []byte(original), 0o644))

	store := NewStore("demo", dir)
	require.NoError(t, store.Load())
	require.NoError(t, store.Save())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &out))

	assert.JSONEq(t, `{"max_loss": 5000, "nested": [1, 2, 3]}`, string(out["custom_risk_budget"]))
	assert.JSONEq(t, `"do not touch"`, string(out["analyst_note"]))
	assert.Contains(t, out, "updated_at")
}

// TestTimestampTolerantParsing verifies bad time strings degrade to the
// zero time instead of failing the whole document.
func TestTimestampTolerantParsing(t *testing.T) {
	cases := []string{`""`, `"not-a-time"`, `"2026-13-45 99:99:99"`, `12345`}
	for _, raw := range cases {
		var ts Timestamp
		require.NoError(t, json.Unmarshal([]byte(raw), &ts), "input %s", raw)
		assert.True(t, ts.IsZero(), "input %s should parse to zero time", raw)
	}

	var ts Timestamp
	require.NoError(t, json.Unmarshal([]byte(`"2026-09-01 14:30:00"`), &ts))
	assert.Equal(t, 14, ts.Hour())
}

// TestZeroTimestampMarshalsEmpty verifies the zero value round trip.
func TestZeroTimestampMarshalsEmpty(t *testing.T) {
	data, err := json.Marshal(Timestamp{})
	require.NoError(t, err)
	assert.Equal(t, `""`, string(data))
}

// TestLoadMissingFileIsEmptyDocument verifies first start behavior.
func TestLoadMissingFileIsEmptyDocument(t *testing.T) {
	store := NewStore("demo", t.TempDir())
	require.NoError(t, store.Load())
	assert.NotNil(t, store.Doc.Signals)
	assert.Empty(t, store.Doc.CurrentTradingDate)
}

// TestLoadCorruptFileFails verifies unparseable documents are a hard error,
// not silently replaced.
func TestLoadCorruptFileFails(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "demo_policy.json"), []byte("{oops"), 0o644))
	store := NewStore("demo", dir)
	assert.Error(t, store.Load())
}

// TestSubTransactionsRawPassThrough verifies the engine never reinterprets
// the sub transaction payload.
func TestSubTransactionsRawPassThrough(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "demo_policy.json")
	original := `{"sub_transactions": [{"id": "tx1", "weird_field": true}]}`
	require.NoError(t, os.WriteFile(path, []byte(original), 0o644))

	store := NewStore("demo", dir)
	require.NoError(t, store.Load())
	require.NoError(t, store.Save())

	restored := NewStore("demo", dir)
	require.NoError(t, restored.Load())
	assert.JSONEq(t, `[{"id": "tx1", "weird_field": true}]`, string(restored.Doc.SubTransactions))
}
