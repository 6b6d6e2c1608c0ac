package classification

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/palantir/equity-enrichment-pipeline/internal/company"
	"github.com/palantir/equity-enrichment-pipeline/internal/enrich"
)

func TestDefaultTable(t *testing.T) {
	e, err := New("")
	require.NoError(t, err)

	tests := []struct {
		sector string
		want   string
	}{
		{"Technology", "Technology"},
		{"information   technology", "Technology"},
		{"Consumer Cyclical", "Consumer Discretionary"},
		{"Healthcare", "Health Care"},
		{"Financial Services", "Financials"},
		{"Basic Materials", "Materials"},
	}
	for _, tt := range tests {
		t.Run(tt.sector, func(t *testing.T) {
			out, err := e.Enrich(context.Background(), company.Company{"Ticker": "X", SourceField: tt.sector})
			require.NoError(t, err)
			assert.Equal(t, tt.want, out[FieldBICSName])
			assert.NotEmpty(t, out[FieldBICSCode])
		})
	}
}

func TestEnrich_NoSectorIsEmptyDelta(t *testing.T) {
	e, err := New("")
	require.NoError(t, err)

	out, err := e.Enrich(context.Background(), company.Company{"Ticker": "X"})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestEnrich_UnmappedSectorIsPermanent(t *testing.T) {
	e, err := New("")
	require.NoError(t, err)

	_, err = e.Enrich(context.Background(), company.Company{"Ticker": "X", SourceField: "Crypto"})
	require.Error(t, err)
	assert.True(t, enrich.IsPermanent(err))
}

func TestNew_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sectors.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sectors:\n  - name: Tech\n    aliases: [Technology]\n"), 0o600))

	e, err := New(path)
	require.NoError(t, err)

	out, err := e.Enrich(context.Background(), company.Company{"Ticker": "X", SourceField: "technology"})
	require.NoError(t, err)
	assert.Equal(t, company.Fields{FieldBICSName: "Tech"}, out)
}

func TestParse_Invalid(t *testing.T) {
	tests := map[string]string{
		"empty":        "sectors: []\n",
		"unknown key":  "sectors:\n  - name: A\n    colour: red\n",
		"no name":      "sectors:\n  - code: \"1\"\n",
		"ambiguous":    "sectors:\n  - name: A\n    aliases: [X]\n  - name: B\n    aliases: [x]\n",
		"not yaml map": "- a\n- b\n",
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			require.Error(t, err)
		})
	}
}
