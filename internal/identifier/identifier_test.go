package identifier_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boddenberg/statement-import-go/internal/identifier"
)

const pixToItau = "Transferência enviada pelo Pix - Lucas Anderson Silva - •••.060.689-•• - ITAÚ UNIBANCO S.A. (0341) Agência: 6305 Conta: 41155-2"

func TestStandardize_BankRoutingExample(t *testing.T) {
	key := identifier.Standardize(pixToItau)
	assert.Equal(t, "enviada pelo pix|lucas anderson silva|itau unibanco sa 0341 6305 41155-2", key)
}

func TestExtract_BankRoutingExample(t *testing.T) {
	id := identifier.Extract(pixToItau)
	assert.Equal(t, identifier.KindBankRouting, id.Kind)
	assert.Equal(t, "lucas anderson silva", id.Name)
	assert.Equal(t, "itau unibanco sa 0341 6305 41155-2", id.Routing)
	assert.False(t, id.HasStrongIdentifier())
}

func TestStandardize_Deterministic(t *testing.T) {
	descriptions := []string{
		pixToItau,
		"Compra no debito - PADARIA REAL 12/03",
		"Pix enviado - Maria Souza - 123.456.789-00",
		"",
	}
	for _, d := range descriptions {
		first := identifier.Standardize(d)
		for i := 0; i < 5; i++ {
			require.Equal(t, first, identifier.Standardize(d), "description %q", d)
		}
	}
}

func TestStandardize_AccentsDoNotChangeKey(t *testing.T) {
	plain := "Transferencia enviada pelo Pix - Lucas Anderson Silva - •••.060.689-•• - ITAU UNIBANCO S.A. (0341) Agencia: 6305 Conta: 41155-2"
	assert.Equal(t, identifier.Standardize(plain), identifier.Standardize(pixToItau))
}

func TestExtract_PriorityChain(t *testing.T) {
	tests := []struct {
		name        string
		description string
		kind        identifier.Kind
		identifier  string
		person      string
	}{
		{
			name:        "tax id",
			description: "Pix enviado - Maria Souza - 123.456.789-00",
			kind:        identifier.KindTaxID,
			identifier:  "12345678900",
			person:      "maria souza",
		},
		{
			name:        "tax id wins over email",
			description: "Pix - joao@example.com - 123.456.789-00",
			kind:        identifier.KindTaxID,
			identifier:  "12345678900",
		},
		{
			name:        "company tax id",
			description: "Pagamento recebido ACME LTDA 12.345.678/0001-95",
			kind:        identifier.KindTaxID,
			identifier:  "12345678000195",
			person:      "acme ltda",
		},
		{
			name:        "random key",
			description: "Pix recebido 3F2504E0-4F89-11D3-9A0C-0305E82C3301",
			kind:        identifier.KindRandomKey,
			identifier:  "3f2504e0-4f89-11d3-9a0c-0305e82c3301",
		},
		{
			name:        "email",
			description: "Pix enviado Fulano fulano.silva@Example.com",
			kind:        identifier.KindEmail,
			identifier:  "fulano.silva@example.com",
			person:      "fulano",
		},
		{
			name:        "phone",
			description: "Pix enviado (11) 98765-4321",
			kind:        identifier.KindPhone,
			identifier:  "11987654321",
		},
		{
			name:        "tax id wins over a formatted phone",
			description: "Pix enviado - Maria Souza - 123.456.789-00 - (11) 98765-4321",
			kind:        identifier.KindTaxID,
			identifier:  "12345678900",
			person:      "maria souza",
		},
		{
			name:        "tax id wins over a bare ten digit number",
			description: "Pix enviado 1133334444 - Joana Lima - 987.654.321-00",
			kind:        identifier.KindTaxID,
			identifier:  "98765432100",
			person:      "joana lima",
		},
		{
			name:        "fallback name past filler words and a timestamp",
			description: "Compra no debito 10/03 12:30 PADARIA PAO QUENTE",
			kind:        identifier.KindName,
			person:      "padaria pao quente",
		},
		{
			name:        "fallback name after type keyword",
			description: "Compra no debito - PADARIA REAL 12/03",
			kind:        identifier.KindName,
			person:      "padaria real",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := identifier.Extract(tt.description)
			assert.Equal(t, tt.kind, id.Kind)
			assert.Equal(t, tt.identifier, id.Identifier)
			if tt.person != "" {
				assert.Equal(t, tt.person, id.Name)
			}
		})
	}
}

func TestStandardize_StripsLongNumbers(t *testing.T) {
	tests := []struct {
		name        string
		description string
		want        string
	}{
		{
			name:        "boleto barcode",
			description: "Pagamento de boleto 34191790010104351004791020150008291070026000",
			want:        "de boleto",
		},
		{
			name:        "contact number next to a tax id",
			description: "Pix enviado 1133334444 - Joana Lima - 987.654.321-00",
			want:        "pix enviado|joana lima|98765432100",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, identifier.Standardize(tt.description))
		})
	}

	assert.Equal(t,
		identifier.Standardize("Pagamento de boleto 34191790010104351004791020150008291070026000"),
		identifier.Standardize("Pagamento de boleto 23793381286000782713695000063305975520000370000"),
		"the barcode does not change the key",
	)
}

func TestExtract_EmptyDescription(t *testing.T) {
	assert.Equal(t, identifier.Identity{}, identifier.Extract(""))
	assert.Equal(t, "", identifier.Standardize("   "))
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "jose da silva-n", identifier.NormalizeName("  JOSÉ  da Silva-Ñ!! "))
	assert.Equal(t, "itau unibanco sa", identifier.NormalizeName("ITAÚ UNIBANCO S.A."))
}
