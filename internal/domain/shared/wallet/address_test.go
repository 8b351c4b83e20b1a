package wallet

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalChecksumsAddresses(t *testing.T) {
	vectors := []string{
		"0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		"0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359",
		"0xdbF03B407c01E7cD3CBea99509d93f8DDDC8C6FB",
		"0xD1220A0cf47c7B9Be7A2E6BA89F429762e7b9aDb",
	}
	for _, want := range vectors {
		t.Run(want, func(t *testing.T) {
			assert.True(t, IsAddress(want))
			assert.Equal(t, want, Canonical(strings.ToLower(want)))
			assert.Equal(t, want, Canonical("  0x"+strings.ToUpper(want[2:])))
		})
	}
}

func TestCanonicalLeavesOtherIDs(t *testing.T) {
	assert.Equal(t, "buyer", Canonical(" buyer "))
	assert.Equal(t, "0x1234", Canonical("0x1234"))
	assert.False(t, IsAddress("0xzz5aAeb6053F3E94C9b9A09f33669435E7Ef1BeA"))
}
