package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprintIgnoresCaseAndSpacing(t *testing.T) {
	a := Fingerprint("The  Quarterly\nRevenue chart")
	b := Fingerprint("the quarterly revenue CHART")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, Fingerprint("the quarterly revenue table"))
}

func TestFingerprintUsesPrefixOnly(t *testing.T) {
	base := strings.Repeat("x", FingerprintPrefix)
	assert.Equal(t, Fingerprint(base+" tail one"), Fingerprint(base+" tail two"))
}

func TestNormalizeText(t *testing.T) {
	assert.Equal(t, "a b c", NormalizeText("  A\tb \n C "))
	assert.Equal(t, "", NormalizeText("   "))
}

func TestContentHashIsExact(t *testing.T) {
	base := strings.Repeat("x", FingerprintPrefix)
	assert.NotEqual(t, ContentHash(base+" tail one"), ContentHash(base+" tail two"))
	assert.NotEqual(t, ContentHash("Chart"), ContentHash("chart"))
	assert.Equal(t, ContentHash("chart"), ContentHash("chart"))
}
