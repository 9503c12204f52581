package postal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvinceForCapLongestPrefix(t *testing.T) {
	cases := map[string]string{
		"00100": "RM",
		"00199": "RM",
		"20100": "MI",
		"20900": "MI",
		"10121": "TO",
		"09100": "CA",
		"98100": "ME",
	}
	for cap, want := range cases {
		got, ok := ProvinceForCap(cap)
		require.True(t, ok, cap)
		assert.Equal(t, want, got, cap)
	}

	_, ok := ProvinceForCap("1234")
	assert.False(t, ok)
}

func TestValidateCapProvinceMismatchSuggestsMilano(t *testing.T) {
	r := ValidateCapProvince("20100", "RM")
	assert.False(t, r.Valid)
	require.NotNil(t, r.Suggestion)
	assert.Equal(t, "MI", r.Suggestion.Province)
	assert.Equal(t, "Milano", r.Suggestion.City)
}

func TestValidateCapProvinceSharedPrefix(t *testing.T) {
	assert.True(t, ValidateCapProvince("20900", "MB").Valid)
	assert.True(t, ValidateCapProvince("20900", "mi").Valid)
}

func TestValidateCapProvinceFormat(t *testing.T) {
	assert.False(t, ValidateCapProvince("2010", "MI").Valid)
	assert.False(t, ValidateCapProvince("20100", "MIL").Valid)
}

func TestValidateAddressCapital(t *testing.T) {
	r := ValidateAddress("00100", "Milano", "MI")
	assert.False(t, r.Valid)
	require.NotNil(t, r.Suggestion)
	assert.Equal(t, "20100", r.Suggestion.Cap)
	assert.Contains(t, r.Message, "dovrebbe iniziare con 201")

	r = ValidateAddress("20121", "milano", "RM")
	assert.False(t, r.Valid)
	assert.Equal(t, "MI", r.Suggestion.Province)

	assert.True(t, ValidateAddress("00184", "Roma", "RM").Valid)
}

func TestValidateAddressNonCapital(t *testing.T) {
	assert.True(t, ValidateAddress("20090", "Segrate", "MI").Valid)

	r := ValidateAddress("20090", "Segrate", "NA")
	assert.False(t, r.Valid)
	assert.Equal(t, "MI", r.Suggestion.Province)
}

func TestCityInfoAndRegions(t *testing.T) {
	c, ok := CityInfo("  Reggio   Emilia ")
	require.True(t, ok)
	assert.Equal(t, "RE", c.Province)
	assert.Equal(t, "Emilia-Romagna", c.Region)

	d := Default()
	assert.True(t, d.IsIsland("PA"))
	assert.True(t, d.IsIsland("ss"))
	assert.False(t, d.IsIsland("MI"))
	assert.True(t, IsValidProvince("no"))
	assert.Len(t, d.Provinces(), 107)
	assert.True(t, d.ValidateCapCity("00184", "Roma"))
	assert.False(t, d.ValidateCapCity("20100", "Roma"))
}
