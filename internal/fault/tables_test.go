package fault

import (
	"strings"
	"testing"

	"github.com/samcharles93/rts/internal/hal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tablesYAML = `
blacklist:
  hw_l:
    0x813d8009: AIC AA bus error
  sw: {}
  link: {}
  mte:
    0x81338002: TS dispatch input error
  sdma: {}
ub_poison_event_id: 0x81af8009
ras_filters:
  - event_id: 0x80e01801
    bit_mask: 0xffffffff
    fault: hbm_uce
  - event_id: 0x81af8009
    sub_module_id: 0x03
    error_register_index: 0x03
    bit_mask: 0x40000000
    fault: link
    name: cpu seq data poison
`

func TestLoadTables(t *testing.T) {
	t.Parallel()

	tab, err := LoadTables(strings.NewReader(tablesYAML))
	require.NoError(t, err)
	assert.Equal(t, "AIC AA bus error", tab.Blacklist.HwL[0x813d8009])
	assert.Equal(t, uint32(0x81af8009), tab.UbPoisonEventID)
	require.Len(t, tab.RasFilters, 2)
	assert.Equal(t, HbmUce, tab.RasFilters[0].Fault)
	assert.Equal(t, RasFilter{
		EventID: 0x81af8009, SubModuleID: 3, ErrorRegisterIndex: 3,
		BitMask: 0x40000000, Fault: Link, Name: "cpu seq data poison",
	}, tab.RasFilters[1])
}

func TestLoadTablesRejects(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"unknown field": "blacklists: {}\n",
		"unknown fault": "ras_filters:\n  - {event_id: 1, bit_mask: 1, fault: melted}\n",
		"no fault":      "ras_filters:\n  - {event_id: 1, bit_mask: 1, fault: no_error}\n",
		"empty mask":    "ras_filters:\n  - {event_id: 1, fault: link}\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := LoadTables(strings.NewReader(doc))
			require.Error(t, err)
		})
	}
}

func TestDefaultTablesValid(t *testing.T) {
	t.Parallel()

	tab := DefaultTables()
	require.NoError(t, tab.Validate())
	assert.NotContains(t, tab.Blacklist.Mte, uint32(hbmUceEvent), "memory events must reach classification")
	assert.Len(t, tab.filters(HbmUce, L2Buffer), 3)
}

func TestMatchHelpers(t *testing.T) {
	t.Parallel()

	events := []hal.FaultEvent{{EventID: 1}, {EventID: 2, RasCode: 0x10}}
	_, hit := IsHitBlacklist(events, Blacklist{3: "x"})
	assert.False(t, hit)
	ev, hit := IsHitBlacklist(events, Blacklist{2: "y"})
	assert.True(t, hit)
	assert.Equal(t, uint32(2), ev.EventID)

	assert.True(t, IsFaultEventOccur(1, events))
	assert.False(t, IsFaultEventOccur(5, events))

	assert.True(t, MatchRas(events[1], RasFilter{EventID: 2, BitMask: 0x30}))
	assert.False(t, MatchRas(events[1], RasFilter{EventID: 2, BitMask: 0x01}))
	assert.False(t, MatchRas(events[1], RasFilter{EventID: 2, SubModuleID: 1, BitMask: 0x10}))

	f, got, ok := FirstRasMatch(events, []RasFilter{{EventID: 2, BitMask: 0x10, Fault: L2Buffer}})
	require.True(t, ok)
	assert.Equal(t, L2Buffer, f.Fault)
	assert.Equal(t, uint32(2), got.EventID)
}

func TestTypeText(t *testing.T) {
	t.Parallel()

	for _, ty := range []Type{NoError, AicoreUnknown, AicoreSw, AicoreHwL, Link, HbmUce, L2Buffer} {
		b, err := ty.MarshalText()
		require.NoError(t, err)
		var back Type
		require.NoError(t, back.UnmarshalText(b))
		assert.Equal(t, ty, back)
	}
	_, err := ParseType("nope")
	require.Error(t, err)
}
