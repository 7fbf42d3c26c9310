package fault

import (
	"fmt"
	"io"
	"maps"

	"github.com/samcharles93/rts/internal/hal"
	"gopkg.in/yaml.v3"
)

// Blacklist maps known-benign RAS event ids to a description.
type Blacklist map[uint32]string

// RasFilter selects events whose ras code has any BitMask bit set at the
// given sub-module and error register.
type RasFilter struct {
	EventID            uint32 `yaml:"event_id"`
	SubModuleID        uint8  `yaml:"sub_module_id"`
	ErrorRegisterIndex uint8  `yaml:"error_register_index"`
	BitMask            uint32 `yaml:"bit_mask"`
	Fault              Type   `yaml:"fault"`
	Name               string `yaml:"name"`
}

// Blacklists holds one blacklist per record class, plus SDMA.
type Blacklists struct {
	HwL  Blacklist `yaml:"hw_l"`
	Sw   Blacklist `yaml:"sw"`
	Link Blacklist `yaml:"link"`
	Mte  Blacklist `yaml:"mte"`
	Sdma Blacklist `yaml:"sdma"`
}

// Tables is the injected classification configuration.
type Tables struct {
	Blacklist Blacklists `yaml:"blacklist"`
	// UbPoisonEventID is the event that must be present for a link record
	// to become a link fault.
	UbPoisonEventID uint32      `yaml:"ub_poison_event_id"`
	RasFilters      []RasFilter `yaml:"ras_filters"`
}

func (t Tables) blacklist(c Class) Blacklist {
	switch c {
	case ClassHwL:
		return t.Blacklist.HwL
	case ClassSw:
		return t.Blacklist.Sw
	case ClassLink:
		return t.Blacklist.Link
	case ClassMtePoison:
		return t.Blacklist.Mte
	default:
		return nil
	}
}

// filters returns the RAS filters whose fault is one of want.
func (t Tables) filters(want ...Type) []RasFilter {
	var out []RasFilter
	for _, f := range t.RasFilters {
		for _, w := range want {
			if f.Fault == w {
				out = append(out, f)
				break
			}
		}
	}
	return out
}

// Validate checks that every filter maps to a terminal fault.
func (t Tables) Validate() error {
	for i, f := range t.RasFilters {
		if f.Fault == NoError || f.Fault > L2Buffer {
			return fmt.Errorf("fault: ras filter %d has no terminal fault", i)
		}
		if f.BitMask == 0 {
			return fmt.Errorf("fault: ras filter %d (%#x) has empty bit mask", i, f.EventID)
		}
	}
	return nil
}

// LoadTables parses YAML tables. Numeric fields accept hex.
func LoadTables(r io.Reader) (Tables, error) {
	var t Tables
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return Tables{}, fmt.Errorf("fault: parse tables: %w", err)
	}
	if err := t.Validate(); err != nil {
		return Tables{}, err
	}
	return t, nil
}

var dispatchErrors = Blacklist{
	0x81338002: "TS dispatch input error",
	0x81338004: "TS dispatch config error",
	0x813b8002: "AIC dispatch input error",
	0x813b8004: "AIC dispatch config error",
	0x815f8002: "PERI dispatch input error",
	0x815f8004: "PERI dispatch config error",
	0x81978002: "PCIE dispatch input error",
	0x81978004: "PCIE dispatch config error",
	0x81b58002: "UB dispatch input error",
	0x81b58004: "UB dispatch config error",
}

func withEntries(base Blacklist, extra Blacklist) Blacklist {
	out := maps.Clone(base)
	maps.Copy(out, extra)
	return out
}

// DefaultTables returns the built-in tables.
func DefaultTables() Tables {
	return Tables{
		Blacklist: Blacklists{
			HwL: withEntries(dispatchErrors, Blacklist{
				0x813d8009: "AIC AA bus error",
				0x81af8008: "UB multi bit ecc",
				0x81b18008: "UB port multi bit ecc",
			}),
			Sw: withEntries(dispatchErrors, Blacklist{
				0x813d8009: "AIC AA bus error",
			}),
			Link: withEntries(dispatchErrors, Blacklist{
				0x81af8000: "UB module error",
				0x81af8004: "UB software configuration error",
				0x81b1800d: "UB port link error",
			}),
			Mte:  maps.Clone(dispatchErrors),
			Sdma: maps.Clone(dispatchErrors),
		},
		UbPoisonEventID: 0x81af8009,
		RasFilters: []RasFilter{
			{EventID: 0x80e01801, BitMask: 0xffffffff, Fault: HbmUce, Name: "HBM multi bit error"},
			{EventID: 0x80f38008, BitMask: 0xffffffff, Fault: HbmUce, Name: "HBMA multi bit ecc"},
			{EventID: 0x80cd8008, BitMask: 0xffffffff, Fault: L2Buffer, Name: "L2BUFF multi bit error"},
			{EventID: 0x81af8009, SubModuleID: 0x03, ErrorRegisterIndex: 0x02, BitMask: 0x10000000, Fault: Link, Name: "poison"},
			{EventID: 0x81af8009, SubModuleID: 0x03, ErrorRegisterIndex: 0x03, BitMask: 0x40000000, Fault: Link, Name: "cpu seq data poison"},
			{EventID: 0x81af8009, SubModuleID: 0x03, ErrorRegisterIndex: 0x03, BitMask: 0x20000000, Fault: Link, Name: "dwqe data poison"},
			{EventID: 0x81af8009, SubModuleID: 0x03, ErrorRegisterIndex: 0x03, BitMask: 0x02000000, Fault: Link, Name: "UB IO atomic operation poison"},
		},
	}
}

// IsHitBlacklist reports whether any event id is in bl, and returns it.
func IsHitBlacklist(events []hal.FaultEvent, bl Blacklist) (hal.FaultEvent, bool) {
	for _, ev := range events {
		if _, ok := bl[ev.EventID]; ok {
			return ev, true
		}
	}
	return hal.FaultEvent{}, false
}

// IsFaultEventOccur reports whether an event with id is present.
func IsFaultEventOccur(id uint32, events []hal.FaultEvent) bool {
	for _, ev := range events {
		if ev.EventID == id {
			return true
		}
	}
	return false
}

// MatchRas reports whether ev satisfies f.
func MatchRas(ev hal.FaultEvent, f RasFilter) bool {
	return ev.EventID == f.EventID &&
		ev.SubModuleID == f.SubModuleID &&
		ev.ErrorRegisterIndex == f.ErrorRegisterIndex &&
		ev.RasCode&f.BitMask != 0
}

// FirstRasMatch returns the first filter satisfied by any event.
func FirstRasMatch(events []hal.FaultEvent, filters []RasFilter) (RasFilter, hal.FaultEvent, bool) {
	for _, ev := range events {
		for _, f := range filters {
			if MatchRas(ev, f) {
				return f, ev, true
			}
		}
	}
	return RasFilter{}, hal.FaultEvent{}, false
}
