package config

import (
	"errors"
	"sort"
)

// ErrUnknownPreset is returned for a hardware or region preset name that
// does not exist
var ErrUnknownPreset = errors.New("unknown preset")

// MockRadioPreset selects the in-process mock transport
const MockRadioPreset = "Mock Radio"

// SX1262 holds the SPI bus and GPIO wiring of an SX1262 LoRa module.
// Pins set to -1 are not connected.
type SX1262 struct {
	BusID       int  `yaml:"bus_id"`
	CSID        int  `yaml:"cs_id"`
	CSPin       int  `yaml:"cs_pin"`
	ResetPin    int  `yaml:"reset_pin"`
	BusyPin     int  `yaml:"busy_pin"`
	IRQPin      int  `yaml:"irq_pin"`
	TXENPin     int  `yaml:"txen_pin"`
	RXENPin     int  `yaml:"rxen_pin"`
	UseDIO3TCXO bool `yaml:"use_dio3_tcxo"`
	UseDIO2RF   bool `yaml:"use_dio2_rf"`
}

// Radio holds LoRa modulation parameters. Frequency and Bandwidth are in Hz.
type Radio struct {
	Frequency       int  `yaml:"frequency"`
	SpreadingFactor int  `yaml:"spreading_factor"`
	Bandwidth       int  `yaml:"bandwidth"`
	CodingRate      int  `yaml:"coding_rate"`
	TXPower         int  `yaml:"tx_power"`
	PreambleLength  int  `yaml:"preamble_length"`
	SyncWord        int  `yaml:"sync_word"`
	CRCEnabled      bool `yaml:"crc_enabled"`
	ImplicitHeader  bool `yaml:"implicit_header"`
}

// HardwarePresets maps a board name to its wiring. The mock preset has no
// wiring at all.
var HardwarePresets = map[string]*SX1262{
	"uConsole AIOv2": {
		BusID:       1,
		CSID:        0,
		CSPin:       -1,
		ResetPin:    25,
		BusyPin:     24,
		IRQPin:      26,
		TXENPin:     -1,
		RXENPin:     -1,
		UseDIO3TCXO: true,
		UseDIO2RF:   true,
	},
	"Waveshare HAT": {
		BusID:    0,
		CSID:     0,
		CSPin:    21,
		ResetPin: 18,
		BusyPin:  20,
		IRQPin:   16,
		TXENPin:  13,
		RXENPin:  12,
	},
	MockRadioPreset: nil,
}

// region builds a preset from the usual units: MHz, spreading factor, kHz
// and coding rate, at 22 dBm.
func region(freqMHz float64, sf int, bwKHz float64, cr int) Radio {
	return Radio{
		Frequency:       int(freqMHz*1_000_000 + 0.5),
		SpreadingFactor: sf,
		Bandwidth:       int(bwKHz*1000 + 0.5),
		CodingRate:      cr,
		TXPower:         22,
		PreambleLength:  17,
		SyncWord:        13380,
		CRCEnabled:      true,
		ImplicitHeader:  false,
	}
}

// RegionPresets maps a region name to its recommended modulation
var RegionPresets = map[string]Radio{
	"EU/UK (Narrow)":           region(869.618, 8, 62.5, 8),
	"EU/UK (Medium Range)":     region(869.525, 10, 250, 5),
	"EU/UK (Long Range)":       region(869.525, 11, 250, 5),
	"EU 433MHz (Long Range)":   region(433.650, 11, 250, 5),
	"Czech Republic (Narrow)":  region(869.525, 7, 62.5, 5),
	"Portugal 433":             region(433.375, 9, 62.5, 6),
	"Portugal 868":             region(869.618, 7, 62.5, 6),
	"Switzerland":              region(869.618, 8, 62.5, 8),
	"USA/Canada (Recommended)": region(910.525, 7, 62.5, 5),
	"USA/Canada (Alternate)":   region(910.525, 11, 250, 5),
	"Australia":                region(915.800, 10, 250, 5),
	"Australia: Victoria":      region(916.575, 7, 62.5, 8),
	"New Zealand":              region(917.375, 11, 250, 5),
	"New Zealand (Narrow)":     region(917.375, 7, 62.5, 5),
	"Vietnam":                  region(920.250, 11, 250, 5),
}

// HardwarePresetNames returns the hardware preset names in sorted order
func HardwarePresetNames() []string {
	names := make([]string, 0, len(HardwarePresets))
	for name := range HardwarePresets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegionPresetNames returns the region preset names in sorted order
func RegionPresetNames() []string {
	names := make([]string, 0, len(RegionPresets))
	for name := range RegionPresets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Params flattens the radio and wiring into the key set the radio daemon
// expects on Configure. A nil wiring contributes nothing.
func Params(radio Radio, wiring *SX1262) map[string]interface{} {
	params := map[string]interface{}{
		"frequency":        radio.Frequency,
		"spreading_factor": radio.SpreadingFactor,
		"bandwidth":        radio.Bandwidth,
		"coding_rate":      radio.CodingRate,
		"tx_power":         radio.TXPower,
		"preamble_length":  radio.PreambleLength,
		"sync_word":        radio.SyncWord,
		"crc_enabled":      radio.CRCEnabled,
		"implicit_header":  radio.ImplicitHeader,
	}
	if wiring != nil {
		params["bus_id"] = wiring.BusID
		params["cs_id"] = wiring.CSID
		params["cs_pin"] = wiring.CSPin
		params["reset_pin"] = wiring.ResetPin
		params["busy_pin"] = wiring.BusyPin
		params["irq_pin"] = wiring.IRQPin
		params["txen_pin"] = wiring.TXENPin
		params["rxen_pin"] = wiring.RXENPin
		params["use_dio3_tcxo"] = wiring.UseDIO3TCXO
		params["use_dio2_rf"] = wiring.UseDIO2RF
	}
	return params
}
