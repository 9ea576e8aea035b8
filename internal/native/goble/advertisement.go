package goble

import (
	"encoding/binary"

	"github.com/go-ble/ble"
	"github.com/srg/blebridge/internal/device"
)

// txPowerAbsent is the value go-ble reports when the payload carries no TX power level.
const txPowerAbsent = 127

// advertisement is the part of ble.Advertisement a scan result is built from.
type advertisement interface {
	LocalName() string
	ManufacturerData() []byte
	ServiceData() []ble.ServiceData
	Services() []ble.UUID
	TxPowerLevel() int
	Connectable() bool
	RSSI() int
	Addr() ble.Addr
}

// scanResult converts a native advertisement into the bridge scan result.
func scanResult(adv advertisement) device.ScanResult {
	payload := device.Advertisement{
		LocalName:   adv.LocalName(),
		Connectable: adv.Connectable(),
	}

	if tx := adv.TxPowerLevel(); tx != txPowerAbsent {
		payload.TxPowerLevel = &tx
	}

	// The first two octets are the company identifier, little endian.
	if md := adv.ManufacturerData(); len(md) >= 2 {
		payload.ManufacturerData = map[uint16][]byte{
			binary.LittleEndian.Uint16(md[:2]): append([]byte(nil), md[2:]...),
		}
	}

	if sds := adv.ServiceData(); len(sds) > 0 {
		payload.ServiceData = make(map[string][]byte, len(sds))
		for _, sd := range sds {
			if uuid := device.NormalizeUUID(sd.UUID.String()); uuid != "" {
				payload.ServiceData[uuid] = append([]byte(nil), sd.Data...)
			}
		}
	}

	for _, u := range adv.Services() {
		if uuid := device.NormalizeUUID(u.String()); uuid != "" {
			payload.ServiceUUIDs = append(payload.ServiceUUIDs, uuid)
		}
	}

	return device.ScanResult{
		Device: device.DeviceInfo{
			RemoteID: adv.Addr().String(),
			Name:     adv.LocalName(),
			Type:     device.DeviceTypeLE,
		},
		Advertisement: payload,
		RSSI:          adv.RSSI(),
	}
}

// advertises reports whether the result carries one of the filter UUIDs.
// An empty filter matches everything.
func advertises(result device.ScanResult, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, want := range filter {
		for _, have := range result.Advertisement.ServiceUUIDs {
			if device.SameUUID(want, have) {
				return true
			}
		}
		if _, ok := result.Advertisement.ServiceData[device.NormalizeUUID(want)]; ok {
			return true
		}
	}
	return false
}
