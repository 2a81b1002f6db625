package protocol

import "fmt"

// failureCodes names the bits of the 0x98 failure bitmap, indexed by payload byte then bit
var failureCodes = [][]string{
	{
		"cell voltage high level 1", "cell voltage high level 2",
		"cell voltage low level 1", "cell voltage low level 2",
		"pack voltage high level 1", "pack voltage high level 2",
		"pack voltage low level 1", "pack voltage low level 2",
	},
	{
		"charge temperature high level 1", "charge temperature high level 2",
		"charge temperature low level 1", "charge temperature low level 2",
		"discharge temperature high level 1", "discharge temperature high level 2",
		"discharge temperature low level 1", "discharge temperature low level 2",
	},
	{
		"charge overcurrent level 1", "charge overcurrent level 2",
		"discharge overcurrent level 1", "discharge overcurrent level 2",
		"SOC high level 1", "SOC high level 2",
		"SOC low level 1", "SOC low level 2",
	},
	{
		"cell voltage difference level 1", "cell voltage difference level 2",
		"temperature difference level 1", "temperature difference level 2",
	},
	{
		"charge MOS overtemperature", "discharge MOS overtemperature",
		"charge MOS temperature sensor fault", "discharge MOS temperature sensor fault",
		"charge MOS adhesion fault", "discharge MOS adhesion fault",
		"charge MOS open circuit", "discharge MOS open circuit",
	},
	{
		"AFE acquisition chip fault", "cell voltage acquisition lost",
		"cell temperature sensor fault", "EEPROM fault",
		"RTC fault", "precharge failure",
		"vehicle communication fault", "internal communication fault",
	},
	{
		"current module fault", "pack voltage detection fault",
		"short circuit protection fault", "low voltage charge forbidden",
	},
}

// DecodeFailures lists the active failure names of a 0x98 payload. Unnamed
// bits are reported by position; an all-zero payload yields an empty list.
func DecodeFailures(payload []byte) []string {
	failures := []string{}
	for i, b := range payload {
		if b == 0 {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if b&(1<<bit) == 0 {
				continue
			}
			if i < len(failureCodes) && bit < len(failureCodes[i]) {
				failures = append(failures, failureCodes[i][bit])
			} else {
				failures = append(failures, fmt.Sprintf("unknown failure byte=%d bit=%d", i, bit))
			}
		}
	}
	return failures
}
