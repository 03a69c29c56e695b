package printer

// ESC/POS control bytes understood by the receipt mechanism.
const (
	esc = 0x1B
	lf  = 0x0A
)

// Heating parameters for ESC 7: max heating dots, heating time, interval.
const (
	densityDots     = 15
	densityTime     = 150
	densityInterval = 250
)

func cmdReset() []byte { return []byte{esc, '@'} }

func cmdDensity(dots, heatTime, interval byte) []byte {
	return []byte{esc, '7', dots, heatTime, interval}
}

func cmdUpsideDown(on bool) []byte { return []byte{esc, '{', flag(on)} }

func cmdLine(s string) []byte {
	b := make([]byte, 0, len(s)+1)
	b = append(b, s...)
	return append(b, lf)
}

func cmdFeed() []byte { return []byte{lf} }

func flag(on bool) byte {
	if on {
		return 1
	}
	return 0
}
