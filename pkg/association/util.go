package association

// Serial number arithmetic (RFC 1982) over the 32-bit TSN space and the
// 16-bit stream sequence space.

func sna32GT(i1, i2 uint32) bool {
	return (i1 < i2 && i2-i1 > 1<<31) || (i1 > i2 && i1-i2 < 1<<31)
}

func sna32GTE(i1, i2 uint32) bool {
	return i1 == i2 || sna32GT(i1, i2)
}

func sna16GT(i1, i2 uint16) bool {
	return (i1 < i2 && i2-i1 > 1<<15) || (i1 > i2 && i1-i2 < 1<<15)
}
