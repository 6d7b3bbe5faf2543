package cas

// XORKey obscures the device serial inside encrypted command bodies
var XORKey = []byte{0x0c, 0x0e, 0x4a, 0x5e, 0x58, 0x15, 0x40, 0x52, 0x72}

// XORCrypt applies repeating-key XOR in-place. The operation is symmetric.
func XORCrypt(data []byte, key []byte) {
	if len(key) == 0 {
		return
	}
	for i := range data {
		data[i] ^= key[i%len(key)]
	}
}

// ObfuscateSerial returns a copy of serial XORed with XORKey
func ObfuscateSerial(serial []byte) []byte {
	out := make([]byte, len(serial))
	copy(out, serial)
	XORCrypt(out, XORKey)
	return out
}
