package protocol

// crc16IBM computes CRC-16/IBM (Modbus polynomial, reflected 0xA001, zero
// initial value) as used by Teltonika Codec 8/8E/12 frames.
func crc16IBM(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// crc16X25 computes CRC-16/X-25 (reflected 0x1021 => 0x8408, initial 0xFFFF,
// final complement) as used by GT06 frames.
func crc16X25(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0x8408
			} else {
				crc >>= 1
			}
		}
	}
	return ^crc
}

// xorChecksum is the byte-wise XOR used by Meitrack frame trailers.
func xorChecksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum ^= b
	}
	return sum
}
