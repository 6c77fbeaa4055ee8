// Package chunk splits file payloads into datagram-sized pieces and
// reassembles them on the receiving side.
package chunk

// Count returns how many chunks of size bytes are needed for length bytes.
// An empty payload still travels as one empty chunk.
func Count(length, size int) int {
	if size <= 0 || length <= 0 {
		return 1
	}
	return (length + size - 1) / size
}

// Split cuts data into Count(len(data), size) slices. The slices alias data.
func Split(data []byte, size int) [][]byte {
	n := Count(len(data), size)
	if n == 1 {
		return [][]byte{data}
	}
	out := make([][]byte, 0, n)
	for off := 0; off < len(data); off += size {
		out = append(out, data[off:min(off+size, len(data))])
	}
	return out
}
