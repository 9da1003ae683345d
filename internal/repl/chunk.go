package repl

// Chunks splits payload into consecutive slices of at most size bytes.
// The slices alias payload.
func Chunks(payload []byte, size int) [][]byte {
	if size <= 0 {
		size = DefaultChunkSize
	}
	chunks := make([][]byte, 0, (len(payload)+size-1)/size)
	for len(payload) > 0 {
		n := min(size, len(payload))
		chunks = append(chunks, payload[:n:n])
		payload = payload[n:]
	}
	return chunks
}
