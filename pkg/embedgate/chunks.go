package embedgate

import "fmt"

// DefaultChunkSize is the fixed slice size in bytes for chunked saves. It
// stays safely under Firestore's 1 MiB per-document cap once field names and
// key overhead are accounted for.
const DefaultChunkSize = 800_000

// ManifestKey is the fixed document name of the chunk set metadata record
// inside a (user, app) state sub-collection.
const ManifestKey = "manifest"

// ChunkKey returns the document name for a chunk at the given sequence index.
// Keys are zero-padded so lexicographic ordering equals sequence ordering.
func ChunkKey(seq int) string {
	return fmt.Sprintf("chunk_%06d", seq)
}

// splitChunks slices s into len-size pieces, the last possibly shorter.
// An empty string yields no chunks.
func splitChunks(s string, size int) []string {
	if s == "" {
		return nil
	}
	chunks := make([]string, 0, (len(s)+size-1)/size)
	for i := 0; i < len(s); i += size {
		end := i + size
		if end > len(s) {
			end = len(s)
		}
		chunks = append(chunks, s[i:end])
	}
	return chunks
}
