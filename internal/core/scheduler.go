package core

// ChunkServers splits servers into consecutive batches of at most size.
// A non-positive size yields a single batch.
func ChunkServers(servers []ServerIdentity, size int) [][]ServerIdentity {
	if len(servers) == 0 {
		return nil
	}
	if size <= 0 {
		return [][]ServerIdentity{servers}
	}
	var chunks [][]ServerIdentity
	for i := 0; i < len(servers); i += size {
		end := i + size
		if end > len(servers) {
			end = len(servers)
		}
		chunks = append(chunks, servers[i:end])
	}
	return chunks
}
