package shared

var proposalDomain = []byte("poa/proposal")

// ProposalSignedBytes is the message a proposer signs for a block. Two valid
// signatures over different hashes at one height prove equivocation.
func ProposalSignedBytes(height Height, blockHash Hash) []byte {
	msg := make([]byte, 0, len(proposalDomain)+8+HashSize)
	msg = append(msg, proposalDomain...)
	msg = append(msg, Uint64Bytes(uint64(height))...)
	msg = append(msg, blockHash[:]...)
	return msg
}
